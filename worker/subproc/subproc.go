// Package subproc runs extraction in a separate process. The worker binary
// receives the file path and job flags as arguments and must print a JSON
// document on stdout; a non-zero exit, unparsable output, or a context
// timeout is an extraction failure. Crashes cannot take the engine down
// with them.
package subproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/meterline/creditgate"
)

// Worker executes a worker binary per job.
type Worker struct {
	binary string
	args   []string
	env    []string
}

var _ creditgate.Worker = (*Worker)(nil)

// Option configures Worker.
type Option func(*Worker)

// WithArgs prepends fixed arguments before the per-job flags.
func WithArgs(args ...string) Option {
	return func(w *Worker) { w.args = args }
}

// WithEnv appends KEY=value pairs to the inherited environment.
func WithEnv(env ...string) Option {
	return func(w *Worker) { w.env = env }
}

// New creates a subprocess worker for the given binary.
func New(binary string, opts ...Option) (*Worker, error) {
	if _, err := os.Stat(binary); err != nil {
		return nil, fmt.Errorf("creditgate/subproc: worker binary not found: %s", binary)
	}

	w := &Worker{binary: binary}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Extract runs the binary and decodes its stdout. The process is killed
// when ctx expires.
func (w *Worker) Extract(ctx context.Context, job creditgate.Job) (*creditgate.Document, error) {
	args := make([]string, 0, len(w.args)+8)
	args = append(args, w.args...)
	args = append(args, job.Path, "--name", job.Name, "--tier", string(job.Tier))
	if job.Ops.OCR {
		args = append(args, "--ocr")
	}
	if job.Ops.Preview {
		args = append(args, "--preview")
	}
	if job.Ops.Checksums {
		args = append(args, "--checksums")
	}

	cmd := exec.CommandContext(ctx, w.binary, args...)
	cmd.Env = append(os.Environ(), w.env...)
	cmd.WaitDelay = 3 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("creditgate/subproc: run worker: %w", err)
		}
		return nil, fmt.Errorf("creditgate/subproc: run worker: %w: %s", err, msg)
	}

	var doc creditgate.Document
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		return nil, fmt.Errorf("creditgate/subproc: decode worker output: %w", err)
	}
	if doc.ElapsedMS == 0 {
		doc.ElapsedMS = time.Since(start).Milliseconds()
	}
	return &doc, nil
}

// Package mock provides a mock extraction worker for testing.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/meterline/creditgate"
)

// Worker is a mock extraction worker.
type Worker struct {
	latency   time.Duration
	failAfter int
	callCount atomic.Int64
	staticErr error
	document  *creditgate.Document
	extractFn func(creditgate.Job) (*creditgate.Document, error)
}

var _ creditgate.Worker = (*Worker)(nil)

// Option configures a mock Worker.
type Option func(*Worker)

// New creates a mock worker with the given options.
func New(opts ...Option) *Worker {
	w := &Worker{}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(w *Worker) { w.latency = d }
}

// WithFailAfter makes the worker fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(w *Worker) { w.failAfter = n }
}

// WithError makes the worker always return this error.
func WithError(err error) Option {
	return func(w *Worker) { w.staticErr = err }
}

// WithDocument sets the document returned by the mock.
func WithDocument(doc *creditgate.Document) Option {
	return func(w *Worker) { w.document = doc }
}

// WithExtractFunc sets a custom extraction function.
func WithExtractFunc(fn func(creditgate.Job) (*creditgate.Document, error)) Option {
	return func(w *Worker) { w.extractFn = fn }
}

func (w *Worker) Extract(ctx context.Context, job creditgate.Job) (*creditgate.Document, error) {
	if w.latency > 0 {
		select {
		case <-time.After(w.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	count := w.callCount.Add(1)

	if w.staticErr != nil {
		return nil, w.staticErr
	}
	if w.failAfter > 0 && int(count) > w.failAfter {
		return nil, creditgate.ErrWorkerFailed
	}
	if w.extractFn != nil {
		return w.extractFn(job)
	}
	if w.document != nil {
		return w.document, nil
	}

	return &creditgate.Document{
		Fields: map[string]any{
			"name": job.Name,
			"tier": string(job.Tier),
		},
		Pages: 1,
		Words: 42,
	}, nil
}

// CallCount returns the number of calls made to the worker.
func (w *Worker) CallCount() int64 { return w.callCount.Load() }

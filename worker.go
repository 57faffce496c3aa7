package creditgate

import "context"

// Worker is the external extraction boundary: a black box invoked with a
// file path, a tier, and feature flags, returning a metadata document or an
// error. Implementations must honor the context deadline; the engine treats
// a timeout and a crash identically.
type Worker interface {
	Extract(ctx context.Context, job Job) (*Document, error)
}

// Job is the worker's input.
type Job struct {
	Path string
	Name string
	Tier Tier
	Ops  OpFlags
}

// Document is the structured metadata produced by a successful extraction.
type Document struct {
	Fields    map[string]any `json:"fields"`
	Pages     int            `json:"pages,omitempty"`
	Words     int            `json:"words,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms,omitempty"`
}

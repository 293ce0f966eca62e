package provider

import (
	"context"
	"fmt"
)

type Request struct {
	Model        string
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Stream       bool
	// Metadata for tracing
	RequestID string
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

// Usage is a token report attached to a stream chunk. Each report replaces
// the previous one, so adapters send running totals.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

type Chunk struct {
	Delta string
	Done  bool
	Usage *Usage
	Err   error
	// Provider names the backend that produced the chunk when it is routed.
	Provider string
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	SupportedModels() []string
}

// StatusError is returned for any non-2xx provider reply. Whether it is worth
// retrying is decided by the retry classifier, not by the adapter.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Send delivers a chunk unless the consumer has gone away.
func Send(ctx context.Context, ch chan<- *Chunk, c *Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

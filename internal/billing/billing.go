// Package billing prices provider calls and keeps the usage log.
package billing

import (
	"context"
	"time"
)

// UsageRecord is one priced provider call or cache hit. Records are never
// mutated after they are appended to the log.
type UsageRecord struct {
	ID           string    `json:"id,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CacheHit     bool      `json:"cache_hit"`
	LatencyMs    int64     `json:"latency_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// Sink persists usage records outside the process.
type Sink interface {
	LogUsage(ctx context.Context, rec *UsageRecord) error
}

// Store is a Sink that can also answer history queries.
type Store interface {
	Sink
	GetUsage(ctx context.Context, from, to time.Time) ([]*UsageRecord, error)
	GetTotalCost(ctx context.Context, from, to time.Time) (float64, error)
}

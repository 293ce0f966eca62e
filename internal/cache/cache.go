// Package cache stores sanitized provider replies keyed by request fingerprint.
//
// Caching is an optimization only: every backend turns storage failures into a
// miss on Get and a no-op on Put, logging the failure instead of returning it.
package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCacheUnavailable wraps backend failures reported by Clear and Stats.
var ErrCacheUnavailable = errors.New("cache unavailable")

// Usage is the provider token report stored next to a cached reply.
type Usage struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

type Entry struct {
	Key      Key           `json:"key"`
	Content  string        `json:"content"`
	Usage    Usage         `json:"usage"`
	StoredAt time.Time     `json:"stored_at"`
	TTL      time.Duration `json:"ttl"`
}

// Expired reports whether the entry's lifetime has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.StoredAt.Add(e.TTL))
}

type Stats struct {
	Backend     string        `json:"backend"`
	Entries     int64         `json:"entries"`
	ApproxBytes int64         `json:"approx_bytes"`
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	DefaultTTL  time.Duration `json:"default_ttl"`
}

type Store interface {
	Get(ctx context.Context, key Key) (*Entry, bool)
	Put(ctx context.Context, entry *Entry)
	Delete(ctx context.Context, key Key)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) hit() {
	c.hits.Add(1)
}

func (c *counters) miss() {
	c.misses.Add(1)
}

// Nop is a Store that never holds anything. It is used when caching is disabled.
type Nop struct{ counters }

func (n *Nop) Get(context.Context, Key) (*Entry, bool) {
	n.miss()
	return nil, false
}

func (n *Nop) Put(context.Context, *Entry)  {}
func (n *Nop) Delete(context.Context, Key) {}
func (n *Nop) Clear(context.Context) error { return nil }
func (n *Nop) Close() error                { return nil }

func (n *Nop) Stats(context.Context) (Stats, error) {
	return Stats{Backend: "none", Misses: n.misses.Load()}, nil
}

// Sweeper is implemented by backends that need explicit eviction of expired entries.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

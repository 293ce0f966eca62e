// Package ratelimit throttles outbound provider calls.
//
// Bucket is the process-local token bucket every generation passes through.
// Quota is an optional shared per-model tokens-per-minute budget kept in redis.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimitTimeout is returned by Acquire when the configured wait timeout
// elapses before a token becomes available.
var ErrRateLimitTimeout = errors.New("rate limit wait timed out")

type Status struct {
	TokensAvailable float64       `json:"tokens_available"`
	Capacity        int           `json:"capacity"`
	RefillRate      float64       `json:"refill_per_second"`
	NextRefillETA   time.Duration `json:"next_refill_eta"`
	Waiting         int64         `json:"waiting"`
}

// Bucket is a token bucket holding at most capacity tokens, refilled
// continuously at refillPerSecond. Each Acquire consumes one token.
type Bucket struct {
	lim         *rate.Limiter
	capacity    int
	refill      float64
	waitTimeout time.Duration
	waiting     atomic.Int64
	now         func() time.Time
}

type BucketOption func(*Bucket)

// WithWaitTimeout bounds how long Acquire blocks. Zero waits indefinitely.
func WithWaitTimeout(d time.Duration) BucketOption {
	return func(b *Bucket) { b.waitTimeout = d }
}

func NewBucket(capacity int, refillPerSecond float64, opts ...BucketOption) *Bucket {
	if capacity < 1 {
		capacity = 1
	}
	b := &Bucket{
		lim:      rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		capacity: capacity,
		refill:   refillPerSecond,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Acquire blocks until a token is available, ctx is done, or the wait timeout
// elapses. Waiters are served in arrival order.
func (b *Bucket) Acquire(ctx context.Context) error {
	b.waiting.Add(1)
	defer b.waiting.Add(-1)

	waitCtx := ctx
	if b.waitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, b.waitTimeout)
		defer cancel()
	}

	if err := b.lim.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if b.waitTimeout > 0 {
			return ErrRateLimitTimeout
		}
		return err
	}
	return nil
}

// TryAcquire takes a token only if one is available right now.
func (b *Bucket) TryAcquire() bool {
	return b.lim.AllowN(b.now(), 1)
}

func (b *Bucket) Status() Status {
	raw := b.lim.TokensAt(b.now())

	var eta time.Duration
	switch {
	case b.refill <= 0 || raw >= float64(b.capacity):
	case raw < 1:
		eta = seconds((1 - raw) / b.refill)
	default:
		eta = seconds((1 - (raw - math.Floor(raw))) / b.refill)
	}

	return Status{
		TokensAvailable: math.Max(0, math.Min(raw, float64(b.capacity))),
		Capacity:        b.capacity,
		RefillRate:      b.refill,
		NextRefillETA:   eta,
		Waiting:         b.waiting.Load(),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

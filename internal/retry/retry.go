// Package retry wraps a single provider call in exponential backoff with jitter.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Delay returns the wait before the attempt following failed attempt n (1-based),
// before jitter.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

type Option func(*Controller)

// WithSleep replaces the wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithOnRetry registers a hook invoked before each wait with the number of the
// attempt that just failed.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(c *Controller) { c.onRetry = fn }
}

func WithClassifier(cl Classifier) Option {
	return func(c *Controller) { c.classifier = cl }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger.With(zap.String("component", "retry")) }
}

// WithJitterSource overrides the [0,1) source used for jitter.
func WithJitterSource(f func() float64) Option {
	return func(c *Controller) { c.rand = f }
}

type Controller struct {
	policy     Policy
	classifier Classifier
	sleep      func(ctx context.Context, d time.Duration) error
	onRetry    func(attempt int, err error, delay time.Duration)
	rand       func() float64
	logger     *zap.Logger
}

func New(policy Policy, opts ...Option) *Controller {
	def := DefaultPolicy()
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = def.InitialDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = def.Multiplier
	}

	c := &Controller{
		policy:     policy,
		classifier: DefaultClassifier(),
		sleep:      sleepContext,
		rand:       rand.Float64,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) delay(n int) time.Duration {
	d := c.policy.Delay(n)
	if c.policy.Jitter {
		d = time.Duration(float64(d) * (0.5 + c.rand()))
	}
	return d
}

// Do runs fn until it succeeds, fails permanently, or MaxAttempts is reached.
// It returns the number of attempts made.
func (c *Controller) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		last = fn(ctx)
		if last == nil {
			if attempt > 1 {
				c.logger.Info("call succeeded after retry", zap.Int("attempts", attempt))
			}
			return attempt, nil
		}

		// The caller gave up; the attempt's error is just a symptom.
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		if !c.classifier.Retryable(last) {
			c.logger.Debug("permanent failure", zap.Int("attempt", attempt), zap.Error(last))
			var perm *PermanentError
			if errors.As(last, &perm) {
				return attempt, last
			}
			return attempt, &PermanentError{Err: last}
		}

		if attempt >= c.policy.MaxAttempts {
			c.logger.Warn("retries exhausted", zap.Int("attempts", attempt), zap.Error(last))
			return attempt, &ExhaustedError{Attempts: attempt, Last: last}
		}

		d := c.delay(attempt)
		c.logger.Debug("retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.policy.MaxAttempts),
			zap.Duration("delay", d),
			zap.Error(last),
		)
		if c.onRetry != nil {
			c.onRetry(attempt, last, d)
		}

		if err := c.sleep(ctx, d); err != nil {
			return attempt, err
		}
	}
}

// Run is Do for calls that produce a value.
func Run[T any](ctx context.Context, c *Controller, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var out T
	attempts, err := c.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, attempts, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

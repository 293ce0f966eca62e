package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/vnmchuo/llm-orchestrator/internal/billing"
	"github.com/vnmchuo/llm-orchestrator/internal/cache"
)

// UsageWindow is satisfied by the orchestrator.
type UsageWindow interface {
	UsageReset() billing.Summary
}

// UsageReport closes the current usage window and logs its totals.
type UsageReport struct {
	Window UsageWindow
	Logger *zap.Logger
}

func (u *UsageReport) Name() string { return "usage-report" }

func (u *UsageReport) Run(ctx context.Context) error {
	s := u.Window.UsageReset()
	u.Logger.Info("usage report",
		zap.Int("requests", s.TotalRequests),
		zap.Int("cache_hits", s.CacheHits),
		zap.Int("input_tokens", s.TotalInputTokens),
		zap.Int("output_tokens", s.TotalOutputTokens),
		zap.Float64("total_cost_usd", s.TotalCost),
		zap.Float64("average_cost_usd", s.AverageCost),
		zap.Any("per_model", s.PerModel),
	)
	return nil
}

// CacheSweep evicts expired entries from stores that do not expire natively.
type CacheSweep struct {
	Store  cache.Sweeper
	Logger *zap.Logger
}

func (c *CacheSweep) Name() string { return "cache-sweep" }

func (c *CacheSweep) Run(ctx context.Context) error {
	if n := c.Store.Sweep(ctx); n > 0 {
		c.Logger.Debug("expired cache entries evicted", zap.Int("entries", n))
	}
	return ctx.Err()
}

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

var ErrQuotaExceeded = errors.New("model token quota exceeded")

// Quota is a per-model tokens-per-minute budget shared through redis by every
// replica. It wraps github.com/vnmchuo/ratelimiter.
type Quota struct {
	store extratelimit.Limiter
}

func NewQuota(rdb *redis.Client, tokensPerMinute int64) *Quota {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Quota{store: store}
}

func NewTestQuota(store extratelimit.Limiter) *Quota {
	return &Quota{store: store}
}

func quotaKey(model string) string {
	return fmt.Sprintf("quota:model:%s", model)
}

// Allow charges tokens against the model's budget for the current window.
func (q *Quota) Allow(ctx context.Context, model string, tokens int) (bool, error) {
	if tokens < 1 {
		tokens = 1
	}
	res, err := q.store.AllowN(ctx, quotaKey(model), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (q *Quota) Status(ctx context.Context, model string) (*extratelimit.Result, error) {
	return q.store.Status(ctx, quotaKey(model))
}

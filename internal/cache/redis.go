package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "llm:"

// RedisStore keeps entries in redis with a native expiry, so it can be shared
// by every replica of the service.
type RedisStore struct {
	counters
	rdb        *redis.Client
	defaultTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func NewRedisStore(rdb *redis.Client, defaultTTL time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		rdb:        rdb,
		defaultTTL: defaultTTL,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "cache.redis")),
	}
}

func (s *RedisStore) redisKey(key Key) string {
	return redisKeyPrefix + string(key)
}

func (s *RedisStore) Get(ctx context.Context, key Key) (*Entry, bool) {
	data, err := s.rdb.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("redis get failed, treating as miss", zap.String("key", key.Short()), zap.Error(err))
		}
		s.miss()
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Warn("corrupt cache entry, treating as miss", zap.String("key", key.Short()), zap.Error(err))
		s.miss()
		return nil, false
	}

	// Redis expiry has second granularity; never serve past the entry's own deadline.
	if entry.Expired(s.now()) {
		s.miss()
		return nil, false
	}

	s.hit()
	return &entry, true
}

func (s *RedisStore) Put(ctx context.Context, entry *Entry) {
	if entry == nil {
		return
	}
	e := *entry
	if e.TTL <= 0 {
		e.TTL = s.defaultTTL
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = s.now()
	}

	data, err := json.Marshal(&e)
	if err != nil {
		s.logger.Warn("marshal cache entry failed", zap.Error(err))
		return
	}

	if err := s.rdb.Set(ctx, s.redisKey(e.Key), data, e.TTL).Err(); err != nil {
		s.logger.Warn("redis set failed, skipping cache write", zap.String("key", e.Key.Short()), zap.Error(err))
	}
}

func (s *RedisStore) Delete(ctx context.Context, key Key) {
	if err := s.rdb.Del(ctx, s.redisKey(key)).Err(); err != nil {
		s.logger.Warn("redis del failed", zap.String("key", key.Short()), zap.Error(err))
	}
}

// scan walks every key under the cache prefix, 100 at a time.
func (s *RedisStore) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("%w: scan: %v", ErrCacheUnavailable, err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *RedisStore) Clear(ctx context.Context) error {
	deleted := 0
	err := s.scan(ctx, func(keys []string) error {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("%w: del: %v", ErrCacheUnavailable, err)
		}
		deleted += len(keys)
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("cache cleared", zap.Int("entries", deleted))
	return nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Backend:    "redis",
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		DefaultTTL: s.defaultTTL,
	}

	err := s.scan(ctx, func(keys []string) error {
		stats.Entries += int64(len(keys))
		pipe := s.rdb.Pipeline()
		lens := make([]*redis.IntCmd, len(keys))
		for i, k := range keys {
			lens[i] = pipe.StrLen(ctx, k)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("%w: strlen: %v", ErrCacheUnavailable, err)
		}
		for _, l := range lens {
			stats.ApproxBytes += l.Val()
		}
		return nil
	})
	return stats, err
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/llm-orchestrator/config"
	"github.com/vnmchuo/llm-orchestrator/internal/billing"
	"github.com/vnmchuo/llm-orchestrator/internal/cache"
	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/provider/claude"
	"github.com/vnmchuo/llm-orchestrator/internal/provider/gemini"
	"github.com/vnmchuo/llm-orchestrator/internal/provider/openai"
	"github.com/vnmchuo/llm-orchestrator/internal/provider/stub"
)

// backends holds the external connections shared by the commands. Close
// releases whatever was opened.
type backends struct {
	rdb     *redis.Client
	pool    *pgxpool.Pool
	cache   cache.Store
	billing *billing.PostgresStore
}

func (b *backends) Close() {
	if b.cache != nil {
		_ = b.cache.Close()
	}
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}

	if cfg.RedisAddr != "" {
		b.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := b.rdb.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		logger.Info("redis connected", zap.String("addr", cfg.RedisAddr))
	}

	switch cfg.CacheBackend {
	case "redis":
		b.cache = cache.NewRedisStore(b.rdb, cfg.CacheTTL, logger)
	case "sqlite":
		s, err := cache.NewSQLiteStore(cfg.SQLitePath, cfg.CacheTTL, logger)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to open sqlite cache: %w", err)
		}
		b.cache = s
	case "none":
		b.cache = &cache.Nop{}
	default:
		b.cache = cache.NewMemoryStore(cfg.CacheTTL, logger)
	}

	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		b.pool = pool
		if err := pool.Ping(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		b.billing = billing.NewPostgresStore(pool)
		if err := b.billing.Migrate(ctx); err != nil {
			b.Close()
			return nil, err
		}
		logger.Info("postgres usage store ready")
	}

	return b, nil
}

// buildProviders returns one adapter per configured API key, or the offline
// stub in lite mode.
func buildProviders(cfg *config.Config) []provider.Provider {
	if cfg.LiteMode {
		return []provider.Provider{stub.New()}
	}

	var providers []provider.Provider
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, claude.New(cfg.AnthropicAPIKey))
	}
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, openai.New(cfg.OpenAIAPIKey))
	}
	if cfg.GeminiAPIKey != "" {
		providers = append(providers, gemini.New(cfg.GeminiAPIKey))
	}
	return providers
}

func loadPrices(cfg *config.Config) (*billing.PriceTable, error) {
	if cfg.PricingFile == "" {
		return billing.DefaultPriceTable(), nil
	}
	return billing.LoadPriceTable(cfg.PricingFile)
}

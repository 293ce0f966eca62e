package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port     string // default: 8080
	LogLevel string // debug, info, warn, error

	// Cache
	CacheBackend string // memory, redis, sqlite or none
	CacheTTL     time.Duration
	RedisAddr    string
	SQLitePath   string

	// Usage sink, optional
	PostgresDSN string

	// Providers
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string
	LiteMode        bool
	DefaultModel    string

	// Rate limiting
	RateLimitCapacity    int
	RateLimitRefill      float64 // tokens per second
	RateLimitWaitTimeout time.Duration
	ModelTPMQuota        int64 // 0 disables the shared quota

	// Retry
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryJitter       bool
	RetryStatusCodes  []int

	// Validation
	ValidationMinLength int
	ValidationMaxLength int

	// Accounting
	PricingFile         string
	UsageReportInterval time.Duration

	// Streaming
	StreamBuffer           int
	EstimateCancelledUsage bool

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		CacheBackend:         getEnv("CACHE_BACKEND", "memory"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		SQLitePath:           getEnv("SQLITE_PATH", "llm_cache.db"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		DefaultModel:         getEnv("DEFAULT_MODEL", "claude-sonnet-4-20250514"),
		PricingFile:          os.Getenv("PRICING_FILE"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	p := &parser{}
	cfg.CacheTTL = p.duration("CACHE_TTL", "1h")
	cfg.LiteMode = p.boolean("LITE_MODE", "false")
	cfg.RateLimitCapacity = p.integer("RATE_LIMIT_CAPACITY", "50")
	cfg.RateLimitRefill = p.float("RATE_LIMIT_REFILL_PER_SECOND", "0.8333")
	cfg.RateLimitWaitTimeout = p.duration("RATE_LIMIT_WAIT_TIMEOUT", "0s")
	cfg.ModelTPMQuota = int64(p.integer("MODEL_TPM_QUOTA", "0"))
	cfg.RetryMaxAttempts = p.integer("RETRY_MAX_ATTEMPTS", "3")
	cfg.RetryInitialDelay = p.duration("RETRY_INITIAL_DELAY", "1s")
	cfg.RetryMaxDelay = p.duration("RETRY_MAX_DELAY", "60s")
	cfg.RetryMultiplier = p.float("RETRY_MULTIPLIER", "2")
	cfg.RetryJitter = p.boolean("RETRY_JITTER", "true")
	cfg.RetryStatusCodes = p.intList("RETRY_STATUS_CODES", "408,429,500,502,503,504")
	cfg.ValidationMinLength = p.integer("VALIDATION_MIN_LENGTH", "100")
	cfg.ValidationMaxLength = p.integer("VALIDATION_MAX_LENGTH", "50000")
	cfg.UsageReportInterval = p.duration("USAGE_REPORT_INTERVAL", "0s")
	cfg.StreamBuffer = p.integer("STREAM_BUFFER", "16")
	cfg.EstimateCancelledUsage = p.boolean("ESTIMATE_CANCELLED_USAGE", "false")
	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.CacheBackend {
	case "memory", "sqlite", "none":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when CACHE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("invalid CACHE_BACKEND %q", c.CacheBackend)
	}

	if c.ModelTPMQuota > 0 && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when MODEL_TPM_QUOTA is set")
	}
	if c.RateLimitCapacity < 1 {
		return fmt.Errorf("RATE_LIMIT_CAPACITY must be at least 1")
	}
	if c.RateLimitRefill <= 0 {
		return fmt.Errorf("RATE_LIMIT_REFILL_PER_SECOND must be positive")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be at least 1")
	}
	if c.ValidationMaxLength < c.ValidationMinLength {
		return fmt.Errorf("VALIDATION_MAX_LENGTH must not be below VALIDATION_MIN_LENGTH")
	}
	return nil
}

// RequireProvider checks that the server has a backend to call. Management
// commands skip it since they only touch storage.
func (c *Config) RequireProvider() error {
	if !c.LiteMode && c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" && c.GeminiAPIKey == "" {
		return fmt.Errorf("at least one provider API key is required unless LITE_MODE=true")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (p *parser) integer(key, fallback string) int {
	v, err := strconv.Atoi(getEnv(key, fallback))
	if err != nil {
		p.fail(key, err)
	}
	return v
}

func (p *parser) float(key, fallback string) float64 {
	v, err := strconv.ParseFloat(getEnv(key, fallback), 64)
	if err != nil {
		p.fail(key, err)
	}
	return v
}

func (p *parser) boolean(key, fallback string) bool {
	v, err := strconv.ParseBool(getEnv(key, fallback))
	if err != nil {
		p.fail(key, err)
	}
	return v
}

func (p *parser) duration(key, fallback string) time.Duration {
	v, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		p.fail(key, err)
	}
	return v
}

func (p *parser) intList(key, fallback string) []int {
	var out []int
	for _, part := range strings.Split(getEnv(key, fallback), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			p.fail(key, err)
			return nil
		}
		out = append(out, v)
	}
	return out
}

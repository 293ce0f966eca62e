// Package orchestrator runs every model invocation through the cache, rate
// limiter, retry controller, validator and usage accountant.
//
// A single Orchestrator is built in main and shared by all callers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/llm-orchestrator/internal/billing"
	"github.com/vnmchuo/llm-orchestrator/internal/cache"
	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/retry"
	"github.com/vnmchuo/llm-orchestrator/internal/telemetry"
	"github.com/vnmchuo/llm-orchestrator/internal/validate"
	"github.com/vnmchuo/llm-orchestrator/pkg/ratelimit"
)

const (
	DefaultMaxTokens    = 4096
	DefaultStreamBuffer = 16
)

// Deps are the collaborators of an Orchestrator. Provider, Limiter, Retry,
// Validator and Accountant are required.
type Deps struct {
	Provider   provider.Provider
	Cache      cache.Store
	Limiter    *ratelimit.Bucket
	Quota      *ratelimit.Quota
	Retry      *retry.Controller
	Validator  *validate.Validator
	Accountant *billing.Accountant
	Estimator  *billing.Estimator
	Metrics    *telemetry.Metrics
	Tracer     trace.Tracer
	Logger     *zap.Logger
}

type Options struct {
	DefaultModel     string
	DefaultMaxTokens int
	// CacheTTL applies to stored replies; zero uses the store's default.
	CacheTTL time.Duration
	// StreamBuffer bounds the number of undelivered stream events.
	StreamBuffer int
	// EstimateCancelledUsage bills the delivered part of a cancelled stream
	// using a local tokenizer when the provider reported no usage.
	EstimateCancelledUsage bool
}

type Orchestrator struct {
	provider   provider.Provider
	cache      cache.Store
	limiter    *ratelimit.Bucket
	quota      *ratelimit.Quota
	retry      *retry.Controller
	validator  *validate.Validator
	accountant *billing.Accountant
	estimator  *billing.Estimator
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
	opts       Options
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Provider == nil:
		return nil, errors.New("orchestrator: provider is required")
	case deps.Limiter == nil:
		return nil, errors.New("orchestrator: rate limiter is required")
	case deps.Retry == nil:
		return nil, errors.New("orchestrator: retry controller is required")
	case deps.Validator == nil:
		return nil, errors.New("orchestrator: validator is required")
	case deps.Accountant == nil:
		return nil, errors.New("orchestrator: accountant is required")
	}

	if deps.Cache == nil {
		deps.Cache = &cache.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(telemetry.TracerName)
	}
	if opts.DefaultMaxTokens <= 0 {
		opts.DefaultMaxTokens = DefaultMaxTokens
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = DefaultStreamBuffer
	}
	if opts.EstimateCancelledUsage && deps.Estimator == nil {
		deps.Estimator = billing.NewEstimator(deps.Logger)
	}

	return &Orchestrator{
		provider:   deps.Provider,
		cache:      deps.Cache,
		limiter:    deps.Limiter,
		quota:      deps.Quota,
		retry:      deps.Retry,
		validator:  deps.Validator,
		accountant: deps.Accountant,
		estimator:  deps.Estimator,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		logger:     deps.Logger.With(zap.String("component", "orchestrator")),
		opts:       opts,
	}, nil
}

// normalize fills defaults and validates req.
func (o *Orchestrator) normalize(req Request) (Request, error) {
	if req.Model == "" {
		req.Model = o.opts.DefaultModel
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = o.opts.DefaultMaxTokens
	}
	return req, req.Validate()
}

func (o *Orchestrator) providerRequest(req Request, requestID string, stream bool) *provider.Request {
	return &provider.Request{
		Model:        req.Model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		Stream:       stream,
		RequestID:    requestID,
	}
}

// admit waits for a rate limit token and charges the model quota.
func (o *Orchestrator) admit(ctx context.Context, req Request, logger *zap.Logger) error {
	start := time.Now()
	if err := o.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	o.metrics.RateWait(time.Since(start))

	if o.quota == nil {
		return nil
	}
	budget := req.MaxTokens + (len(req.Prompt)+len(req.SystemPrompt))/4
	allowed, err := o.quota.Allow(ctx, req.Model, budget)
	if err != nil {
		logger.Warn("quota store unavailable, allowing request", zap.Error(err))
		return nil
	}
	if !allowed {
		return fmt.Errorf("%w for %s", ratelimit.ErrQuotaExceeded, req.Model)
	}
	return nil
}

func (o *Orchestrator) storeInCache(ctx context.Context, key cache.Key, content string, usage billing.UsageRecord) {
	o.cache.Put(ctx, &cache.Entry{
		Key:     key,
		Content: content,
		Usage: cache.Usage{
			Model:        usage.Model,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		},
		TTL: o.opts.CacheTTL,
	})
}

// Generate serves req from the cache or the provider.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Result, error) {
	req, err := o.normalize(req)
	if err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	ctx, span := o.tracer.Start(ctx, "orchestrator.Generate", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.max_tokens", req.MaxTokens),
	))
	defer span.End()

	logger := o.logger.With(zap.String("request_id", requestID), zap.String("model", req.Model))
	st := newTracker(ctx, logger)

	fail := func(err error) (*Result, error) {
		st.to(StateError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.Request(req.Model, "sync", "error")
		logger.Error("generation failed", zap.Error(err), zap.String("path", st.String()))
		return nil, err
	}

	st.to(StateCacheCheck)
	key := req.Key()
	if entry, ok := o.cache.Get(ctx, key); ok {
		st.to(StateHit)
		o.metrics.CacheLookup(true)
		usage := o.accountant.Add(billing.UsageRecord{
			RequestID:    requestID,
			Provider:     "cache",
			Model:        req.Model,
			InputTokens:  entry.Usage.InputTokens,
			OutputTokens: entry.Usage.OutputTokens,
			CacheHit:     true,
		})
		st.to(StateDone)
		span.SetAttributes(attribute.Bool("cache.hit", true))
		o.metrics.Request(req.Model, "sync", "cache_hit")
		logger.Info("served from cache", zap.String("key", key.Short()), zap.String("path", st.String()))

		return &Result{
			RequestID: requestID,
			Content:   entry.Content,
			Usage:     usage,
			Validation: validate.Result{
				Valid:        true,
				Sanitized:    entry.Content,
				QualityScore: validate.AssessQuality(entry.Content).Score,
			},
			CacheHit: true,
		}, nil
	}
	st.to(StateMiss)
	o.metrics.CacheLookup(false)

	st.to(StateRateWait)
	if err := o.admit(ctx, req, logger); err != nil {
		return fail(err)
	}

	st.to(StateProviderCall)
	preq := o.providerRequest(req, requestID, false)
	start := time.Now()
	resp, attempts, err := retry.Run(ctx, o.retry, func(ctx context.Context) (*provider.Response, error) {
		return o.provider.Complete(ctx, preq)
	})
	latency := time.Since(start)
	o.metrics.ProviderCall(req.Model, latency, attempts)
	span.SetAttributes(attribute.Int("retry.attempts", attempts))
	if err != nil {
		st.to(StateFailure)
		return fail(fmt.Errorf("provider call: %w", err))
	}
	st.to(StateSuccess)

	st.to(StateValidate)
	v := o.validator.Validate(resp.Content)
	o.metrics.Validation(v.Valid, v.QualityScore)

	usage := o.accountant.Add(billing.UsageRecord{
		RequestID:    requestID,
		Provider:     resp.Provider,
		Model:        req.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		LatencyMs:    latency.Milliseconds(),
	})
	o.metrics.Usage(req.Model, usage.InputTokens, usage.OutputTokens, usage.CostUSD)

	st.to(StateCacheStore)
	o.storeInCache(ctx, key, v.Sanitized, usage)

	st.to(StateDone)
	o.metrics.Request(req.Model, "sync", "success")
	logger.Info("generation completed",
		zap.Int("attempts", attempts),
		zap.Int64("latency_ms", latency.Milliseconds()),
		zap.Float64("cost_usd", usage.CostUSD),
		zap.Bool("valid", v.Valid),
		zap.String("path", st.String()),
	)

	return &Result{
		RequestID:  requestID,
		Content:    v.Sanitized,
		Usage:      usage,
		Validation: v,
		Attempts:   attempts,
	}, nil
}

func (o *Orchestrator) CacheStats(ctx context.Context) (cache.Stats, error) {
	return o.cache.Stats(ctx)
}

func (o *Orchestrator) CacheClear(ctx context.Context) error {
	return o.cache.Clear(ctx)
}

// CacheInvalidate drops the cached reply for req, if any.
func (o *Orchestrator) CacheInvalidate(ctx context.Context, req Request) error {
	req, err := o.normalize(req)
	if err != nil {
		return err
	}
	o.cache.Delete(ctx, req.Key())
	return nil
}

func (o *Orchestrator) RateLimitStatus() ratelimit.Status {
	return o.limiter.Status()
}

// QuotaStatus reports the shared token budget of model. It returns nil when no
// quota is configured.
func (o *Orchestrator) QuotaStatus(ctx context.Context, model string) (*extratelimit.Result, error) {
	if o.quota == nil {
		return nil, nil
	}
	return o.quota.Status(ctx, model)
}

func (o *Orchestrator) UsageSummary() billing.Summary {
	return o.accountant.Summary()
}

func (o *Orchestrator) UsageRecent(n int) []billing.UsageRecord {
	return o.accountant.Recent(n)
}

func (o *Orchestrator) UsageExport() billing.Export {
	return o.accountant.Export()
}

// UsageReset closes the current reporting window.
func (o *Orchestrator) UsageReset() billing.Summary {
	return o.accountant.Reset()
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/llm-orchestrator/config"
	"github.com/vnmchuo/llm-orchestrator/internal/billing"
	"github.com/vnmchuo/llm-orchestrator/internal/cache"
	"github.com/vnmchuo/llm-orchestrator/internal/orchestrator"
	"github.com/vnmchuo/llm-orchestrator/internal/provider/stub"
	"github.com/vnmchuo/llm-orchestrator/internal/proxy"
	"github.com/vnmchuo/llm-orchestrator/internal/retry"
	"github.com/vnmchuo/llm-orchestrator/internal/telemetry"
	"github.com/vnmchuo/llm-orchestrator/internal/validate"
	"github.com/vnmchuo/llm-orchestrator/internal/worker"
	"github.com/vnmchuo/llm-orchestrator/pkg/ratelimit"
)

const serviceName = "llm-orchestrator"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.RequireProvider(); err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	// 3. Connect backends
	ctx := context.Background()
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	// 4. Init providers and router
	providers := buildProviders(cfg)
	router := proxy.NewRouter(providers)
	defaultModel := cfg.DefaultModel
	if cfg.LiteMode {
		defaultModel = stub.Model
		logger.Warn("lite mode enabled, provider calls are served by the offline stub")
	}

	// 5. Init accounting
	prices, err := loadPrices(cfg)
	if err != nil {
		return err
	}
	var acctOpts []billing.AccountantOption
	var history billing.Store
	if b.billing != nil {
		acctOpts = append(acctOpts, billing.WithSink(b.billing))
		history = b.billing
	}
	accountant := billing.NewAccountant(prices, logger, acctOpts...)
	defer accountant.Close()

	// 6. Init rate limiting and retry
	limiter := ratelimit.NewBucket(cfg.RateLimitCapacity, cfg.RateLimitRefill,
		ratelimit.WithWaitTimeout(cfg.RateLimitWaitTimeout))
	var quota *ratelimit.Quota
	if cfg.ModelTPMQuota > 0 {
		quota = ratelimit.NewQuota(b.rdb, cfg.ModelTPMQuota)
	}

	retryer := retry.New(retry.Policy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Multiplier:   cfg.RetryMultiplier,
		Jitter:       cfg.RetryJitter,
	},
		retry.WithClassifier(retry.Classifier{RetryableStatus: cfg.RetryStatusCodes}),
		retry.WithLogger(logger),
	)

	// 7. Init orchestrator
	orch, err := orchestrator.New(orchestrator.Deps{
		Provider: router,
		Cache:    b.cache,
		Limiter:  limiter,
		Quota:    quota,
		Retry:    retryer,
		Validator: validate.New(validate.Config{
			MinLength:        cfg.ValidationMinLength,
			MaxLength:        cfg.ValidationMaxLength,
			CheckHarmful:     true,
			CheckFabrication: true,
		}, logger),
		Accountant: accountant,
		Estimator:  billing.NewEstimator(logger),
		Metrics:    metrics,
		Tracer:     otel.GetTracerProvider().Tracer(telemetry.TracerName),
		Logger:     logger,
	}, orchestrator.Options{
		DefaultModel:           defaultModel,
		CacheTTL:               cfg.CacheTTL,
		StreamBuffer:           cfg.StreamBuffer,
		EstimateCancelledUsage: cfg.EstimateCancelledUsage,
	})
	if err != nil {
		return err
	}

	// 8. Background jobs
	jobs := worker.NewScheduler(logger)
	jobs.Every(cfg.UsageReportInterval, &worker.UsageReport{Window: orch, Logger: logger})
	if sw, ok := b.cache.(cache.Sweeper); ok {
		jobs.Every(sweepInterval(cfg.CacheTTL), &worker.CacheSweep{Store: sw, Logger: logger})
	}
	jobs.Start(ctx)
	defer jobs.Stop()

	// 9. Init Chi router
	handler := proxy.NewHandler(orch, router, history, otel.GetTracerProvider().Tracer(telemetry.TracerName), logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"service":   serviceName,
			"lite_mode": cfg.LiteMode,
			"jobs":      jobs.Status(),
		})
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Route("/v1", handler.Routes)

	// 10. Graceful shutdown. No WriteTimeout: streamed responses are long-lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("llm orchestrator starting",
			zap.String("port", cfg.Port),
			zap.String("cache_backend", cfg.CacheBackend),
			zap.Strings("models", router.SupportedModels()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited", zap.Any("usage", orch.UsageSummary()))
	return nil
}

func sweepInterval(ttl time.Duration) time.Duration {
	if d := ttl / 2; d > time.Minute {
		return d
	}
	return time.Minute
}

// requestLogger replaces chi's stdlib logger middleware with zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

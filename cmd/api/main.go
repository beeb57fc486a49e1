package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/docqa/internal/api"
	"github.com/dunamismax/docqa/internal/bootstrap"
	"github.com/dunamismax/docqa/internal/config"
	"github.com/dunamismax/docqa/internal/logging"
	"github.com/dunamismax/docqa/internal/queue"
	"github.com/dunamismax/docqa/internal/ratelimit"
	"github.com/dunamismax/docqa/internal/store"
	"github.com/dunamismax/docqa/internal/telemetry"
	"github.com/dunamismax/docqa/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg := config.Load()
	logger := logging.New("docqa-api", cfg.Log.Level, cfg.Log.Format)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "docqa-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}

	stores, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open job store failed")
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Error().Err(err).Msg("job store close error")
		}
	}()

	artifacts, err := bootstrap.NewStorage(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("object storage setup failed")
	}

	var (
		dispatcher queue.Dispatcher
		pool       *queue.Pool
		registry   *prometheus.Registry
	)
	switch cfg.API.DispatchMode {
	case config.DispatchAsynq:
		client := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Worker.JobTimeout)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Error().Err(err).Msg("queue client close error")
			}
		}()
		dispatcher = client
		logger.Info().Str("queue", cfg.Queue.Name).Str("redis", cfg.Queue.RedisAddr).Msg("dispatching to asynq")
	default:
		// Single-process mode: jobs run in this process and share its /metrics.
		workerMetrics := worker.NewMetrics()
		registry = workerMetrics.Registry()

		jobRunner, err := bootstrap.NewRunner(cfg, stores.Jobs, artifacts, registry, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("runner setup failed")
		}
		processor := worker.NewProcessor(logger, jobRunner, cfg.Worker.MaxActiveJobs, workerMetrics)
		pool = queue.NewPool(processor.Process, logger,
			queue.WithWorkers(cfg.Worker.PoolWorkers),
			queue.WithQueueSize(cfg.Worker.PoolQueueSize),
			queue.WithJobTimeout(cfg.Worker.JobTimeout),
		)
		dispatcher = pool
		logger.Info().Int("workers", cfg.Worker.PoolWorkers).Msg("dispatching to in-process pool")
	}

	if stores.Reaper != nil {
		go store.RunReaper(ctx, stores.Reaper, cfg.Store.ReapInterval, cfg.Store.TTL, logger)
	}

	opts := []api.Option{api.WithTracer(otel.Tracer("docqa/api"))}
	if registry != nil {
		opts = append(opts, api.WithRegistry(registry))
	}
	if artifacts != nil {
		opts = append(opts, api.WithArtifacts(artifacts))
	}
	if limiter := newRateLimiter(cfg, logger); limiter != nil {
		opts = append(opts, api.WithRateLimiter(limiter))
	}

	app, err := api.NewServer(logger, stores.Jobs, dispatcher, api.Config{
		UploadDir:       cfg.API.UploadDir,
		MaxUploadBytes:  cfg.API.MaxUploadBytes,
		PublicBaseURL:   cfg.API.PublicBaseURL,
		QueueName:       cfg.Queue.Name,
		PresignTTL:      cfg.Storage.PresignTTL,
		DispatchTimeout: cfg.Queue.EnqueueTimeout,
	}, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("api setup failed")
	}

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Str("dispatch", cfg.API.DispatchMode).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if pool != nil {
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("worker pool did not drain")
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown failed")
	}
}

// newRateLimiter shares buckets through Redis whenever Redis is already part
// of the deployment. A scope with a non-positive budget is left unlimited.
func newRateLimiter(cfg config.Config, logger zerolog.Logger) ratelimit.Limiter {
	policies := ratelimit.Policies{}
	if cfg.API.RateLimitUploads > 0 {
		policies[ratelimit.ScopeUpload] = ratelimit.Policy{Capacity: cfg.API.RateLimitUploads, Window: cfg.API.RateLimitWindow}
	}
	if cfg.API.RateLimitJobs > 0 {
		policies[ratelimit.ScopeJobs] = ratelimit.Policy{Capacity: cfg.API.RateLimitJobs, Window: cfg.API.RateLimitWindow}
	}
	if len(policies) == 0 {
		return nil
	}

	if cfg.API.DispatchMode == config.DispatchAsynq || cfg.Store.Backend == config.StoreRedis {
		limiter, err := ratelimit.NewRedisTokenBucket(bootstrap.RedisClient(cfg.Queue), policies, ratelimit.DefaultKeyPrefix)
		if err == nil {
			return limiter
		}
		logger.Warn().Err(err).Msg("redis rate limiter unavailable, using in-memory limiter")
	}

	limiter, err := ratelimit.NewMemoryLimiter(policies)
	if err != nil {
		logger.Warn().Err(err).Msg("rate limiting disabled")
		return nil
	}
	return limiter
}

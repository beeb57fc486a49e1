package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/docqa/internal/bootstrap"
	"github.com/dunamismax/docqa/internal/config"
	"github.com/dunamismax/docqa/internal/logging"
	"github.com/dunamismax/docqa/internal/store"
	"github.com/dunamismax/docqa/internal/telemetry"
	"github.com/dunamismax/docqa/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New("docqa-worker", cfg.Log.Level, cfg.Log.Format)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Store.Backend == config.StoreMemory {
		logger.Fatal().Msg("the worker needs a shared job store: set DOCQA_STORE=redis or postgres")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "docqa-worker",
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

	metrics := worker.NewMetrics()
	jobRunner, err := bootstrap.NewRunner(cfg, stores.Jobs, artifacts, metrics.Registry(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("runner setup failed")
	}

	processor := worker.NewProcessor(logger, jobRunner, cfg.Worker.MaxActiveJobs, metrics)
	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, processor)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker setup failed")
	}

	if stores.Reaper != nil {
		go store.RunReaper(ctx, stores.Reaper, cfg.Store.ReapInterval, cfg.Store.TTL, logger)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_jobs", cfg.Worker.MaxActiveJobs).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Str("metrics_addr", cfg.Worker.MetricsAddr).
		Msg("starting worker")

	// asynq.Server.Run blocks until SIGINT/SIGTERM and shuts down on its own.
	if err := srv.Run(); err != nil {
		logger.Error().Err(err).Msg("worker failed")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown failed")
	}
}

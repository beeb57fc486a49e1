// Package bootstrap holds the dependency wiring shared by cmd/api and
// cmd/worker.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/dunamismax/docqa/internal/config"
	"github.com/dunamismax/docqa/internal/generator"
	"github.com/dunamismax/docqa/internal/runner"
	"github.com/dunamismax/docqa/internal/storage"
	"github.com/dunamismax/docqa/internal/store"
	"github.com/dunamismax/docqa/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Stores is the opened job store plus what the process must run or close
// alongside it.
type Stores struct {
	Jobs store.JobStore
	// Reaper is nil for Redis, whose keys expire on their own.
	Reaper store.Reaper
	closers []func() error
}

func (s *Stores) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func RedisClient(q config.QueueConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	})
}

// OpenStore opens the configured job store backend.
func OpenStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Stores, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory, "":
		jobs := store.NewMemoryJobStore()
		logger.Info().Str("backend", config.StoreMemory).Msg("job store ready")
		return &Stores{Jobs: jobs, Reaper: jobs}, nil

	case config.StoreRedis:
		client := RedisClient(cfg.Queue)
		jobs, err := store.NewRedisJobStore(ctx, client, cfg.Store.TTL)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		logger.Info().Str("backend", config.StoreRedis).Str("addr", cfg.Queue.RedisAddr).Dur("ttl", cfg.Store.TTL).Msg("job store ready")
		return &Stores{Jobs: jobs, closers: []func() error{client.Close}}, nil

	case config.StorePostgres:
		jobs, err := store.NewPostgresJobStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("backend", config.StorePostgres).Msg("job store ready")
		return &Stores{Jobs: jobs, Reaper: jobs, closers: []func() error{jobs.Close}}, nil

	default:
		return nil, fmt.Errorf("unsupported job store backend %q", cfg.Store.Backend)
	}
}

// NewStorage returns nil when object storage is disabled.
func NewStorage(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (*storage.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Endpoint,
		Access:   cfg.AccessKey,
		Secret:   cfg.SecretKey,
		Bucket:   cfg.Bucket,
		UseSSL:   cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", client.Bucket()).Msg("object storage ready")
	return client, nil
}

// NewRunner builds a runner around the HTTP generator. artifacts may be nil.
func NewRunner(cfg config.Config, jobs store.JobStore, artifacts *storage.Client, reg prometheus.Registerer, logger zerolog.Logger) (*runner.Runner, error) {
	gen, err := generator.NewHTTPClient(generator.HTTPClientConfig{
		BaseURL: cfg.Generator.BaseURL,
		APIKey:  cfg.Generator.APIKey,
		Timeout: cfg.Generator.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	opts := []runner.Option{
		runner.WithLogger(logger),
		runner.WithMetrics(runner.NewMetrics(reg)),
		runner.WithNotifier(webhook.NewClient(webhook.Config{
			SigningSecret: cfg.Webhook.SigningSecret,
			Timeout:       cfg.Webhook.Timeout,
			MaxAttempts:   cfg.Webhook.MaxAttempts,
		})),
	}
	if artifacts != nil {
		opts = append(opts, runner.WithPublisher(artifacts))
	}

	return runner.New(jobs, gen, runner.Config{
		OutputDir:    cfg.Worker.OutputDir,
		MaxQuestions: cfg.Worker.MaxQuestions,
		Throttle:     cfg.Worker.Throttle,
		Workbook:     cfg.Worker.Workbook,
	}, opts...)
}

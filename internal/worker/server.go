package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/docqa/internal/config"
	"github.com/dunamismax/docqa/internal/domain"
	"github.com/dunamismax/docqa/internal/queue"
	"github.com/dunamismax/docqa/internal/runner"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type JobRunner interface {
	Run(ctx context.Context, req runner.Request) error
	Abandon(ctx context.Context, req runner.Request, cause error)
}

// Processor bounds how many jobs run at once and records task metrics. It
// backs both the asynq server and the in-process pool.
type Processor struct {
	logger  zerolog.Logger
	runner  JobRunner
	sem     chan struct{}
	metrics *Metrics
	tracer  trace.Tracer
}

func NewProcessor(logger zerolog.Logger, jobRunner JobRunner, maxActiveJobs int, metrics *Metrics) *Processor {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Processor{
		logger:  logger,
		runner:  jobRunner,
		sem:     make(chan struct{}, max(1, maxActiveJobs)),
		metrics: metrics,
		tracer:  otel.Tracer("docqa/worker"),
	}
}

// Process satisfies queue.Handler.
func (p *Processor) Process(ctx context.Context, payload queue.GeneratePayload) error {
	ctx, span := p.tracer.Start(ctx, "worker.generate", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("job.id", payload.JobID))
	defer span.End()

	req := runner.Request{
		JobID:        payload.JobID,
		DocumentPath: payload.DocumentPath,
		DocumentName: payload.DocumentName,
		WebhookURL:   payload.WebhookURL,
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.metrics.tasksTotal.WithLabelValues("cancelled").Inc()
		p.runner.Abandon(ctx, req, fmt.Errorf("gave up waiting for a worker slot: %w", ctx.Err()))
		return ctx.Err()
	}
	p.metrics.busySlots.Inc()
	defer func() {
		<-p.sem
		p.metrics.busySlots.Dec()
	}()

	if !payload.RequestedAt.IsZero() {
		p.metrics.queueLatency.Observe(time.Since(payload.RequestedAt).Seconds())
	}

	p.logger.Info().
		Str("job_id", payload.JobID).
		Str("document", payload.DocumentName).
		Msg("Working...")

	err := p.runner.Run(ctx, req)
	switch {
	case err == nil:
		p.metrics.tasksTotal.WithLabelValues(domain.JobStatusDone).Inc()
	case errors.Is(err, domain.ErrJobTerminal):
		p.metrics.tasksTotal.WithLabelValues("skipped").Inc()
	default:
		p.metrics.tasksTotal.WithLabelValues(domain.JobStatusFailed).Inc()
	}
	return err
}

type Server struct {
	logger    zerolog.Logger
	server    *asynq.Server
	processor *Processor
	metrics   *Metrics
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	processor *Processor,
) (*Server, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: taskConcurrency(workerCfg),
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					taskID, _ := asynq.GetTaskID(ctx)
					logger.Error().Err(err).Str("task_type", task.Type()).Str("task_id", taskID).Msg("task failed")
				}),
			},
		),
		processor: processor,
		metrics:   processor.metrics,
	}
	return s, nil
}

// taskConcurrency keeps asynq from pulling more tasks than there are job
// slots, so a task's timeout is not spent waiting on the semaphore.
func taskConcurrency(cfg config.WorkerConfig) int {
	slots := max(1, cfg.MaxActiveJobs)
	if cfg.Concurrency <= 0 {
		return slots
	}
	return min(cfg.Concurrency, slots)
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeGenerateQA, s.handleGenerate)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// handleGenerate never asks asynq to retry: the job record already holds
// the terminal outcome.
func (s *Server) handleGenerate(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseGeneratePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := s.processor.Process(ctx, payload); err != nil {
		return fmt.Errorf("run job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
	return nil
}

// Package runner executes one document-to-Q&A job end to end: it invokes the
// generator once, answers every question in order, streams rows to the CSV
// export and keeps the job record current for pollers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/docqa/internal/domain"
	"github.com/dunamismax/docqa/internal/export"
	"github.com/dunamismax/docqa/internal/generator"
	"github.com/dunamismax/docqa/internal/store"
	"github.com/dunamismax/docqa/internal/textnorm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxQuestions = 45

	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

type Request struct {
	JobID        string
	DocumentPath string
	DocumentName string
	WebhookURL   string
}

type Config struct {
	OutputDir    string
	MaxQuestions int
	Throttle     time.Duration
	Workbook     bool
}

// ArtifactPublisher mirrors a finished export somewhere clients can fetch it
// and returns the object key.
type ArtifactPublisher interface {
	Publish(ctx context.Context, jobID, localPath string) (string, error)
}

type Notifier interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Runner struct {
	jobs      store.JobStore
	generator generator.Generator
	cfg       Config
	logger    zerolog.Logger
	publisher ArtifactPublisher
	notifier  Notifier
	usage     store.UsageStore
	metrics   *Metrics
	tracer    trace.Tracer
}

type Option func(*Runner)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

func WithPublisher(p ArtifactPublisher) Option {
	return func(r *Runner) { r.publisher = p }
}

func WithNotifier(n Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

func WithUsageStore(u store.UsageStore) Option {
	return func(r *Runner) { r.usage = u }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

func New(jobs store.JobStore, gen generator.Generator, cfg Config, opts ...Option) (*Runner, error) {
	if jobs == nil {
		return nil, errors.New("job store is required")
	}
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, errors.New("output dir is required")
	}
	if cfg.MaxQuestions <= 0 {
		cfg.MaxQuestions = DefaultMaxQuestions
	}

	r := &Runner{
		jobs:      jobs,
		generator: gen,
		cfg:       cfg,
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer("docqa/runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if r.usage == nil {
		if u, ok := jobs.(store.UsageStore); ok {
			r.usage = u
		}
	}
	return r, nil
}

type runStats struct {
	answered  int
	fallbacks int
	sentinels int
}

// Run processes the job to a terminal state. The returned error describes
// why the job failed; the job record carries the same message.
func (r *Runner) Run(ctx context.Context, req Request) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	ctx, span := r.tracer.Start(ctx, "runner.run", trace.WithAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("job.document", req.DocumentName),
	))
	defer span.End()

	logger := r.logger.With().Str("job_id", req.JobID).Logger()

	if _, err := r.jobs.Update(ctx, req.JobID, func(j *domain.Job) error { return j.Start() }); err != nil {
		err = fmt.Errorf("start job: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		if !errors.Is(err, domain.ErrJobTerminal) {
			r.fail(ctx, req, err, logger)
		}
		return err
	}

	r.metrics.activeJobs.Inc()
	defer func() {
		r.metrics.activeJobs.Dec()
		r.metrics.jobsTotal.WithLabelValues(outcome).Inc()
		r.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
	}()

	logger.Info().Str("document", req.DocumentPath).Msg("job started")

	csvPath, stats, err := r.execute(ctx, req, logger)
	if err != nil {
		r.fail(ctx, req, err, logger)
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		return err
	}

	if err := r.complete(ctx, req, csvPath, logger); err != nil {
		r.fail(ctx, req, err, logger)
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return err
	}

	outcome = domain.JobStatusDone
	r.recordUsage(ctx, req.JobID, stats, time.Since(startedAt), logger)
	span.SetAttributes(attribute.Int("job.questions", stats.answered))
	span.SetStatus(codes.Ok, "done")
	logger.Info().
		Str("output", csvPath).
		Int("questions", stats.answered).
		Int("fallbacks", stats.fallbacks).
		Int("not_found", stats.sentinels).
		Dur("elapsed", time.Since(startedAt)).
		Msg("job completed")
	return nil
}

func (r *Runner) execute(ctx context.Context, req Request, logger zerolog.Logger) (string, runStats, error) {
	var stats runStats

	generateStarted := time.Now()
	result, err := r.generator.Generate(ctx, req.DocumentPath)
	r.metrics.generatorDuration.WithLabelValues("generate").Observe(time.Since(generateStarted).Seconds())
	if err != nil {
		return "", stats, fmt.Errorf("generate questions: %w", err)
	}
	if err := result.Validate(); err != nil {
		return "", stats, err
	}

	questions := result.Questions
	if len(questions) > r.cfg.MaxQuestions {
		logger.Info().Int("generated", len(questions)).Int("cap", r.cfg.MaxQuestions).Msg("capping question list")
		questions = questions[:r.cfg.MaxQuestions]
	}
	total := len(questions)

	if _, err := r.jobs.Update(ctx, req.JobID, func(j *domain.Job) error { return j.Begin(total) }); err != nil {
		return "", stats, fmt.Errorf("record question total: %w", err)
	}

	writer, err := export.CreateCSV(r.cfg.OutputDir, textnorm.ExportName(documentName(req)))
	if err != nil {
		return "", stats, fmt.Errorf("create export: %w", err)
	}
	defer func() { _ = writer.Close() }()

	pacer := NewPacer(r.cfg.Throttle)
	for i, raw := range questions {
		index := i + 1
		if err := pacer.Wait(ctx); err != nil {
			return "", stats, fmt.Errorf("interrupted before question %d: %w", index, err)
		}

		if _, err := r.jobs.Update(ctx, req.JobID, func(j *domain.Job) error { return j.Advance(index) }); err != nil {
			return "", stats, fmt.Errorf("advance to question %d: %w", index, err)
		}

		question := textnorm.Text(raw)
		qlog := logger.With().Int("question", index).Int("total", total).Logger()

		answerStarted := time.Now()
		answer, source := answerQuestion(ctx, result, question, pacer, qlog)
		r.metrics.generatorDuration.WithLabelValues("answer").Observe(time.Since(answerStarted).Seconds())
		r.metrics.questionsTotal.WithLabelValues(source).Inc()
		switch source {
		case sourceFallback:
			stats.fallbacks++
		case sourceSentinel:
			stats.sentinels++
		}

		qa := domain.QA{Index: index, Question: question, Answer: answer}
		if _, err := r.jobs.Update(ctx, req.JobID, func(j *domain.Job) error { return j.Record(qa) }); err != nil {
			return "", stats, fmt.Errorf("record answer %d: %w", index, err)
		}
		if err := writer.WriteRow(index, question, answer); err != nil {
			return "", stats, fmt.Errorf("write export: %w", err)
		}
		stats.answered++
		qlog.Debug().Str("source", source).Msg("question answered")
	}

	if err := writer.Close(); err != nil {
		return "", stats, fmt.Errorf("close export: %w", err)
	}
	return writer.Path(), stats, nil
}

// complete publishes the optional companions and marks the job done. Only
// the final store update can fail the job at this point.
func (r *Runner) complete(ctx context.Context, req Request, csvPath string, logger zerolog.Logger) error {
	out := domain.Output{Path: csvPath}

	if r.cfg.Workbook {
		xlsxPath := export.WorkbookPath(csvPath)
		if _, err := export.WriteWorkbook(csvPath, xlsxPath); err != nil {
			logger.Warn().Err(err).Msg("workbook export failed")
		} else {
			out.WorkbookPath = xlsxPath
		}
	}

	if r.publisher != nil {
		key, err := r.publisher.Publish(ctx, req.JobID, csvPath)
		if err != nil {
			logger.Warn().Err(err).Msg("artifact mirror failed")
		} else {
			out.ArtifactKey = key
		}
	}

	job, err := r.jobs.Update(ctx, req.JobID, func(j *domain.Job) error { return j.Complete(out) })
	if err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}

	r.notify(ctx, req, EventJobCompleted, map[string]any{
		"job_id":          job.ID,
		"status":          job.Status,
		"total_questions": job.TotalQuestions,
		"file":            filepath.Base(job.OutputPath),
		"artifact_key":    job.ArtifactKey,
		"completed_at":    job.UpdatedAt,
	}, logger)
	return nil
}

// Abandon fails a job that will never run, such as one whose task gave up
// waiting for a free slot. Jobs already terminal are left alone.
func (r *Runner) Abandon(ctx context.Context, req Request, cause error) {
	if cause == nil {
		cause = errors.New("job abandoned")
	}
	r.fail(ctx, req, cause, r.logger.With().Str("job_id", req.JobID).Logger())
}

// fail records cause on the job. It runs detached from ctx so a cancelled
// run still reaches a terminal state.
func (r *Runner) fail(ctx context.Context, req Request, cause error, logger zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	logger.Error().Err(cause).Msg("job failed")

	job, err := r.jobs.Update(ctx, req.JobID, func(j *domain.Job) error { return j.Fail(cause.Error()) })
	if errors.Is(err, domain.ErrJobTerminal) {
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("record job failure")
		return
	}

	r.notify(ctx, req, EventJobFailed, map[string]any{
		"job_id":    job.ID,
		"status":    job.Status,
		"error":     job.Error,
		"failed_at": job.UpdatedAt,
	}, logger)
}

func (r *Runner) notify(ctx context.Context, req Request, event string, payload map[string]any, logger zerolog.Logger) {
	if req.WebhookURL == "" || r.notifier == nil {
		return
	}
	if err := r.notifier.Send(ctx, req.WebhookURL, event, payload); err != nil {
		logger.Warn().Err(err).Str("event", event).Msg("webhook delivery failed")
	}
}

func (r *Runner) recordUsage(ctx context.Context, jobID string, stats runStats, elapsed time.Duration, logger zerolog.Logger) {
	if r.usage == nil {
		return
	}
	usage := domain.UsageLog{
		JobID:             jobID,
		QuestionsAnswered: stats.answered,
		FallbackAnswers:   stats.fallbacks,
		SentinelAnswers:   stats.sentinels,
		ComputeTimeMS:     max(1, elapsed.Milliseconds()),
		CreatedAt:         time.Now().UTC(),
	}
	if err := r.usage.CreateUsageLog(ctx, usage); err != nil {
		logger.Warn().Err(err).Msg("usage log write failed")
	}
}

func documentName(req Request) string {
	if name := strings.TrimSpace(req.DocumentName); name != "" {
		return name
	}
	return filepath.Base(req.DocumentPath)
}

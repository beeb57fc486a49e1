package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/docqa/internal/domain"
	"github.com/dunamismax/docqa/internal/id"
	_ "github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS qa_jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	total_questions INTEGER NOT NULL DEFAULT 0,
	current_question INTEGER NOT NULL DEFAULT 0,
	current_qa JSONB,
	output_path TEXT NOT NULL DEFAULT '',
	workbook_path TEXT NOT NULL DEFAULT '',
	artifact_key TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	document_path TEXT NOT NULL,
	document_name TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS qa_jobs_status_updated_at_idx ON qa_jobs (status, updated_at);

CREATE TABLE IF NOT EXISTS qa_usage_logs (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	questions_answered INTEGER NOT NULL,
	fallback_answers INTEGER NOT NULL,
	sentinel_answers INTEGER NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

const jobColumns = `id, status, progress, total_questions, current_question, current_qa,
	output_path, workbook_path, artifact_key, error, document_path, document_name,
	webhook_url, created_at, updated_at`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, spec domain.JobSpec) (domain.Job, error) {
	job := domain.NewJob(id.New(), spec, time.Now().UTC())

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO qa_jobs (id, status, document_path, document_name, webhook_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID,
		job.Status,
		job.DocumentPath,
		job.DocumentName,
		job.WebhookURL,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return job, nil
}

func (s *PostgresJobStore) Get(ctx context.Context, jobID string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM qa_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

// Update locks the row for the duration of the mutation so concurrent
// writers to the same job are serialized by Postgres.
func (s *PostgresJobStore) Update(ctx context.Context, jobID string, mutate Mutation) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, fmt.Errorf("begin job update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM qa_jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("lock job: %w", err)
	}

	next, err := applyMutation(job, mutate, time.Now().UTC())
	if err != nil {
		return domain.Job{}, err
	}

	currentQA, err := marshalQA(next.CurrentQA)
	if err != nil {
		return domain.Job{}, err
	}

	_, err = tx.ExecContext(
		ctx,
		`UPDATE qa_jobs
		 SET status = $1, progress = $2, total_questions = $3, current_question = $4,
		     current_qa = $5, output_path = $6, workbook_path = $7, artifact_key = $8,
		     error = $9, updated_at = $10
		 WHERE id = $11`,
		next.Status,
		next.Progress,
		next.TotalQuestions,
		next.CurrentQuestion,
		currentQA,
		next.OutputPath,
		next.WorkbookPath,
		next.ArtifactKey,
		next.Error,
		next.UpdatedAt,
		jobID,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Job{}, fmt.Errorf("commit job update: %w", err)
	}
	return next, nil
}

func (s *PostgresJobStore) Reap(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.ExecContext(
		ctx,
		`DELETE FROM qa_jobs WHERE status IN ($1, $2) AND updated_at < $3`,
		domain.JobStatusDone,
		domain.JobStatusFailed,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("reap jobs: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count reaped jobs: %w", err)
	}
	return int(removed), nil
}

func (s *PostgresJobStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO qa_usage_logs (job_id, questions_answered, fallback_answers, sentinel_answers, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		usage.JobID,
		usage.QuestionsAnswered,
		usage.FallbackAnswers,
		usage.SentinelAnswers,
		usage.ComputeTimeMS,
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job       domain.Job
		currentQA []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.Progress,
		&job.TotalQuestions,
		&job.CurrentQuestion,
		&currentQA,
		&job.OutputPath,
		&job.WorkbookPath,
		&job.ArtifactKey,
		&job.Error,
		&job.DocumentPath,
		&job.DocumentName,
		&job.WebhookURL,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}

	if len(currentQA) > 0 {
		var qa domain.QA
		if err := json.Unmarshal(currentQA, &qa); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal current qa: %w", err)
		}
		job.CurrentQA = &qa
	}
	return job, nil
}

// marshalQA returns an untyped nil for a missing pair so the column is NULL.
func marshalQA(qa *domain.QA) (any, error) {
	if qa == nil {
		return nil, nil
	}
	body, err := json.Marshal(qa)
	if err != nil {
		return nil, fmt.Errorf("marshal current qa: %w", err)
	}
	return string(body), nil
}

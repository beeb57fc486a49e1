package domain

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusDone       = "done"
	JobStatusFailed     = "failed"

	// LivenessProgress is reported as soon as a job starts so pollers can tell
	// a slow generator call from a job nobody picked up.
	LivenessProgress = 1
)

var (
	ErrJobTerminal       = errors.New("job is in a terminal state")
	ErrInvalidTransition = errors.New("invalid job transition")
)

// QA is one numbered question/answer pair produced during a run.
type QA struct {
	Index    int    `json:"index"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// JobSpec carries what the HTTP surface knows about a job at creation time.
type JobSpec struct {
	DocumentPath string
	DocumentName string
	WebhookURL   string
}

// Output describes the artifacts of a successful run.
type Output struct {
	Path         string
	WorkbookPath string
	ArtifactKey  string
}

type Job struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	Progress        int       `json:"progress"`
	TotalQuestions  int       `json:"total_questions"`
	CurrentQuestion int       `json:"current_question"`
	CurrentQA       *QA       `json:"current_qa,omitempty"`
	OutputPath      string    `json:"output_path,omitempty"`
	WorkbookPath    string    `json:"workbook_path,omitempty"`
	ArtifactKey     string    `json:"artifact_key,omitempty"`
	Error           string    `json:"error,omitempty"`
	DocumentPath    string    `json:"document_path"`
	DocumentName    string    `json:"document_name"`
	WebhookURL      string    `json:"webhook_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewJob returns a queued job with zeroed counters.
func NewJob(jobID string, spec JobSpec, now time.Time) Job {
	return Job{
		ID:           jobID,
		Status:       JobStatusQueued,
		DocumentPath: spec.DocumentPath,
		DocumentName: spec.DocumentName,
		WebhookURL:   spec.WebhookURL,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (j Job) IsTerminal() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusFailed
}

// Clone returns a copy that shares no memory with j.
func (j Job) Clone() Job {
	if j.CurrentQA != nil {
		qa := *j.CurrentQA
		j.CurrentQA = &qa
	}
	return j
}

// Start moves a queued job to processing.
func (j *Job) Start() error {
	if err := j.requireStatus(JobStatusQueued); err != nil {
		return err
	}
	j.Status = JobStatusProcessing
	j.Progress = max(j.Progress, LivenessProgress)
	return nil
}

// Begin records how many questions this run will answer.
func (j *Job) Begin(total int) error {
	if err := j.requireStatus(JobStatusProcessing); err != nil {
		return err
	}
	if total < 0 {
		return fmt.Errorf("%w: negative question total %d", ErrInvalidTransition, total)
	}
	if j.CurrentQuestion != 0 {
		return fmt.Errorf("%w: question total set after iteration started", ErrInvalidTransition)
	}
	j.TotalQuestions = total
	return nil
}

// Advance marks question current (1-based) as in flight. Progress never
// decreases, even when the rounded percentage of an early question is below
// the liveness value.
func (j *Job) Advance(current int) error {
	if err := j.requireStatus(JobStatusProcessing); err != nil {
		return err
	}
	if current < 1 || current > j.TotalQuestions {
		return fmt.Errorf("%w: question %d outside 1..%d", ErrInvalidTransition, current, j.TotalQuestions)
	}
	if current < j.CurrentQuestion {
		return fmt.Errorf("%w: question %d before %d", ErrInvalidTransition, current, j.CurrentQuestion)
	}
	j.CurrentQuestion = current
	j.Progress = max(j.Progress, Percent(current, j.TotalQuestions))
	return nil
}

// Record stores the most recently completed pair.
func (j *Job) Record(qa QA) error {
	if err := j.requireStatus(JobStatusProcessing); err != nil {
		return err
	}
	if qa.Index < 1 || qa.Index > j.CurrentQuestion {
		return fmt.Errorf("%w: answer for question %d while at %d", ErrInvalidTransition, qa.Index, j.CurrentQuestion)
	}
	j.CurrentQA = &qa
	return nil
}

// Complete moves a processing job to done.
func (j *Job) Complete(out Output) error {
	if err := j.requireStatus(JobStatusProcessing); err != nil {
		return err
	}
	if strings.TrimSpace(out.Path) == "" {
		return fmt.Errorf("%w: output path is required", ErrInvalidTransition)
	}
	j.Status = JobStatusDone
	j.Progress = 100
	j.CurrentQA = nil
	j.OutputPath = out.Path
	j.WorkbookPath = out.WorkbookPath
	j.ArtifactKey = out.ArtifactKey
	return nil
}

// Fail moves a queued or processing job to failed.
func (j *Job) Fail(message string) error {
	if j.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrJobTerminal, j.Status)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "unknown error"
	}
	j.Status = JobStatusFailed
	j.Error = message
	return nil
}

func (j *Job) requireStatus(status string) error {
	if j.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrJobTerminal, j.Status)
	}
	if j.Status != status {
		return fmt.Errorf("%w: job is %s, expected %s", ErrInvalidTransition, j.Status, status)
	}
	return nil
}

// Percent returns round(current/total*100), clamped to 0..100.
func Percent(current, total int) int {
	if total <= 0 || current <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return int(math.Round(float64(current) * 100 / float64(total)))
}

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	DocumentPath string `json:"document_path"`
	WebhookURL   string `json:"webhook_url,omitempty"`
}

func (r CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.DocumentPath) == "" {
		return errors.New("document_path is required")
	}
	if hook := strings.TrimSpace(r.WebhookURL); hook != "" {
		u, err := url.Parse(hook)
		if err != nil {
			return fmt.Errorf("invalid webhook_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("unsupported webhook_url scheme: %s", u.Scheme)
		}
		if u.Host == "" {
			return errors.New("webhook_url host is required")
		}
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/dunamismax/docqa/internal/domain"
	"github.com/rs/zerolog"
)

var ErrJobNotFound = errors.New("job not found")

// Mutation edits a job in place. Returning an error aborts the update and
// leaves the stored record untouched.
type Mutation func(job *domain.Job) error

type JobStore interface {
	Create(ctx context.Context, spec domain.JobSpec) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	Update(ctx context.Context, id string, mutate Mutation) (domain.Job, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}

// Reaper deletes terminal jobs last updated before olderThan.
type Reaper interface {
	Reap(ctx context.Context, olderThan time.Time) (int, error)
}

// RunReaper calls Reap every interval until ctx is done.
func RunReaper(ctx context.Context, reaper Reaper, interval, ttl time.Duration, logger zerolog.Logger) {
	if reaper == nil || interval <= 0 || ttl <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := reaper.Reap(ctx, time.Now().UTC().Add(-ttl))
			if err != nil {
				logger.Error().Err(err).Msg("reap expired jobs")
				continue
			}
			if removed > 0 {
				logger.Info().Int("removed", removed).Msg("reaped expired jobs")
			}
		}
	}
}

func applyMutation(job domain.Job, mutate Mutation, now time.Time) (domain.Job, error) {
	next := job.Clone()
	if err := mutate(&next); err != nil {
		return domain.Job{}, err
	}
	next.ID = job.ID
	next.CreatedAt = job.CreatedAt
	next.UpdatedAt = now
	return next, nil
}

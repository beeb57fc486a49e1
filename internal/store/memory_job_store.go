package store

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/docqa/internal/domain"
	"github.com/dunamismax/docqa/internal/id"
)

type MemoryJobStore struct {
	mu    sync.RWMutex
	jobs  map[string]domain.Job
	usage []domain.UsageLog
	now   func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Create(_ context.Context, spec domain.JobSpec) (domain.Job, error) {
	job := domain.NewJob(id.New(), spec, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return job.Clone(), nil
}

func (s *MemoryJobStore) Get(_ context.Context, jobID string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, false, nil
	}
	return job.Clone(), true, nil
}

func (s *MemoryJobStore) Update(_ context.Context, jobID string, mutate Mutation) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	next, err := applyMutation(job, mutate, s.now())
	if err != nil {
		return domain.Job{}, err
	}
	s.jobs[jobID] = next
	return next.Clone(), nil
}

func (s *MemoryJobStore) Reap(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for jobID, job := range s.jobs {
		if job.IsTerminal() && job.UpdatedAt.Before(olderThan) {
			delete(s.jobs, jobID)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryJobStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, usage)
	return nil
}

// UsageLogs returns a copy of the recorded usage entries.
func (s *MemoryJobStore) UsageLogs() []domain.UsageLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.UsageLog(nil), s.usage...)
}

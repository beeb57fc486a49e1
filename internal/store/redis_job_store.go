package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/docqa/internal/domain"
	"github.com/dunamismax/docqa/internal/id"
	"github.com/redis/go-redis/v9"
)

const (
	redisJobKeyPrefix   = "docqa:job:"
	redisUsageKey       = "docqa:usage"
	redisUpdateAttempts = 16
	redisUsageLimit     = 10000
)

// RedisJobStore keeps each job as a JSON document so api and worker
// processes share state. Active jobs never expire; a terminal job expires
// ttl after its last update, which replaces reaping.
type RedisJobStore struct {
	client     *redis.Client
	ttl        time.Duration
	usageLimit int64
}

func NewRedisJobStore(ctx context.Context, client *redis.Client, ttl time.Duration) (*RedisJobStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisJobStore{client: client, ttl: ttl, usageLimit: redisUsageLimit}, nil
}

// expiry is the key TTL to write alongside job. Zero means no expiry.
func (s *RedisJobStore) expiry(job domain.Job) time.Duration {
	if !job.IsTerminal() || s.ttl <= 0 {
		return 0
	}
	return s.ttl
}

func (s *RedisJobStore) Create(ctx context.Context, spec domain.JobSpec) (domain.Job, error) {
	job := domain.NewJob(id.New(), spec, time.Now().UTC())
	body, err := json.Marshal(job)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job: %w", err)
	}

	created, err := s.client.SetNX(ctx, redisJobKey(job.ID), body, s.expiry(job)).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if !created {
		return domain.Job{}, fmt.Errorf("insert job: id collision %s", job.ID)
	}
	return job, nil
}

func (s *RedisJobStore) Get(ctx context.Context, jobID string) (domain.Job, bool, error) {
	body, err := s.client.Get(ctx, redisJobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}

	var job domain.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return domain.Job{}, false, fmt.Errorf("unmarshal job: %w", err)
	}
	return job, true, nil
}

// Update retries the optimistic WATCH/MULTI transaction when another client
// modified the key between read and write.
func (s *RedisJobStore) Update(ctx context.Context, jobID string, mutate Mutation) (domain.Job, error) {
	key := redisJobKey(jobID)
	var updated domain.Job

	txf := func(tx *redis.Tx) error {
		body, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrJobNotFound
			}
			return fmt.Errorf("query job: %w", err)
		}

		var job domain.Job
		if err := json.Unmarshal(body, &job); err != nil {
			return fmt.Errorf("unmarshal job: %w", err)
		}

		next, err := applyMutation(job, mutate, time.Now().UTC())
		if err != nil {
			return err
		}
		nextBody, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nextBody, s.expiry(next))
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}

	for attempt := 0; attempt < redisUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.Job{}, err
		}
		return updated, nil
	}
	return domain.Job{}, fmt.Errorf("update job %s: too much contention", jobID)
}

func (s *RedisJobStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	body, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("marshal usage log: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, redisUsageKey, body)
		pipe.LTrim(ctx, redisUsageKey, -s.usageLimit, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append usage log: %w", err)
	}
	return nil
}

func redisJobKey(jobID string) string {
	return redisJobKeyPrefix + jobID
}

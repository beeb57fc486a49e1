package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Client enqueues jobs for cmd/worker. A job is never retried by the queue:
// a failed run leaves the job failed, and clients submit a new one.
type Client struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Client{
		client:  asynq.NewClient(redisOpt),
		queue:   queueName,
		timeout: timeout,
	}
}

func (c *Client) Dispatch(ctx context.Context, payload GeneratePayload) error {
	_, err := c.EnqueueGenerate(ctx, payload)
	return err
}

func (c *Client) EnqueueGenerate(ctx context.Context, payload GeneratePayload) (*asynq.TaskInfo, error) {
	task, err := NewGenerateTask(payload)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(0),
		asynq.Timeout(c.timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", payload.JobID, err)
	}
	return info, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

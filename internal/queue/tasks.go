package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeGenerateQA = "docqa:generate"

type GeneratePayload struct {
	JobID        string    `json:"job_id"`
	DocumentPath string    `json:"document_path"`
	DocumentName string    `json:"document_name"`
	WebhookURL   string    `json:"webhook_url,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
}

// Dispatcher hands a created job to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload GeneratePayload) error
}

// Handler executes one job.
type Handler func(ctx context.Context, payload GeneratePayload) error

func NewGenerateTask(payload GeneratePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}
	return asynq.NewTask(TypeGenerateQA, body), nil
}

func ParseGeneratePayload(task *asynq.Task) (GeneratePayload, error) {
	var payload GeneratePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return GeneratePayload{}, fmt.Errorf("unmarshal generate payload: %w", err)
	}
	if payload.JobID == "" {
		return GeneratePayload{}, fmt.Errorf("generate payload is missing job_id")
	}
	return payload, nil
}

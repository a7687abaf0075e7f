package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"conduit/internal/observability"
	"conduit/internal/store"
)

// envelope is the queue message; the durable payload lives in the jobs table.
type envelope struct {
	JobID string `json:"job_id"`
	Task  string `json:"task"`
}

// Client enqueues durable jobs: a row first, then a queue push.
type Client struct {
	jobs  store.Jobs
	queue Queue
}

func NewClient(jobs store.Jobs, queue Queue) *Client {
	return &Client{jobs: jobs, queue: queue}
}

// EnqueueOptions attribute the job to a caller and tune retry.
type EnqueueOptions struct {
	UserID      string
	WorkspaceID string
	MaxAttempts int
}

// Enqueue records the job and pushes it. When the push fails the row is
// marked failed immediately so pollers are not left with a phantom queued
// job.
func (c *Client) Enqueue(ctx context.Context, task string, payload any, opts EnqueueOptions) (*store.Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	job := &store.Job{
		ID:          uuid.NewString(),
		TaskName:    task,
		Payload:     body,
		Status:      store.JobQueued,
		MaxAttempts: opts.MaxAttempts,
		UserID:      opts.UserID,
		WorkspaceID: opts.WorkspaceID,
	}
	if err := c.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job row: %w", err)
	}

	msg, err := json.Marshal(envelope{JobID: job.ID, Task: task})
	if err != nil {
		return nil, err
	}
	if err := c.queue.Push(ctx, task, msg); err != nil {
		// The row exists but nothing will ever pick it up; surface that.
		if j, merr := c.jobs.MarkRunning(ctx, job.ID); merr == nil && j != nil {
			_ = c.jobs.MarkFailed(ctx, job.ID, "enqueue failed: "+err.Error())
		}
		observability.LoggerWithTrace(ctx).Error().Err(err).Str("task", task).Str("job_id", job.ID).Msg("job_enqueue_failed")
		return nil, fmt.Errorf("push job: %w", err)
	}

	observability.LoggerWithTrace(ctx).Info().Str("task", task).Str("job_id", job.ID).Msg("job_enqueued")
	return job, nil
}

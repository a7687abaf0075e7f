package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"conduit/internal/authz"
	"conduit/internal/jobs"
	"conduit/internal/observability"
	"conduit/internal/store"
	"conduit/internal/stream"
)

// chatResponsePayload is the durable payload of an async chat job. The caller
// identity is snapshotted so the worker can rebuild scope without a token.
type chatResponsePayload struct {
	ThreadID      string   `json:"thread_id"`
	UserMessageID string   `json:"user_message_id"`
	UserID        string   `json:"user_id"`
	Workspaces    []string `json:"workspaces"`
	Admin         bool     `json:"admin"`
	Channel       string   `json:"channel"`
}

type summarizationPayload struct {
	ThreadID    string   `json:"thread_id"`
	UserID      string   `json:"user_id"`
	Workspaces  []string `json:"workspaces"`
	Admin       bool     `json:"admin"`
	WorkspaceID string   `json:"workspace_id"`
}

// AsyncChatAccepted is the immediate response of an async chat request.
type AsyncChatAccepted struct {
	JobID         string `json:"job_id"`
	StreamChannel string `json:"stream_channel"`
}

func payloadUser(id string, workspaces []string, admin bool) authz.CurrentUser {
	return authz.CurrentUser{ID: id, WorkspaceIDs: workspaces, Admin: admin}
}

// EnqueueChat persists the user message so polling clients see it
// immediately, then queues a chat_response job. When the enqueue fails the
// user message is deleted to avoid orphan visibility.
func (r *Runtime) EnqueueChat(ctx context.Context, u authz.CurrentUser, threadID string, req ChatRequest) (*AsyncChatAccepted, error) {
	if r.deps.JobClient == nil || r.deps.Relay == nil {
		return nil, fmt.Errorf("async processing is not configured")
	}

	thread, _, err := r.loadThreadAgent(ctx, u, threadID)
	if err != nil {
		return nil, err
	}
	if err := r.Tracker(threadID).CheckBudget(); err != nil {
		return nil, err
	}
	r.guard.Scan(ctx, u.ID, req.Message)

	userMsg := &store.Message{
		ThreadID:    threadID,
		Role:        "user",
		Content:     req.Message,
		Attachments: req.Attachments,
	}
	if err := r.deps.Messages.Append(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	channel := stream.ChannelFor(threadID, userMsg.ID)
	job, err := r.deps.JobClient.Enqueue(ctx, TaskChatResponse, chatResponsePayload{
		ThreadID:      threadID,
		UserMessageID: userMsg.ID,
		UserID:        u.ID,
		Workspaces:    u.WorkspaceIDs,
		Admin:         u.Admin,
		Channel:       channel,
	}, jobs.EnqueueOptions{UserID: u.ID, WorkspaceID: thread.WorkspaceID})
	if err != nil {
		// Roll back the user message so pollers never see an input that will
		// never be answered.
		if derr := r.deps.Messages.Delete(ctx, userMsg.ID); derr != nil {
			observability.LoggerWithTrace(ctx).Error().Err(derr).Str("message_id", userMsg.ID).Msg("orphan_user_message_cleanup_failed")
		}
		return nil, err
	}

	return &AsyncChatAccepted{JobID: job.ID, StreamChannel: channel}, nil
}

// RegisterProcessors wires the runtime's job processors into a registry.
func (r *Runtime) RegisterProcessors(registry *jobs.Registry) error {
	if err := registry.Register(TaskChatResponse, r.chatResponseProcessor, jobs.Options{MaxAttempts: 3}); err != nil {
		return err
	}
	return registry.Register(TaskSummarization, r.summarizationProcessor, jobs.Options{MaxAttempts: 2})
}

// chatResponseProcessor produces the assistant reply for an async chat
// request, publishing chunks to the stream channel as they arrive. The user
// message was persisted by the enqueuing request, so the turn runs against
// history as-is. Idempotency: a retried job re-runs the completion but the
// subscribe channel simply receives a fresh stream.
func (r *Runtime) chatResponseProcessor(ctx context.Context, data json.RawMessage, jc jobs.Context, _ *pgxpool.Conn) (json.RawMessage, error) {
	var p chatResponsePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	u := payloadUser(p.UserID, p.Workspaces, p.Admin)

	publish := func(f stream.Frame) {
		if err := r.deps.Relay.Publish(ctx, p.Channel, f); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("channel", p.Channel).Msg("async_publish_failed")
		}
	}

	result, err := r.asyncTurn(ctx, u, p.ThreadID, publish)
	if err != nil {
		publish(stream.ErrorFrame(err))
		return nil, err
	}
	publish(stream.DoneFrame())

	out, err := json.Marshal(map[string]any{
		"message_id": result.Message.ID,
		"cost":       result.Cost,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// asyncTurn is a streaming turn whose chunks go to the relay instead of an
// HTTP response. The inbound user message is already in history, so the turn
// body skips the persist step by passing the existing history through the
// non-streaming loop when tools are configured.
func (r *Runtime) asyncTurn(ctx context.Context, u authz.CurrentUser, threadID string, publish func(stream.Frame)) (*ChatResult, error) {
	thread, agent, err := r.loadThreadAgent(ctx, u, threadID)
	if err != nil {
		return nil, err
	}
	provider, err := r.deps.Providers.For(agent)
	if err != nil {
		return nil, err
	}
	tracker := r.Tracker(threadID)
	if err := tracker.CheckBudget(); err != nil {
		return nil, err
	}

	var result *ChatResult
	lockErr := r.deps.Locks.WithLock(ctx, lockNamespaceThread, threadID, r.deps.LockTimeout, func() error {
		var err error
		result, err = r.asyncTurnLocked(ctx, u, thread, agent, provider, tracker, publish)
		return err
	})
	if lockErr != nil {
		return nil, lockErr
	}
	return result, nil
}

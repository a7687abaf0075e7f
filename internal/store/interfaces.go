package store

import (
	"context"
	"encoding/json"
	"time"

	"conduit/internal/authz"
)

// ThreadUpdate carries patchable thread fields; nil pointers are untouched.
type ThreadUpdate struct {
	Title              *string
	Summary            *string
	SummarizedUntilMsg *string
	TurnCountDelta     int
	TokenCountDelta    int
	Metadata           map[string]any
}

// Threads is typed access to conversation threads.
type Threads interface {
	Get(ctx context.Context, id string, u authz.CurrentUser) (*Thread, error)
	List(ctx context.Context, u authz.CurrentUser, agentID, workspaceID string, limit int) ([]Thread, error)
	Create(ctx context.Context, t *Thread) error
	Update(ctx context.Context, id string, u authz.CurrentUser, upd ThreadUpdate) (*Thread, error)
	Delete(ctx context.Context, id string, u authz.CurrentUser) (bool, error)
}

// Messages is append-only access to thread messages. ListThread verifies
// thread scope inline; ListAfter and Get take no caller and are unscoped.
// Messages have no scope of their own.
type Messages interface {
	Append(ctx context.Context, m *Message) error
	ListThread(ctx context.Context, threadID string, u authz.CurrentUser, limit int) ([]Message, error)
	// ListAfter returns messages with seq greater than afterSeq, oldest first.
	ListAfter(ctx context.Context, threadID string, afterSeq int64, limit int) ([]Message, error)
	Get(ctx context.Context, id string) (*Message, error)
	PatchMetadata(ctx context.Context, id string, patch map[string]any) error
	Delete(ctx context.Context, id string) error
}

// Agents is typed access to agent configurations.
type Agents interface {
	Get(ctx context.Context, id string, u authz.CurrentUser) (*Agent, error)
	List(ctx context.Context, u authz.CurrentUser, workspaceID string, limit int) ([]Agent, error)
	Create(ctx context.Context, a *Agent) error
	Update(ctx context.Context, id string, u authz.CurrentUser, fields map[string]any) (*Agent, error)
	Delete(ctx context.Context, id string, u authz.CurrentUser) (bool, error)
}

// Documents is typed access to RAG documents and their chunks.
type Documents interface {
	Get(ctx context.Context, id string, u authz.CurrentUser) (*Document, error)
	List(ctx context.Context, u authz.CurrentUser, agentID, workspaceID string, limit int) ([]Document, error)
	Create(ctx context.Context, u authz.CurrentUser, d *Document) error
	SetStatus(ctx context.Context, id, status, errMsg string, chunkCount int) error
	Delete(ctx context.Context, id string, u authz.CurrentUser) (bool, error)
	AddChunks(ctx context.Context, documentID string, chunks []DocumentChunk) error
	Chunks(ctx context.Context, documentID string) ([]DocumentChunk, error)
}

// Workspaces is typed access to workspaces and membership.
type Workspaces interface {
	Get(ctx context.Context, id string, u authz.CurrentUser) (*Workspace, error)
	List(ctx context.Context, u authz.CurrentUser, limit int) ([]Workspace, error)
	Create(ctx context.Context, w *Workspace, ownerUserID string) error
	AddMember(ctx context.Context, workspaceID, userID, role string) error
	MemberWorkspaceIDs(ctx context.Context, userID string) ([]string, error)
}

// Jobs is the durable job record store. State transitions enforce the job
// lifecycle: a terminal row is never resurrected.
type Jobs interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string, u authz.CurrentUser) (*Job, error)
	// MarkRunning transitions queued|running -> running and bumps attempts.
	// Returns ErrNotFound for cancelled or terminal jobs.
	MarkRunning(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	// Requeue returns a running job to queued for a retry attempt.
	Requeue(ctx context.Context, id string) error
	// Cancel transitions queued -> cancelled only.
	Cancel(ctx context.Context, id string, u authz.CurrentUser) (bool, error)
}

// UsageRow is one bucket of the cost breakdown.
type UsageRow struct {
	Bucket    time.Time `json:"bucket"`
	Model     string    `json:"model"`
	Cost      float64   `json:"cost"`
	InputTok  int       `json:"input_tokens"`
	OutputTok int       `json:"output_tokens"`
	Calls     int       `json:"calls"`
}

// Metrics is the analytics summary.
type Metrics struct {
	Agents    int     `json:"agents"`
	Threads   int     `json:"threads"`
	Messages  int     `json:"messages"`
	Documents int     `json:"documents"`
	TotalCost float64 `json:"total_cost"`
}

// Analytics aggregates spend and activity within the caller's scope.
type Analytics interface {
	Metrics(ctx context.Context, u authz.CurrentUser) (*Metrics, error)
	Usage(ctx context.Context, u authz.CurrentUser, period string) ([]UsageRow, error)
	LLMCalls(ctx context.Context, u authz.CurrentUser, limit int) ([]LLMCall, error)
}

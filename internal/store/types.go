// Package store provides typed, scope-enforcing access to persisted entities.
// Every read and write that takes the caller identity composes the authz scope
// fragment into its query; rows outside scope are never fetched. Worker-side
// calls without a caller (message ListAfter and Get, document SetStatus and
// chunk access, job state transitions) run unscoped.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"conduit/internal/llm"
)

// ErrNotFound is returned for rows that are absent or out of scope; the two
// are indistinguishable by design.
var ErrNotFound = errors.New("not found")

// Workspace is the tenancy boundary.
type Workspace struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// WorkspaceMember joins a user to a workspace with a role.
type WorkspaceMember struct {
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"` // owner | admin | member
	CreatedAt   time.Time `json:"created_at"`
}

// Agent is an immutable-identity LLM configuration. Exactly one of
// OwnerUserID or WorkspaceID is set: personal vs shared.
type Agent struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	SystemPrompt    string            `json:"system_prompt"`
	Provider        string            `json:"provider"`
	Model           string            `json:"model"`
	PremiumProvider string            `json:"premium_provider,omitempty"`
	PremiumModel    string            `json:"premium_model,omitempty"`
	Temperature     float64           `json:"temperature"`
	MaxTokens       int               `json:"max_tokens"`
	Tools           []string          `json:"tools,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	ContextSchema   map[string]string `json:"context_schema,omitempty"`
	MemoryStrategy  string            `json:"memory_strategy"`
	MemoryParams    map[string]any    `json:"memory_params,omitempty"`
	OwnerUserID     string            `json:"owner_user_id,omitempty"`
	WorkspaceID     string            `json:"workspace_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Thread is one conversation against one agent.
type Thread struct {
	ID                  string         `json:"id"`
	AgentID             string         `json:"agent_id"`
	Title               string         `json:"title,omitempty"`
	Summary             string         `json:"summary,omitempty"`
	SummarizedUntilMsg  string         `json:"summarized_until_msg_id,omitempty"`
	TurnCount           int            `json:"turn_count"`
	TokenCount          int            `json:"token_count"`
	OwnerUserID         string         `json:"owner_user_id,omitempty"`
	WorkspaceID         string         `json:"workspace_id,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Message is an append-only record within a thread. Metadata carries usage,
// cost, duration, model/provider and call-type audit fields; it is the only
// part of a message that is ever patched.
type Message struct {
	ID          string         `json:"id"`
	ThreadID    string         `json:"thread_id"`
	Seq         int64          `json:"seq"`
	Role        string         `json:"role"` // system | user | assistant | tool
	Content     string         `json:"content"`
	ToolCalls   []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	Attachments []string       `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// LLMMessage converts the persisted record to the canonical provider shape.
func (m Message) LLMMessage() llm.Message {
	return llm.Message{
		Role:      m.Role,
		Content:   m.Content,
		ToolCalls: m.ToolCalls,
		ToolID:    m.ToolCallID,
	}
}

// Document statuses follow ingestion: pending -> processing -> ready|failed.
const (
	DocPending    = "pending"
	DocProcessing = "processing"
	DocReady      = "ready"
	DocFailed     = "failed"
)

// Document is a RAG artifact. Visibility resolves to exactly one of:
// personal-to-agent, workspace-shared, or system-global.
type Document struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id,omitempty"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	ChunkCount  int       `json:"chunk_count"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DocumentChunk is an ordered child of a document; ChunkIndex is unique per
// document.
type DocumentChunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	ChunkIndex int            `json:"chunk_index"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Job statuses. Legal transitions: queued -> running -> {succeeded, failed,
// running}; running -> queued for a retry; queued -> cancelled. Nothing leaves
// succeeded.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job is one durable unit of async work.
type Job struct {
	ID          string          `json:"id"`
	TaskName    string          `json:"task_name"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// LLMCall is one row of the audit log assembled from assistant message
// metadata.
type LLMCall struct {
	MessageID  string    `json:"message_id"`
	ThreadID   string    `json:"thread_id"`
	Model      string    `json:"model"`
	Provider   string    `json:"provider"`
	Cost       float64   `json:"cost"`
	InputTok   int       `json:"input_tokens"`
	OutputTok  int       `json:"output_tokens"`
	DurationMS int64     `json:"duration_ms"`
	CallType   string    `json:"call_type"`
	CreatedAt  time.Time `json:"created_at"`
}

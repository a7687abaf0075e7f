package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"conduit/internal/authz"
)

// Memory bundles in-process store implementations mirroring the Postgres
// ones. Used by tests and database-less development runs.
type Memory struct {
	ThreadStore  *MemThreads
	MessageStore *MemMessages
	AgentStore   *MemAgents
	JobStore     *MemJobs
}

func NewMemory() *Memory {
	return &Memory{
		ThreadStore:  &MemThreads{threads: map[string]*Thread{}},
		MessageStore: &MemMessages{},
		AgentStore:   &MemAgents{agents: map[string]*Agent{}},
		JobStore:     &MemJobs{jobs: map[string]*Job{}},
	}
}

func inScope(u authz.CurrentUser, ownerUserID, workspaceID string) bool {
	if u.Admin {
		return true
	}
	if ownerUserID != "" && ownerUserID == u.ID {
		return true
	}
	return workspaceID != "" && u.InWorkspace(workspaceID)
}

// MemThreads is the in-memory thread store.
type MemThreads struct {
	mu      sync.RWMutex
	threads map[string]*Thread
}

func (s *MemThreads) Get(_ context.Context, id string, u authz.CurrentUser) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok || !inScope(u, t.OwnerUserID, t.WorkspaceID) {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemThreads) List(_ context.Context, u authz.CurrentUser, agentID, workspaceID string, limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Thread
	for _, t := range s.threads {
		if !inScope(u, t.OwnerUserID, t.WorkspaceID) {
			continue
		}
		if agentID != "" && t.AgentID != agentID {
			continue
		}
		if workspaceID != "" && t.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemThreads) Create(_ context.Context, t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	s.threads[t.ID] = &cp
	return nil
}

func (s *MemThreads) Update(_ context.Context, id string, u authz.CurrentUser, upd ThreadUpdate) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok || !inScope(u, t.OwnerUserID, t.WorkspaceID) {
		return nil, nil
	}
	if upd.Title != nil {
		t.Title = *upd.Title
	}
	if upd.Summary != nil {
		t.Summary = *upd.Summary
	}
	if upd.SummarizedUntilMsg != nil {
		t.SummarizedUntilMsg = *upd.SummarizedUntilMsg
	}
	t.TurnCount += upd.TurnCountDelta
	t.TokenCount += upd.TokenCountDelta
	if upd.Metadata != nil {
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		for k, v := range upd.Metadata {
			t.Metadata[k] = v
		}
	}
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	return &cp, nil
}

func (s *MemThreads) Delete(_ context.Context, id string, u authz.CurrentUser) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok || !inScope(u, t.OwnerUserID, t.WorkspaceID) {
		return false, nil
	}
	delete(s.threads, id)
	return true, nil
}

// MemMessages is the in-memory message store. Appends preserve insertion
// order, matching the seq column.
type MemMessages struct {
	mu       sync.RWMutex
	messages []Message
	nextSeq  int64
}

func (s *MemMessages) Append(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.nextSeq++
	m.Seq = s.nextSeq
	m.CreatedAt = time.Now().UTC()
	s.messages = append(s.messages, *m)
	return nil
}

func (s *MemMessages) ListThread(_ context.Context, threadID string, _ authz.CurrentUser, limit int) ([]Message, error) {
	return s.list(threadID, 0, limit), nil
}

func (s *MemMessages) ListAfter(_ context.Context, threadID string, afterSeq int64, limit int) ([]Message, error) {
	return s.list(threadID, afterSeq, limit), nil
}

func (s *MemMessages) list(threadID string, afterSeq int64, limit int) []Message {
	if limit <= 0 {
		limit = 500
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.messages {
		if m.ThreadID == threadID && m.Seq > afterSeq {
			out = append(out, m)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

func (s *MemMessages) Get(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.ID == id {
			cp := m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemMessages) PatchMetadata(_ context.Context, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			if s.messages[i].Metadata == nil {
				s.messages[i].Metadata = map[string]any{}
			}
			for k, v := range patch {
				s.messages[i].Metadata[k] = v
			}
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemMessages) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

// MemAgents is the in-memory agent store.
type MemAgents struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

func (s *MemAgents) Get(_ context.Context, id string, u authz.CurrentUser) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok || !inScope(u, a.OwnerUserID, a.WorkspaceID) {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemAgents) List(_ context.Context, u authz.CurrentUser, workspaceID string, limit int) ([]Agent, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Agent
	for _, a := range s.agents {
		if !inScope(u, a.OwnerUserID, a.WorkspaceID) {
			continue
		}
		if workspaceID != "" && a.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, *a)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemAgents) Create(_ context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := *a
	s.agents[a.ID] = &cp
	return nil
}

func (s *MemAgents) Update(_ context.Context, id string, u authz.CurrentUser, fields map[string]any) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok || !inScope(u, a.OwnerUserID, a.WorkspaceID) {
		return nil, nil
	}
	// Round-trip through JSON so field names match the HTTP patch shape.
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, a); err != nil {
		return nil, err
	}
	a.UpdatedAt = time.Now().UTC()
	cp := *a
	return &cp, nil
}

func (s *MemAgents) Delete(_ context.Context, id string, u authz.CurrentUser) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok || !inScope(u, a.OwnerUserID, a.WorkspaceID) {
		return false, nil
	}
	delete(s.agents, id)
	return true, nil
}

// MemJobs is the in-memory job store with the same transition rules as the
// Postgres one.
type MemJobs struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func (s *MemJobs) Create(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = JobQueued
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 3
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemJobs) Get(_ context.Context, id string, u authz.CurrentUser) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	if !u.Admin && j.UserID != u.ID && !(j.WorkspaceID != "" && u.InWorkspace(j.WorkspaceID)) {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *MemJobs) MarkRunning(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || (j.Status != JobQueued && j.Status != JobRunning) {
		return nil, ErrNotFound
	}
	j.Status = JobRunning
	j.Attempts++
	if j.StartedAt == nil {
		t := time.Now().UTC()
		j.StartedAt = &t
	}
	j.UpdatedAt = time.Now().UTC()
	cp := *j
	return &cp, nil
}

func (s *MemJobs) MarkSucceeded(_ context.Context, id string, result json.RawMessage) error {
	return s.finish(id, JobSucceeded, result, "")
}

func (s *MemJobs) MarkFailed(_ context.Context, id string, errMsg string) error {
	return s.finish(id, JobFailed, nil, errMsg)
}

func (s *MemJobs) finish(id, status string, result json.RawMessage, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != JobRunning {
		return ErrNotFound
	}
	j.Status = status
	j.Result = result
	j.Error = errMsg
	t := time.Now().UTC()
	j.CompletedAt = &t
	j.UpdatedAt = t
	return nil
}

func (s *MemJobs) Requeue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != JobRunning {
		return ErrNotFound
	}
	j.Status = JobQueued
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemJobs) Cancel(_ context.Context, id string, u authz.CurrentUser) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != JobQueued {
		return false, nil
	}
	if !u.Admin && j.UserID != u.ID && !(j.WorkspaceID != "" && u.InWorkspace(j.WorkspaceID)) {
		return false, nil
	}
	j.Status = JobCancelled
	t := time.Now().UTC()
	j.CompletedAt = &t
	j.UpdatedAt = t
	return true, nil
}

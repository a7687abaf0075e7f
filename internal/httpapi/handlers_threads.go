package httpapi

import (
	"errors"
	"io"
	"net/http"

	"conduit/internal/auth"
	"conduit/internal/store"
)

// ThreadCreate is the request body for POST /threads.
type ThreadCreate struct {
	AgentID     string         `json:"agent_id"`
	Title       string         `json:"title,omitempty"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	var body ThreadCreate
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if body.AgentID == "" {
		respondError(w, http.StatusBadRequest, errors.New("agent_id required"))
		return
	}

	// The agent must be visible to the caller, and a workspace thread must
	// live in the agent's workspace (or the agent is personal).
	agent := s.getAgentOr404(r.Context(), w, body.AgentID, u)
	if agent == nil {
		return
	}
	if body.WorkspaceID != "" {
		if agent.WorkspaceID != body.WorkspaceID && agent.OwnerUserID != u.ID {
			respondError(w, http.StatusBadRequest, errors.New("thread workspace must match the agent's workspace"))
			return
		}
		if !u.Admin && !u.InWorkspace(body.WorkspaceID) {
			respondError(w, http.StatusNotFound, store.ErrNotFound)
			return
		}
	}

	t := &store.Thread{
		AgentID:     body.AgentID,
		Title:       body.Title,
		WorkspaceID: body.WorkspaceID,
		Metadata:    body.Metadata,
	}
	if body.WorkspaceID == "" {
		t.OwnerUserID = u.ID
	}
	if err := s.threads.Create(r.Context(), t); err != nil {
		fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	q := r.URL.Query()
	threads, err := s.threads.List(r.Context(), u, q.Get("agent_id"), q.Get("workspace_id"), 0)
	if err != nil {
		fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	t, err := s.threads.Get(r.Context(), r.PathValue("id"), u)
	if err != nil {
		fail(w, err)
		return
	}
	if t == nil {
		respondError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	msgs, err := s.messages.ListThread(r.Context(), t.ID, u, 0)
	if err != nil {
		fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"thread": t, "messages": msgs})
}

func (s *Server) handlePatchThread(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	var body struct {
		Title    *string        `json:"title,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	t, err := s.threads.Update(r.Context(), r.PathValue("id"), u, store.ThreadUpdate{
		Title:    body.Title,
		Metadata: body.Metadata,
	})
	if err != nil {
		fail(w, err)
		return
	}
	if t == nil {
		respondError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	ok, err := s.threads.Delete(r.Context(), r.PathValue("id"), u)
	if err != nil {
		fail(w, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleForkThread branches a conversation: a new thread against the same
// agent carrying a copy of the source messages up to an optional message id.
func (s *Server) handleForkThread(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	var body struct {
		UpToMessageID string `json:"up_to_message_id,omitempty"`
		Title         string `json:"title,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	src, err := s.threads.Get(r.Context(), r.PathValue("id"), u)
	if err != nil {
		fail(w, err)
		return
	}
	if src == nil {
		respondError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}

	msgs, err := s.messages.ListThread(r.Context(), src.ID, u, 0)
	if err != nil {
		fail(w, err)
		return
	}

	title := body.Title
	if title == "" {
		title = src.Title + " (fork)"
	}
	fork := &store.Thread{
		AgentID:     src.AgentID,
		Title:       title,
		OwnerUserID: src.OwnerUserID,
		WorkspaceID: src.WorkspaceID,
		Metadata:    map[string]any{"forked_from": src.ID},
	}
	if fork.OwnerUserID == "" && fork.WorkspaceID == "" {
		fork.OwnerUserID = u.ID
	}
	if err := s.threads.Create(r.Context(), fork); err != nil {
		fail(w, err)
		return
	}

	copied := 0
	for _, m := range msgs {
		cp := m
		cp.ID = ""
		cp.ThreadID = fork.ID
		if err := s.messages.Append(r.Context(), &cp); err != nil {
			fail(w, err)
			return
		}
		copied++
		if body.UpToMessageID != "" && m.ID == body.UpToMessageID {
			break
		}
	}

	respondJSON(w, http.StatusCreated, map[string]any{"thread": fork, "copied_messages": copied})
}

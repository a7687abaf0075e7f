package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"conduit/internal/auth"
	"conduit/internal/store"
)

// Workspaces

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	workspaces, err := s.workspaces.List(r.Context(), u, 0)
	if err != nil {
		fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	var body struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Metadata    map[string]any `json:"metadata,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		respondError(w, http.StatusBadRequest, errors.New("name required"))
		return
	}
	ws := &store.Workspace{
		Name:        body.Name,
		Description: body.Description,
		Metadata:    body.Metadata,
	}
	if err := s.workspaces.Create(r.Context(), ws, u.ID); err != nil {
		fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ws)
}

// Analytics

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	m, err := s.analytics.Metrics(r.Context(), u)
	if err != nil {
		fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	period := r.URL.Query().Get("period")
	rows, err := s.analytics.Usage(r.Context(), u, period)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"usage": rows})
}

func (s *Server) handleLLMCalls(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	calls, err := s.analytics.LLMCalls(r.Context(), u, limit)
	if err != nil {
		fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

// Jobs

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	j, err := s.jobsStore.Get(r.Context(), r.PathValue("id"), u)
	if err != nil {
		fail(w, err)
		return
	}
	if j == nil {
		respondError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	ok, err := s.jobsStore.Cancel(r.Context(), r.PathValue("id"), u)
	if err != nil {
		fail(w, err)
		return
	}
	if !ok {
		// Either unknown/out of scope, or no longer queued.
		j, gerr := s.jobsStore.Get(r.Context(), r.PathValue("id"), u)
		if gerr == nil && j != nil {
			respondError(w, http.StatusConflict, errors.New("job is not queued"))
			return
		}
		respondError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": store.JobCancelled})
}

package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"conduit/internal/auth"
	"conduit/internal/authz"
	"conduit/internal/contextstore"
	"conduit/internal/store"
)

// AgentCreate is the request body for POST /agents.
type AgentCreate struct {
	Name            string            `json:"name"`
	SystemPrompt    string            `json:"system_prompt"`
	Provider        string            `json:"provider"`
	Model           string            `json:"model"`
	PremiumProvider string            `json:"premium_provider,omitempty"`
	PremiumModel    string            `json:"premium_model,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	MaxTokens       int               `json:"max_tokens,omitempty"`
	Tools           []string          `json:"tools,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	ContextSchema   map[string]string `json:"context_schema,omitempty"`
	MemoryStrategy  string            `json:"memory_strategy,omitempty"`
	MemoryParams    map[string]any    `json:"memory_params,omitempty"`
	WorkspaceID     string            `json:"workspace_id,omitempty"`
}

var validStrategies = map[string]bool{
	"": true, "last_n": true, "first_last": true, "summarize": true, "token_window": true, "vector": true,
}

func (c AgentCreate) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("name required")
	}
	if c.Provider != "anthropic" && c.Provider != "openai" {
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("model required")
	}
	if !validStrategies[c.MemoryStrategy] {
		return fmt.Errorf("unknown memory strategy %q", c.MemoryStrategy)
	}
	return nil
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	var body AgentCreate
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := body.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if body.WorkspaceID != "" && !u.Admin && !u.InWorkspace(body.WorkspaceID) {
		respondError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}

	temperature := 0.7
	if body.Temperature != nil {
		temperature = *body.Temperature
	}
	maxTokens := body.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	strategy := body.MemoryStrategy
	if strategy == "" {
		strategy = "last_n"
	}

	a := &store.Agent{
		Name:            body.Name,
		SystemPrompt:    body.SystemPrompt,
		Provider:        body.Provider,
		Model:           body.Model,
		PremiumProvider: body.PremiumProvider,
		PremiumModel:    body.PremiumModel,
		Temperature:     temperature,
		MaxTokens:       maxTokens,
		Tools:           body.Tools,
		Capabilities:    body.Capabilities,
		ContextSchema:   body.ContextSchema,
		MemoryStrategy:  strategy,
		MemoryParams:    body.MemoryParams,
		WorkspaceID:     body.WorkspaceID,
	}
	if body.WorkspaceID == "" {
		a.OwnerUserID = u.ID
	}
	if err := s.agents.Create(r.Context(), a); err != nil {
		fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	agents, err := s.agents.List(r.Context(), u, r.URL.Query().Get("workspace_id"), 0)
	if err != nil {
		fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) getAgentOr404(ctx context.Context, w http.ResponseWriter, id string, u authz.CurrentUser) *store.Agent {
	a, err := s.agents.Get(ctx, id, u)
	if err != nil {
		fail(w, err)
		return nil
	}
	if a == nil {
		respondError(w, http.StatusNotFound, store.ErrNotFound)
		return nil
	}
	return a
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	if a := s.getAgentOr404(r.Context(), w, r.PathValue("id"), u); a != nil {
		respondJSON(w, http.StatusOK, a)
	}
}

func (s *Server) handlePatchAgent(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	var fields map[string]any
	if err := decodeBody(r, &fields); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	a, err := s.agents.Update(r.Context(), r.PathValue("id"), u, fields)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if a == nil {
		respondError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	ok, err := s.agents.Delete(r.Context(), r.PathValue("id"), u)
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

func (s *Server) handleCloneAgent(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	src := s.getAgentOr404(r.Context(), w, r.PathValue("id"), u)
	if src == nil {
		return
	}
	clone := *src
	clone.ID = ""
	clone.Name = src.Name + " (copy)"
	// Clones are always personal to the cloning user.
	clone.OwnerUserID = u.ID
	clone.WorkspaceID = ""
	if err := s.agents.Create(r.Context(), &clone); err != nil {
		fail(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, clone)
}

// handleAgentFullPrompt renders the compiled system prompt: base prompt plus
// the caller's rendered context, as the runtime would assemble it.
func (s *Server) handleAgentFullPrompt(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	a := s.getAgentOr404(r.Context(), w, r.PathValue("id"), u)
	if a == nil {
		return
	}
	prompt := a.SystemPrompt
	if s.rt != nil {
		if userCtx, err := s.rt.LoadUserContext(r.Context(), u.ID, a.ID); err == nil {
			if rendered := contextstore.Render(userCtx, a.ContextSchema); rendered != "" {
				prompt = strings.TrimSpace(prompt + "\n\n" + rendered)
			}
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"prompt": prompt})
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"conduit/internal/authz"
)

// PGAgents is the Postgres agent store.
type PGAgents struct {
	pool *pgxpool.Pool
}

const agentColumns = `id, name, system_prompt, provider, model, premium_provider, premium_model, temperature, max_tokens, tools, capabilities, context_schema, memory_strategy, memory_params, owner_user_id, workspace_id, created_at, updated_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	var premiumProvider, premiumModel, owner, workspace sql.NullString
	var tools, capabilities, contextSchema, memoryParams []byte
	err := row.Scan(&a.ID, &a.Name, &a.SystemPrompt, &a.Provider, &a.Model,
		&premiumProvider, &premiumModel, &a.Temperature, &a.MaxTokens,
		&tools, &capabilities, &contextSchema, &a.MemoryStrategy, &memoryParams,
		&owner, &workspace, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.PremiumProvider = premiumProvider.String
	a.PremiumModel = premiumModel.String
	a.OwnerUserID = owner.String
	a.WorkspaceID = workspace.String
	if len(tools) > 0 {
		_ = json.Unmarshal(tools, &a.Tools)
	}
	if len(capabilities) > 0 {
		_ = json.Unmarshal(capabilities, &a.Capabilities)
	}
	if len(contextSchema) > 0 {
		_ = json.Unmarshal(contextSchema, &a.ContextSchema)
	}
	if len(memoryParams) > 0 {
		_ = json.Unmarshal(memoryParams, &a.MemoryParams)
	}
	return &a, nil
}

func (s *PGAgents) Get(ctx context.Context, id string, u authz.CurrentUser) (*Agent, error) {
	scope := authz.OwnedOrShared(u, 2)
	query := fmt.Sprintf(
		`SELECT %s FROM agents WHERE id = $1 AND deleted_at IS NULL AND %s`,
		agentColumns, scope.Where,
	)
	args := append([]any{id}, scope.Params...)
	a, err := scanAgent(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (s *PGAgents) List(ctx context.Context, u authz.CurrentUser, workspaceID string, limit int) ([]Agent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	scope := authz.OwnedOrShared(u, 1)
	where := []string{"deleted_at IS NULL", scope.Where}
	args := append([]any{}, scope.Params...)
	if workspaceID != "" {
		args = append(args, workspaceID)
		where = append(where, fmt.Sprintf("workspace_id = $%d", len(args)))
	}
	args = append(args, limit)
	query := fmt.Sprintf(
		`SELECT %s FROM agents WHERE %s ORDER BY updated_at DESC LIMIT $%d`,
		agentColumns, strings.Join(where, " AND "), len(args),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PGAgents) Create(ctx context.Context, a *Agent) error {
	if (a.OwnerUserID == "") == (a.WorkspaceID == "") {
		return fmt.Errorf("agent must be personal or workspace-shared, not both or neither")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	tools, err := json.Marshal(orEmptySlice(a.Tools))
	if err != nil {
		return err
	}
	capabilities, err := json.Marshal(orEmptySlice(a.Capabilities))
	if err != nil {
		return err
	}
	var contextSchema []byte
	if a.ContextSchema != nil {
		if contextSchema, err = json.Marshal(a.ContextSchema); err != nil {
			return err
		}
	}
	memoryParams, err := json.Marshal(orEmptyMap(a.MemoryParams))
	if err != nil {
		return err
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO agents (id, name, system_prompt, provider, model, premium_provider, premium_model,
                    temperature, max_tokens, tools, capabilities, context_schema,
                    memory_strategy, memory_params, owner_user_id, workspace_id)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11, $12, $13, $14, NULLIF($15, ''), NULLIF($16, ''))
RETURNING created_at, updated_at`,
		a.ID, a.Name, a.SystemPrompt, a.Provider, a.Model, a.PremiumProvider, a.PremiumModel,
		a.Temperature, a.MaxTokens, tools, capabilities, contextSchema,
		a.MemoryStrategy, memoryParams, a.OwnerUserID, a.WorkspaceID,
	)
	return row.Scan(&a.CreatedAt, &a.UpdatedAt)
}

// Update patches whitelisted fields. Ownership fields are immutable.
func (s *PGAgents) Update(ctx context.Context, id string, u authz.CurrentUser, fields map[string]any) (*Agent, error) {
	allowed := map[string]string{
		"name":            "name = $%d",
		"system_prompt":   "system_prompt = $%d",
		"provider":        "provider = $%d",
		"model":           "model = $%d",
		"premium_provider": "premium_provider = NULLIF($%d, '')",
		"premium_model":   "premium_model = NULLIF($%d, '')",
		"temperature":     "temperature = $%d",
		"max_tokens":      "max_tokens = $%d",
		"memory_strategy": "memory_strategy = $%d",
	}
	jsonFields := map[string]string{
		"tools":          "tools = $%d",
		"capabilities":   "capabilities = $%d",
		"context_schema": "context_schema = $%d",
		"memory_params":  "memory_params = $%d",
	}

	scope := authz.OwnedOrShared(u, 2)
	args := append([]any{id}, scope.Params...)
	set := []string{"updated_at = NOW()"}

	for key, value := range fields {
		if expr, ok := allowed[key]; ok {
			args = append(args, value)
			set = append(set, fmt.Sprintf(expr, len(args)))
			continue
		}
		if expr, ok := jsonFields[key]; ok {
			b, err := json.Marshal(value)
			if err != nil {
				return nil, err
			}
			args = append(args, b)
			set = append(set, fmt.Sprintf(expr, len(args)))
			continue
		}
		return nil, fmt.Errorf("field %q is not updatable", key)
	}

	query := fmt.Sprintf(
		`UPDATE agents SET %s WHERE id = $1 AND deleted_at IS NULL AND %s RETURNING %s`,
		strings.Join(set, ", "), scope.Where, agentColumns,
	)
	a, err := scanAgent(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (s *PGAgents) Delete(ctx context.Context, id string, u authz.CurrentUser) (bool, error) {
	scope := authz.OwnedOrShared(u, 2)
	args := append([]any{id}, scope.Params...)
	query := fmt.Sprintf(
		`UPDATE agents SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL AND %s`,
		scope.Where,
	)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

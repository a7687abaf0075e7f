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

// PGThreads is the Postgres thread store.
type PGThreads struct {
	pool *pgxpool.Pool
}

const threadColumns = `id, agent_id, title, summary, summarized_until_msg_id, turn_count, token_count, owner_user_id, workspace_id, metadata, created_at, updated_at`

func scanThread(row pgx.Row) (*Thread, error) {
	var t Thread
	var title, watermark, owner, workspace sql.NullString
	var metadata []byte
	err := row.Scan(&t.ID, &t.AgentID, &title, &t.Summary, &watermark, &t.TurnCount, &t.TokenCount, &owner, &workspace, &metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Title = title.String
	t.SummarizedUntilMsg = watermark.String
	t.OwnerUserID = owner.String
	t.WorkspaceID = workspace.String
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &t.Metadata)
	}
	return &t, nil
}

func (s *PGThreads) Get(ctx context.Context, id string, u authz.CurrentUser) (*Thread, error) {
	scope := authz.OwnedOrShared(u, 2)
	query := fmt.Sprintf(
		`SELECT %s FROM threads WHERE id = $1 AND deleted_at IS NULL AND %s`,
		threadColumns, scope.Where,
	)
	args := append([]any{id}, scope.Params...)
	t, err := scanThread(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

func (s *PGThreads) List(ctx context.Context, u authz.CurrentUser, agentID, workspaceID string, limit int) ([]Thread, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	scope := authz.OwnedOrShared(u, 1)
	where := []string{"deleted_at IS NULL", scope.Where}
	args := append([]any{}, scope.Params...)
	if agentID != "" {
		args = append(args, agentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if workspaceID != "" {
		args = append(args, workspaceID)
		where = append(where, fmt.Sprintf("workspace_id = $%d", len(args)))
	}
	args = append(args, limit)
	query := fmt.Sprintf(
		`SELECT %s FROM threads WHERE %s ORDER BY updated_at DESC LIMIT $%d`,
		threadColumns, strings.Join(where, " AND "), len(args),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PGThreads) Create(ctx context.Context, t *Thread) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(orEmptyMap(t.Metadata))
	if err != nil {
		return err
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO threads (id, agent_id, title, summary, owner_user_id, workspace_id, metadata)
VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), $7)
RETURNING created_at, updated_at`,
		t.ID, t.AgentID, t.Title, t.Summary, t.OwnerUserID, t.WorkspaceID, metadata,
	)
	return row.Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (s *PGThreads) Update(ctx context.Context, id string, u authz.CurrentUser, upd ThreadUpdate) (*Thread, error) {
	scope := authz.OwnedOrShared(u, 2)
	args := append([]any{id}, scope.Params...)
	set := []string{"updated_at = NOW()"}

	add := func(expr string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}
	if upd.Title != nil {
		add("title = $%d", *upd.Title)
	}
	if upd.Summary != nil {
		add("summary = $%d", *upd.Summary)
	}
	if upd.SummarizedUntilMsg != nil {
		add("summarized_until_msg_id = $%d", *upd.SummarizedUntilMsg)
	}
	if upd.TurnCountDelta != 0 {
		add("turn_count = turn_count + $%d", upd.TurnCountDelta)
	}
	if upd.TokenCountDelta != 0 {
		add("token_count = token_count + $%d", upd.TokenCountDelta)
	}
	if upd.Metadata != nil {
		b, err := json.Marshal(upd.Metadata)
		if err != nil {
			return nil, err
		}
		add("metadata = metadata || $%d", b)
	}

	query := fmt.Sprintf(
		`UPDATE threads SET %s WHERE id = $1 AND deleted_at IS NULL AND %s RETURNING %s`,
		strings.Join(set, ", "), scope.Where, threadColumns,
	)
	t, err := scanThread(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

func (s *PGThreads) Delete(ctx context.Context, id string, u authz.CurrentUser) (bool, error) {
	scope := authz.OwnedOrShared(u, 2)
	args := append([]any{id}, scope.Params...)
	query := fmt.Sprintf(
		`UPDATE threads SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL AND %s`,
		scope.Where,
	)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

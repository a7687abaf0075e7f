package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"conduit/internal/authz"
)

// PGWorkspaces is the Postgres workspace store.
type PGWorkspaces struct {
	pool *pgxpool.Pool
}

const workspaceColumns = `id, name, description, metadata, created_at, updated_at`

func scanWorkspace(row pgx.Row) (*Workspace, error) {
	var w Workspace
	var metadata []byte
	err := row.Scan(&w.ID, &w.Name, &w.Description, &metadata, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &w.Metadata)
	}
	return &w, nil
}

func (s *PGWorkspaces) Get(ctx context.Context, id string, u authz.CurrentUser) (*Workspace, error) {
	scope := authz.Workspaces(u, 2)
	query := fmt.Sprintf(
		`SELECT %s FROM workspaces WHERE id = $1 AND deleted_at IS NULL AND %s`,
		workspaceColumns, scope.Where,
	)
	args := append([]any{id}, scope.Params...)
	w, err := scanWorkspace(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return w, err
}

func (s *PGWorkspaces) List(ctx context.Context, u authz.CurrentUser, limit int) ([]Workspace, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	scope := authz.Workspaces(u, 1)
	args := append([]any{}, scope.Params...)
	args = append(args, limit)
	query := fmt.Sprintf(
		`SELECT %s FROM workspaces WHERE deleted_at IS NULL AND %s ORDER BY created_at DESC LIMIT $%d`,
		workspaceColumns, scope.Where, len(args),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// Create inserts a workspace and makes the creator its owner in one
// transaction.
func (s *PGWorkspaces) Create(ctx context.Context, w *Workspace, ownerUserID string) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(orEmptyMap(w.Metadata))
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
INSERT INTO workspaces (id, name, description, metadata)
VALUES ($1, $2, $3, $4)
RETURNING created_at, updated_at`,
		w.ID, w.Name, w.Description, metadata,
	)
	if err := row.Scan(&w.CreatedAt, &w.UpdatedAt); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO workspace_members (workspace_id, user_id, role) VALUES ($1, $2, 'owner')`,
		w.ID, ownerUserID,
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGWorkspaces) AddMember(ctx context.Context, workspaceID, userID, role string) error {
	if role == "" {
		role = "member"
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO workspace_members (workspace_id, user_id, role)
VALUES ($1, $2, $3)
ON CONFLICT (workspace_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		workspaceID, userID, role,
	)
	return err
}

// MemberWorkspaceIDs resolves the caller's workspace list; the auth
// middleware runs this once per request to build the CurrentUser.
func (s *PGWorkspaces) MemberWorkspaceIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT workspace_id FROM workspace_members WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

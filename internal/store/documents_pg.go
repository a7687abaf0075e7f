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

// PGDocuments is the Postgres document store.
type PGDocuments struct {
	pool *pgxpool.Pool
}

const documentColumns = `id, agent_id, workspace_id, filename, content_type, size, chunk_count, status, error, created_at, updated_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	var agentID, workspaceID, errMsg sql.NullString
	err := row.Scan(&d.ID, &agentID, &workspaceID, &d.Filename, &d.ContentType, &d.Size, &d.ChunkCount, &d.Status, &errMsg, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.AgentID = agentID.String
	d.WorkspaceID = workspaceID.String
	d.Error = errMsg.String
	return &d, nil
}

func (s *PGDocuments) Get(ctx context.Context, id string, u authz.CurrentUser) (*Document, error) {
	scope := authz.Documents(u, 2)
	query := fmt.Sprintf(
		`SELECT %s FROM documents WHERE id = $1 AND deleted_at IS NULL AND %s`,
		documentColumns, scope.Where,
	)
	args := append([]any{id}, scope.Params...)
	d, err := scanDocument(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return d, err
}

func (s *PGDocuments) List(ctx context.Context, u authz.CurrentUser, agentID, workspaceID string, limit int) ([]Document, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	scope := authz.Documents(u, 1)
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
		`SELECT %s FROM documents WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		documentColumns, strings.Join(where, " AND "), len(args),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Create validates the visibility invariant atomically: an illegal state
// writes no row.
func (s *PGDocuments) Create(ctx context.Context, u authz.CurrentUser, d *Document) error {
	if err := authz.ValidateDocumentVisibility(u, d.WorkspaceID, d.AgentID); err != nil {
		return err
	}
	if d.WorkspaceID != "" && !u.Admin && !u.InWorkspace(d.WorkspaceID) {
		return ErrNotFound
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DocPending
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO documents (id, agent_id, workspace_id, filename, content_type, size, status)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7)
RETURNING created_at, updated_at`,
		d.ID, d.AgentID, d.WorkspaceID, d.Filename, d.ContentType, d.Size, d.Status,
	)
	return row.Scan(&d.CreatedAt, &d.UpdatedAt)
}

// SetStatus is used by the ingestion worker; it is not scope-checked because
// workers act on documents already admitted by Create.
func (s *PGDocuments) SetStatus(ctx context.Context, id, status, errMsg string, chunkCount int) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE documents SET status = $2, error = NULLIF($3, ''), chunk_count = $4, updated_at = NOW()
WHERE id = $1 AND deleted_at IS NULL`,
		id, status, errMsg, chunkCount,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGDocuments) Delete(ctx context.Context, id string, u authz.CurrentUser) (bool, error) {
	scope := authz.Documents(u, 2)
	args := append([]any{id}, scope.Params...)
	query := fmt.Sprintf(
		`UPDATE documents SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL AND %s`,
		scope.Where,
	)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGDocuments) AddChunks(ctx context.Context, documentID string, chunks []DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		metadata, err := json.Marshal(orEmptyMap(c.Metadata))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
INSERT INTO document_chunks (id, document_id, chunk_index, content, metadata)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (document_id, chunk_index) DO UPDATE SET content = EXCLUDED.content, metadata = EXCLUDED.metadata`,
			c.ID, documentID, c.ChunkIndex, c.Content, metadata,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PGDocuments) Chunks(ctx context.Context, documentID string) ([]DocumentChunk, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, document_id, chunk_index, content, metadata
FROM document_chunks WHERE document_id = $1 ORDER BY chunk_index`,
		documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DocumentChunk
	for rows.Next() {
		var c DocumentChunk
		var metadata []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &metadata); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &c.Metadata)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

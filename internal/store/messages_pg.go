package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"conduit/internal/authz"
)

// PGMessages is the Postgres message store. Messages inherit their thread's
// scope; reads taking a CurrentUser verify it inline with an EXISTS clause.
type PGMessages struct {
	pool *pgxpool.Pool
}

const messageColumns = `id, thread_id, seq, role, content, tool_calls, tool_call_id, attachments, metadata, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var toolCalls, attachments, metadata []byte
	var toolCallID sql.NullString
	err := row.Scan(&m.ID, &m.ThreadID, &m.Seq, &m.Role, &m.Content, &toolCalls, &toolCallID, &attachments, &metadata, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.ToolCallID = toolCallID.String
	if len(toolCalls) > 0 {
		_ = json.Unmarshal(toolCalls, &m.ToolCalls)
	}
	if len(attachments) > 0 {
		_ = json.Unmarshal(attachments, &m.Attachments)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &m.Metadata)
	}
	return &m, nil
}

func (s *PGMessages) Append(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	var toolCalls, attachments []byte
	var err error
	if len(m.ToolCalls) > 0 {
		if toolCalls, err = json.Marshal(m.ToolCalls); err != nil {
			return err
		}
	}
	if len(m.Attachments) > 0 {
		if attachments, err = json.Marshal(m.Attachments); err != nil {
			return err
		}
	}
	metadata, err := json.Marshal(orEmptyMap(m.Metadata))
	if err != nil {
		return err
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO messages (id, thread_id, role, content, tool_calls, tool_call_id, attachments, metadata)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
RETURNING seq, created_at`,
		m.ID, m.ThreadID, m.Role, m.Content, toolCalls, m.ToolCallID, attachments, metadata,
	)
	return row.Scan(&m.Seq, &m.CreatedAt)
}

func (s *PGMessages) ListThread(ctx context.Context, threadID string, u authz.CurrentUser, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	scope := authz.OwnedOrSharedIn(u, 2, "threads.")
	query := fmt.Sprintf(`
SELECT %s FROM messages
WHERE thread_id = $1 AND deleted_at IS NULL
  AND EXISTS (SELECT 1 FROM threads WHERE threads.id = messages.thread_id AND threads.deleted_at IS NULL AND %s)
ORDER BY seq ASC
LIMIT $%d`, messageColumns, scope.Where, len(scope.Params)+2)
	args := append([]any{threadID}, scope.Params...)
	args = append(args, limit)
	return s.queryMessages(ctx, query, args...)
}

func (s *PGMessages) ListAfter(ctx context.Context, threadID string, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	query := fmt.Sprintf(`
SELECT %s FROM messages
WHERE thread_id = $1 AND seq > $2 AND deleted_at IS NULL
ORDER BY seq ASC
LIMIT $3`, messageColumns)
	return s.queryMessages(ctx, query, threadID, afterSeq, limit)
}

func (s *PGMessages) Get(ctx context.Context, id string) (*Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE id = $1 AND deleted_at IS NULL`, messageColumns)
	return scanMessage(s.pool.QueryRow(ctx, query, id))
}

func (s *PGMessages) PatchMetadata(ctx context.Context, id string, patch map[string]any) error {
	b, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET metadata = metadata || $2 WHERE id = $1 AND deleted_at IS NULL`,
		id, b,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete hard-deletes a message. Used only to roll back an orphaned user
// message when async enqueue fails after the save.
func (s *PGMessages) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	return err
}

func (s *PGMessages) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}


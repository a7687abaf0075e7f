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

// PGJobs is the durable job record store. Status predicates on every UPDATE
// enforce the lifecycle; a terminal row never changes again.
type PGJobs struct {
	pool *pgxpool.Pool
}

const jobColumns = `id, task_name, payload, status, attempts, max_attempts, result, error, user_id, workspace_id, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var result []byte
	var errMsg, userID, workspaceID sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.TaskName, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&result, &errMsg, &userID, &workspaceID, &startedAt, &completedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	j.Result = result
	j.Error = errMsg.String
	j.UserID = userID.String
	j.WorkspaceID = workspaceID.String
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func (s *PGJobs) Create(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = JobQueued
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 3
	}
	if len(j.Payload) == 0 {
		j.Payload = json.RawMessage(`{}`)
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO jobs (id, task_name, payload, status, max_attempts, user_id, workspace_id)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
RETURNING created_at, updated_at`,
		j.ID, j.TaskName, j.Payload, j.Status, j.MaxAttempts, j.UserID, j.WorkspaceID,
	)
	return row.Scan(&j.CreatedAt, &j.UpdatedAt)
}

func (s *PGJobs) Get(ctx context.Context, id string, u authz.CurrentUser) (*Job, error) {
	scope := authz.Jobs(u, 2)
	query := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE id = $1 AND deleted_at IS NULL AND %s`,
		jobColumns, scope.Where,
	)
	args := append([]any{id}, scope.Params...)
	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return j, err
}

func (s *PGJobs) MarkRunning(ctx context.Context, id string) (*Job, error) {
	query := fmt.Sprintf(`
UPDATE jobs SET status = 'running', attempts = attempts + 1, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
WHERE id = $1 AND status IN ('queued', 'running')
RETURNING %s`, jobColumns)
	return scanJob(s.pool.QueryRow(ctx, query, id))
}

func (s *PGJobs) MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET status = 'succeeded', result = $2, completed_at = NOW(), updated_at = NOW()
WHERE id = $1 AND status = 'running'`,
		id, result,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGJobs) MarkFailed(ctx context.Context, id string, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET status = 'failed', error = $2, completed_at = NOW(), updated_at = NOW()
WHERE id = $1 AND status = 'running'`,
		id, errMsg,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGJobs) Requeue(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'queued', updated_at = NOW() WHERE id = $1 AND status = 'running'`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel transitions queued -> cancelled only; running or terminal jobs are
// untouched.
func (s *PGJobs) Cancel(ctx context.Context, id string, u authz.CurrentUser) (bool, error) {
	scope := authz.Jobs(u, 2)
	args := append([]any{id}, scope.Params...)
	query := fmt.Sprintf(`
UPDATE jobs SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
WHERE id = $1 AND status = 'queued' AND %s`,
		scope.Where,
	)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"conduit/internal/authz"
)

// PGAnalytics aggregates activity and spend from assistant message metadata,
// scoped like every other read.
type PGAnalytics struct {
	pool *pgxpool.Pool
}

func (s *PGAnalytics) Metrics(ctx context.Context, u authz.CurrentUser) (*Metrics, error) {
	threadScope := authz.OwnedOrSharedIn(u, 1, "t.")
	query := fmt.Sprintf(`
SELECT
  (SELECT COUNT(*) FROM agents t WHERE t.deleted_at IS NULL AND %s),
  (SELECT COUNT(*) FROM threads t WHERE t.deleted_at IS NULL AND %s),
  (SELECT COUNT(*) FROM messages m JOIN threads t ON t.id = m.thread_id WHERE m.deleted_at IS NULL AND t.deleted_at IS NULL AND %s),
  (SELECT COALESCE(SUM((m.metadata->>'cost')::float), 0)
     FROM messages m JOIN threads t ON t.id = m.thread_id
    WHERE m.role = 'assistant' AND m.metadata ? 'cost' AND t.deleted_at IS NULL AND %s)`,
		threadScope.Where, threadScope.Where, threadScope.Where, threadScope.Where,
	)

	var m Metrics
	err := s.pool.QueryRow(ctx, query, threadScope.Params...).Scan(&m.Agents, &m.Threads, &m.Messages, &m.TotalCost)
	if err != nil {
		return nil, err
	}

	docScope := authz.Documents(u, 1)
	docQuery := fmt.Sprintf(`SELECT COUNT(*) FROM documents WHERE deleted_at IS NULL AND %s`, docScope.Where)
	if err := s.pool.QueryRow(ctx, docQuery, docScope.Params...).Scan(&m.Documents); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PGAnalytics) Usage(ctx context.Context, u authz.CurrentUser, period string) ([]UsageRow, error) {
	var trunc string
	switch period {
	case "day", "":
		trunc = "day"
	case "week":
		trunc = "week"
	case "month":
		trunc = "month"
	default:
		return nil, fmt.Errorf("invalid period %q", period)
	}

	scope := authz.OwnedOrSharedIn(u, 1, "t.")
	query := fmt.Sprintf(`
SELECT date_trunc('%s', m.created_at) AS bucket,
       COALESCE(m.metadata->>'model', '') AS model,
       COALESCE(SUM((m.metadata->>'cost')::float), 0) AS cost,
       COALESCE(SUM((m.metadata->'usage'->>'input')::int), 0) AS input_tok,
       COALESCE(SUM((m.metadata->'usage'->>'output')::int), 0) AS output_tok,
       COUNT(*) AS calls
FROM messages m JOIN threads t ON t.id = m.thread_id
WHERE m.role = 'assistant' AND m.metadata ? 'cost' AND m.deleted_at IS NULL AND t.deleted_at IS NULL AND %s
GROUP BY 1, 2
ORDER BY 1 DESC, 3 DESC
LIMIT 500`, trunc, scope.Where)

	rows, err := s.pool.Query(ctx, query, scope.Params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var r UsageRow
		if err := rows.Scan(&r.Bucket, &r.Model, &r.Cost, &r.InputTok, &r.OutputTok, &r.Calls); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGAnalytics) LLMCalls(ctx context.Context, u authz.CurrentUser, limit int) ([]LLMCall, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	scope := authz.OwnedOrSharedIn(u, 1, "t.")
	query := fmt.Sprintf(`
SELECT m.id, m.thread_id,
       COALESCE(m.metadata->>'model', ''),
       COALESCE(m.metadata->>'provider', ''),
       COALESCE((m.metadata->>'cost')::float, 0),
       COALESCE((m.metadata->'usage'->>'input')::int, 0),
       COALESCE((m.metadata->'usage'->>'output')::int, 0),
       COALESCE((m.metadata->>'duration_ms')::bigint, 0),
       COALESCE(m.metadata->>'call_type', ''),
       m.created_at
FROM messages m JOIN threads t ON t.id = m.thread_id
WHERE m.role = 'assistant' AND m.metadata ? 'model' AND m.deleted_at IS NULL AND t.deleted_at IS NULL AND %s
ORDER BY m.created_at DESC
LIMIT $%d`, scope.Where, len(scope.Params)+1)

	args := append([]any{}, scope.Params...)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LLMCall
	for rows.Next() {
		var c LLMCall
		if err := rows.Scan(&c.MessageID, &c.ThreadID, &c.Model, &c.Provider, &c.Cost, &c.InputTok, &c.OutputTok, &c.DurationMS, &c.CallType, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

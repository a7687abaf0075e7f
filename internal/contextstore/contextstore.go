// Package contextstore persists per-user key-value memory (profile,
// preferences, extracted facts) as a single JSON blob per user, updated with
// deep-merge semantics.
package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"conduit/internal/observability"
)

// Provider is the persistent user-context contract.
type Provider interface {
	Load(ctx context.Context, userID, agentID string) (map[string]any, error)
	Update(ctx context.Context, userID string, updates map[string]any, reason string, agentID string) (map[string]any, error)
	Delete(ctx context.Context, userID, agentID string) (bool, error)
}

// DeepMerge merges updates into base: nested maps recurse, lists replace
// wholesale, and a null value deletes its key. Neither input is mutated.
func DeepMerge(base, updates map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range updates {
		if v == nil {
			delete(result, k)
			continue
		}
		if vm, ok := v.(map[string]any); ok {
			if bm, ok := result[k].(map[string]any); ok {
				result[k] = DeepMerge(bm, vm)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// PGProvider stores one row per (user, context_type) in user_context.
type PGProvider struct {
	pool *pgxpool.Pool
}

func NewPGProvider(pool *pgxpool.Pool) *PGProvider {
	return &PGProvider{pool: pool}
}

func (p *PGProvider) Init(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS user_context (
    user_id TEXT NOT NULL,
    context_type TEXT NOT NULL DEFAULT 'profile',
    workspace_id TEXT,
    content JSONB NOT NULL DEFAULT '{}',
    expires_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (user_id, context_type)
);
`)
	return err
}

func (p *PGProvider) Load(ctx context.Context, userID, agentID string) (map[string]any, error) {
	var raw []byte
	var expires *time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT content, expires_at FROM user_context WHERE user_id = $1 AND context_type = 'profile'`,
		userID,
	).Scan(&raw, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user context: %w", err)
	}
	if expires != nil && time.Now().After(*expires) {
		return map[string]any{}, nil
	}
	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("decode user context: %w", err)
	}
	return content, nil
}

// Update reads the current blob under a row lock, deep-merges, and writes it
// back in one transaction.
func (p *PGProvider) Update(ctx context.Context, userID string, updates map[string]any, reason string, agentID string) (map[string]any, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current := map[string]any{}
	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT content FROM user_context WHERE user_id = $1 AND context_type = 'profile' FOR UPDATE`,
		userID,
	).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// first write for this user
	case err != nil:
		return nil, fmt.Errorf("read user context: %w", err)
	default:
		if err := json.Unmarshal(raw, &current); err != nil {
			return nil, fmt.Errorf("decode user context: %w", err)
		}
	}

	merged := DeepMerge(current, updates)
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode user context: %w", err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO user_context (user_id, context_type, content, updated_at)
VALUES ($1, 'profile', $2, NOW())
ON CONFLICT (user_id, context_type) DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()`,
		userID, out,
	)
	if err != nil {
		return nil, fmt.Errorf("write user context: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	observability.LoggerWithTrace(ctx).Info().
		Str("user_id", userID).
		Str("agent_id", agentID).
		Str("reason", reason).
		Int("keys", len(updates)).
		Msg("user_context_updated")
	return merged, nil
}

func (p *PGProvider) Delete(ctx context.Context, userID, agentID string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM user_context WHERE user_id = $1 AND context_type = 'profile'`,
		userID,
	)
	if err != nil {
		return false, fmt.Errorf("delete user context: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Render formats context for inclusion in a system prompt, optionally guided
// by the agent's context schema (key -> description).
func Render(content map[string]any, schema map[string]string) string {
	if len(content) == 0 {
		return ""
	}
	b, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return ""
	}
	out := "## WHAT YOU KNOW ABOUT THE USER\n\n" + string(b)
	if len(schema) > 0 {
		sb, err := json.MarshalIndent(schema, "", "  ")
		if err == nil {
			out += "\n\nTrack these facts when the user mentions them:\n" + string(sb)
		}
	}
	return out
}

// MemoryProvider is the in-memory double used by tests and by deployments
// without a database.
type MemoryProvider struct {
	data map[string]map[string]any
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{data: make(map[string]map[string]any)}
}

func (p *MemoryProvider) Load(_ context.Context, userID, _ string) (map[string]any, error) {
	if c, ok := p.data[userID]; ok {
		return c, nil
	}
	return map[string]any{}, nil
}

func (p *MemoryProvider) Update(_ context.Context, userID string, updates map[string]any, _ string, _ string) (map[string]any, error) {
	current := p.data[userID]
	if current == nil {
		current = map[string]any{}
	}
	merged := DeepMerge(current, updates)
	p.data[userID] = merged
	return merged, nil
}

func (p *MemoryProvider) Delete(_ context.Context, userID, _ string) (bool, error) {
	if _, ok := p.data[userID]; !ok {
		return false, nil
	}
	delete(p.data, userID)
	return true, nil
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/llm"
)

type stubTool struct {
	name    string
	params  map[string]any
	execute func(ctx context.Context, args map[string]any) (any, error)
}

func (t stubTool) Name() string               { return t.name }
func (t stubTool) Description() string        { return "stub " + t.name }
func (t stubTool) Parameters() map[string]any { return t.params }
func (t stubTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return t.execute(ctx, args)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(stubTool{
		name: "echo",
		execute: func(_ context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}, ""))
	require.NoError(t, r.Register(stubTool{
		name: "boom",
		execute: func(_ context.Context, _ map[string]any) (any, error) {
			return nil, errors.New("kaput")
		},
	}, ""))
	require.NoError(t, r.Register(stubTool{
		name: "secrets",
		execute: func(_ context.Context, _ map[string]any) (any, error) {
			return "classified", nil
		},
	}, "clearance"))
	return r
}

func TestSchemasFilterByCapability(t *testing.T) {
	r := newTestRegistry(t)

	// Without the capability the gated tool is invisible to the model.
	schemas := r.Schemas([]string{"echo", "secrets", "missing"}, nil)
	names := make([]string, 0, len(schemas))
	for _, s := range schemas {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"echo"}, names)

	schemas = r.Schemas([]string{"echo", "secrets"}, []string{"clearance"})
	assert.Len(t, schemas, 2)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(stubTool{name: "echo", execute: func(context.Context, map[string]any) (any, error) { return nil, nil }}, "")
	assert.Error(t, err)
}

func TestDispatcherExecutesInParallel(t *testing.T) {
	r := NewRegistry()
	var running atomic.Int32
	var peak atomic.Int32
	require.NoError(t, r.Register(stubTool{
		name: "slow",
		execute: func(_ context.Context, _ map[string]any) (any, error) {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			running.Add(-1)
			return "ok", nil
		},
	}, ""))

	d := NewDispatcher(r, time.Second)
	calls := []llm.ToolCall{
		{ID: "1", Name: "slow", Args: json.RawMessage(`{}`)},
		{ID: "2", Name: "slow", Args: json.RawMessage(`{}`)},
		{ID: "3", Name: "slow", Args: json.RawMessage(`{}`)},
	}
	start := time.Now()
	results := d.Execute(context.Background(), calls, nil)
	elapsed := time.Since(start)

	require.Len(t, results, 3)
	assert.Greater(t, int(peak.Load()), 1, "tools should overlap")
	assert.Less(t, elapsed, 90*time.Millisecond)
	for i, res := range results {
		assert.Equal(t, calls[i].ID, res.ToolCallID)
		assert.False(t, res.IsError)
	}
}

func TestDispatcherCapturesErrorsPerTool(t *testing.T) {
	r := newTestRegistry(t)
	d := NewDispatcher(r, time.Second)

	results := d.Execute(context.Background(), []llm.ToolCall{
		{ID: "ok", Name: "echo", Args: json.RawMessage(`{"text":"hi"}`)},
		{ID: "bad", Name: "boom", Args: json.RawMessage(`{}`)},
	}, nil)

	require.Len(t, results, 2)
	assert.False(t, results[0].IsError)
	assert.Equal(t, "hi", results[0].Content)

	assert.True(t, results[1].IsError)
	assert.Equal(t, "execution", results[1].Kind)
	assert.Contains(t, results[1].Content, "kaput")
}

func TestDispatcherUnknownTool(t *testing.T) {
	r := newTestRegistry(t)
	d := NewDispatcher(r, time.Second)

	results := d.Execute(context.Background(), []llm.ToolCall{
		{ID: "x", Name: "nope", Args: json.RawMessage(`{}`)},
	}, nil)
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Equal(t, "not_found", results[0].Kind)
	assert.Contains(t, results[0].Content, "'nope' not found")
}

func TestDispatcherCapabilityDenied(t *testing.T) {
	r := newTestRegistry(t)
	d := NewDispatcher(r, time.Second)

	results := d.Execute(context.Background(), []llm.ToolCall{
		{ID: "x", Name: "secrets", Args: json.RawMessage(`{}`)},
	}, nil)
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Equal(t, "capability", results[0].Kind)

	// With the capability it runs.
	results = d.Execute(context.Background(), []llm.ToolCall{
		{ID: "x", Name: "secrets", Args: json.RawMessage(`{}`)},
	}, []string{"clearance"})
	assert.False(t, results[0].IsError)
}

func TestDispatcherSerializesNonStringResults(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubTool{
		name: "stats",
		execute: func(context.Context, map[string]any) (any, error) {
			return map[string]int{"count": 3}, nil
		},
	}, ""))
	d := NewDispatcher(r, time.Second)

	results := d.Execute(context.Background(), []llm.ToolCall{{ID: "1", Name: "stats", Args: json.RawMessage(`{}`)}}, nil)
	require.Len(t, results, 1)
	assert.JSONEq(t, `{"count":3}`, results[0].Content)
}

func TestDispatcherValidatesArgsAgainstSchema(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubTool{
		name: "strict",
		params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"n": map[string]any{"type": "integer"},
			},
			"required": []any{"n"},
		},
		execute: func(_ context.Context, args map[string]any) (any, error) {
			return args["n"], nil
		},
	}, ""))
	d := NewDispatcher(r, time.Second)

	results := d.Execute(context.Background(), []llm.ToolCall{
		{ID: "bad", Name: "strict", Args: json.RawMessage(`{"n":"not a number"}`)},
		{ID: "good", Name: "strict", Args: json.RawMessage(`{"n":4}`)},
	}, nil)
	require.Len(t, results, 2)
	assert.True(t, results[0].IsError)
	assert.Equal(t, "invalid_args", results[0].Kind)
	assert.False(t, results[1].IsError)
}

func TestCalculator(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"2+2", "4"},
		{"2 + 3 * 4", "14"},
		{"(2 + 3) * 4", "20"},
		{"10 / 4", "2.5"},
		{"-3 + 5", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := CalculatorTool{}.Execute(context.Background(), map[string]any{"expression": tt.expr})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := CalculatorTool{}.Execute(context.Background(), map[string]any{"expression": "1/0"})
	assert.Error(t, err)
	_, err = CalculatorTool{}.Execute(context.Background(), map[string]any{"expression": "nope"})
	assert.Error(t, err)
}

func TestUpdateContextToolRequiresInvocation(t *testing.T) {
	tool := NewUpdateContextTool(stubUpdater{})
	_, err := tool.Execute(context.Background(), map[string]any{"updates": map[string]any{"a": 1}})
	assert.Error(t, err)

	ctx := WithInvocation(context.Background(), Invocation{UserID: "u1"})
	out, err := tool.Execute(ctx, map[string]any{"updates": map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.NotNil(t, out)
}

type stubUpdater struct{}

func (stubUpdater) Update(_ context.Context, _ string, updates map[string]any, _ string, _ string) (map[string]any, error) {
	return updates, nil
}

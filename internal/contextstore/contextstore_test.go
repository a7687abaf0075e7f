package contextstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepMerge(t *testing.T) {
	tests := []struct {
		name    string
		base    map[string]any
		updates map[string]any
		want    map[string]any
	}{
		{
			name:    "scalar replace",
			base:    map[string]any{"name": "Ann"},
			updates: map[string]any{"name": "Bea"},
			want:    map[string]any{"name": "Bea"},
		},
		{
			name:    "null deletes key",
			base:    map[string]any{"name": "Ann", "city": "Paris"},
			updates: map[string]any{"city": nil},
			want:    map[string]any{"name": "Ann"},
		},
		{
			name:    "nested maps recurse",
			base:    map[string]any{"prefs": map[string]any{"lang": "fr", "tz": "CET"}},
			updates: map[string]any{"prefs": map[string]any{"lang": "en"}},
			want:    map[string]any{"prefs": map[string]any{"lang": "en", "tz": "CET"}},
		},
		{
			name:    "lists replace wholesale",
			base:    map[string]any{"tags": []any{"a", "b"}},
			updates: map[string]any{"tags": []any{"c"}},
			want:    map[string]any{"tags": []any{"c"}},
		},
		{
			name:    "new keys added",
			base:    map[string]any{},
			updates: map[string]any{"x": 1},
			want:    map[string]any{"x": 1},
		},
		{
			name:    "map replaces scalar",
			base:    map[string]any{"x": "flat"},
			updates: map[string]any{"x": map[string]any{"deep": true}},
			want:    map[string]any{"x": map[string]any{"deep": true}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeepMerge(tt.base, tt.updates))
		})
	}
}

func TestDeepMergeDoesNotMutateInputs(t *testing.T) {
	base := map[string]any{"a": 1}
	updates := map[string]any{"b": 2}
	_ = DeepMerge(base, updates)
	assert.Equal(t, map[string]any{"a": 1}, base)
	assert.Equal(t, map[string]any{"b": 2}, updates)
}

func TestMemoryProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	got, err := p.Load(ctx, "u1", "")
	require.NoError(t, err)
	assert.Empty(t, got)

	merged, err := p.Update(ctx, "u1", map[string]any{"name": "Ann"}, "test", "")
	require.NoError(t, err)
	assert.Equal(t, "Ann", merged["name"])

	merged, err = p.Update(ctx, "u1", map[string]any{"name": nil, "city": "Oslo"}, "test", "")
	require.NoError(t, err)
	assert.NotContains(t, merged, "name")
	assert.Equal(t, "Oslo", merged["city"])

	ok, err := p.Delete(ctx, "u1", "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Delete(ctx, "u1", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRender(t *testing.T) {
	assert.Empty(t, Render(nil, nil))

	out := Render(map[string]any{"name": "Ann"}, map[string]string{"name": "the user's name"})
	assert.Contains(t, out, "WHAT YOU KNOW ABOUT THE USER")
	assert.Contains(t, out, "Ann")
	assert.Contains(t, out, "the user's name")
}

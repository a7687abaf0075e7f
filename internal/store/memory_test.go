package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/authz"
)

// Get returns non-nil exactly when the caller is the owner, a member of the
// workspace, or an admin.
func TestThreadScopeProperty(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	personal := &Thread{AgentID: "a1", OwnerUserID: "u1"}
	shared := &Thread{AgentID: "a1", WorkspaceID: "w1"}
	require.NoError(t, mem.ThreadStore.Create(ctx, personal))
	require.NoError(t, mem.ThreadStore.Create(ctx, shared))

	users := []struct {
		name         string
		user         authz.CurrentUser
		seesPersonal bool
		seesShared   bool
	}{
		{"owner", authz.CurrentUser{ID: "u1"}, true, false},
		{"member", authz.CurrentUser{ID: "u2", WorkspaceIDs: []string{"w1"}}, false, true},
		{"owner and member", authz.CurrentUser{ID: "u1", WorkspaceIDs: []string{"w1"}}, true, true},
		{"stranger", authz.CurrentUser{ID: "v1"}, false, false},
		{"admin", authz.CurrentUser{ID: "root", Admin: true}, true, true},
	}
	for _, tt := range users {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mem.ThreadStore.Get(ctx, personal.ID, tt.user)
			require.NoError(t, err)
			assert.Equal(t, tt.seesPersonal, got != nil)

			got, err = mem.ThreadStore.Get(ctx, shared.ID, tt.user)
			require.NoError(t, err)
			assert.Equal(t, tt.seesShared, got != nil)
		})
	}
}

func TestThreadUpdateOutOfScopeIsNil(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	thread := &Thread{AgentID: "a1", OwnerUserID: "u1"}
	require.NoError(t, mem.ThreadStore.Create(ctx, thread))

	title := "stolen"
	got, err := mem.ThreadStore.Update(ctx, thread.ID, authz.CurrentUser{ID: "v1"}, ThreadUpdate{Title: &title})
	require.NoError(t, err)
	assert.Nil(t, got)

	// Unchanged for the owner.
	cur, err := mem.ThreadStore.Get(ctx, thread.ID, authz.CurrentUser{ID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, cur.Title)
}

func TestMessageSeqMonotonePerThread(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	var last int64
	for i := 0; i < 5; i++ {
		m := &Message{ThreadID: "t1", Role: "user", Content: "x"}
		require.NoError(t, mem.MessageStore.Append(ctx, m))
		assert.Greater(t, m.Seq, last)
		last = m.Seq
	}
}

func TestThreadCountersAccumulate(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	u := authz.CurrentUser{ID: "u1"}

	thread := &Thread{AgentID: "a1", OwnerUserID: "u1"}
	require.NoError(t, mem.ThreadStore.Create(ctx, thread))

	for i := 0; i < 3; i++ {
		_, err := mem.ThreadStore.Update(ctx, thread.ID, u, ThreadUpdate{TurnCountDelta: 1, TokenCountDelta: 10})
		require.NoError(t, err)
	}
	got, err := mem.ThreadStore.Get(ctx, thread.ID, u)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TurnCount)
	assert.Equal(t, 30, got.TokenCount)
}

package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/jobs"
	"conduit/internal/store"
	"conduit/internal/stream"
)

func TestEnqueueChatPersistsUserMessageFirst(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	queue := jobs.NewMemQueue(8)
	f.rt.deps.JobClient = jobs.NewClient(f.mem.JobStore, queue)
	f.rt.deps.Relay = stream.NewRelay(nil)

	accepted, err := f.rt.EnqueueChat(ctx, f.user, f.thread.ID, ChatRequest{Message: "async hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, accepted.JobID)
	assert.True(t, strings.HasPrefix(accepted.StreamChannel, "stream:"+f.thread.ID+":"))

	// The user message is visible immediately.
	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "async hello", msgs[0].Content)

	// The channel embeds that message's id.
	assert.Equal(t, stream.ChannelFor(f.thread.ID, msgs[0].ID), accepted.StreamChannel)

	// And a queued job row exists for the caller.
	job, err := f.mem.JobStore.Get(ctx, accepted.JobID, f.user)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, store.JobQueued, job.Status)
	assert.Equal(t, TaskChatResponse, job.TaskName)
}

func TestEnqueueChatRollsBackOnPushFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Full queue: the push always fails after the row write.
	queue := jobs.NewMemQueue(1)
	require.NoError(t, queue.Push(ctx, "filler", []byte("x"))) // fill it
	f.rt.deps.JobClient = jobs.NewClient(f.mem.JobStore, queue)
	f.rt.deps.Relay = stream.NewRelay(nil)

	_, err := f.rt.EnqueueChat(ctx, f.user, f.thread.ID, ChatRequest{Message: "doomed"})
	require.Error(t, err)

	// No orphan user message is left behind.
	assert.Empty(t, f.messages(t))
}

func TestEnqueueChatWithoutAsyncWiring(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.rt.EnqueueChat(context.Background(), f.user, f.thread.ID, ChatRequest{Message: "hi"})
	assert.Error(t, err)
}

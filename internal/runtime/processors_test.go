package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/jobs"
	"conduit/internal/llm"
	"conduit/internal/store"
)

func TestSummarizationProcessorAdvancesWatermark(t *testing.T) {
	f := newFixture(t, func(a *store.Agent) {
		a.MemoryStrategy = "summarize"
	})
	ctx := context.Background()

	// Seed a long history.
	for i := 0; i < summarizeRecentKeep+4; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		m := &store.Message{ThreadID: f.thread.ID, Role: role, Content: strings.Repeat("chatter ", 40)}
		require.NoError(t, f.mem.MessageStore.Append(ctx, m))
	}

	f.provider.Enqueue(llm.Response{Content: "A crisp rolling summary.", Usage: llm.Usage{Input: 10, Output: 10}})

	payload, err := json.Marshal(summarizationPayload{
		ThreadID:   f.thread.ID,
		UserID:     f.user.ID,
		Workspaces: f.user.WorkspaceIDs,
	})
	require.NoError(t, err)

	result, err := f.rt.summarizationProcessor(ctx, payload, jobs.Context{JobID: "j1"}, nil)
	require.NoError(t, err)
	assert.Contains(t, string(result), `"summarized":4`)

	thread, err := f.mem.ThreadStore.Get(ctx, f.thread.ID, f.user)
	require.NoError(t, err)
	assert.Equal(t, "A crisp rolling summary.", thread.Summary)
	assert.NotEmpty(t, thread.SummarizedUntilMsg)

	// The summarization prompt carried the previous summary slot and the
	// older messages, keeping the recent tail out.
	calls := f.provider.Calls()
	require.Len(t, calls, 1)
	prompt := calls[0].Messages
	require.Len(t, prompt, 2)
	assert.Contains(t, prompt[1].Content, "New messages:")
}

func TestSummarizationProcessorNoopWhenCaughtUp(t *testing.T) {
	f := newFixture(t, func(a *store.Agent) {
		a.MemoryStrategy = "summarize"
	})
	ctx := context.Background()

	// Fewer messages than the recent-keep window: nothing to summarize.
	for i := 0; i < summarizeRecentKeep-1; i++ {
		m := &store.Message{ThreadID: f.thread.ID, Role: "user", Content: "short"}
		require.NoError(t, f.mem.MessageStore.Append(ctx, m))
	}

	payload, _ := json.Marshal(summarizationPayload{
		ThreadID:   f.thread.ID,
		UserID:     f.user.ID,
		Workspaces: f.user.WorkspaceIDs,
	})
	result, err := f.rt.summarizationProcessor(ctx, payload, jobs.Context{JobID: "j1"}, nil)
	require.NoError(t, err)
	assert.Contains(t, string(result), `"summarized":0`)
	assert.Empty(t, f.provider.Calls())
}

func TestSummarizationIdempotentByWatermark(t *testing.T) {
	f := newFixture(t, func(a *store.Agent) {
		a.MemoryStrategy = "summarize"
	})
	ctx := context.Background()

	for i := 0; i < summarizeRecentKeep+2; i++ {
		m := &store.Message{ThreadID: f.thread.ID, Role: "user", Content: "msg"}
		require.NoError(t, f.mem.MessageStore.Append(ctx, m))
	}

	f.provider.Enqueue(llm.Response{Content: "summary one"})
	payload, _ := json.Marshal(summarizationPayload{
		ThreadID:   f.thread.ID,
		UserID:     f.user.ID,
		Workspaces: f.user.WorkspaceIDs,
	})
	_, err := f.rt.summarizationProcessor(ctx, payload, jobs.Context{JobID: "j1"}, nil)
	require.NoError(t, err)

	// A redelivered job finds everything past the watermark inside the
	// recent window and does nothing.
	result, err := f.rt.summarizationProcessor(ctx, payload, jobs.Context{JobID: "j1-retry"}, nil)
	require.NoError(t, err)
	assert.Contains(t, string(result), `"summarized":0`)
}

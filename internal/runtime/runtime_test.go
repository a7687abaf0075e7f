package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/authz"
	"conduit/internal/contextstore"
	"conduit/internal/costs"
	"conduit/internal/llm"
	"conduit/internal/llm/cascade"
	"conduit/internal/locks"
	"conduit/internal/store"
	"conduit/internal/testhelpers"
	"conduit/internal/tools"
)

type fixture struct {
	rt       *Runtime
	mem      *store.Memory
	provider *testhelpers.ScriptedProvider
	user     authz.CurrentUser
	thread   *store.Thread
	agent    *store.Agent
}

func newFixture(t *testing.T, agentMut func(*store.Agent)) *fixture {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemory()
	provider := testhelpers.NewScriptedProvider("anthropic", "claude-sonnet-4-20250514")

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.CalculatorTool{}, ""))
	require.NoError(t, registry.Register(tools.NewUpdateContextTool(contextstore.NewMemoryProvider()), "memory"))

	lockMgr := locks.NewManager(time.Hour)
	t.Cleanup(lockMgr.Close)

	user := authz.CurrentUser{ID: "u1", WorkspaceIDs: []string{"w1"}}

	agent := &store.Agent{
		Name:           "helper",
		Provider:       "anthropic",
		Model:          "claude-sonnet-4-20250514",
		SystemPrompt:   "Be helpful.",
		Temperature:    0.7,
		MaxTokens:      1024,
		MemoryStrategy: "last_n",
		OwnerUserID:    "u1",
	}
	if agentMut != nil {
		agentMut(agent)
	}
	require.NoError(t, mem.AgentStore.Create(ctx, agent))

	thread := &store.Thread{AgentID: agent.ID, OwnerUserID: "u1"}
	require.NoError(t, mem.ThreadStore.Create(ctx, thread))

	rt := New(Deps{
		Threads:             mem.ThreadStore,
		Messages:            mem.MessageStore,
		Agents:              mem.AgentStore,
		Providers:           testhelpers.StaticFactory{Provider: provider},
		Registry:            registry,
		Dispatcher:          tools.NewDispatcher(registry, time.Second),
		Locks:               lockMgr,
		Context:             contextstore.NewMemoryProvider(),
		MaxConversationCost: 1.0,
	})

	return &fixture{rt: rt, mem: mem, provider: provider, user: user, thread: thread, agent: agent}
}

func (f *fixture) messages(t *testing.T) []store.Message {
	t.Helper()
	msgs, err := f.mem.MessageStore.ListThread(context.Background(), f.thread.ID, f.user, 0)
	require.NoError(t, err)
	return msgs
}

func TestChatHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.Enqueue(llm.Response{Content: "Hello there!", Usage: llm.Usage{Input: 20, Output: 10}})

	result, err := f.rt.Chat(context.Background(), f.user, f.thread.ID, ChatRequest{Message: "Hello"})
	require.NoError(t, err)

	assert.Equal(t, "assistant", result.Message.Role)
	assert.Equal(t, "Hello there!", result.Message.Content)
	assert.Greater(t, result.Cost, 0.0)

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.True(t, msgs[1].CreatedAt.After(msgs[0].CreatedAt) || msgs[1].CreatedAt.Equal(msgs[0].CreatedAt))
	assert.Less(t, msgs[0].Seq, msgs[1].Seq)

	// Audit metadata on the final assistant message.
	assert.Equal(t, "chat", msgs[1].Metadata["call_type"])
	assert.Equal(t, "claude-sonnet-4-20250514", msgs[1].Metadata["model"])

	thread, err := f.mem.ThreadStore.Get(context.Background(), f.thread.ID, f.user)
	require.NoError(t, err)
	assert.Equal(t, 1, thread.TurnCount)
	assert.Equal(t, 30, thread.TokenCount)
}

func TestChatToolLoop(t *testing.T) {
	f := newFixture(t, func(a *store.Agent) {
		a.Tools = []string{"calculator"}
	})
	f.provider.
		Enqueue(llm.Response{
			ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "calculator", Args: json.RawMessage(`{"expression":"2+2"}`)}},
			Usage:     llm.Usage{Input: 30, Output: 15},
		}).
		Enqueue(llm.Response{Content: "The answer is 4.", Usage: llm.Usage{Input: 50, Output: 8}})

	result, err := f.rt.Chat(context.Background(), f.user, f.thread.ID, ChatRequest{Message: "What is 2+2?"})
	require.NoError(t, err)
	assert.Contains(t, result.Message.Content, "4")

	msgs := f.messages(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, "user", msgs[0].Role)

	assert.Equal(t, "assistant", msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "calculator", msgs[1].ToolCalls[0].Name)

	assert.Equal(t, "tool", msgs[2].Role)
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
	assert.Equal(t, "4", msgs[2].Content)

	assert.Equal(t, "assistant", msgs[3].Role)
	assert.Equal(t, []string{"calculator"}, anySlice[string](t, msgs[3].Metadata["tools_used"]))

	// Exactly two provider rounds: one with tools, one final.
	assert.Len(t, f.provider.Calls(), 2)
}

func anySlice[T any](t *testing.T, v any) []T {
	t.Helper()
	if typed, ok := v.([]T); ok {
		return typed
	}
	raw, ok := v.([]any)
	require.True(t, ok, "unexpected type %T", v)
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		out = append(out, item.(T))
	}
	return out
}

func TestChatBudgetExceededBeforeLLM(t *testing.T) {
	f := newFixture(t, nil)
	// Exhaust the conversation budget up front.
	f.rt.Tracker(f.thread.ID).AddUsage("x", 0, 0, 0.99)
	f.rt.Tracker(f.thread.ID).AddUsage("x", 0, 0, 0.02)

	_, err := f.rt.Chat(context.Background(), f.user, f.thread.ID, ChatRequest{Message: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget exceeded")

	// No provider call, no persisted messages.
	assert.Empty(t, f.provider.Calls())
	assert.Empty(t, f.messages(t))
}

func TestChatMaxRoundsApology(t *testing.T) {
	f := newFixture(t, func(a *store.Agent) {
		a.Tools = []string{"calculator"}
	})
	// Every round returns another tool call; the loop must stop at the cap
	// and answer with the apology, keeping the audit trail.
	for i := 0; i < defaultMaxToolRounds; i++ {
		f.provider.Enqueue(llm.Response{
			ToolCalls: []llm.ToolCall{{ID: "c", Name: "calculator", Args: json.RawMessage(`{"expression":"1+1"}`)}},
			Usage:     llm.Usage{Input: 5, Output: 5},
		})
	}

	result, err := f.rt.Chat(context.Background(), f.user, f.thread.ID, ChatRequest{Message: "loop forever"})
	require.NoError(t, err)
	assert.Contains(t, result.Message.Content, "allowed number of steps")

	msgs := f.messages(t)
	// user + 10 * (assistant+tool) + final assistant
	assert.Len(t, msgs, 1+2*defaultMaxToolRounds+1)
}

func TestChatOutOfScopeIs404(t *testing.T) {
	f := newFixture(t, nil)
	stranger := authz.CurrentUser{ID: "v1"}

	_, err := f.rt.Chat(context.Background(), stranger, f.thread.ID, ChatRequest{Message: "hi"})
	assert.ErrorIs(t, err, ErrThreadNotFound)
	assert.Empty(t, f.messages(t))
}

func TestChatThreadBusy(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.deps.LockTimeout = 30 * time.Millisecond

	require.NoError(t, f.rt.deps.Locks.Acquire(context.Background(), "thread", f.thread.ID, 0))
	defer f.rt.deps.Locks.Release("thread", f.thread.ID)

	_, err := f.rt.Chat(context.Background(), f.user, f.thread.ID, ChatRequest{Message: "hi"})
	assert.ErrorIs(t, err, ErrThreadBusy)
}

func TestChatCascadeEscalation(t *testing.T) {
	fast := testhelpers.NewScriptedProvider("openai", "gpt-4o-mini").
		Enqueue(llm.Response{Content: "I hear you... [THINKING_MORE]", Usage: llm.Usage{Input: 40, Output: 10}})
	premium := testhelpers.NewScriptedProvider("anthropic", "claude-opus-4-20250514").
		Enqueue(llm.Response{Content: "A careful, complete answer.", Usage: llm.Usage{Input: 45, Output: 60}})

	f := newFixture(t, func(a *store.Agent) {
		a.Provider = "openai"
		a.Model = "gpt-4o-mini"
		a.PremiumProvider = "anthropic"
		a.PremiumModel = "claude-opus-4-20250514"
	})
	f.rt.deps.Providers = testhelpers.StaticFactory{Provider: cascade.New(fast, premium)}

	result, err := f.rt.Chat(context.Background(), f.user, f.thread.ID, ChatRequest{
		Message: "This is a refund dispute - please handle carefully.",
	})
	require.NoError(t, err)

	assert.Equal(t, "A careful, complete answer.", result.Message.Content)
	assert.NotContains(t, result.Message.Content, "[THINKING_MORE]")
	assert.Equal(t, "gpt-4o-mini+claude-opus-4-20250514", result.Message.Metadata["model"])
	assert.Equal(t, 85, result.Usage.Input)

	// Premium was invoked once with the original prompt: the agent's system
	// record and the user message, without the escalation directive.
	require.Len(t, premium.Calls(), 1)
	prompt := premium.Calls()[0]
	var lastUser string
	for _, m := range prompt.Messages {
		if m.Role == "user" {
			lastUser = m.Content
		}
	}
	assert.Equal(t, "This is a refund dispute - please handle carefully.", lastUser)
	require.NotEmpty(t, prompt.Messages)
	assert.Equal(t, "system", prompt.Messages[0].Role)
	assert.Contains(t, prompt.Messages[0].Content, "Be helpful.")
	assert.NotContains(t, prompt.System, "COMPLEXITY SELF-ASSESSMENT")
	assert.NotContains(t, prompt.Messages[0].Content, "COMPLEXITY SELF-ASSESSMENT")
}

func TestChatStreamPersistsFullContent(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.Enqueue(llm.Response{Content: "streamed reply, chunk by chunk"})

	var got strings.Builder
	result, err := f.rt.ChatStream(context.Background(), f.user, f.thread.ID, ChatRequest{Message: "go"}, func(chunk string) error {
		got.WriteString(chunk)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "streamed reply, chunk by chunk", got.String())
	assert.Equal(t, "streamed reply, chunk by chunk", result.Message.Content)
	assert.Equal(t, "chat_stream", result.Message.Metadata["call_type"])

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "streamed reply, chunk by chunk", msgs[1].Content)
}

func TestChatStreamWithToolsFallsBack(t *testing.T) {
	f := newFixture(t, func(a *store.Agent) {
		a.Tools = []string{"calculator"}
	})
	f.provider.
		Enqueue(llm.Response{
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "calculator", Args: json.RawMessage(`{"expression":"3*3"}`)}},
		}).
		Enqueue(llm.Response{Content: "nine"})

	var chunks []string
	result, err := f.rt.ChatStream(context.Background(), f.user, f.thread.ID, ChatRequest{Message: "3*3?"}, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"nine"}, chunks)
	assert.Equal(t, "nine", result.Message.Content)
}

func TestChatUserContextInSystemPrompt(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.rt.deps.Context.Update(context.Background(), "u1", map[string]any{"name": "Ann"}, "seed", "")
	require.NoError(t, err)

	f.provider.Enqueue(llm.Response{Content: "hi Ann"})
	_, err = f.rt.Chat(context.Background(), f.user, f.thread.ID, ChatRequest{Message: "hello"})
	require.NoError(t, err)

	// The compiled system prompt leads the built context so the memory
	// strategy budgets it.
	calls := f.provider.Calls()
	require.Len(t, calls, 1)
	require.NotEmpty(t, calls[0].Messages)
	sys := calls[0].Messages[0]
	assert.Equal(t, "system", sys.Role)
	assert.Contains(t, sys.Content, "Be helpful.")
	assert.Contains(t, sys.Content, "Ann")
}

func TestChatBudgetCrossedMidTurnAborts(t *testing.T) {
	f := newFixture(t, func(a *store.Agent) {
		a.Tools = []string{"calculator"}
	})
	// The first round's usage blows the conversation budget; the loop must
	// abort before executing tools or calling the provider again, even though
	// more tool rounds were scripted.
	f.provider.
		Enqueue(llm.Response{
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "calculator", Args: json.RawMessage(`{"expression":"1+1"}`)}},
			Usage:     llm.Usage{Input: 10, Output: 10, Cost: 1.5},
		}).
		Enqueue(llm.Response{Content: "never reached"})

	_, err := f.rt.Chat(context.Background(), f.user, f.thread.ID, ChatRequest{Message: "spend"})
	require.Error(t, err)
	var budgetErr *costs.BudgetExceededError
	assert.ErrorAs(t, err, &budgetErr)

	// Exactly one provider call, and only the user message persisted.
	assert.Len(t, f.provider.Calls(), 1)
	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
}

func TestConcurrentChatsLinearize(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 8; i++ {
		f.provider.Enqueue(llm.Response{Content: "ok", Usage: llm.Usage{Input: 1, Output: 1}})
	}

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := f.rt.Chat(context.Background(), f.user, f.thread.ID, ChatRequest{Message: "m"})
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	msgs := f.messages(t)
	require.Len(t, msgs, 16)
	// Strict alternation: every user message is answered before the next
	// turn begins.
	for i := 0; i < len(msgs); i += 2 {
		assert.Equal(t, "user", msgs[i].Role)
		assert.Equal(t, "assistant", msgs[i+1].Role)
	}
}

package cascade

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/llm"
	"conduit/internal/testhelpers"
)

func req(system, userMsg string) llm.Request {
	return llm.Request{
		System:      system,
		Messages:    []llm.Message{{Role: "user", Content: userMsg}},
		Temperature: 0.7,
		MaxTokens:   1024,
	}
}

func TestCompleteNoEscalation(t *testing.T) {
	fast := testhelpers.NewScriptedProvider("openai", "gpt-4o-mini").
		Enqueue(llm.Response{Content: "simple answer", Usage: llm.Usage{Input: 10, Output: 5}})
	premium := testhelpers.NewScriptedProvider("anthropic", "claude-opus-4-20250514")

	p := New(fast, premium)
	resp, err := p.Complete(context.Background(), req("be helpful", "hello"))
	require.NoError(t, err)

	assert.Equal(t, "simple answer", resp.Content)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Empty(t, premium.Calls())

	// The fast call carried the escalation directive.
	fastCalls := fast.Calls()
	require.Len(t, fastCalls, 1)
	assert.Contains(t, fastCalls[0].System, "COMPLEXITY SELF-ASSESSMENT")
	assert.Contains(t, fastCalls[0].System, "be helpful")
}

func TestCompleteEscalates(t *testing.T) {
	fast := testhelpers.NewScriptedProvider("openai", "gpt-4o-mini").
		Enqueue(llm.Response{
			Content: "I understand this is frustrating. Let me think... [THINKING_MORE]",
			Usage:   llm.Usage{Input: 100, Output: 20},
		})
	premium := testhelpers.NewScriptedProvider("anthropic", "claude-opus-4-20250514").
		Enqueue(llm.Response{Content: "Here is the careful answer.", Usage: llm.Usage{Input: 110, Output: 80}})

	p := New(fast, premium)
	resp, err := p.Complete(context.Background(), req("be helpful", "refund dispute, handle carefully"))
	require.NoError(t, err)

	assert.Equal(t, "Here is the careful answer.", resp.Content)
	assert.NotContains(t, resp.Content, DefaultTrigger)
	assert.Equal(t, "gpt-4o-mini+claude-opus-4-20250514", resp.Model)
	assert.Equal(t, 210, resp.Usage.Input)
	assert.Equal(t, 100, resp.Usage.Output)

	// premium cost: 110/1M*15 + 80/1M*75; fast cost: 100/1M*0.15 + 20/1M*0.60
	wantCost := 110.0/1e6*15 + 80.0/1e6*75 + 100.0/1e6*0.15 + 20.0/1e6*0.60
	assert.InDelta(t, wantCost, resp.Usage.Cost, 1e-12)

	// Premium saw the ORIGINAL system prompt and messages, not the directive
	// and not fast's partial reply.
	premiumCalls := premium.Calls()
	require.Len(t, premiumCalls, 1)
	assert.Equal(t, "be helpful", premiumCalls[0].System)
	require.Len(t, premiumCalls[0].Messages, 1)
	assert.Equal(t, "refund dispute, handle carefully", premiumCalls[0].Messages[0].Content)
}

func TestNoDirectiveWhenFastIsPremium(t *testing.T) {
	fast := testhelpers.NewScriptedProvider("anthropic", "claude-opus-4-20250514").
		Enqueue(llm.Response{Content: "answer"})
	premium := testhelpers.NewScriptedProvider("anthropic", "claude-sonnet-4-20250514")

	p := New(fast, premium)
	_, err := p.Complete(context.Background(), req("sys", "q"))
	require.NoError(t, err)
	assert.Equal(t, "sys", fast.Calls()[0].System)
}

func TestNoDirectiveWhenModelsCoincide(t *testing.T) {
	fast := testhelpers.NewScriptedProvider("openai", "gpt-4o-mini").
		Enqueue(llm.Response{Content: "answer"})
	premium := testhelpers.NewScriptedProvider("openai", "gpt-4o-mini")

	p := New(fast, premium)
	_, err := p.Complete(context.Background(), req("sys", "q"))
	require.NoError(t, err)
	assert.Equal(t, "sys", fast.Calls()[0].System)
}

func TestStreamNoEscalationFlushesTail(t *testing.T) {
	fast := testhelpers.NewScriptedProvider("openai", "gpt-4o-mini").
		Enqueue(llm.Response{Content: "a plain streamed answer with no trigger at all"})
	premium := testhelpers.NewScriptedProvider("anthropic", "claude-opus-4-20250514")

	p := New(fast, premium)
	var got strings.Builder
	err := p.Stream(context.Background(), req("sys", "q"), func(chunk string) error {
		got.WriteString(chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "a plain streamed answer with no trigger at all", got.String())
	assert.Empty(t, premium.Calls())
}

func TestStreamEscalationReplacesTriggerWithTransition(t *testing.T) {
	fast := testhelpers.NewScriptedProvider("openai", "gpt-4o-mini").
		Enqueue(llm.Response{Content: "I hear you. Thinking... " + DefaultTrigger})
	premium := testhelpers.NewScriptedProvider("anthropic", "claude-opus-4-20250514").
		Enqueue(llm.Response{Content: "The deep answer."})

	p := New(fast, premium)
	var got strings.Builder
	err := p.Stream(context.Background(), req("sys", "q"), func(chunk string) error {
		got.WriteString(chunk)
		return nil
	})
	require.NoError(t, err)

	out := got.String()
	assert.NotContains(t, out, DefaultTrigger)
	assert.Contains(t, out, DefaultTransition)
	assert.Contains(t, out, "The deep answer.")
	// Premium stream used the original system prompt.
	require.Len(t, premium.Calls(), 1)
	assert.Equal(t, "sys", premium.Calls()[0].System)
}

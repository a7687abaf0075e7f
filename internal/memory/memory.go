// Package memory transforms persisted thread history into the provider-ready
// context window, under one of five strategies selected per agent.
package memory

import (
	"context"
	"fmt"

	"conduit/internal/llm"
)

// BuildInput carries everything a strategy may need for one context build.
type BuildInput struct {
	Messages      []llm.Message
	SystemPrompt  string
	MaxTokens     int
	ReserveOutput int

	// Rolling summary state, used by the summarize strategy.
	ThreadSummary  string
	ToolsChars     int
	UserInputChars int

	// Scope for vector retrieval.
	ThreadID string
}

// Strategy produces the message sequence sent to the provider.
type Strategy interface {
	Build(ctx context.Context, in BuildInput) ([]llm.Message, error)
}

// Params is the option union across strategies. Zero values select defaults.
type Params struct {
	// last_n / first_last
	N int

	// token_window
	MaxTokens     int
	ReserveOutput int
	Counter       llm.TokenCounter

	// summarize
	RecentChars     int
	SummaryCharsMin int
	SummaryCharsMax int

	// vector
	TopK     int
	MinScore float32
	Embedder Embedder
	Index    MessageIndex
}

// Embedder turns text into a vector. Implementations live outside the core;
// only the interface is fixed here.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ScoredMessage is one vector-retrieval hit.
type ScoredMessage struct {
	Message llm.Message
	Score   float32
	// Seq orders hits chronologically within the thread.
	Seq int64
}

// MessageIndex retrieves thread messages by vector similarity.
type MessageIndex interface {
	Search(ctx context.Context, threadID string, vector []float32, k int, minScore float32) ([]ScoredMessage, error)
}

// New constructs a strategy by name. Unknown names are a configuration error.
func New(name string, p Params) (Strategy, error) {
	switch name {
	case "", "last_n":
		return NewLastN(p.N), nil
	case "first_last":
		return NewFirstLast(p.N), nil
	case "token_window":
		return NewTokenWindow(p.MaxTokens, p.ReserveOutput, p.Counter), nil
	case "summarize":
		return NewSummarize(p.RecentChars, p.SummaryCharsMin, p.SummaryCharsMax), nil
	case "vector":
		return NewVector(p.Embedder, p.Index, p.TopK, p.MinScore, p.N), nil
	default:
		return nil, fmt.Errorf("memory: unknown strategy %q", name)
	}
}

// stripToolCalls flattens a message to role+content. Tool call detail is
// audit-only; providers get plain records from truncated history.
func stripToolCalls(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

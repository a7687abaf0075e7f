package memory

import (
	"context"

	"conduit/internal/llm"
)

const defaultExchanges = 20

// LastN keeps the last N exchanges counted by user-message boundaries, not raw
// messages. With tools in play a single exchange can span four or more
// messages (user, assistant+calls, tool results, assistant).
type LastN struct {
	n int
}

func NewLastN(n int) *LastN {
	if n <= 0 {
		n = defaultExchanges
	}
	return &LastN{n: n}
}

func (s *LastN) Build(_ context.Context, in BuildInput) ([]llm.Message, error) {
	var out []llm.Message
	if in.SystemPrompt != "" {
		out = append(out, llm.Message{Role: "system", Content: in.SystemPrompt})
	}
	out = append(out, stripToolCalls(tailExchanges(in.Messages, s.n))...)
	return out, nil
}

// FirstLast keeps the first message (the framing of the conversation) plus the
// last N-1 exchanges.
type FirstLast struct {
	n int
}

func NewFirstLast(n int) *FirstLast {
	if n <= 0 {
		n = defaultExchanges
	}
	return &FirstLast{n: n}
}

func (s *FirstLast) Build(_ context.Context, in BuildInput) ([]llm.Message, error) {
	var out []llm.Message
	if in.SystemPrompt != "" {
		out = append(out, llm.Message{Role: "system", Content: in.SystemPrompt})
	}
	if len(in.Messages) == 0 {
		return out, nil
	}

	tail := tailExchanges(in.Messages, s.n-1)
	first := in.Messages[0]
	// Avoid duplicating the first message when the tail already reaches it.
	if len(tail) == len(in.Messages) {
		out = append(out, stripToolCalls(in.Messages)...)
		return out, nil
	}
	out = append(out, stripToolCalls([]llm.Message{first})...)
	out = append(out, stripToolCalls(tail)...)
	return out, nil
}

// tailExchanges returns the suffix of msgs containing at most n user messages.
func tailExchanges(msgs []llm.Message, n int) []llm.Message {
	if n <= 0 {
		return nil
	}
	userCount := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			userCount++
			if userCount > n {
				break
			}
			start = i
		}
	}
	return msgs[start:]
}

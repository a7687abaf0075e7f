package memory

import (
	"context"

	"conduit/internal/llm"
)

// TokenWindow fits as many recent messages as possible inside the model's
// context budget, newest first, then restores chronological order.
type TokenWindow struct {
	maxTokens     int
	reserveOutput int
	count         llm.TokenCounter
}

func NewTokenWindow(maxTokens, reserveOutput int, counter llm.TokenCounter) *TokenWindow {
	if maxTokens <= 0 {
		maxTokens = 100_000
	}
	if reserveOutput <= 0 {
		reserveOutput = 4096
	}
	if counter == nil {
		counter = llm.EstimateTokens
	}
	return &TokenWindow{maxTokens: maxTokens, reserveOutput: reserveOutput, count: counter}
}

func (s *TokenWindow) Build(_ context.Context, in BuildInput) ([]llm.Message, error) {
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}
	budget := maxTokens - s.reserveOutput

	var out []llm.Message
	used := 0

	if in.SystemPrompt != "" {
		systemTokens := s.count(in.SystemPrompt)
		if systemTokens < budget {
			out = append(out, llm.Message{Role: "system", Content: in.SystemPrompt})
			used += systemTokens
		}
	}

	var selected []llm.Message
	for i := len(in.Messages) - 1; i >= 0; i-- {
		m := in.Messages[i]
		tokens := s.count(m.Content)
		if used+tokens > budget {
			break
		}
		selected = append(selected, llm.Message{Role: m.Role, Content: m.Content})
		used += tokens
	}

	for i := len(selected) - 1; i >= 0; i-- {
		out = append(out, selected[i])
	}
	return out, nil
}

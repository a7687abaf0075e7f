package memory

import (
	"context"
	"sort"

	"conduit/internal/llm"
)

// Vector retrieves the thread messages most similar to the current user
// message. When no index or embedder is wired, it degrades to last-N so a
// misconfigured agent still answers.
type Vector struct {
	embedder Embedder
	index    MessageIndex
	topK     int
	minScore float32
	fallback *LastN
}

func NewVector(embedder Embedder, index MessageIndex, topK int, minScore float32, fallbackN int) *Vector {
	if topK <= 0 {
		topK = 10
	}
	if minScore <= 0 {
		minScore = 0.3
	}
	return &Vector{
		embedder: embedder,
		index:    index,
		topK:     topK,
		minScore: minScore,
		fallback: NewLastN(fallbackN),
	}
}

func (s *Vector) Build(ctx context.Context, in BuildInput) ([]llm.Message, error) {
	if s.embedder == nil || s.index == nil {
		return s.fallback.Build(ctx, in)
	}

	query := lastUserContent(in.Messages)
	if query == "" {
		return s.fallback.Build(ctx, in)
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := s.index.Search(ctx, in.ThreadID, vec, s.topK, s.minScore)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return s.fallback.Build(ctx, in)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Seq < hits[j].Seq })

	var out []llm.Message
	if in.SystemPrompt != "" {
		out = append(out, llm.Message{Role: "system", Content: in.SystemPrompt})
	}
	for _, h := range hits {
		out = append(out, llm.Message{Role: h.Message.Role, Content: h.Message.Content})
	}
	// Always close with the current user message so the model answers it.
	if n := len(in.Messages); n > 0 {
		last := in.Messages[n-1]
		if last.Role == "user" && (len(hits) == 0 || hits[len(hits)-1].Message.Content != last.Content) {
			out = append(out, llm.Message{Role: "user", Content: last.Content})
		}
	}
	return out, nil
}

func lastUserContent(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

package memory

import (
	"context"
	"fmt"
	"strings"

	"conduit/internal/llm"
)

// Summarize builds context as system prompt + rolling summary + recent
// messages in full detail. The summary itself is maintained out of the
// synchronous path by the summarization job.
type Summarize struct {
	recentChars     int
	summaryCharsMin int
	summaryCharsMax int
}

func NewSummarize(recentChars, summaryCharsMin, summaryCharsMax int) *Summarize {
	if recentChars <= 0 {
		recentChars = 8000
	}
	if summaryCharsMin <= 0 {
		summaryCharsMin = 500
	}
	if summaryCharsMax <= 0 {
		summaryCharsMax = 8000
	}
	return &Summarize{
		recentChars:     recentChars,
		summaryCharsMin: summaryCharsMin,
		summaryCharsMax: summaryCharsMax,
	}
}

func (s *Summarize) Build(_ context.Context, in BuildInput) ([]llm.Message, error) {
	recent := s.recentWindow(in.Messages)

	recentChars := 0
	for _, m := range recent {
		recentChars += len(m.Content)
	}
	budget := s.summaryBudget(
		in.MaxTokens,
		len(in.SystemPrompt),
		in.ToolsChars,
		recentChars,
		in.UserInputChars,
		in.ReserveOutput,
	)

	var out []llm.Message
	if in.SystemPrompt != "" || in.ThreadSummary != "" {
		out = append(out, llm.Message{
			Role:    "system",
			Content: s.systemWithSummary(in.SystemPrompt, in.ThreadSummary, budget),
		})
	}
	out = append(out, stripToolCalls(recent)...)
	return out, nil
}

// recentWindow takes the newest messages fitting recentChars, never splitting
// a message.
func (s *Summarize) recentWindow(msgs []llm.Message) []llm.Message {
	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		total += len(msgs[i].Content)
		if total > s.recentChars {
			break
		}
		start = i
	}
	return msgs[start:]
}

// summaryBudget derives the character allowance for the summary from whatever
// context room remains, clamped to the configured band. Chars convert to
// tokens at roughly 4:1.
func (s *Summarize) summaryBudget(maxTokens, systemChars, toolsChars, recentChars, userInputChars, reserveOutput int) int {
	if maxTokens <= 0 {
		maxTokens = 128_000
	}
	if reserveOutput <= 0 {
		reserveOutput = 4000
	}
	fixedTokens := (systemChars + toolsChars + recentChars + userInputChars) / 4
	availableChars := (maxTokens - fixedTokens - reserveOutput) * 4

	if availableChars < s.summaryCharsMin {
		return s.summaryCharsMin
	}
	if availableChars > s.summaryCharsMax {
		return s.summaryCharsMax
	}
	return availableChars
}

func (s *Summarize) systemWithSummary(systemPrompt, summary string, budget int) string {
	if summary == "" {
		return systemPrompt
	}
	if len(summary) > budget {
		summary = summary[:budget]
	}
	var b strings.Builder
	b.WriteString(systemPrompt)
	if systemPrompt != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("## CONVERSATION SUMMARY\n\n")
	b.WriteString(summary)
	return b.String()
}

// SummaryPrompt assembles the incremental summarization request: previous
// summary plus the newly unsummarized messages, asking for a replacement
// summary. Used by the summarization job processor.
func SummaryPrompt(previousSummary string, msgs []llm.Message) []llm.Message {
	var b strings.Builder
	if previousSummary != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(previousSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("New messages:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	b.WriteString("\nWrite an updated summary of the whole conversation. Keep names, decisions, open questions and commitments. Be concise.")

	return []llm.Message{
		{Role: "system", Content: "You maintain a rolling summary of a conversation. Output only the new summary text."},
		{Role: "user", Content: b.String()},
	}
}

// UnsummarizedChars totals content length for messages newer than the
// watermark; the summarization job is queued when it exceeds the threshold.
func UnsummarizedChars(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return total
}

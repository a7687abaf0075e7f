package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func call(id string) ToolCall {
	return ToolCall{ID: id, Name: "calc", Args: json.RawMessage(`{}`)}
}

func TestSanitizeHistoryDropsOrphanCalls(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "", ToolCalls: []ToolCall{call("a"), call("b")}},
		{Role: "tool", ToolID: "a", Content: "4"},
		// result for "b" was truncated away
		{Role: "assistant", Content: "done"},
	}
	out := SanitizeHistory(msgs)
	require.Len(t, out, 4)
	assert.Len(t, out[1].ToolCalls, 1)
	assert.Equal(t, "a", out[1].ToolCalls[0].ID)
}

func TestSanitizeHistoryDropsOrphanResults(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "hi"},
		{Role: "tool", ToolID: "ghost", Content: "leftover"},
		{Role: "assistant", Content: "hello"},
	}
	out := SanitizeHistory(msgs)
	require.Len(t, out, 2)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "assistant", out[1].Role)
}

func TestSanitizeHistoryDropsEmptyAssistantShell(t *testing.T) {
	msgs := []Message{
		{Role: "assistant", Content: "", ToolCalls: []ToolCall{call("only")}},
	}
	out := SanitizeHistory(msgs)
	assert.Empty(t, out)
}

func TestSanitizeHistoryKeepsPairedRounds(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "2+2?"},
		{Role: "assistant", ToolCalls: []ToolCall{call("x")}},
		{Role: "tool", ToolID: "x", Content: "4"},
		{Role: "assistant", Content: "it is 4"},
	}
	assert.Equal(t, msgs, SanitizeHistory(msgs))
}

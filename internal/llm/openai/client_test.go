package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/llm"
)

func serve(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "test", BaseURL: srv.URL, Model: "gpt-4o-mini"}, srv.Client())
}

func TestCompleteReturnsChoice(t *testing.T) {
	client := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":9,"completion_tokens":4,"total_tokens":13}
		}`))
	})

	resp, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 9, resp.Usage.Input)
	assert.Equal(t, 4, resp.Usage.Output)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, "openai", resp.Provider)
}

func TestCompleteParsesToolCalls(t *testing.T) {
	var reqBody map[string]any
	client := serve(t, func(w http.ResponseWriter, r *http.Request) {
		defer func() { _ = r.Body.Close() }()
		_ = json.NewDecoder(r.Body).Decode(&reqBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":"","tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"calculator","arguments":"{\"expression\":\"2+2\"}"}}
			]},"finish_reason":"tool_calls"}],
			"usage":{"prompt_tokens":5,"completion_tokens":5,"total_tokens":10}
		}`))
	})

	resp, err := client.Complete(context.Background(), llm.Request{
		System:   "sys",
		Messages: []llm.Message{{Role: "user", Content: "2+2?"}},
		Tools: []llm.ToolSchema{{
			Name:        "calculator",
			Description: "math",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "calculator", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"expression":"2+2"}`, string(resp.ToolCalls[0].Args))

	// System prompt rides as the first message for this dialect.
	msgs, ok := reqBody["messages"].([]any)
	require.True(t, ok)
	first, ok := msgs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "system", first["role"])
	// Tools were sent.
	assert.NotEmpty(t, reqBody["tools"])
}

func TestCompleteRecoversInlineXMLToolCalls(t *testing.T) {
	client := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":"<function=calculator>{\"expression\":\"2+2\"}</function>"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}
		}`))
	})

	resp, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "2+2?"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "calculator", resp.ToolCalls[0].Name)
	assert.NotContains(t, resp.Content, "<function")
}

func TestStreamEmitsDeltas(t *testing.T) {
	client := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, chunk := range []string{"hel", "lo"} {
			b, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{"delta": map[string]any{"content": chunk}}},
			})
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(b)
			_, _ = w.Write([]byte("\n\n"))
			fl.Flush()
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		fl.Flush()
	})

	var got string
	err := client.Stream(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	}, func(chunk string) error {
		got += chunk
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestToolMessagePairing(t *testing.T) {
	var reqBody struct {
		Messages []map[string]any `json:"messages"`
	}
	client := serve(t, func(w http.ResponseWriter, r *http.Request) {
		defer func() { _ = r.Body.Close() }()
		_ = json.NewDecoder(r.Body).Decode(&reqBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"4"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	})

	_, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: "user", Content: "2+2?"},
			{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "calculator", Args: json.RawMessage(`{"expression":"2+2"}`)}}},
			{Role: "tool", ToolID: "call_1", Content: "4"},
		},
	})
	require.NoError(t, err)

	require.Len(t, reqBody.Messages, 3)
	assert.Equal(t, "assistant", reqBody.Messages[1]["role"])
	assert.NotEmpty(t, reqBody.Messages[1]["tool_calls"])
	assert.Equal(t, "tool", reqBody.Messages[2]["role"])
	assert.Equal(t, "call_1", reqBody.Messages[2]["tool_call_id"])
}

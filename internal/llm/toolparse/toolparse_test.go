package toolparse

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"null becomes empty object", "null", "{}"},
		{"empty becomes empty object", "", "{}"},
		{"object passes through", `{"a":1}`, `{"a":1}`},
		{"double encoded unwraps", `"{\"a\":1}"`, `{"a":1}`},
		{"garbage becomes empty object", `"not json"`, "{}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(NormalizeArgs(json.RawMessage(tt.in))))
		})
	}
}

func TestParseInlineVariants(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantName string
		wantArgs string
	}{
		{"eq gt", `<function=search>{"q":"cats"}</function>`, "search", `{"q":"cats"}`},
		{"no separator", `<function=search{"q":"cats"}</function>`, "search", `{"q":"cats"}`},
		{"space separator", `<function=search {"q":"cats"} </function>`, "search", `{"q":"cats"}`},
		{"paren name", `<function(search)>{"q":"cats"}</function>`, "search", `{"q":"cats"}`},
		{"paren eq", `<function(search)= {"q":"cats"} </function>`, "search", `{"q":"cats"}`},
		{"paren args", `<function=search({"q":"cats"})</function>`, "search", `{"q":"cats"}`},
		{"unclosed", `<function=search>{"q":"cats"}`, "search", `{"q":"cats"}`},
		{"escaped quotes", `<function(search) "{\"q\":\"cats\"}"</function>`, "search", `{"q":"cats"}`},
		{"nested json", `<function=update {"user":{"name":"Ann"}}</function>`, "update", `{"user":{"name":"Ann"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleaned, calls := ParseInline(tt.content)
			require.Len(t, calls, 1)
			assert.Equal(t, tt.wantName, calls[0].Name)
			assert.JSONEq(t, tt.wantArgs, string(calls[0].Args))
			assert.NotContains(t, cleaned, "<function")
		})
	}
}

func TestParseInlineKeepsSurroundingText(t *testing.T) {
	content := `Let me check. <function=search>{"q":"x"}</function> One moment.`
	cleaned, calls := ParseInline(content)
	require.Len(t, calls, 1)
	assert.Contains(t, cleaned, "Let me check.")
	assert.Contains(t, cleaned, "One moment.")
}

func TestParseInlineNoCalls(t *testing.T) {
	cleaned, calls := ParseInline("just a normal reply")
	assert.Empty(t, calls)
	assert.Equal(t, "just a normal reply", cleaned)
}

func TestParseInlineMultiple(t *testing.T) {
	content := `<function=a>{"n":1}</function> and <function=b>{"n":2}</function>`
	_, calls := ParseInline(content)
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0].ID, calls[1].ID)
}

// Package toolparse recovers tool calls from the formats models actually
// emit: SDK-native call lists, double-JSON-encoded argument strings, null
// arguments, and the in-content XML-style calls some open-source models
// produce instead of using the function-calling API.
package toolparse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"conduit/internal/llm"
)

// NormalizeArgs turns whatever a provider put in an arguments slot into a
// JSON object. Handles null, empty strings, JSON objects, and strings that
// are themselves JSON-encoded JSON.
func NormalizeArgs(raw json.RawMessage) json.RawMessage {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return json.RawMessage(`{}`)
	}
	if strings.HasPrefix(s, "{") {
		return json.RawMessage(s)
	}
	// Double-encoded: a JSON string whose value is a JSON object.
	if strings.HasPrefix(s, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			inner = strings.TrimSpace(inner)
			if strings.HasPrefix(inner, "{") && json.Valid([]byte(inner)) {
				return json.RawMessage(inner)
			}
		}
	}
	return json.RawMessage(`{}`)
}

// Patterns ordered most specific first; unclosed variants last. Groq's error
// recovery often truncates the closing tag.
var xmlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`<function=(\w+)\s+(\{.*\})\s*</function>`),
	regexp.MustCompile(`<function=(\w+)\((\{.+?\})\)</function>`),
	regexp.MustCompile(`<function\((\w+)\)=\s*(\{.+?\})\s*</function>`),
	regexp.MustCompile(`<function\((\w+)\)>\s*(\{.+?\})\s*</function>`),
	regexp.MustCompile(`<function\((\w+)\)\s*(\{.+?\})\s*</function>`),
	regexp.MustCompile(`<function=(\w+)>\s*(\{.+?\})\s*</function>`),
	regexp.MustCompile(`<function=(\w+)(\{.+?\})</function>`),
	regexp.MustCompile(`<function=(\w+)\s+(\{.+?\})\s*>\s*</function>`),
	regexp.MustCompile(`<function\((\w+)\)\s*"(.+?)"\s*</function>`),
	regexp.MustCompile(`<function=(\w+)>(\{.+?)\s*$`),
	regexp.MustCompile(`<function=(\w+)(\{.+)\s*$`),
	regexp.MustCompile(`<function=(\w+)\s+(\{.+)\s*$`),
	regexp.MustCompile(`<function\((\w+)\)=\s*(\{.+)\s*$`),
}

// ParseInline extracts XML-style tool calls from assistant content, returning
// the cleaned content and the recovered calls. Overlapping matches resolve in
// pattern order.
func ParseInline(content string) (string, []llm.ToolCall) {
	if !strings.Contains(content, "<function") {
		return content, nil
	}

	var calls []llm.ToolCall
	cleaned := content
	type span struct{ start, end int }
	var matched []span

	overlaps := func(s span) bool {
		for _, m := range matched {
			if s.start < m.end && m.start < s.end {
				return true
			}
		}
		return false
	}

	for _, pat := range xmlPatterns {
		for _, idx := range pat.FindAllStringSubmatchIndex(content, -1) {
			s := span{idx[0], idx[1]}
			if overlaps(s) {
				continue
			}
			name := content[idx[2]:idx[3]]
			jsonPart := strings.TrimSpace(content[idx[4]:idx[5]])

			if strings.Contains(jsonPart, `\"`) || strings.Contains(jsonPart, `\n`) {
				jsonPart = strings.NewReplacer(`\"`, `"`, `\n`, "\n", `\\`, `\`).Replace(jsonPart)
			}

			args, ok := balancedObject(jsonPart)
			if !ok {
				continue
			}

			calls = append(calls, llm.ToolCall{
				ID:   fmt.Sprintf("xml_%s_%d", name, len(calls)),
				Name: name,
				Args: json.RawMessage(args),
			})
			matched = append(matched, s)
			cleaned = strings.Replace(cleaned, content[idx[0]:idx[1]], "", 1)
		}
	}

	if len(calls) > 0 {
		cleaned = strings.TrimSpace(cleaned)
	}
	return cleaned, calls
}

// balancedObject finds the first brace-balanced JSON object in s and checks it
// parses.
func balancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
}

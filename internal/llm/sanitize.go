package llm

// SanitizeHistory drops tool-call and tool-result records that lost their pair
// when a memory strategy truncated the history. Providers reject assistant
// tool_use blocks with no matching result (and vice versa), so the rule is
// applied uniformly before any adapter sees the messages.
func SanitizeHistory(msgs []Message) []Message {
	results := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.Role == "tool" && m.ToolID != "" {
			results[m.ToolID] = true
		}
	}

	calls := make(map[string]bool, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, m)
				continue
			}
			kept := m.ToolCalls[:0:0]
			for _, tc := range m.ToolCalls {
				if results[tc.ID] {
					kept = append(kept, tc)
					calls[tc.ID] = true
				}
			}
			m.ToolCalls = kept
			if len(kept) == 0 && m.Content == "" {
				continue
			}
			out = append(out, m)
		case "tool":
			if m.ToolID == "" || !calls[m.ToolID] {
				continue
			}
			out = append(out, m)
		default:
			out = append(out, m)
		}
	}
	return out
}

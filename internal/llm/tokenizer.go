package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates the token count of a text fragment.
type TokenCounter func(text string) int

// EstimateTokens is the heuristic counter used when no model-specific encoder
// is available. CJK code points weigh 0.7 tokens each; remaining characters
// average 3.5 per token. Minimum 1 for non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	cjk := 0
	total := 0
	for _, r := range text {
		total++
		if (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
			(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
			(r >= 0x3040 && r <= 0x30FF) || // Hiragana + Katakana
			(r >= 0xAC00 && r <= 0xD7AF) { // Korean Hangul
			cjk++
		}
	}
	latin := total - cjk
	n := int(float64(cjk)*0.7 + float64(latin)/3.5)
	if n < 1 {
		n = 1
	}
	return n
}

var (
	encoderMu    sync.Mutex
	encoderCache = map[string]*tiktoken.Tiktoken{}
)

// CounterForModel returns an accurate tiktoken counter for models it knows,
// falling back to the heuristic otherwise. Claude models have no public
// tokenizer, so they always use the heuristic.
func CounterForModel(model string) TokenCounter {
	if model == "" || !strings.HasPrefix(strings.ToLower(model), "gpt") {
		return EstimateTokens
	}
	encoderMu.Lock()
	enc, ok := encoderCache[model]
	if !ok {
		var err error
		enc, err = tiktoken.EncodingForModel(model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("o200k_base")
		}
		if err != nil {
			encoderMu.Unlock()
			return EstimateTokens
		}
		encoderCache[model] = enc
	}
	encoderMu.Unlock()
	return func(text string) int {
		if text == "" {
			return 0
		}
		return len(enc.Encode(text, nil, nil))
	}
}

// CountMessages sums a counter across message contents, adding a small fixed
// overhead per message for role framing.
func CountMessages(count TokenCounter, msgs []Message) int {
	const perMessageOverhead = 4
	total := 0
	for _, m := range msgs {
		total += count(m.Content) + perMessageOverhead
	}
	return total
}

package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"short latin floors to one", "hi", 1},
		{"latin divides by 3.5", strings.Repeat("a", 35), 10},
		{"cjk weighs 0.7 each", strings.Repeat("中", 10), 7},
		{"mixed", "hello 世界", 3}, // 6 latin/space -> 1.71, 2 CJK -> 1.4
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateTokens(tt.text))
		})
	}
}

func TestCountMessagesAddsOverhead(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: strings.Repeat("a", 35)},
		{Role: "assistant", Content: strings.Repeat("b", 35)},
	}
	assert.Equal(t, 10+4+10+4, CountMessages(EstimateTokens, msgs))
}

func TestCounterForModelFallsBack(t *testing.T) {
	c := CounterForModel("claude-sonnet-4-20250514")
	assert.Equal(t, EstimateTokens("hello world"), c("hello world"))
}

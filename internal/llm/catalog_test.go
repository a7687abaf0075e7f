package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDegradedModel(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		percent float64
		want    string
	}{
		{"under 80 keeps base", "claude-opus-4-20250514", 0.5, "claude-opus-4-20250514"},
		{"80-95 first fallback", "claude-opus-4-20250514", 0.85, "claude-sonnet-4-20250514"},
		{"over 95 cheapest", "claude-opus-4-20250514", 0.97, "claude-haiku-3-20250307"},
		{"no chain stays put", "gpt-4o-mini", 0.99, "gpt-4o-mini"},
		{"unknown model stays put", "mystery-model", 0.99, "mystery-model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DegradedModel(tt.model, tt.percent))
		})
	}
}

func TestFallbackChainCycleSafe(t *testing.T) {
	chain := FallbackChain("claude-opus-4-20250514")
	assert.Equal(t, []string{"claude-opus-4-20250514", "claude-sonnet-4-20250514", "claude-haiku-3-20250307"}, chain)
}

func TestCalculateCost(t *testing.T) {
	// 1M input + 1M output on sonnet: 3.00 + 15.00
	assert.InDelta(t, 18.0, CalculateCost("claude-sonnet-4-20250514", 1_000_000, 1_000_000), 1e-9)
	// unknown models are free
	assert.Zero(t, CalculateCost("mystery", 1_000_000, 0))
}

func TestCalculateCostCascadingSplit(t *testing.T) {
	// tokens split evenly across the pair as a fallback estimate
	got := CalculateCost("gpt-4o-mini+claude-opus-4-20250514", 2_000_000, 0)
	want := 1.0*0.15 + 1.0*15.00
	assert.InDelta(t, want, got, 1e-9)
}

func TestIsPremiumModel(t *testing.T) {
	assert.True(t, IsPremiumModel("claude-opus-4-20250514"))
	assert.False(t, IsPremiumModel("gpt-4o-mini"))
	assert.False(t, IsPremiumModel("unknown"))
}

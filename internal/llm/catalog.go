package llm

import "strings"

// ModelInfo is the static configuration record for one model: context window,
// pricing per million tokens, tier (1=fast, 2=mid, 3=premium) and the next
// model in the degradation chain.
type ModelInfo struct {
	Name             string
	Provider         string
	MaxContext       int
	MaxOutput        int
	InputPerMillion  float64
	OutputPerMillion float64
	Tier             int
	FallbackTo       string
}

func (m ModelInfo) IsPremium() bool { return m.Tier >= 3 }

func (m ModelInfo) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000*m.InputPerMillion +
		float64(outputTokens)/1_000_000*m.OutputPerMillion
}

var catalog = map[string]ModelInfo{
	// OpenAI
	"gpt-4o-mini": {Name: "gpt-4o-mini", Provider: "openai", MaxContext: 128_000, MaxOutput: 16_384, InputPerMillion: 0.15, OutputPerMillion: 0.60, Tier: 1},
	"gpt-4o":      {Name: "gpt-4o", Provider: "openai", MaxContext: 128_000, MaxOutput: 16_384, InputPerMillion: 2.50, OutputPerMillion: 10.00, Tier: 2, FallbackTo: "gpt-4o-mini"},
	"gpt-4-turbo": {Name: "gpt-4-turbo", Provider: "openai", MaxContext: 128_000, MaxOutput: 4_096, InputPerMillion: 10.00, OutputPerMillion: 30.00, Tier: 2, FallbackTo: "gpt-4o"},
	"gpt-5":       {Name: "gpt-5", Provider: "openai", MaxContext: 272_000, MaxOutput: 128_000, InputPerMillion: 1.25, OutputPerMillion: 10.00, Tier: 3, FallbackTo: "gpt-4o-mini"},

	// Anthropic
	"claude-haiku-3-20250307":  {Name: "claude-haiku-3-20250307", Provider: "anthropic", MaxContext: 200_000, MaxOutput: 4_096, InputPerMillion: 0.25, OutputPerMillion: 1.25, Tier: 1},
	"claude-sonnet-4-20250514": {Name: "claude-sonnet-4-20250514", Provider: "anthropic", MaxContext: 200_000, MaxOutput: 64_000, InputPerMillion: 3.00, OutputPerMillion: 15.00, Tier: 3, FallbackTo: "claude-haiku-3-20250307"},
	"claude-opus-4-20250514":   {Name: "claude-opus-4-20250514", Provider: "anthropic", MaxContext: 200_000, MaxOutput: 32_000, InputPerMillion: 15.00, OutputPerMillion: 75.00, Tier: 3, FallbackTo: "claude-sonnet-4-20250514"},
}

// LookupModel returns the catalog entry and whether it exists.
func LookupModel(model string) (ModelInfo, bool) {
	mi, ok := catalog[model]
	return mi, ok
}

// IsPremiumModel reports whether a model is premium tier. Unknown models count
// as tier 1.
func IsPremiumModel(model string) bool {
	return catalog[model].Tier >= 3
}

// MaxContextFor returns the context window for a model, defaulting generously
// for unknown names so memory budgeting still works.
func MaxContextFor(model string) int {
	if mi, ok := catalog[model]; ok {
		return mi.MaxContext
	}
	return 128_000
}

// FallbackChain walks FallbackTo links from a model to its cheapest fallback,
// cycle-safe. The chain always starts with the model itself.
func FallbackChain(model string) []string {
	chain := []string{model}
	seen := map[string]bool{model: true}
	cur := catalog[model].FallbackTo
	for cur != "" && !seen[cur] {
		chain = append(chain, cur)
		seen[cur] = true
		cur = catalog[cur].FallbackTo
	}
	return chain
}

// CalculateCost prices a completion. Cascading "fast+premium" names are split
// evenly as a fallback estimate; the cascade normally supplies an exact
// aggregate so this path is rarely taken for them.
func CalculateCost(model string, inputTokens, outputTokens int) float64 {
	if strings.Contains(model, "+") {
		parts := strings.Split(model, "+")
		total := 0.0
		for _, p := range parts {
			total += catalog[p].Cost(inputTokens/len(parts), outputTokens/len(parts))
		}
		return total
	}
	return catalog[model].Cost(inputTokens, outputTokens)
}

// DegradedModel picks a cheaper model as the conversation budget is consumed:
// under 80% the base model, 80-95% the first fallback, at 95%+ the cheapest in
// the chain. The degraded name is used for the call only; audits record it.
func DegradedModel(model string, budgetPercentUsed float64) string {
	chain := FallbackChain(model)
	switch {
	case budgetPercentUsed < 0.8:
		return chain[0]
	case budgetPercentUsed < 0.95 && len(chain) > 1:
		return chain[1]
	default:
		return chain[len(chain)-1]
	}
}

// Package costs tracks per-conversation and total spend and enforces budgets.
package costs

import (
	"fmt"
	"sync"
	"time"

	"conduit/internal/llm"
)

// BudgetExceededError aborts a chat before (or after) a provider call when
// either budget limit is reached. Maps to HTTP 402 and is never retried.
type BudgetExceededError struct {
	ConversationCost float64
	TotalCost        float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: conversation=$%.4f, total=$%.4f", e.ConversationCost, e.TotalCost)
}

// TokenCounts splits token totals by direction.
type TokenCounts struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Tracker accumulates usage for one conversation. Total counters are monotone
// non-decreasing for the tracker's lifetime; conversation counters reset.
type Tracker struct {
	mu sync.Mutex

	conversationCost   float64
	totalCost          float64
	conversationTokens TokenCounts
	totalTokens        TokenCounts
	requestCount       int
	conversationStart  time.Time

	maxConversationCost float64 // 0 = unlimited
	maxTotalCost        float64 // 0 = unlimited
}

func NewTracker(maxConversationCost, maxTotalCost float64) *Tracker {
	return &Tracker{
		maxConversationCost: maxConversationCost,
		maxTotalCost:        maxTotalCost,
		conversationStart:   time.Now(),
	}
}

// AddUsage records one completion and returns its cost. A non-zero cost
// parameter overrides the catalog computation; the cascade passes its exact
// aggregate this way.
func (t *Tracker) AddUsage(model string, inputTokens, outputTokens int, cost float64) float64 {
	if cost == 0 {
		cost = llm.CalculateCost(model, inputTokens, outputTokens)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.conversationCost += cost
	t.totalCost += cost
	t.conversationTokens.Input += inputTokens
	t.conversationTokens.Output += outputTokens
	t.totalTokens.Input += inputTokens
	t.totalTokens.Output += outputTokens
	t.requestCount++
	return cost
}

// CheckBudget returns a BudgetExceededError when a limit is reached.
func (t *Tracker) CheckBudget() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.overBudgetLocked() {
		return &BudgetExceededError{ConversationCost: t.conversationCost, TotalCost: t.totalCost}
	}
	return nil
}

func (t *Tracker) overBudgetLocked() bool {
	if t.maxConversationCost > 0 && t.conversationCost >= t.maxConversationCost {
		return true
	}
	if t.maxTotalCost > 0 && t.totalCost >= t.maxTotalCost {
		return true
	}
	return false
}

// BudgetPercentUsed reports the fraction of the conversation budget consumed,
// driving model degradation.
func (t *Tracker) BudgetPercentUsed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxConversationCost <= 0 {
		return 0
	}
	return t.conversationCost / t.maxConversationCost
}

// ResetConversation zeroes conversation-scoped counters.
func (t *Tracker) ResetConversation() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conversationCost = 0
	t.conversationTokens = TokenCounts{}
	t.conversationStart = time.Now()
}

// Snapshot is an export of tracker state for responses and analytics.
type Snapshot struct {
	ConversationCost   float64     `json:"conversation_cost"`
	TotalCost          float64     `json:"total_cost"`
	ConversationTokens TokenCounts `json:"conversation_tokens"`
	TotalTokens        TokenCounts `json:"total_tokens"`
	RequestCount       int         `json:"request_count"`
	BudgetPercentUsed  float64     `json:"budget_percent_used"`
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	pct := 0.0
	if t.maxConversationCost > 0 {
		pct = t.conversationCost / t.maxConversationCost
	}
	return Snapshot{
		ConversationCost:   t.conversationCost,
		TotalCost:          t.totalCost,
		ConversationTokens: t.conversationTokens,
		TotalTokens:        t.totalTokens,
		RequestCount:       t.requestCount,
		BudgetPercentUsed:  pct,
	}
}

// Package runtime is the chat state machine: per user message it assembles
// context from persisted history, invokes the provider (possibly cascading),
// runs tool calls in a bounded loop, tracks cost, and persists every step
// under the thread lock.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"conduit/internal/authz"
	"conduit/internal/contextstore"
	"conduit/internal/costs"
	"conduit/internal/jobs"
	"conduit/internal/llm"
	"conduit/internal/locks"
	"conduit/internal/memory"
	"conduit/internal/observability"
	"conduit/internal/store"
	"conduit/internal/stream"
	"conduit/internal/tools"
)

const (
	defaultMaxToolRounds = 10
	defaultLockTimeout   = 30 * time.Second

	lockNamespaceThread = "thread"

	maxRoundsApology = "I apologize, but I wasn't able to complete the task within the allowed number of steps."

	// TaskChatResponse is the async chat job name.
	TaskChatResponse = "chat_response"
	// TaskSummarization maintains rolling thread summaries.
	TaskSummarization = "summarization"
	// TaskDocumentIngestion chunks, embeds and indexes uploaded documents.
	TaskDocumentIngestion = "document_ingestion"

	summarizeThresholdChars = 16000
	summarizeRecentKeep     = 6
)

// ErrThreadNotFound maps to 404; absence and out-of-scope are the same.
var ErrThreadNotFound = errors.New("thread not found")

// ErrThreadBusy maps to 503 when the thread lock cannot be acquired in time.
var ErrThreadBusy = errors.New("thread busy")

// Deps are the runtime's injected collaborators.
type Deps struct {
	Threads   store.Threads
	Messages  store.Messages
	Agents    store.Agents
	Providers interface {
		For(a *store.Agent) (llm.Provider, error)
	}
	Registry   *tools.Registry
	Dispatcher *tools.Dispatcher
	Locks      *locks.Manager
	Context    contextstore.Provider
	MsgIndex   memory.MessageIndex // optional, for the vector strategy
	Embedder   memory.Embedder     // optional, for the vector strategy

	// Optional async collaborators.
	JobClient *jobs.Client
	Relay     *stream.Relay

	MaxConversationCost float64
	MaxTotalCost        float64
	LockTimeout         time.Duration
	MaxToolRounds       int
}

// Runtime executes chat turns.
type Runtime struct {
	deps Deps

	trackerMu sync.Mutex
	trackers  map[string]*costs.Tracker

	guard *injectionGuard
}

func New(deps Deps) *Runtime {
	if deps.LockTimeout <= 0 {
		deps.LockTimeout = defaultLockTimeout
	}
	if deps.MaxToolRounds <= 0 {
		deps.MaxToolRounds = defaultMaxToolRounds
	}
	return &Runtime{
		deps:     deps,
		trackers: make(map[string]*costs.Tracker),
		guard:    newInjectionGuard(),
	}
}

// Tracker returns the per-conversation cost tracker for a thread.
func (r *Runtime) Tracker(threadID string) *costs.Tracker {
	r.trackerMu.Lock()
	defer r.trackerMu.Unlock()
	t, ok := r.trackers[threadID]
	if !ok {
		t = costs.NewTracker(r.deps.MaxConversationCost, r.deps.MaxTotalCost)
		r.trackers[threadID] = t
	}
	return t
}

// ChatRequest is one inbound user message.
type ChatRequest struct {
	Message     string
	Attachments []string
	CallType    string // chat | chat_stream | chat_ws
}

// ChatResult is the completed turn.
type ChatResult struct {
	Message store.Message  `json:"message"`
	Cost    float64        `json:"cost"`
	Usage   llm.Usage      `json:"usage"`
	Tracker costs.Snapshot `json:"tracker"`
}

// Chat runs the full state machine for one user message.
func (r *Runtime) Chat(ctx context.Context, u authz.CurrentUser, threadID string, req ChatRequest) (*ChatResult, error) {
	log := observability.LoggerWithTrace(ctx)

	// Authorize & load. Absent and out-of-scope are the same 404.
	thread, agent, err := r.loadThreadAgent(ctx, u, threadID)
	if err != nil {
		return nil, err
	}

	provider, err := r.deps.Providers.For(agent)
	if err != nil {
		return nil, err
	}

	// Budget gate before any provider call or persisted message.
	tracker := r.Tracker(threadID)
	if err := tracker.CheckBudget(); err != nil {
		return nil, err
	}

	r.guard.Scan(ctx, u.ID, req.Message)

	if req.CallType == "" {
		req.CallType = "chat"
	}

	var result *ChatResult
	lockErr := r.deps.Locks.WithLock(ctx, lockNamespaceThread, threadID, r.deps.LockTimeout, func() error {
		var err error
		result, err = r.turn(ctx, u, thread, agent, provider, tracker, req)
		return err
	})
	if lockErr != nil {
		if errors.Is(lockErr, locks.ErrTimeout) {
			log.Warn().Str("thread_id", threadID).Msg("thread_lock_timeout")
			return nil, ErrThreadBusy
		}
		return nil, lockErr
	}
	return result, nil
}

func (r *Runtime) loadThreadAgent(ctx context.Context, u authz.CurrentUser, threadID string) (*store.Thread, *store.Agent, error) {
	thread, err := r.deps.Threads.Get(ctx, threadID, u)
	if err != nil {
		return nil, nil, err
	}
	if thread == nil {
		return nil, nil, ErrThreadNotFound
	}
	agent, err := r.deps.Agents.Get(ctx, thread.AgentID, u)
	if err != nil {
		return nil, nil, err
	}
	if agent == nil {
		return nil, nil, ErrThreadNotFound
	}
	return thread, agent, nil
}

// turn runs steps 5-8 of the state machine under the thread lock.
func (r *Runtime) turn(ctx context.Context, u authz.CurrentUser, thread *store.Thread, agent *store.Agent, provider llm.Provider, tracker *costs.Tracker, req ChatRequest) (*ChatResult, error) {
	start := time.Now()

	userMsg := &store.Message{
		ThreadID:    thread.ID,
		Role:        "user",
		Content:     req.Message,
		Attachments: req.Attachments,
	}
	if err := r.deps.Messages.Append(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	system, err := r.buildSystem(ctx, u, agent)
	if err != nil {
		return nil, err
	}

	schemas := r.deps.Registry.Schemas(agent.Tools, agent.Capabilities)

	resp, toolsUsed, err := r.completionLoop(ctx, u, thread, agent, provider, tracker, system, schemas)
	if err != nil {
		return nil, err
	}

	cost := resp.Usage.Cost
	if cost == 0 {
		cost = llm.CalculateCost(resp.Model, resp.Usage.Input, resp.Usage.Output)
	}

	assistantMsg := &store.Message{
		ThreadID: thread.ID,
		Role:     "assistant",
		Content:  resp.Content,
		Metadata: map[string]any{
			"usage":           map[string]int{"input": resp.Usage.Input, "output": resp.Usage.Output},
			"cost":            cost,
			"duration_ms":     time.Since(start).Milliseconds(),
			"model":           resp.Model,
			"provider":        resp.Provider,
			"tools_used":      toolsUsed,
			"call_type":       req.CallType,
			"temperature":     agent.Temperature,
			"memory_strategy": agent.MemoryStrategy,
		},
	}
	if err := r.deps.Messages.Append(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}

	if _, err := r.deps.Threads.Update(ctx, thread.ID, u, store.ThreadUpdate{
		TurnCountDelta:  1,
		TokenCountDelta: resp.Usage.Input + resp.Usage.Output,
	}); err != nil {
		return nil, fmt.Errorf("update thread counters: %w", err)
	}

	r.maybeEnqueueSummarization(ctx, u, thread, agent)

	return &ChatResult{
		Message: *assistantMsg,
		Cost:    cost,
		Usage:   resp.Usage,
		Tracker: tracker.Snapshot(),
	}, nil
}

// completionLoop calls the provider, executing tool rounds until the model
// answers in plain text or the round limit is hit.
func (r *Runtime) completionLoop(ctx context.Context, u authz.CurrentUser, thread *store.Thread, agent *store.Agent, provider llm.Provider, tracker *costs.Tracker, system string, schemas []llm.ToolSchema) (llm.Response, []string, error) {
	log := observability.LoggerWithTrace(ctx)
	var toolsUsed []string

	toolCtx := tools.WithInvocation(ctx, tools.Invocation{
		UserID:      u.ID,
		AgentID:     agent.ID,
		ThreadID:    thread.ID,
		WorkspaceID: thread.WorkspaceID,
	})

	toolsChars := schemasChars(schemas)

	for round := 0; round < r.deps.MaxToolRounds; round++ {
		history, err := r.deps.Messages.ListThread(ctx, thread.ID, u, 0)
		if err != nil {
			return llm.Response{}, nil, err
		}

		msgs, err := r.buildContext(ctx, thread, agent, provider, history, system, toolsChars)
		if err != nil {
			return llm.Response{}, nil, err
		}

		req := llm.Request{
			Messages:    msgs,
			Temperature: agent.Temperature,
			MaxTokens:   agent.MaxTokens,
			Tools:       schemas,
			Model:       llm.DegradedModel(agent.Model, tracker.BudgetPercentUsed()),
		}

		resp, err := provider.Complete(ctx, req)
		if err != nil {
			return llm.Response{}, nil, err
		}

		tracker.AddUsage(resp.Model, resp.Usage.Input, resp.Usage.Output, resp.Usage.Cost)
		if err := tracker.CheckBudget(); err != nil {
			// Crossing the budget aborts the turn before any further
			// spending; tool rounds already persisted stay as audit trail.
			log.Warn().Str("thread_id", thread.ID).Int("round", round).Msg("budget_exceeded_mid_turn")
			return llm.Response{}, nil, err
		}

		if len(resp.ToolCalls) == 0 {
			return resp, toolsUsed, nil
		}

		// Audit the tool-call round, run the tools, persist each result.
		auditMsg := &store.Message{
			ThreadID:  thread.ID,
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		if err := r.deps.Messages.Append(ctx, auditMsg); err != nil {
			return llm.Response{}, nil, err
		}

		results := r.deps.Dispatcher.Execute(toolCtx, resp.ToolCalls, agent.Capabilities)
		for _, tc := range resp.ToolCalls {
			toolsUsed = append(toolsUsed, tc.Name)
		}
		for _, res := range results {
			toolMsg := &store.Message{
				ThreadID:   thread.ID,
				Role:       "tool",
				Content:    res.Content,
				ToolCallID: res.ToolCallID,
			}
			if res.IsError {
				toolMsg.Metadata = map[string]any{"is_error": true, "kind": res.Kind}
			}
			if err := r.deps.Messages.Append(ctx, toolMsg); err != nil {
				return llm.Response{}, nil, err
			}
		}
	}

	log.Error().Str("thread_id", thread.ID).Int("rounds", r.deps.MaxToolRounds).Msg("max_tool_rounds_reached")
	return llm.Response{
		Content:  maxRoundsApology,
		Model:    provider.Model(),
		Provider: provider.Name(),
	}, toolsUsed, nil
}

// buildContext runs the agent's memory strategy over the full history. The
// compiled system prompt goes through the strategy so its cost counts against
// the context budget; it comes back as the leading system record of the built
// sequence. Request.System stays free for caller-injected directives (the
// cascade's escalation text).
func (r *Runtime) buildContext(ctx context.Context, thread *store.Thread, agent *store.Agent, provider llm.Provider, history []store.Message, system string, toolsChars int) ([]llm.Message, error) {
	msgs := make([]llm.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, m.LLMMessage())
	}

	strategy, err := memory.New(agent.MemoryStrategy, r.memoryParams(agent, provider))
	if err != nil {
		return nil, err
	}

	userInputChars := 0
	if n := len(msgs); n > 0 && msgs[n-1].Role == "user" {
		userInputChars = len(msgs[n-1].Content)
	}

	return strategy.Build(ctx, memory.BuildInput{
		Messages:       msgs,
		SystemPrompt:   system,
		MaxTokens:      provider.MaxContextTokens(),
		ThreadSummary:  thread.Summary,
		ToolsChars:     toolsChars,
		UserInputChars: userInputChars,
		ThreadID:       thread.ID,
	})
}

// schemasChars sizes the serialized tool definitions for budget accounting.
func schemasChars(schemas []llm.ToolSchema) int {
	if len(schemas) == 0 {
		return 0
	}
	b, err := json.Marshal(schemas)
	if err != nil {
		return 0
	}
	return len(b)
}

func (r *Runtime) memoryParams(agent *store.Agent, provider llm.Provider) memory.Params {
	p := memory.Params{
		Counter:  llm.CounterForModel(agent.Model),
		Embedder: r.deps.Embedder,
		Index:    r.deps.MsgIndex,
	}
	mp := agent.MemoryParams
	if v, ok := numParam(mp, "n"); ok {
		p.N = v
	}
	if v, ok := numParam(mp, "max_tokens"); ok {
		p.MaxTokens = v
	}
	if v, ok := numParam(mp, "reserve_output"); ok {
		p.ReserveOutput = v
	}
	if v, ok := numParam(mp, "recent_chars"); ok {
		p.RecentChars = v
	}
	if v, ok := numParam(mp, "summary_chars_min"); ok {
		p.SummaryCharsMin = v
	}
	if v, ok := numParam(mp, "summary_chars_max"); ok {
		p.SummaryCharsMax = v
	}
	if v, ok := numParam(mp, "top_k"); ok {
		p.TopK = v
	}
	if v, ok := mp["min_score"].(float64); ok {
		p.MinScore = float32(v)
	}
	return p
}

func numParam(m map[string]any, key string) (int, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// LoadUserContext exposes the context provider to the HTTP layer (the
// full-prompt endpoint renders it).
func (r *Runtime) LoadUserContext(ctx context.Context, userID, agentID string) (map[string]any, error) {
	if r.deps.Context == nil {
		return map[string]any{}, nil
	}
	return r.deps.Context.Load(ctx, userID, agentID)
}

// buildSystem assembles the agent prompt plus rendered user context.
func (r *Runtime) buildSystem(ctx context.Context, u authz.CurrentUser, agent *store.Agent) (string, error) {
	system := agent.SystemPrompt
	if r.deps.Context == nil {
		return system, nil
	}
	userCtx, err := r.deps.Context.Load(ctx, u.ID, agent.ID)
	if err != nil {
		// Context is an enhancement; a load failure must not block chat.
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("user_id", u.ID).Msg("user_context_load_failed")
		return system, nil
	}
	if rendered := contextstore.Render(userCtx, agent.ContextSchema); rendered != "" {
		system = strings.TrimSpace(system + "\n\n" + rendered)
	}
	return system, nil
}

// maybeEnqueueSummarization queues a rolling-summary update when enough
// unsummarized content has accumulated. Failures only log; summaries are a
// background optimization.
func (r *Runtime) maybeEnqueueSummarization(ctx context.Context, u authz.CurrentUser, thread *store.Thread, agent *store.Agent) {
	if r.deps.JobClient == nil || agent.MemoryStrategy != "summarize" {
		return
	}
	var afterSeq int64
	if thread.SummarizedUntilMsg != "" {
		if m, err := r.deps.Messages.Get(ctx, thread.SummarizedUntilMsg); err == nil {
			afterSeq = m.Seq
		}
	}
	msgs, err := r.deps.Messages.ListAfter(ctx, thread.ID, afterSeq, 0)
	if err != nil {
		return
	}
	llmMsgs := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		llmMsgs = append(llmMsgs, m.LLMMessage())
	}
	if memory.UnsummarizedChars(llmMsgs) < summarizeThresholdChars {
		return
	}
	_, err = r.deps.JobClient.Enqueue(ctx, TaskSummarization, summarizationPayload{
		ThreadID:    thread.ID,
		UserID:      u.ID,
		Workspaces:  u.WorkspaceIDs,
		Admin:       u.Admin,
		WorkspaceID: thread.WorkspaceID,
	}, jobs.EnqueueOptions{UserID: u.ID, WorkspaceID: thread.WorkspaceID})
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("thread_id", thread.ID).Msg("summarization_enqueue_failed")
	}
}

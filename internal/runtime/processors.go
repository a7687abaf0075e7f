package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"conduit/internal/authz"
	"conduit/internal/costs"
	"conduit/internal/jobs"
	"conduit/internal/llm"
	"conduit/internal/memory"
	"conduit/internal/observability"
	"conduit/internal/store"
	"conduit/internal/stream"
)

// asyncTurnLocked mirrors streamTurn/turn for the worker path: the user
// message is already persisted, chunks go to the relay.
func (r *Runtime) asyncTurnLocked(ctx context.Context, u authz.CurrentUser, thread *store.Thread, agent *store.Agent, provider llm.Provider, tracker *costs.Tracker, publish func(stream.Frame)) (*ChatResult, error) {
	start := time.Now()

	system, err := r.buildSystem(ctx, u, agent)
	if err != nil {
		return nil, err
	}
	schemas := r.deps.Registry.Schemas(agent.Tools, agent.Capabilities)

	var resp llm.Response
	var toolsUsed []string
	callType := "chat_stream"

	if len(schemas) > 0 {
		// Tool rounds do not stream; publish the final text in one frame.
		resp, toolsUsed, err = r.completionLoop(ctx, u, thread, agent, provider, tracker, system, schemas)
		if err != nil {
			return nil, err
		}
		if resp.Content != "" {
			publish(stream.ContentFrame(resp.Content))
		}
	} else {
		history, err := r.deps.Messages.ListThread(ctx, thread.ID, u, 0)
		if err != nil {
			return nil, err
		}
		msgs, err := r.buildContext(ctx, thread, agent, provider, history, system, 0)
		if err != nil {
			return nil, err
		}
		llmReq := llm.Request{
			Messages:    msgs,
			Temperature: agent.Temperature,
			MaxTokens:   agent.MaxTokens,
			Model:       llm.DegradedModel(agent.Model, tracker.BudgetPercentUsed()),
		}
		var full []byte
		if err := provider.Stream(ctx, llmReq, func(chunk string) error {
			full = append(full, chunk...)
			publish(stream.ContentFrame(chunk))
			return nil
		}); err != nil {
			return nil, err
		}
		resp = llm.Response{
			Content:  string(full),
			Model:    llmReq.Model,
			Provider: provider.Name(),
			Usage: llm.Usage{
				Input:  provider.CountTokens(msgs),
				Output: llm.EstimateTokens(string(full)),
			},
		}
		tracker.AddUsage(resp.Model, resp.Usage.Input, resp.Usage.Output, 0)
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
			"call_type":       callType,
			"temperature":     agent.Temperature,
			"memory_strategy": agent.MemoryStrategy,
		},
	}
	if err := r.deps.Messages.Append(ctx, assistantMsg); err != nil {
		return nil, err
	}
	if _, err := r.deps.Threads.Update(ctx, thread.ID, u, store.ThreadUpdate{
		TurnCountDelta:  1,
		TokenCountDelta: resp.Usage.Input + resp.Usage.Output,
	}); err != nil {
		return nil, err
	}

	r.maybeEnqueueSummarization(ctx, u, thread, agent)

	return &ChatResult{
		Message: *assistantMsg,
		Cost:    cost,
		Usage:   resp.Usage,
		Tracker: tracker.Snapshot(),
	}, nil
}

// summarizationProcessor updates the rolling summary: fetch messages past the
// watermark (keeping the most recent in full detail), ask the model for an
// incremental summary, write back summary and watermark. Idempotent by
// watermark comparison - a concurrent run that already advanced it makes this
// one a no-op.
func (r *Runtime) summarizationProcessor(ctx context.Context, data json.RawMessage, jc jobs.Context, _ *pgxpool.Conn) (json.RawMessage, error) {
	var p summarizationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	u := payloadUser(p.UserID, p.Workspaces, p.Admin)
	log := observability.LoggerWithTrace(ctx)

	thread, agent, err := r.loadThreadAgent(ctx, u, p.ThreadID)
	if err != nil {
		return nil, err
	}
	provider, err := r.deps.Providers.For(agent)
	if err != nil {
		return nil, err
	}

	var afterSeq int64
	if thread.SummarizedUntilMsg != "" {
		if m, err := r.deps.Messages.Get(ctx, thread.SummarizedUntilMsg); err == nil {
			afterSeq = m.Seq
		}
	}

	msgs, err := r.deps.Messages.ListAfter(ctx, p.ThreadID, afterSeq, 0)
	if err != nil {
		return nil, err
	}
	// The newest messages stay in full detail for the context window.
	if len(msgs) <= summarizeRecentKeep {
		log.Debug().Str("thread_id", p.ThreadID).Msg("summarization_noop")
		return json.Marshal(map[string]any{"summarized": 0})
	}
	toSummarize := msgs[:len(msgs)-summarizeRecentKeep]

	llmMsgs := make([]llm.Message, 0, len(toSummarize))
	for _, m := range toSummarize {
		llmMsgs = append(llmMsgs, m.LLMMessage())
	}

	resp, err := provider.Complete(ctx, llm.Request{
		Messages:  memory.SummaryPrompt(thread.Summary, llmMsgs),
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, err
	}

	last := toSummarize[len(toSummarize)-1]
	summary := resp.Content
	watermark := last.ID
	if _, err := r.deps.Threads.Update(ctx, p.ThreadID, u, store.ThreadUpdate{
		Summary:            &summary,
		SummarizedUntilMsg: &watermark,
	}); err != nil {
		return nil, err
	}

	log.Info().Str("thread_id", p.ThreadID).Int("messages", len(toSummarize)).Str("job_id", jc.JobID).Msg("thread_summarized")
	return json.Marshal(map[string]any{"summarized": len(toSummarize), "watermark": watermark})
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conduit/internal/authz"
	"conduit/internal/costs"
	"conduit/internal/llm"
	"conduit/internal/locks"
	"conduit/internal/store"
)

// ChatStream runs one turn, emitting content chunks as they arrive. Streaming
// does not support tool rounds: when the agent has an effective tool list the
// turn runs through the non-streaming loop and the final text is emitted as a
// single chunk before the caller's terminal frame.
func (r *Runtime) ChatStream(ctx context.Context, u authz.CurrentUser, threadID string, req ChatRequest, emit llm.ChunkFunc) (*ChatResult, error) {
	if req.CallType == "" {
		req.CallType = "chat_stream"
	}

	thread, agent, err := r.loadThreadAgent(ctx, u, threadID)
	if err != nil {
		return nil, err
	}

	// Tool-calling agents fall back to the buffered loop.
	if len(r.deps.Registry.Schemas(agent.Tools, agent.Capabilities)) > 0 {
		result, err := r.Chat(ctx, u, threadID, req)
		if err != nil {
			return nil, err
		}
		if result.Message.Content != "" {
			if err := emit(result.Message.Content); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	provider, err := r.deps.Providers.For(agent)
	if err != nil {
		return nil, err
	}
	tracker := r.Tracker(threadID)
	if err := tracker.CheckBudget(); err != nil {
		return nil, err
	}

	r.guard.Scan(ctx, u.ID, req.Message)

	var result *ChatResult
	lockErr := r.deps.Locks.WithLock(ctx, lockNamespaceThread, threadID, r.deps.LockTimeout, func() error {
		var err error
		result, err = r.streamTurn(ctx, u, thread, agent, provider, tracker, req, emit)
		return err
	})
	if lockErr != nil {
		if errors.Is(lockErr, locks.ErrTimeout) {
			return nil, ErrThreadBusy
		}
		return nil, lockErr
	}
	return result, nil
}

func (r *Runtime) streamTurn(ctx context.Context, u authz.CurrentUser, thread *store.Thread, agent *store.Agent, provider llm.Provider, tracker *costs.Tracker, req ChatRequest, emit llm.ChunkFunc) (*ChatResult, error) {
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
		return emit(chunk)
	}); err != nil {
		return nil, err
	}

	content := string(full)
	// Streamed responses carry no usage payload; estimate for cost tracking.
	inputTok := provider.CountTokens(msgs)
	outputTok := llm.EstimateTokens(content)
	cost := tracker.AddUsage(llmReq.Model, inputTok, outputTok, 0)

	assistantMsg := &store.Message{
		ThreadID: thread.ID,
		Role:     "assistant",
		Content:  content,
		Metadata: map[string]any{
			"usage":           map[string]int{"input": inputTok, "output": outputTok},
			"cost":            cost,
			"duration_ms":     time.Since(start).Milliseconds(),
			"model":           llmReq.Model,
			"provider":        provider.Name(),
			"call_type":       req.CallType,
			"temperature":     agent.Temperature,
			"memory_strategy": agent.MemoryStrategy,
			"estimated_usage": true,
		},
	}
	if err := r.deps.Messages.Append(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	if _, err := r.deps.Threads.Update(ctx, thread.ID, u, store.ThreadUpdate{
		TurnCountDelta:  1,
		TokenCountDelta: inputTok + outputTok,
	}); err != nil {
		return nil, err
	}

	r.maybeEnqueueSummarization(ctx, u, thread, agent)

	return &ChatResult{
		Message: *assistantMsg,
		Cost:    cost,
		Usage:   llm.Usage{Input: inputTok, Output: outputTok},
		Tracker: tracker.Snapshot(),
	}, nil
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"conduit/internal/llm"
	"conduit/internal/observability"
)

// Result is the outcome of one tool call. IsError results flow back to the
// model as tool messages; they never abort the chat.
type Result struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
	// Kind tags error results: "not_found", "capability", "invalid_args",
	// "execution". Empty for successes.
	Kind string `json:"kind,omitempty"`
}

func okResult(id, content string) Result {
	return Result{ToolCallID: id, Content: content}
}

func errResult(id, kind, content string) Result {
	return Result{ToolCallID: id, Content: content, IsError: true, Kind: kind}
}

// Dispatcher executes normalized tool calls against a registry on behalf of
// an agent.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
}

func NewDispatcher(registry *Registry, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{registry: registry, timeout: timeout}
}

// Execute runs every call in parallel. One call's failure never cancels
// another; each result carries the exact tool_call_id it answers. The
// capability check runs before any side effect.
func (d *Dispatcher) Execute(ctx context.Context, calls []llm.ToolCall, agentCapabilities []string) []Result {
	if len(calls) == 0 {
		return nil
	}

	caps := make(map[string]bool, len(agentCapabilities))
	for _, c := range agentCapabilities {
		caps[c] = true
	}

	results := make([]Result, len(calls))
	g, ctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = d.executeOne(ctx, call, caps)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) executeOne(ctx context.Context, call llm.ToolCall, caps map[string]bool) Result {
	log := observability.LoggerWithTrace(ctx)

	tool, ok := d.registry.Get(call.Name)
	if !ok {
		log.Warn().Str("tool", call.Name).Msg("tool_not_found")
		return errResult(call.ID, "not_found", fmt.Sprintf("Error: Tool '%s' not found", call.Name))
	}

	// Defense in depth: the schema filter already hid capability-gated tools
	// from the model, but a call may still name one.
	if required, _ := d.registry.RequiredCapability(call.Name); required != "" && !caps[required] {
		log.Warn().Str("tool", call.Name).Str("capability", required).Msg("tool_capability_denied")
		return errResult(call.ID, "capability", fmt.Sprintf("Error: tool '%s' requires capability '%s'", call.Name, required))
	}

	var args map[string]any
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return errResult(call.ID, "invalid_args", fmt.Sprintf("Error: invalid arguments: %v", err))
	}
	if args == nil {
		args = map[string]any{}
	}
	if schema := d.registry.schema(call.Name); schema != nil {
		var doc any
		_ = json.Unmarshal(call.Args, &doc)
		if doc == nil {
			doc = map[string]any{}
		}
		if err := schema.Validate(doc); err != nil {
			return errResult(call.ID, "invalid_args", fmt.Sprintf("Error: invalid arguments: %v", err))
		}
	}

	toolCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	value, err := tool.Execute(toolCtx, args)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("tool", call.Name).Dur("duration", dur).Msg("tool_execution_failed")
		return errResult(call.ID, "execution", fmt.Sprintf("Error: %v", err))
	}

	content, ok := value.(string)
	if !ok {
		b, merr := json.Marshal(value)
		if merr != nil {
			return errResult(call.ID, "execution", fmt.Sprintf("Error: unserializable result: %v", merr))
		}
		content = string(b)
	}

	log.Debug().Str("tool", call.Name).Dur("duration", dur).Msg("tool_ok")
	return okResult(call.ID, content)
}

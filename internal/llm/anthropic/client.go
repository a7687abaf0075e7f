package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"conduit/internal/llm"
	"conduit/internal/llm/toolparse"
	"conduit/internal/observability"
)

const defaultMaxTokens = 4096

// Config holds adapter construction options.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Client adapts the Anthropic Messages API to the llm.Provider contract.
type Client struct {
	sdk   anthropic.Client
	model string
}

func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: model}
}

func (c *Client) Name() string  { return "anthropic" }
func (c *Client) Model() string { return c.model }

func (c *Client) MaxContextTokens() int { return llm.MaxContextFor(c.model) }

func (c *Client) CountTokens(msgs []llm.Message) int {
	return llm.CountMessages(llm.EstimateTokens, msgs)
}

func (c *Client) pickModel(override string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return c.model
}

func (c *Client) params(req llm.Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	p := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.pickModel(req.Model)),
		Messages:    adaptMessages(llm.SanitizeHistory(req.Messages)),
		System:      systemBlocks(req.System, req.Messages),
		Tools:       adaptTools(req.Tools),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(req.Temperature),
	}
	return p
}

func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	params := c.params(req)

	ctx, span := llm.StartRequestSpan(ctx, "Anthropic Chat", string(params.Model), len(req.Tools), len(req.Messages))
	defer span.End()
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("anthropic_chat_error")
		return llm.Response{}, wrapError(err)
	}

	out := responseFromMessage(resp, string(params.Model))
	llm.RecordTokenAttributes(span, out.Usage.Input, out.Usage.Output)

	log.Debug().
		Str("model", string(params.Model)).
		Dur("duration", dur).
		Int("prompt_tokens", out.Usage.Input).
		Int("completion_tokens", out.Usage.Output).
		Msg("anthropic_chat_ok")
	return out, nil
}

func (c *Client) Stream(ctx context.Context, req llm.Request, emit llm.ChunkFunc) error {
	params := c.params(req)

	ctx, span := llm.StartRequestSpan(ctx, "Anthropic ChatStream", string(params.Model), len(req.Tools), len(req.Messages))
	defer span.End()
	log := observability.LoggerWithTrace(ctx)

	stream := c.sdk.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				if err := emit(delta.Text); err != nil {
					return err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Msg("anthropic_stream_error")
		return wrapError(err)
	}
	return nil
}

func wrapError(err error) error {
	status := 0
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return llm.WrapError("anthropic", status, err)
}

func systemBlocks(system string, msgs []llm.Message) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	// System records embedded in the history (agent prompt, rolling summary)
	// lead; a caller-injected directive follows them.
	for _, m := range msgs {
		if m.Role == "system" && strings.TrimSpace(m.Content) != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: m.Content})
		}
	}
	if strings.TrimSpace(system) != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: system})
	}
	return blocks
}

func adaptMessages(msgs []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	toolResultCount := 0
	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			// handled by systemBlocks
		case "user":
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for i, tc := range m.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", i+1)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, decodeArgs(tc.Args), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			id := strings.TrimSpace(m.ToolID)
			if id == "" {
				toolResultCount++
				id = fmt.Sprintf("tool-result-%d", toolResultCount)
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(id, m.Content, false)))
		}
	}
	return out
}

func adaptTools(tools []llm.ToolSchema) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Type: constant.ValueOf[constant.Object](),
		}
		extras := map[string]any{}
		for k, v := range t.Parameters {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		if req, ok := extras["required"]; ok {
			delete(extras, "required")
			switch v := req.(type) {
			case []string:
				schema.Required = v
			case []any:
				for _, item := range v {
					if s, ok := item.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		delete(extras, "type")
		if len(extras) > 0 {
			schema.ExtraFields = extras
		}

		param := anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: schema,
		}
		if desc := strings.TrimSpace(t.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func decodeArgs(raw json.RawMessage) any {
	var v map[string]any
	if err := json.Unmarshal(toolparse.NormalizeArgs(raw), &v); err != nil {
		return map[string]any{}
	}
	return v
}

func responseFromMessage(resp *anthropic.Message, model string) llm.Response {
	if resp == nil {
		return llm.Response{}
	}
	var sb strings.Builder
	var calls []llm.ToolCall
	callIdx := 0

	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			callIdx++
			id := strings.TrimSpace(v.ID)
			if id == "" {
				id = fmt.Sprintf("call-%d", callIdx)
			}
			calls = append(calls, llm.ToolCall{
				ID:   id,
				Name: v.Name,
				Args: toolparse.NormalizeArgs(v.Input),
			})
		}
	}

	content := sb.String()
	// Some models emit XML-style calls in the text instead of tool_use blocks.
	if len(calls) == 0 {
		cleaned, inline := toolparse.ParseInline(content)
		if len(inline) > 0 {
			content = cleaned
			calls = inline
		}
	}

	return llm.Response{
		Content:  content,
		Usage:    llm.Usage{Input: int(resp.Usage.InputTokens), Output: int(resp.Usage.OutputTokens)},
		Model:    model,
		Provider: "anthropic",
		ToolCalls: func() []llm.ToolCall {
			if len(calls) == 0 {
				return nil
			}
			return calls
		}(),
		FinishReason: string(resp.StopReason),
		Raw:          resp,
	}
}

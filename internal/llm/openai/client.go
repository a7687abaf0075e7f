package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"conduit/internal/llm"
	"conduit/internal/llm/toolparse"
	"conduit/internal/observability"
)

// Config holds adapter construction options. BaseURL supports self-hosted
// OpenAI-compatible servers.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Client adapts the OpenAI chat completions API to the llm.Provider contract.
type Client struct {
	sdk   sdk.Client
	model string
}

func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{sdk: sdk.NewClient(opts...), model: model}
}

func (c *Client) Name() string  { return "openai" }
func (c *Client) Model() string { return c.model }

func (c *Client) MaxContextTokens() int { return llm.MaxContextFor(c.model) }

func (c *Client) CountTokens(msgs []llm.Message) int {
	return llm.CountMessages(llm.CounterForModel(c.model), msgs)
}

func (c *Client) params(req llm.Request) sdk.ChatCompletionNewParams {
	model := c.model
	if strings.TrimSpace(req.Model) != "" {
		model = req.Model
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: adaptMessages(req.System, llm.SanitizeHistory(req.Messages)),
	}
	if len(req.Tools) > 0 {
		params.Tools = adaptSchemas(req.Tools)
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	return params
}

func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	params := c.params(req)

	ctx, span := llm.StartRequestSpan(ctx, "OpenAI Chat", string(params.Model), len(req.Tools), len(req.Messages))
	defer span.End()
	log := observability.LoggerWithTrace(ctx)

	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("chat_completion_error")
		return llm.Response{}, wrapError(err)
	}

	out := llm.Response{
		Model:    string(params.Model),
		Provider: "openai",
		Usage: llm.Usage{
			Input:  int(comp.Usage.PromptTokens),
			Output: int(comp.Usage.CompletionTokens),
		},
		Raw: comp,
	}
	if len(comp.Choices) > 0 {
		choice := comp.Choices[0]
		out.Content = choice.Message.Content
		out.FinishReason = string(choice.FinishReason)
		for _, tc := range choice.Message.ToolCalls {
			if v, ok := tc.AsAny().(sdk.ChatCompletionMessageFunctionToolCall); ok {
				out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
					ID:   v.ID,
					Name: v.Function.Name,
					Args: toolparse.NormalizeArgs([]byte(v.Function.Arguments)),
				})
			}
		}
	}
	// Recover in-content XML-style calls from models that skip the tools API.
	if len(out.ToolCalls) == 0 {
		cleaned, inline := toolparse.ParseInline(out.Content)
		if len(inline) > 0 {
			out.Content = cleaned
			out.ToolCalls = inline
		}
	}

	llm.RecordTokenAttributes(span, out.Usage.Input, out.Usage.Output)
	log.Debug().
		Str("model", string(params.Model)).
		Dur("duration", dur).
		Int("prompt_tokens", out.Usage.Input).
		Int("completion_tokens", out.Usage.Output).
		Msg("chat_completion_ok")
	return out, nil
}

func (c *Client) Stream(ctx context.Context, req llm.Request, emit llm.ChunkFunc) error {
	params := c.params(req)

	ctx, span := llm.StartRequestSpan(ctx, "OpenAI ChatStream", string(params.Model), len(req.Tools), len(req.Messages))
	defer span.End()
	log := observability.LoggerWithTrace(ctx)

	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := emit(delta); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Msg("chat_stream_error")
		return wrapError(err)
	}
	return nil
}

func wrapError(err error) error {
	status := 0
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return llm.WrapError("openai", status, err)
}

func adaptSchemas(schemas []llm.ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        s.Name,
			Description: sdk.String(s.Description),
			Parameters:  s.Parameters,
		}))
	}
	return out
}

func adaptMessages(system string, msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)

	// Leading system records from the history (agent prompt, rolling summary)
	// come first, then any caller-injected directive, then the conversation.
	i := 0
	for ; i < len(msgs) && msgs[i].Role == "system"; i++ {
		if strings.TrimSpace(msgs[i].Content) != "" {
			out = append(out, sdk.SystemMessage(msgs[i].Content))
		}
	}
	if strings.TrimSpace(system) != "" {
		out = append(out, sdk.SystemMessage(system))
	}

	for _, m := range msgs[i:] {
		switch m.Role {
		case "system":
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, sdk.SystemMessage(m.Content))
			}
		case "user":
			content := m.Content
			if content == "" {
				content = " "
			}
			out = append(out, sdk.UserMessage(content))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				content := m.Content
				if content == "" {
					content = " "
				}
				out = append(out, sdk.AssistantMessage(content))
				continue
			}
			var asst sdk.ChatCompletionAssistantMessageParam
			content := m.Content
			if content == "" {
				content = " "
			}
			asst.Content.OfString = sdk.String(content)
			for _, tc := range m.ToolCalls {
				fn := sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(toolparse.NormalizeArgs(tc.Args)),
					},
				}
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{OfFunction: &fn})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			content := m.Content
			if content == "" {
				content = `{"error": "empty tool response"}`
			}
			out = append(out, sdk.ToolMessage(content, m.ToolID))
		}
	}
	return out
}

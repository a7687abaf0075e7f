package llm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartRequestSpan opens a span for one provider request with common request
// attributes. Callers must End it.
func StartRequestSpan(ctx context.Context, name, model string, tools, msgs int) (context.Context, trace.Span) {
	tracer := otel.Tracer("internal/llm")
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.tools", tools),
		attribute.Int("llm.messages", msgs),
	))
}

// RecordTokenAttributes attaches token usage to a span after completion.
func RecordTokenAttributes(span trace.Span, prompt, completion int) {
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", prompt),
		attribute.Int("llm.completion_tokens", completion),
	)
}

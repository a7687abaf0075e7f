// Package cascade composes a fast provider and a premium provider. The fast
// model is instructed to emit a trigger token when a query deserves deeper
// reasoning; when it does, the premium model answers against the original
// prompt and the fast reply is discarded.
package cascade

import (
	"context"
	"strings"

	"conduit/internal/llm"
	"conduit/internal/observability"
)

// DefaultTrigger is the literal token the fast model emits to escalate.
const DefaultTrigger = "[THINKING_MORE]"

// DefaultTransition replaces the trigger in streamed output so the hand-off
// reads naturally.
const DefaultTransition = "\n\nLet me think about this more carefully...\n\n"

const escalationInstructions = `

## COMPLEXITY SELF-ASSESSMENT

After formulating your response, assess if this query needs deeper analysis.

THINK MORE when:
- Financial decisions (refunds, compensation, pricing disputes)
- Legal or liability implications
- Safety concerns
- User frustration, complaints, or emotional distress
- Ambiguous situations with multiple valid interpretations
- You feel uncertain about your answer
- Policy edge cases

If deeper thinking is needed:
1. Respond with empathetic acknowledgment ONLY - do NOT give substantive answer
2. End with [THINKING_MORE]

CRITICAL: When escalating, NEVER provide the actual answer - only acknowledge and indicate you're thinking more.
`

// Provider implements llm.Provider over a fast/premium pair.
type Provider struct {
	fast       llm.Provider
	premium    llm.Provider
	trigger    string
	transition string
}

// Option tweaks cascade behavior.
type Option func(*Provider)

func WithTrigger(trigger string) Option {
	return func(p *Provider) { p.trigger = trigger }
}

func WithTransition(transition string) Option {
	return func(p *Provider) { p.transition = transition }
}

func New(fast, premium llm.Provider, opts ...Option) *Provider {
	p := &Provider{
		fast:       fast,
		premium:    premium,
		trigger:    DefaultTrigger,
		transition: DefaultTransition,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string  { return "cascading" }
func (p *Provider) Model() string { return p.fast.Model() }

func (p *Provider) MaxContextTokens() int { return p.fast.MaxContextTokens() }

func (p *Provider) CountTokens(msgs []llm.Message) int { return p.fast.CountTokens(msgs) }

// shouldInject reports whether the escalation directive belongs in the fast
// call's system prompt. No point when there is nothing to escalate to.
func (p *Provider) shouldInject() bool {
	if llm.IsPremiumModel(p.fast.Model()) {
		return false
	}
	return p.fast.Model() != p.premium.Model()
}

func (p *Provider) injectEscalation(system string) string {
	if !p.shouldInject() {
		return system
	}
	return system + escalationInstructions
}

func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	log := observability.LoggerWithTrace(ctx)

	fastReq := req
	fastReq.System = p.injectEscalation(req.System)

	fastResp, err := p.fast.Complete(ctx, fastReq)
	if err != nil {
		return llm.Response{}, err
	}
	if !strings.Contains(fastResp.Content, p.trigger) {
		return fastResp, nil
	}

	log.Info().Str("fast", p.fast.Model()).Str("premium", p.premium.Model()).Msg("cascade_escalated")

	// Premium sees the original messages and system prompt, not the fast
	// model's incomplete reply and not the escalation directive.
	premiumResp, err := p.premium.Complete(ctx, req)
	if err != nil {
		return llm.Response{}, err
	}

	fastCost := llm.CalculateCost(p.fast.Model(), fastResp.Usage.Input, fastResp.Usage.Output)
	premiumCost := llm.CalculateCost(p.premium.Model(), premiumResp.Usage.Input, premiumResp.Usage.Output)

	return llm.Response{
		Content: premiumResp.Content,
		Usage: llm.Usage{
			Input:  fastResp.Usage.Input + premiumResp.Usage.Input,
			Output: fastResp.Usage.Output + premiumResp.Usage.Output,
			Cost:   fastCost + premiumCost,
		},
		Model:        p.fast.Model() + "+" + p.premium.Model(),
		Provider:     "cascading",
		ToolCalls:    premiumResp.ToolCalls,
		FinishReason: premiumResp.FinishReason,
		Raw:          map[string]any{"fast": fastResp.Raw, "premium": premiumResp.Raw},
	}, nil
}

// Stream buffers the tail of the fast stream so a trigger spanning chunk
// boundaries is still caught, then proxies the premium stream on escalation.
func (p *Provider) Stream(ctx context.Context, req llm.Request, emit llm.ChunkFunc) error {
	fastReq := req
	fastReq.System = p.injectEscalation(req.System)

	bufferSize := len(p.trigger) + 10
	pending := ""

	err := p.fast.Stream(ctx, fastReq, func(chunk string) error {
		pending += chunk
		if len(pending) > bufferSize {
			if err := emit(pending[:len(pending)-bufferSize]); err != nil {
				return err
			}
			pending = pending[len(pending)-bufferSize:]
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !strings.Contains(pending, p.trigger) {
		if pending != "" {
			return emit(pending)
		}
		return nil
	}

	observability.LoggerWithTrace(ctx).Info().
		Str("fast", p.fast.Model()).Str("premium", p.premium.Model()).
		Msg("cascade_stream_escalated")

	if err := emit(p.transition); err != nil {
		return err
	}
	return p.premium.Stream(ctx, req, emit)
}

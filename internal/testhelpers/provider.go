// Package testhelpers holds doubles shared across package tests.
package testhelpers

import (
	"context"
	"fmt"
	"sync"

	"conduit/internal/llm"
	"conduit/internal/store"
)

// ScriptedProvider yields pre-programmed responses in order. Tests substitute
// it for real adapters.
type ScriptedProvider struct {
	ProviderName string
	ModelName    string
	MaxContext   int

	mu        sync.Mutex
	responses []llm.Response
	errs      []error
	calls     []llm.Request
}

func NewScriptedProvider(provider, model string) *ScriptedProvider {
	return &ScriptedProvider{ProviderName: provider, ModelName: model, MaxContext: 128_000}
}

// Enqueue appends a scripted response.
func (p *ScriptedProvider) Enqueue(resp llm.Response) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, resp)
	p.errs = append(p.errs, nil)
	return p
}

// EnqueueError appends a scripted failure.
func (p *ScriptedProvider) EnqueueError(err error) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, llm.Response{})
	p.errs = append(p.errs, err)
	return p
}

// Calls returns every request seen so far.
func (p *ScriptedProvider) Calls() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *ScriptedProvider) next(req llm.Request) (llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if len(p.responses) == 0 {
		return llm.Response{}, fmt.Errorf("scripted provider %s: no responses left", p.ProviderName)
	}
	resp, err := p.responses[0], p.errs[0]
	p.responses = p.responses[1:]
	p.errs = p.errs[1:]
	if err != nil {
		return llm.Response{}, err
	}
	if resp.Model == "" {
		resp.Model = p.ModelName
	}
	if resp.Provider == "" {
		resp.Provider = p.ProviderName
	}
	return resp, nil
}

func (p *ScriptedProvider) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	return p.next(req)
}

// Stream emits the next scripted response's content in small chunks.
func (p *ScriptedProvider) Stream(_ context.Context, req llm.Request, emit llm.ChunkFunc) error {
	resp, err := p.next(req)
	if err != nil {
		return err
	}
	content := resp.Content
	const chunkSize = 7
	for len(content) > 0 {
		n := chunkSize
		if n > len(content) {
			n = len(content)
		}
		if err := emit(content[:n]); err != nil {
			return err
		}
		content = content[n:]
	}
	return nil
}

func (p *ScriptedProvider) CountTokens(msgs []llm.Message) int {
	return llm.CountMessages(llm.EstimateTokens, msgs)
}

func (p *ScriptedProvider) MaxContextTokens() int { return p.MaxContext }
func (p *ScriptedProvider) Name() string          { return p.ProviderName }
func (p *ScriptedProvider) Model() string         { return p.ModelName }

// StaticFactory returns the same provider for every agent.
type StaticFactory struct {
	Provider llm.Provider
}

func (f StaticFactory) For(_ *store.Agent) (llm.Provider, error) { return f.Provider, nil }

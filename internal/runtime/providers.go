package runtime

import (
	"fmt"
	"net/http"
	"sync"

	"conduit/internal/config"
	"conduit/internal/llm"
	"conduit/internal/llm/anthropic"
	"conduit/internal/llm/cascade"
	"conduit/internal/llm/openai"
	"conduit/internal/store"
)

// ProviderFactory resolves an agent's provider configuration to a cached
// Provider instance. Instances are shared across requests and must be
// concurrency-safe.
type ProviderFactory struct {
	cfg        config.Settings
	httpClient *http.Client

	mu    sync.Mutex
	cache map[string]llm.Provider
}

func NewProviderFactory(cfg config.Settings) *ProviderFactory {
	return &ProviderFactory{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.LLMTimeout},
		cache:      make(map[string]llm.Provider),
	}
}

// For returns the provider for an agent, wrapping fast+premium pairs in a
// cascade when configured.
func (f *ProviderFactory) For(a *store.Agent) (llm.Provider, error) {
	fast, err := f.build(a.Provider, a.Model)
	if err != nil {
		return nil, err
	}
	if a.PremiumProvider == "" || a.PremiumModel == "" {
		return fast, nil
	}
	premium, err := f.build(a.PremiumProvider, a.PremiumModel)
	if err != nil {
		return nil, err
	}
	key := "cascade|" + a.Provider + "|" + a.Model + "|" + a.PremiumProvider + "|" + a.PremiumModel
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.cache[key]; ok {
		return p, nil
	}
	p := cascade.New(fast, premium)
	f.cache[key] = p
	return p, nil
}

func (f *ProviderFactory) build(provider, model string) (llm.Provider, error) {
	key := provider + "|" + model
	f.mu.Lock()
	if p, ok := f.cache[key]; ok {
		f.mu.Unlock()
		return p, nil
	}
	f.mu.Unlock()

	var p llm.Provider
	switch provider {
	case "anthropic":
		if f.cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic API key not configured")
		}
		p = anthropic.New(anthropic.Config{
			APIKey:  f.cfg.AnthropicAPIKey,
			BaseURL: f.cfg.AnthropicBaseURL,
			Model:   model,
		}, f.httpClient)
	case "openai":
		if f.cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai API key not configured")
		}
		p = openai.New(openai.Config{
			APIKey:  f.cfg.OpenAIAPIKey,
			BaseURL: f.cfg.OpenAIBaseURL,
			Model:   model,
		}, f.httpClient)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}

	f.mu.Lock()
	f.cache[key] = p
	f.mu.Unlock()
	return p, nil
}


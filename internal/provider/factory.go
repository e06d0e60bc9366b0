package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"roomchat/internal/config"
	"roomchat/internal/domain"
)

// ProviderConstructor creates a provider from a config entry.
type ProviderConstructor func(pc config.ProviderConfig, httpClient *http.Client, logger *slog.Logger) domain.Provider

// Factory creates and caches LLM providers from config. Every provider it
// returns is wrapped in a RetryingProvider.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	httpClient   *http.Client
	constructors map[string]ProviderConstructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		httpClient:   SharedHTTPClient(defaultHTTPTimeout),
		constructors: make(map[string]ProviderConstructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a constructor for a provider kind.
func (f *Factory) RegisterConstructor(kind string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["openai"] = func(pc config.ProviderConfig, hc *http.Client, logger *slog.Logger) domain.Provider {
		return NewOpenAI(OpenAIConfig{
			APIKey:     pc.APIKey,
			APIBase:    pc.APIBase,
			Model:      pc.DefaultModel,
			MaxTokens:  pc.MaxTokens,
			HTTPClient: hc,
			Logger:     logger,
		})
	}
	f.constructors["ollama"] = func(pc config.ProviderConfig, hc *http.Client, logger *slog.Logger) domain.Provider {
		return NewOllama(pc.APIBase, pc.DefaultModel, hc, logger)
	}
	f.constructors["claude"] = func(pc config.ProviderConfig, hc *http.Client, logger *slog.Logger) domain.Provider {
		return NewClaude(ClaudeConfig{
			APIKey:     pc.APIKey,
			APIBase:    pc.APIBase,
			Model:      pc.DefaultModel,
			MaxTokens:  pc.MaxTokens,
			HTTPClient: hc,
			Logger:     logger,
		})
	}
	f.constructors["gemini"] = func(pc config.ProviderConfig, hc *http.Client, logger *slog.Logger) domain.Provider {
		return NewGemini(GeminiConfig{
			APIKey:     pc.APIKey,
			Model:      pc.DefaultModel,
			MaxTokens:  pc.MaxTokens,
			HTTPClient: hc,
			Logger:     logger,
		})
	}
}

// Get returns the provider with the given name, or the default if name is empty.
// Created providers are cached so the same instance is reused across calls.
func (f *Factory) Get(name string) (domain.Provider, error) {
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	kind := pc.Kind(name)
	ctor, found := f.constructors[kind]

	var p domain.Provider
	switch {
	case found:
		p = ctor(pc, f.httpClient, f.logger)
	case pc.APIBase != "":
		// Unknown kinds with a base URL are treated as OpenAI-compatible.
		p = NewOpenAI(OpenAIConfig{
			Name:       name,
			APIKey:     pc.APIKey,
			APIBase:    pc.APIBase,
			Model:      pc.DefaultModel,
			MaxTokens:  pc.MaxTokens,
			HTTPClient: f.httpClient,
			Logger:     f.logger,
		})
	default:
		return nil, fmt.Errorf("provider %s: no constructor for kind %q and no API base configured", name, kind)
	}

	p = NewRetryingProvider(p, pc.MaxRetries, f.logger)
	f.cache[name] = p
	return p, nil
}

// DefaultProvider returns the configured default provider.
func (f *Factory) DefaultProvider() (domain.Provider, error) {
	return f.Get("")
}

// Chain returns the provider used for bot replies: a failover chain when one
// is configured, otherwise the default provider.
func (f *Factory) Chain() (domain.Provider, error) {
	names := f.cfg.General.FailoverChain
	if len(names) == 0 {
		return f.DefaultProvider()
	}
	providers := make([]domain.Provider, 0, len(names))
	for _, name := range names {
		p, err := f.Get(name)
		if err != nil {
			f.logger.Warn("skipping provider in failover chain", "provider", name, "error", err)
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no usable provider in failover chain %v", names)
	}
	if len(providers) == 1 {
		return providers[0], nil
	}
	return NewFailoverProvider(providers, f.logger), nil
}

// Names returns the configured provider names, sorted.
func (f *Factory) Names() []string {
	names := make([]string, 0, len(f.cfg.Providers))
	for name := range f.cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthyProvider returns the first enabled provider that passes a health check, or nil.
func (f *Factory) HealthyProvider(ctx context.Context) domain.Provider {
	for _, name := range f.Names() {
		p, err := f.Get(name)
		if err != nil || p == nil {
			continue
		}
		if p.Healthy(ctx) == nil {
			return p
		}
	}
	return nil
}

package llm

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// modelPrefixes guesses the provider of models not listed in config.
var modelPrefixes = []struct{ prefix, provider string }{
	{"claude-", "anthropic"},
	{"gemini-", "gemini"},
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
}

// MultiClient picks a provider per request by model name: first the
// explicit model table, then the well-known name prefixes, then the
// fallback client.
type MultiClient struct {
	fallback Client

	mu        sync.RWMutex
	providers map[string]Client
	models    map[string]string
}

// NewMultiClient creates a router. fallback may be nil, in which case
// unroutable models fail.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		fallback:  fallback,
		providers: make(map[string]Client),
		models:    make(map[string]string),
	}
}

// AddProvider registers the client for a provider name.
func (m *MultiClient) AddProvider(name string, c Client) {
	m.mu.Lock()
	m.providers[name] = c
	m.mu.Unlock()
}

// AddModel pins a model name to a provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.mu.Lock()
	m.models[model] = provider
	m.mu.Unlock()
}

// Providers lists the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.providers))
}

func (m *MultiClient) route(model string) Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.models[model]; ok {
		if c, ok := m.providers[p]; ok {
			return c
		}
	}
	for _, mp := range modelPrefixes {
		if strings.HasPrefix(model, mp.prefix) {
			if c, ok := m.providers[mp.provider]; ok {
				return c
			}
			break
		}
	}
	return m.fallback
}

// Chat forwards req to the provider for req.Model.
func (m *MultiClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	c := m.route(req.Model)
	if c == nil {
		return nil, fmt.Errorf("no provider configured for model %q", req.Model)
	}
	return c.Chat(ctx, req)
}

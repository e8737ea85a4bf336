// Package search provides the web_search tool: a provider interface,
// a SearXNG backend for self-hosted instances and a DuckDuckGo HTML
// backend that needs no key.
//
// The [Manager] tries the primary provider first and falls back to the
// others in registration order when it fails.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DefaultCount is the number of results returned when Options.Count is
// zero.
const DefaultCount = 5

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means DefaultCount.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "pt", "en").
	Language string `json:"language,omitempty"`

	// Locality biases results toward a place, usually the user's
	// default location.
	Locality string `json:"locality,omitempty"`
}

func (o Options) count() int {
	if o.Count <= 0 {
		return DefaultCount
	}
	return min(o.Count, 10)
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "searxng", "duckduckgo").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// ErrNoProviders is returned by Search on an empty Manager.
var ErrNoProviders = errors.New("no search provider configured")

// Manager holds configured providers in priority order.
type Manager struct {
	providers []Provider
}

// NewManager creates a search manager. The first provider is primary.
func NewManager(providers ...Provider) *Manager {
	return &Manager{providers: providers}
}

// Register appends a fallback provider.
func (m *Manager) Register(p Provider) {
	m.providers = append(m.providers, p)
}

// Search runs a query against each provider in order until one
// succeeds. The errors of every failed provider are joined.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if len(m.providers) == 0 {
		return nil, ErrNoProviders
	}
	var errs []error
	for _, p := range m.providers {
		results, err := p.Search(ctx, query, opts)
		if err == nil {
			return results, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, errors.Join(errs...)
}

// Providers returns the provider names in priority order.
func (m *Manager) Providers() []string {
	names := make([]string, len(m.providers))
	for i, p := range m.providers {
		names[i] = p.Name()
	}
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// FormatResults renders results as a numbered plain-text list.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "%d. %s\n   %s", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			sb.WriteString("\n   ")
			sb.WriteString(r.Snippet)
		}
	}
	return sb.String()
}

// withLocality appends the locality to the query unless the query
// already names it.
func withLocality(query, locality string) string {
	if locality == "" || strings.Contains(strings.ToLower(query), strings.ToLower(locality)) {
		return query
	}
	return query + " " + locality
}

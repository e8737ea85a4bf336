package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/clima/internal/httpkit"
)

// SearXNG queries a self-hosted SearXNG instance through its JSON API.
// The instance must list "json" under search.formats in settings.yml.
type SearXNG struct {
	endpoint string
	client   *http.Client
}

// NewSearXNG creates a provider for the instance rooted at baseURL,
// e.g. "http://localhost:8080".
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		endpoint: strings.TrimRight(baseURL, "/") + "/search",
		client:   httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

func (s *SearXNG) Name() string { return "searxng" }

// Search runs query with safe search on. SearXNG merges several engines,
// so the same page can come back more than once; duplicates and
// entries without a URL are dropped before Count is applied.
func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	q := url.Values{}
	q.Set("q", withLocality(query, opts.Locality))
	q.Set("format", "json")
	q.Set("safesearch", "1")
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}

	var body struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := httpkit.DoJSON(ctx, s.client, http.MethodGet, s.endpoint+"?"+q.Encode(), nil, nil, &body); err != nil {
		return nil, fmt.Errorf("searxng: %w", err)
	}

	limit := opts.count()
	seen := make(map[string]bool, len(body.Results))
	var out []Result
	for _, r := range body.Results {
		if len(out) == limit {
			break
		}
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		out = append(out, Result{
			Title:   strings.TrimSpace(r.Title),
			URL:     r.URL,
			Snippet: strings.TrimSpace(r.Content),
		})
	}
	return out, nil
}

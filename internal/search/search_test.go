package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/clima/internal/tools"
)

// mockProvider is a simple test provider.
type mockProvider struct {
	name    string
	results []Result
	err     error

	mu    sync.Mutex
	calls []Options
	query string
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Search(_ context.Context, q string, opts Options) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, opts)
	m.query = q
	return m.results, m.err
}

func TestManagerSearch(t *testing.T) {
	mgr := NewManager(&mockProvider{
		name:    "mock",
		results: []Result{{Title: "Test", URL: "https://example.com", Snippet: "A test result"}},
	})

	results, err := mgr.Search(context.Background(), "test", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Test" {
		t.Errorf("results = %+v", results)
	}
}

func TestManagerFallsBack(t *testing.T) {
	primary := &mockProvider{name: "searxng", err: errors.New("connection refused")}
	fallback := &mockProvider{name: "duckduckgo", results: []Result{{Title: "Fallback"}}}
	mgr := NewManager(primary)
	mgr.Register(fallback)

	results, err := mgr.Search(context.Background(), "test", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Title != "Fallback" {
		t.Errorf("expected fallback results, got %+v", results)
	}
	if diff := cmp.Diff([]string{"searxng", "duckduckgo"}, mgr.Providers()); diff != "" {
		t.Errorf("providers (-want +got):\n%s", diff)
	}

	fallback.err = errors.New("blocked")
	_, err = mgr.Search(context.Background(), "test", Options{})
	if err == nil || !strings.Contains(err.Error(), "searxng: connection refused") || !strings.Contains(err.Error(), "duckduckgo: blocked") {
		t.Errorf("joined error = %v", err)
	}
}

func TestManagerUnconfigured(t *testing.T) {
	mgr := NewManager()
	if mgr.Configured() {
		t.Error("empty manager should not be configured")
	}
	if _, err := mgr.Search(context.Background(), "test", Options{}); !errors.Is(err, ErrNoProviders) {
		t.Errorf("err = %v, want ErrNoProviders", err)
	}
}

func TestFormatResults(t *testing.T) {
	got := FormatResults([]Result{
		{Title: "First", URL: "https://a.com", Snippet: "Snippet A"},
		{Title: "Second", URL: "https://b.com"},
	})
	want := "1. First\n   https://a.com\n   Snippet A\n\n2. Second\n   https://b.com"
	if got != want {
		t.Errorf("FormatResults = %q, want %q", got, want)
	}
	if out := FormatResults(nil); out != "No results found." {
		t.Errorf("expected 'No results found.', got %q", out)
	}
}

func TestWithLocality(t *testing.T) {
	tests := []struct {
		query, locality, want string
	}{
		{"heat wave alert", "", "heat wave alert"},
		{"heat wave alert", "Jundiai", "heat wave alert Jundiai"},
		{"flooding in jundiai", "Jundiai", "flooding in jundiai"},
	}
	for _, tt := range tests {
		if got := withLocality(tt.query, tt.locality); got != tt.want {
			t.Errorf("withLocality(%q, %q) = %q, want %q", tt.query, tt.locality, got, tt.want)
		}
	}
}

func TestSearXNG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.URL.Query().Get("format") != "json" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if q := r.URL.Query(); q.Get("q") != "storm Jundiai" || q.Get("safesearch") != "1" {
			t.Errorf("query = %v", q)
		}
		io.WriteString(w, `{"results":[
			{"title":" Storm warning ","url":"https://a.example","content":"Heavy rain expected"},
			{"title":"Storm warning (mirror)","url":"https://a.example","content":""},
			{"title":"No link","url":"","content":""},
			{"title":"Second","url":"https://b.example","content":""},
			{"title":"Third","url":"https://c.example","content":""}]}`)
	}))
	defer srv.Close()

	results, err := NewSearXNG(srv.URL+"/").Search(context.Background(), "storm", Options{Count: 2, Locality: "Jundiai"})
	if err != nil {
		t.Fatal(err)
	}
	want := []Result{
		{Title: "Storm warning", URL: "https://a.example", Snippet: "Heavy rain expected"},
		{Title: "Second", URL: "https://b.example"},
	}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results (-want +got):\n%s", diff)
	}
}

const ddgPage = `<html><body>
<div class="results">
  <div class="result results_links result--ad">
    <h2 class="result__title"><a class="result__a" href="https://ads.example">Buy umbrellas</a></h2>
  </div>
  <div class="result results_links results_links_deep web-result">
    <h2 class="result__title">
      <a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fclimatempo.com.br%2Fjundiai&amp;rut=abc">Previsão do tempo
        <b>Jundiaí</b></a>
    </h2>
    <a class="result__snippet" href="#">Chuva forte à <b>tarde</b>.</a>
  </div>
  <div class="result results_links web-result">
    <h2 class="result__title"><a class="result__a" href="https://inmet.gov.br/alertas">Alertas INMET</a></h2>
  </div>
  <div class="result results_links web-result">
    <h2 class="result__title"><a class="result__a" href="https://third.example">Third</a></h2>
  </div>
</div>
</body></html>`

func TestParseDuckDuckGo(t *testing.T) {
	results, err := parseDuckDuckGo(strings.NewReader(ddgPage), 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []Result{
		{Title: "Previsão do tempo Jundiaí", URL: "https://climatempo.com.br/jundiai", Snippet: "Chuva forte à tarde."},
		{Title: "Alertas INMET", URL: "https://inmet.gov.br/alertas"},
	}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results (-want +got):\n%s", diff)
	}
}

func TestDuckDuckGoSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.PostForm.Get("q") != "chuva" || r.PostForm.Get("kl") != "br-pt" {
			t.Errorf("form = %v", r.PostForm)
		}
		io.WriteString(w, ddgPage)
	}))
	defer srv.Close()

	results, err := NewDuckDuckGo(srv.URL).Search(context.Background(), "chuva", Options{Language: "pt"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Errorf("got %d results, want 3", len(results))
	}
}

func TestDuckDuckGoHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewDuckDuckGo(srv.URL).Search(context.Background(), "x", Options{})
	if err == nil || !strings.Contains(err.Error(), "HTTP 429") {
		t.Errorf("err = %v, want HTTP 429", err)
	}
}

func TestTool(t *testing.T) {
	p := &mockProvider{name: "mock", results: []Result{{Title: "T", URL: "https://t.example"}}}
	tool := Tool(NewManager(p))
	if tool.Name != ToolName {
		t.Errorf("name = %q", tool.Name)
	}

	ctx := tools.WithLocation(context.Background(), "Jundiai")
	out, err := tool.Handler(ctx, map[string]any{"query": "air quality", "count": float64(3)})
	if err != nil {
		t.Fatal(err)
	}
	var got []Result
	if err := json.Unmarshal([]byte(out), &got); err != nil || len(got) != 1 {
		t.Errorf("output = %q (%v)", out, err)
	}
	if diff := cmp.Diff(Options{Count: 3, Locality: "Jundiai"}, p.calls[0]); diff != "" {
		t.Errorf("options (-want +got):\n%s", diff)
	}

	if _, err := tool.Handler(ctx, map[string]any{"query": "x", "local": false}); err != nil {
		t.Fatal(err)
	}
	if p.calls[1].Locality != "" {
		t.Errorf("local=false still sent locality %q", p.calls[1].Locality)
	}

	if _, err := tool.Handler(ctx, map[string]any{}); !errors.Is(err, ErrMissingQuery) {
		t.Errorf("missing query err = %v", err)
	}

	p.results = nil
	if out, _ := tool.Handler(ctx, map[string]any{"query": "nothing"}); out != "No results found." {
		t.Errorf("empty output = %q", out)
	}
}

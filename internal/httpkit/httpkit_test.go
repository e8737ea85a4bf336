package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_DefaultTimeout(t *testing.T) {
	c := NewClient()
	if c.Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", c.Timeout)
	}
}

func TestNewClient_ZeroTimeout(t *testing.T) {
	c := NewClient(WithTimeout(0))
	if c.Timeout != 0 {
		t.Errorf("expected 0 timeout, got %v", c.Timeout)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	tests := []struct {
		name string
		opts []Option
		want string
	}{
		{"custom", []Option{WithUserAgent("TestBot/1.0")}, "TestBot/1.0"},
		{"default", nil, "clima/"},
		{"empty keeps Go default", []Option{WithUserAgent("")}, "Go-http-client"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := NewClient(tt.opts...).Get(srv.URL)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if !strings.HasPrefix(string(body), tt.want) {
				t.Errorf("User-Agent = %q, want prefix %q", body, tt.want)
			}
		})
	}
}

func TestDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, "no key")
			return
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"echo":%s}`, body)
	}))
	defer srv.Close()

	c := NewClient()
	var out struct {
		Echo struct {
			City string `json:"city"`
		} `json:"echo"`
	}
	err := DoJSON(context.Background(), c, http.MethodPost, srv.URL, map[string]string{"X-Api-Key": "k"}, map[string]string{"city": "Jundiai"}, &out)
	if err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if out.Echo.City != "Jundiai" {
		t.Errorf("echo city = %q, want %q", out.Echo.City, "Jundiai")
	}

	err = DoJSON(context.Background(), c, http.MethodPost, srv.URL, nil, map[string]string{}, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.Code != http.StatusUnauthorized || se.Body != "no key" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestReadErrorBody(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("error message"))
	if got := ReadErrorBody(rc, 5); got != "error" {
		t.Errorf("ReadErrorBody truncated = %q, want %q", got, "error")
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}

type scriptedRoundTripper struct {
	errs  []error
	calls int
	body  []string
}

func (f *scriptedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	i := f.calls
	f.calls++
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		f.body = append(f.body, string(data))
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func TestRetryDial(t *testing.T) {
	unreachable := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.EHOSTUNREACH}
	refused := fmt.Errorf("post: %w", syscall.ECONNREFUSED)
	reset := &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}

	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{"success first try", nil, 1, false},
		{"retries dial error", []error{unreachable}, 2, false},
		{"retries refused", []error{refused, refused}, 3, false},
		{"exhausts retries", []error{unreachable, unreachable, unreachable}, 3, true},
		{"reset after send is final", []error{reset}, 1, true},
		{"other errors are final", []error{errors.New("tls: bad certificate")}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &scriptedRoundTripper{errs: tt.errs}
			c := NewClient(WithTransport(base), WithRetry(2, time.Millisecond, nil))
			resp, err := c.Get("http://example.invalid")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Get error = %v, wantErr %v", err, tt.wantErr)
			}
			if resp != nil {
				resp.Body.Close()
			}
			if base.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", base.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryDialRewindsBody(t *testing.T) {
	base := &scriptedRoundTripper{errs: []error{&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}}}
	c := NewClient(WithTransport(base), WithRetry(1, time.Millisecond, nil))

	resp, err := c.Post("http://example.invalid/api/sendText", "application/json", strings.NewReader(`{"text":"oi"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if base.calls != 2 || base.body[1] != `{"text":"oi"}` {
		t.Errorf("calls = %d, bodies = %q", base.calls, base.body)
	}
}

func TestRetryDialStopsOnCancel(t *testing.T) {
	base := &scriptedRoundTripper{errs: []error{&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}}}
	c := NewClient(WithTransport(base), WithRetry(3, time.Hour, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid", nil)
	_, err := c.Do(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1", base.calls)
	}
}

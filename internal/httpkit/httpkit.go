// Package httpkit builds the HTTP clients clima uses for every outbound
// call (model providers, OpenWeather, WAHA and the search backends) and
// holds the small JSON request helper they share.
package httpkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/clima/internal/buildinfo"
)

// Transport limits. Request deadlines come from the client timeout or
// the caller's context.
const (
	DialTimeout           = 10 * time.Second
	TLSHandshakeTimeout   = 10 * time.Second
	ResponseHeaderTimeout = 15 * time.Second
	IdleConnTimeout       = 90 * time.Second

	maxIdleConns        = 20
	maxIdleConnsPerHost = 5
	errorBodyLimit      = 4 << 10
)

// Option adjusts a client built by NewClient.
type Option func(*options)

type options struct {
	timeout   time.Duration
	userAgent string
	transport http.RoundTripper
	retries   int
	backoff   time.Duration
	logger    *slog.Logger
}

// WithTimeout replaces the 30s default. Zero leaves the deadline to the
// request context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent replaces the clima User-Agent.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithTransport replaces the pooled transport, mostly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithRetry retries requests whose connection could not be opened (host
// unreachable, connection refused) up to n times, doubling the wait from
// backoff. Nothing reached the server on those failures, so even POSTs
// are safe to repeat as long as the body can be rewound.
func WithRetry(n int, backoff time.Duration, logger *slog.Logger) Option {
	return func(o *options) {
		o.retries = n
		o.backoff = backoff
		o.logger = logger
	}
}

// NewTransport returns the pooled transport shared by default clients.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: ResponseHeaderTimeout,
		IdleConnTimeout:       IdleConnTimeout,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient returns a client with a 30s timeout and the clima
// User-Agent.
func NewClient(opts ...Option) *http.Client {
	o := options{timeout: 30 * time.Second, userAgent: buildinfo.UserAgent()}
	for _, opt := range opts {
		opt(&o)
	}

	rt := o.transport
	if rt == nil {
		rt = NewTransport()
	}
	rt = &stampUserAgent{next: rt, ua: o.userAgent}
	if o.retries > 0 {
		logger := o.logger
		if logger == nil {
			logger = slog.Default()
		}
		rt = &retryDial{next: rt, retries: o.retries, backoff: o.backoff, logger: logger}
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

type stampUserAgent struct {
	next http.RoundTripper
	ua   string
}

func (t *stampUserAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.ua == "" || req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.next.RoundTrip(req)
}

type retryDial struct {
	next    http.RoundTripper
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

func (t *retryDial) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	wait := t.backoff

	resp, err := t.next.RoundTrip(req)
	for attempt := 1; attempt <= t.retries && err != nil && rewindable && dialFailed(err); attempt++ {
		t.logger.Debug("connection failed, retrying",
			"host", req.URL.Host, "attempt", attempt, "wait", wait, "error", err)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
		wait *= 2

		again := req.Clone(req.Context())
		if req.GetBody != nil {
			if again.Body, err = req.GetBody(); err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
		}
		resp, err = t.next.RoundTrip(again)
	}
	return resp, err
}

// dialFailed reports whether err happened before any bytes were sent.
func dialFailed(err error) bool {
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

// StatusError is a non-2xx answer from DoJSON.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string // first 4 KiB
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// DoJSON sends in as a JSON body (when non-nil) and decodes a 2xx answer
// into out (when non-nil). An empty 2xx body leaves out untouched.
func DoJSON(ctx context.Context, c *http.Client, method, url string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	if resp.StatusCode/100 != 2 {
		return &StatusError{Method: method, URL: url, Code: resp.StatusCode, Body: ReadErrorBody(resp.Body, errorBodyLimit)}
	}
	defer DrainAndClose(resp.Body, 64<<10)

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DrainAndClose discards up to limit bytes and closes rc so the
// connection can be reused.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	_ = rc.Close()
}

// ReadErrorBody returns up to limit bytes of rc for an error message and
// closes it.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1<<10)
	if err != nil {
		return fmt.Sprintf("(unreadable body: %v)", err)
	}
	return string(data)
}

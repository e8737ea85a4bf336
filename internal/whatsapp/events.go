package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Reconnect backoff bounds for the event stream.
const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// EventStream receives WAHA events over its websocket endpoint. It is
// an alternative to the webhook for deployments where WAHA cannot reach
// clima over HTTP.
type EventStream struct {
	url    string
	logger *slog.Logger
	dialer websocket.Dialer
}

// NewEventStream creates a stream for message events of session.
func NewEventStream(baseURL, session, apiKey string, logger *slog.Logger) (*EventStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	q := url.Values{}
	if session == "" {
		session = DefaultSession
	}
	q.Set("session", session)
	q.Add("events", EventMessage)
	if apiKey != "" {
		q.Set("x-api-key", apiKey)
	}
	u.RawQuery = q.Encode()

	return &EventStream{
		url:    u.String(),
		logger: logger.With("component", "waha_events"),
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// Run delivers every message event to handle, each in its own
// goroutine, reconnecting with backoff until ctx is cancelled. It
// returns after all handlers have finished.
func (s *EventStream) Run(ctx context.Context, handle func(context.Context, Event)) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	backoff := minBackoff
	for {
		connected, err := s.session(ctx, &wg, handle)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = minBackoff
		}
		s.logger.Warn("event stream disconnected", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// session runs one connection until it fails. connected reports whether
// the dial succeeded.
func (s *EventStream) session(ctx context.Context, wg *sync.WaitGroup, handle func(context.Context, Event)) (connected bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	s.logger.Info("event stream connected")

	// Unblock ReadJSON when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.logger.Warn("skipping undecodable event", "error", err)
				continue
			}
			return true, err
		}
		if ev.Event != EventMessage {
			s.logger.Debug("ignoring event", "event", ev.Event)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle(ctx, ev)
		}()
	}
}

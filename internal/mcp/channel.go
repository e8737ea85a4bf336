package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultHandshakeTimeout bounds Connect when the caller's context has
// no earlier deadline.
const defaultHandshakeTimeout = 30 * time.Second

// ChannelConfig describes how to reach one tool server.
type ChannelConfig struct {
	// Name identifies the server in logs and in bridged tool names.
	Name string

	// Stdio is the subprocess command line.
	Stdio StdioConfig

	// HandshakeTimeout bounds connect, handshake and discovery.
	HandshakeTimeout time.Duration

	Logger *slog.Logger

	// NewTransport replaces the stdio transport; tests use it to inject
	// in-memory servers.
	NewTransport func(StdioConfig) Transport
}

func (cfg ChannelConfig) logger() *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return slog.Default()
}

// Connect starts the server, performs the handshake and runs discovery.
// On any failure everything it started is torn down before returning.
func Connect(ctx context.Context, cfg ChannelConfig) (*Client, error) {
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdio := cfg.Stdio
	if stdio.Logger == nil {
		stdio.Logger = cfg.logger()
	}

	var tr Transport
	if cfg.NewTransport != nil {
		tr = cfg.NewTransport(stdio)
	} else {
		tr = NewStdioTransport(stdio)
	}

	client := NewClient(cfg.Name, tr, cfg.logger())
	if err := discover(ctx, client); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			cfg.logger().Debug("close after failed connect", "error", closeErr)
		}
		return nil, err
	}
	return client, nil
}

func discover(ctx context.Context, client *Client) error {
	if err := client.Initialize(ctx); err != nil {
		return err
	}
	if _, err := client.ListTools(ctx); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if _, err := client.ListResources(ctx); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	return nil
}

// With connects, runs fn, and closes the connection on every exit
// path, including a panic in fn.
func With(ctx context.Context, cfg ChannelConfig, fn func(*Client) error) (err error) {
	client, err := Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil && err == nil {
			cfg.logger().Debug("close after scoped use", "error", closeErr)
		}
	}()
	return fn(client)
}

// Channel owns the live connection to the tool server and replaces it
// when it breaks. It is safe for concurrent use; the underlying
// transport serializes traffic.
type Channel struct {
	cfg    ChannelConfig
	logger *slog.Logger

	mu         sync.Mutex
	client     *Client
	broken     bool
	closed     bool
	reconnects int
}

// NewChannel creates a channel. Nothing is started until first use.
func NewChannel(cfg ChannelConfig) *Channel {
	return &Channel{
		cfg:    cfg,
		logger: cfg.logger().With("component", "mcp_channel", "mcp_server", cfg.Name),
	}
}

// Name returns the server name.
func (ch *Channel) Name() string {
	return ch.cfg.Name
}

// Client returns the live client, connecting first if there is none or
// the current one was marked broken.
func (ch *Channel) Client(ctx context.Context) (*Client, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return nil, &TransportError{Op: "start", Err: ErrClosed}
	}
	if ch.client != nil && !ch.broken {
		return ch.client, nil
	}
	if err := ch.reconnectLocked(ctx); err != nil {
		return nil, err
	}
	return ch.client, nil
}

// Tools returns the cached tool list of the live connection.
func (ch *Channel) Tools(ctx context.Context) ([]ToolDefinition, error) {
	c, err := ch.Client(ctx)
	if err != nil {
		return nil, err
	}
	return c.ListTools(ctx)
}

// Resources returns the cached resource list of the live connection.
func (ch *Channel) Resources(ctx context.Context) ([]ResourceDefinition, error) {
	c, err := ch.Client(ctx)
	if err != nil {
		return nil, err
	}
	return c.ListResources(ctx)
}

// CallTool invokes a tool on the live connection. A transport failure
// marks the channel broken so the next use reconnects; the failed call
// itself is not retried.
func (ch *Channel) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	c, err := ch.Client(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.CallTool(ctx, name, args)
	if IsTransport(err) {
		ch.markBroken(c, err)
	}
	return res, err
}

// MarkBroken flags the current connection for replacement.
func (ch *Channel) MarkBroken() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.broken = true
}

func (ch *Channel) markBroken(c *Client, cause error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	// A newer connection may already have replaced c.
	if ch.client != c {
		return
	}
	ch.broken = true
	ch.logger.Warn("MCP channel broken", "error", cause)
}

// NeedsReconnect reports whether the next use will reconnect.
func (ch *Channel) NeedsReconnect() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.client == nil || ch.broken
}

// Reconnect closes the current connection, if any, and establishes a
// new one with a fresh handshake and discovery.
func (ch *Channel) Reconnect(ctx context.Context) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return &TransportError{Op: "start", Err: ErrClosed}
	}
	return ch.reconnectLocked(ctx)
}

// ReconnectIfBroken connects when there is no live connection or the
// current one is marked broken, and reports whether it did. Callers
// racing on the same broken channel get a single new connection.
func (ch *Channel) ReconnectIfBroken(ctx context.Context) (bool, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return false, &TransportError{Op: "start", Err: ErrClosed}
	}
	if ch.client != nil && !ch.broken {
		return false, nil
	}
	if err := ch.reconnectLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Reconnects returns how many connections have been established.
func (ch *Channel) Reconnects() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.reconnects
}

func (ch *Channel) reconnectLocked(ctx context.Context) error {
	if ch.client != nil {
		if err := ch.client.Close(); err != nil {
			ch.logger.Debug("close previous MCP connection", "error", err)
		}
		ch.client = nil
	}

	client, err := Connect(ctx, ch.cfg)
	if err != nil {
		ch.broken = true
		ch.logger.Error("MCP connect failed", "error", err)
		return err
	}

	ch.client = client
	ch.broken = false
	ch.reconnects++
	ch.logger.Info("MCP channel connected", "connection", ch.reconnects)
	return nil
}

// Close tears down the connection. The channel cannot be used again.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	if ch.client == nil {
		return nil
	}
	err := ch.client.Close()
	ch.client = nil
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		// The server exiting non-zero on shutdown is not worth surfacing.
		ch.logger.Debug("MCP subprocess exit status", "code", exitErr.ExitCode())
		return nil
	}
	return err
}

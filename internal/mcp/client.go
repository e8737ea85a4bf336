package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/clima/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ResourceDefinition is an MCP resource or resource template as
// returned by resources/list.
type ResourceDefinition struct {
	URI         string `json:"uri,omitempty"`
	URITemplate string `json:"uriTemplate,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type resourcesListResult struct {
	Resources []ResourceDefinition `json:"resources"`
}

type resourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

type readResourceResult struct {
	Contents []resourceContents `json:"contents"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type serverCapabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// ToolResult is the decoded outcome of a successful tools/call. Text
// joins the content blocks; Value holds the parsed JSON payload when
// the server returned structured text, or nil for prose.
type ToolResult struct {
	Text  string
	Value any
}

// Decode unmarshals the result text into v.
func (r *ToolResult) Decode(v any) error {
	return json.Unmarshal([]byte(r.Text), v)
}

// Client speaks the MCP protocol to a single server over a Transport.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu          sync.RWMutex
	initialized bool
	serverName  string
	serverVer   string
	tools       []ToolDefinition
	resources   []ResourceDefinition
}

// NewClient creates an MCP client for the named server.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.name
}

// ServerInfo returns the name and version the server reported during
// the handshake.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

// Initialize performs the handshake: an initialize request followed by
// the notifications/initialized notification. Any failure is returned
// as *HandshakeError.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "clima",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		return &HandshakeError{Server: c.name, Err: err}
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return &HandshakeError{Server: c.name, Err: fmt.Errorf("unmarshal initialize result: %w", err)}
	}
	if result.ProtocolVersion == "" {
		return &HandshakeError{Server: c.name, Err: errors.New("server did not report a protocol version")}
	}

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return &HandshakeError{Server: c.name, Err: fmt.Errorf("send initialized notification: %w", err)}
	}

	c.mu.Lock()
	c.initialized = true
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// ListTools calls tools/list. The result is cached for the lifetime of
// the client; a reconnect is the only way to refresh it.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	if c.tools != nil {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	resp, err := c.send(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}
	if result.Tools == nil {
		result.Tools = []ToolDefinition{}
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// ListResources calls resources/list, cached like ListTools. A server
// without resource support yields an empty list rather than an error.
func (c *Client) ListResources(ctx context.Context) ([]ResourceDefinition, error) {
	c.mu.RLock()
	if c.resources != nil {
		defer c.mu.RUnlock()
		return c.resources, nil
	}
	c.mu.RUnlock()

	var result resourcesListResult
	resp, err := c.send(ctx, "resources/list", nil)
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr) && rpcErr.Code == CodeMethodNotFound:
	case err != nil:
		return nil, fmt.Errorf("resources/list: %w", err)
	default:
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("unmarshal resources/list result: %w", err)
		}
	}
	if result.Resources == nil {
		result.Resources = []ResourceDefinition{}
	}

	c.mu.Lock()
	c.resources = result.Resources
	c.mu.Unlock()

	c.logger.Debug("discovered MCP resources", "count", len(result.Resources))
	return result.Resources, nil
}

// ReadResource calls resources/read and returns the joined text.
func (c *Client) ReadResource(ctx context.Context, uri string) (string, error) {
	resp, err := c.send(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return "", fmt.Errorf("resources/read %s: %w", uri, err)
	}
	var result readResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("unmarshal resources/read result: %w", err)
	}
	parts := make([]string, 0, len(result.Contents))
	for _, rc := range result.Contents {
		parts = append(parts, rc.Text)
	}
	return strings.Join(parts, "\n"), nil
}

// CallTool invokes a tool and blocks until its response arrives or ctx
// ends. Transport failures come back as *TransportError; failures the
// server reports, or payloads that cannot be decoded, come back as
// *ToolInvocationError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.send(ctx, "tools/call", params)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, &ToolInvocationError{Tool: name, Message: "server rejected call", Err: rpcErr}
		}
		return nil, err
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ToolInvocationError{Tool: name, Message: "malformed tools/call result", Err: err}
	}

	text := extractText(result.Content)
	if result.IsError {
		return nil, &ToolInvocationError{Tool: name, Message: text}
	}

	return decodeResult(name, text, result.StructuredContent)
}

// decodeResult parses JSON payloads. Text that does not look like JSON
// is returned as prose with a nil Value; text that starts like JSON but
// does not parse is treated as a broken payload.
func decodeResult(tool, text string, structured json.RawMessage) (*ToolResult, error) {
	res := &ToolResult{Text: text}

	raw := []byte(strings.TrimSpace(text))
	if len(structured) > 0 {
		raw = structured
	}
	if len(raw) == 0 || (raw[0] != '{' && raw[0] != '[') {
		return res, nil
	}

	if err := json.Unmarshal(raw, &res.Value); err != nil {
		return nil, &ToolInvocationError{Tool: tool, Message: "undecodable JSON payload", Err: err}
	}
	return res, nil
}

// Ping checks whether the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	return c.transport.Close()
}

// send issues a request and converts a JSON-RPC error object into an
// *RPCError return.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	resp, err := c.transport.Send(ctx, NewRequest(id, method, params))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

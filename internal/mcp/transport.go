package mcp

import "context"

// Transport carries JSON-RPC messages to one MCP server. The stdio
// implementation frames them as newline-delimited JSON over a child
// process's stdin and stdout.
type Transport interface {
	// Send sends a request and returns the response with the same ID.
	// Failures of the channel itself are reported as *TransportError.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases every resource it
	// holds. For stdio this terminates the subprocess.
	Close() error
}

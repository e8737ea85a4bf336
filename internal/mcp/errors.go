package mcp

import (
	"errors"
	"fmt"
)

// ErrClosed is wrapped by TransportError when a call is made on a
// transport that has been closed or has already failed.
var ErrClosed = errors.New("mcp transport closed")

// HandshakeError reports a failed initialize exchange. The connection
// that produced it is unusable; it is never retried automatically.
type HandshakeError struct {
	Server string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("mcp handshake with %s failed: %v", e.Server, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportError reports a broken channel: a pipe write or read
// failure, subprocess exit, or a call that exceeded its deadline. The
// subprocess has been killed by the time the error is returned. The
// in-flight call is lost; a new connection is required for further
// calls.
type TransportError struct {
	Op  string // write, read, start
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ToolInvocationError reports a tool call that reached the server and
// came back as a failure: the server flagged isError, answered with a
// JSON-RPC error object, or returned a payload that could not be
// decoded. The channel itself is still healthy.
type ToolInvocationError struct {
	Tool    string
	Message string
	Err     error
}

func (e *ToolInvocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Message, e.Err)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// IsTransport reports whether err is, or wraps, a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

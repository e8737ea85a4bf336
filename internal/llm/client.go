// Package llm provides the chat-completion providers the agent talks to.
package llm

import "context"

// Client is the interface every provider implements.
type Client interface {
	// Chat sends one completion request. Instructions travel with every
	// request; providers never hold conversation state.
	Chat(ctx context.Context, req *Request) (*ChatResponse, error)
}

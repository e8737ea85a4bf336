package llm

import (
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Defaults applied when a request leaves a field at its zero value.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
)

// Message represents a chat message for the model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`

	// Name is the tool name on role "tool" messages. Gemini keys
	// function responses by name rather than by call id.
	Name string `json:"name,omitempty"`
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function ToolFunction `json:"function"`
}

// ToolFunction names the tool and carries its decoded arguments.
type ToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Request is one completion call. Tools use the OpenAI function shape
// produced by tools.Registry.List; each provider converts them.
type Request struct {
	Model        string
	Instructions string
	Messages     []Message
	Tools        []map[string]any

	// Temperature of 0 means DefaultTemperature.
	Temperature float64

	// MaxTokens of 0 means DefaultMaxTokens.
	MaxTokens int
}

func (r *Request) temperature() float64 {
	if r.Temperature <= 0 {
		return DefaultTemperature
	}
	return r.Temperature
}

func (r *Request) maxTokens() int {
	if r.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return r.MaxTokens
}

// ChatResponse is the provider-neutral result of a completion.
type ChatResponse struct {
	Model   string
	Message Message

	InputTokens  int
	OutputTokens int
}

// toolFunctions yields name, description and parameters for each
// OpenAI-shaped tool definition, skipping malformed entries.
func toolFunctions(tools []map[string]any, fn func(name, desc string, params any)) {
	for _, tool := range tools {
		f, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := f["name"].(string)
		desc, _ := f["description"].(string)
		params := f["parameters"]
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		fn(name, desc, params)
	}
}

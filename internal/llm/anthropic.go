package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/clima/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a client. An empty url selects the public
// endpoint.
func NewAnthropicClient(apiKey, url string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if url == "" {
		url = anthropicAPIURL
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 2 * time.Minute

	return &AnthropicClient{
		apiKey:     apiKey,
		url:        url,
		logger:     logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t)),
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

// anthropicMessage always carries content blocks. Consecutive turns of
// the same role are merged, which the API requires for parallel tool
// results.
type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Chat sends one Messages request.
func (c *AnthropicClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	msgs, system := toAnthropicMessages(req.Messages)
	if req.Instructions != "" {
		system = strings.TrimSpace(req.Instructions + "\n\n" + system)
	}
	body := anthropicRequest{
		Model:       req.Model,
		System:      system,
		Messages:    msgs,
		Tools:       toAnthropicTools(req.Tools),
		MaxTokens:   req.maxTokens(),
		Temperature: req.temperature(),
	}
	c.logger.Debug("sending messages request",
		"model", req.Model, "messages", len(msgs), "tools", len(body.Tools))

	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicAPIVersion,
	}
	var resp anthropicResponse
	if err := httpkit.DoJSON(ctx, c.httpClient, http.MethodPost, c.url, headers, body, &resp); err != nil {
		return nil, anthropicFailure(err)
	}

	out := fromAnthropicResponse(&resp)
	if resp.StopReason == "max_tokens" {
		c.logger.Warn("reply truncated at max_tokens", "model", out.Model, "max_tokens", body.MaxTokens)
	}
	c.logger.Debug("messages response",
		"model", out.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls))
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Message.Content)
	return out, nil
}

// anthropicFailure replaces the raw JSON error body with the API's
// message when there is one.
func anthropicFailure(err error) error {
	var se *httpkit.StatusError
	if errors.As(err, &se) {
		var ae anthropicError
		if json.Unmarshal([]byte(se.Body), &ae) == nil && ae.Error.Message != "" {
			return fmt.Errorf("anthropic: status %d: %s: %s", se.Code, ae.Error.Type, ae.Error.Message)
		}
	}
	return fmt.Errorf("anthropic: %w", err)
}

// toAnthropicMessages lifts system messages into the system prompt and
// turns tool results into user turns.
func toAnthropicMessages(messages []Message) ([]anthropicMessage, string) {
	var system []string
	var out []anthropicMessage
	add := func(role string, blocks ...anthropicBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})
	}

	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "user":
			if m.Content != "" {
				add("user", anthropicBlock{Type: "text", Text: m.Content})
			}
		case "tool":
			add("user", anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
		case "assistant":
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for i, tc := range m.ToolCalls {
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
				}
				input := tc.Function.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: id, Name: tc.Function.Name, Input: input})
			}
			add("assistant", blocks...)
		}
	}
	return out, strings.Join(system, "\n\n")
}

func toAnthropicTools(tools []map[string]any) []anthropicTool {
	var out []anthropicTool
	toolFunctions(tools, func(name, desc string, params any) {
		out = append(out, anthropicTool{Name: name, Description: desc, InputSchema: params})
	})
	return out
}

func fromAnthropicResponse(resp *anthropicResponse) *ChatResponse {
	out := &ChatResponse{
		Model:        resp.Model,
		Message:      Message{Role: "assistant"},
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	var text strings.Builder
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args := b.Input
			if args == nil {
				args = map[string]any{}
			}
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID:       b.ID,
				Function: ToolFunction{Name: b.Name, Arguments: args},
			})
		}
	}
	out.Message.Content = text.String()
	return out
}

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestToAnthropicMessages(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "Reply in Portuguese."},
		{Role: "user", Content: "Vai chover em Jundiai e Santos?"},
		{
			Role:    "assistant",
			Content: "Vou verificar.",
			ToolCalls: []ToolCall{
				{ID: "toolu_1", Function: ToolFunction{Name: "fetch_weather", Arguments: map[string]any{"city": "Jundiai"}}},
				{ID: "toolu_2", Function: ToolFunction{Name: "fetch_weather", Arguments: map[string]any{"city": "Santos"}}},
			},
		},
		{Role: "tool", Content: `{"main":{"temp":21}}`, ToolCallID: "toolu_1", Name: "fetch_weather"},
		{Role: "tool", Content: `{"main":{"temp":26}}`, ToolCallID: "toolu_2", Name: "fetch_weather"},
	}

	got, system := toAnthropicMessages(messages)
	if system != "Reply in Portuguese." {
		t.Errorf("system = %q", system)
	}
	want := []anthropicMessage{
		{Role: "user", Content: []anthropicBlock{{Type: "text", Text: "Vai chover em Jundiai e Santos?"}}},
		{Role: "assistant", Content: []anthropicBlock{
			{Type: "text", Text: "Vou verificar."},
			{Type: "tool_use", ID: "toolu_1", Name: "fetch_weather", Input: map[string]any{"city": "Jundiai"}},
			{Type: "tool_use", ID: "toolu_2", Name: "fetch_weather", Input: map[string]any{"city": "Santos"}},
		}},
		{Role: "user", Content: []anthropicBlock{
			{Type: "tool_result", ToolUseID: "toolu_1", Content: `{"main":{"temp":21}}`},
			{Type: "tool_result", ToolUseID: "toolu_2", Content: `{"main":{"temp":26}}`},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestToAnthropicMessages_GeneratesMissingToolIDs(t *testing.T) {
	got, _ := toAnthropicMessages([]Message{{
		Role:      "assistant",
		ToolCalls: []ToolCall{{Function: ToolFunction{Name: "fetch_forecast"}}},
	}})
	b := got[0].Content[0]
	if b.ID != "toolu_fetch_forecast_0" {
		t.Errorf("ID = %q", b.ID)
	}
	if b.Input == nil {
		t.Error("nil arguments should be sent as an empty object")
	}
}

func TestFromAnthropicResponse(t *testing.T) {
	resp := &anthropicResponse{
		Model: "claude-sonnet-4",
		Content: []anthropicBlock{
			{Type: "text", Text: "Let me check. "},
			{Type: "tool_use", ID: "toolu_1", Name: "fetch_weather", Input: map[string]any{"city": "Santos"}},
		},
	}
	resp.Usage.InputTokens = 120
	resp.Usage.OutputTokens = 30

	want := &ChatResponse{
		Model: "claude-sonnet-4",
		Message: Message{
			Role:    "assistant",
			Content: "Let me check. ",
			ToolCalls: []ToolCall{{
				ID:       "toolu_1",
				Function: ToolFunction{Name: "fetch_weather", Arguments: map[string]any{"city": "Santos"}},
			}},
		},
		InputTokens:  120,
		OutputTokens: 30,
	}
	if diff := cmp.Diff(want, fromAnthropicResponse(resp)); diff != "" {
		t.Errorf("fromAnthropicResponse mismatch (-want +got):\n%s", diff)
	}
}

func TestAnthropicClient_Chat(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-test" || r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("headers = %v", r.Header)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"claude-sonnet-4","stop_reason":"end_turn","content":[{"type":"text","text":"Sol e 24°C."}],"usage":{"input_tokens":50,"output_tokens":8}}`))
	}))
	defer srv.Close()

	client := NewAnthropicClient("sk-test", srv.URL, nil)
	resp, err := client.Chat(context.Background(), &Request{
		Model:        "claude-sonnet-4",
		Instructions: "You are a weather assistant.",
		Messages:     []Message{{Role: "user", Content: "Tempo em Jundiai?"}},
		Tools: []map[string]any{{
			"type":     "function",
			"function": map[string]any{"name": "fetch_weather", "description": "weather"},
		}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "Sol e 24°C." || resp.OutputTokens != 8 {
		t.Errorf("resp = %+v", resp)
	}
	if got.System != "You are a weather assistant." {
		t.Errorf("system = %q", got.System)
	}
	if got.MaxTokens != DefaultMaxTokens || got.Temperature != DefaultTemperature {
		t.Errorf("defaults not applied: max_tokens=%d temperature=%v", got.MaxTokens, got.Temperature)
	}
	if len(got.Tools) != 1 || got.Tools[0].Name != "fetch_weather" || got.Tools[0].InputSchema == nil {
		t.Errorf("tools = %+v", got.Tools)
	}
}

func TestAnthropicClient_ErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	_, err := NewAnthropicClient("bad", srv.URL, nil).Chat(context.Background(), &Request{
		Model:    "claude-sonnet-4",
		Messages: []Message{{Role: "user", Content: "oi"}},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	want := "anthropic: status 401: authentication_error: invalid x-api-key"
	if err.Error() != want {
		t.Errorf("err = %q, want %q", err, want)
	}
	if strings.Contains(err.Error(), `{"type"`) {
		t.Error("raw JSON leaked into the error")
	}
}

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nugget/clima/internal/tools"
)

// mockChannel returns a channel whose connections all use mt.
func mockChannel(name string, mt *mockTransport) *Channel {
	if _, ok := mt.responses["initialize"]; !ok {
		mt.addInit()
	}
	if _, ok := mt.responses["resources/list"]; !ok {
		mt.addResponse("resources/list", resourcesListResult{})
	}
	return NewChannel(ChannelConfig{
		Name:         name,
		NewTransport: func(StdioConfig) Transport { return mt },
	})
}

func weatherTools() toolsListResult {
	return toolsListResult{Tools: []ToolDefinition{
		{
			Name:        "fetch_weather",
			Description: "Current conditions for a city",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"city": map[string]any{"type": "string"},
				},
				"required": []any{"city"},
			},
		},
		{Name: "fetch_forecast", Description: "Five day forecast", InputSchema: map[string]any{"type": "object"}},
		{Name: "say-hello", Description: "Greeting", InputSchema: map[string]any{"type": "object"}},
	}}
}

func TestToolName(t *testing.T) {
	tests := []struct {
		server string
		tool   string
		want   string
	}{
		{"weather", "fetch_weather", "mcp_weather_fetch_weather"},
		{"My Server", "Do Thing", "mcp_my_server_do_thing"},
		{"a--b", "c--d", "mcp_a_b_c_d"},
		{"special!@#", "chars$%^", "mcp_special_chars"},
	}

	for _, tt := range tests {
		t.Run(tt.server+"/"+tt.tool, func(t *testing.T) {
			if got := ToolName(tt.server, tt.tool); got != tt.want {
				t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"Hello-World", "hello_world"},
		{"a--b", "a_b"},
		{"_leading_", "leading"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := sanitize(tt.input); got != tt.want {
				t.Errorf("sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestBridgeTools_AllTools(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", weatherTools())

	registry := tools.NewRegistry()
	count, err := BridgeTools(context.Background(), mockChannel("weather", mt), registry, nil, nil)
	if err != nil {
		t.Fatalf("BridgeTools: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	for _, name := range []string{"fetch_weather", "fetch_forecast", "say_hello"} {
		tool := registry.Get(name)
		if tool == nil {
			t.Errorf("%s not registered", name)
			continue
		}
		if tool.Source != "weather" {
			t.Errorf("%s.Source = %q, want weather", name, tool.Source)
		}
	}

	props, ok := registry.Get("fetch_weather").Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatal("schema properties not passed through")
	}
	if _, ok := props["city"]; !ok {
		t.Error("missing city in schema properties")
	}
}

func TestBridgeTools_IncludeFilter(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", weatherTools())

	registry := tools.NewRegistry()
	count, err := BridgeTools(context.Background(), mockChannel("weather", mt), registry,
		[]string{"fetch_weather"}, nil)
	if err != nil {
		t.Fatalf("BridgeTools: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if registry.Get("fetch_forecast") != nil {
		t.Error("fetch_forecast should have been filtered out")
	}
}

func TestBridgeTools_NamespacesOnCollision(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", weatherTools())

	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{
		Name:   "fetch_weather",
		Source: "native",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "native", nil
		},
	})

	if _, err := BridgeTools(context.Background(), mockChannel("weather", mt), registry, nil, nil); err != nil {
		t.Fatalf("BridgeTools: %v", err)
	}
	if got := registry.Get("fetch_weather").Source; got != "native" {
		t.Errorf("native tool replaced; Source = %q", got)
	}
	if registry.Get("mcp_weather_fetch_weather") == nil {
		t.Error("colliding tool not registered under namespaced name")
	}
}

func TestBridgeTools_HandlerProxiesCallTool(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", weatherTools())
	mt.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{{Type: "text", Text: `{"name":"Jundiai","main":{"temp":24}}`}},
	})

	registry := tools.NewRegistry()
	if _, err := BridgeTools(context.Background(), mockChannel("weather", mt), registry, nil, nil); err != nil {
		t.Fatalf("BridgeTools: %v", err)
	}

	result, err := registry.Execute(context.Background(), "say_hello", map[string]any{"name": "Ana"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != `{"name":"Jundiai","main":{"temp":24}}` {
		t.Errorf("result = %q", result)
	}

	// The call must carry the server-side name, not the sanitized one.
	mt.mu.Lock()
	defer mt.mu.Unlock()
	var params map[string]any
	for _, req := range mt.sent {
		if req.Method != "tools/call" {
			continue
		}
		data, _ := json.Marshal(req.Params)
		if err := json.Unmarshal(data, &params); err != nil {
			t.Fatal(err)
		}
	}
	if params["name"] != "say-hello" {
		t.Errorf("tools/call name = %v, want say-hello", params["name"])
	}
}

func TestBridgeTools_HandlerSurfacesToolErrors(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", weatherTools())
	mt.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{{Type: "text", Text: "city not found"}},
		IsError: true,
	})

	registry := tools.NewRegistry()
	if _, err := BridgeTools(context.Background(), mockChannel("weather", mt), registry, nil, nil); err != nil {
		t.Fatalf("BridgeTools: %v", err)
	}

	_, err := registry.Execute(context.Background(), "fetch_weather", map[string]any{"city": "Atlantis"})
	var tie *ToolInvocationError
	if !errors.As(err, &tie) {
		t.Fatalf("Execute = %v, want *ToolInvocationError", err)
	}
	if tie.Message != "city not found" {
		t.Errorf("Message = %q", tie.Message)
	}
}

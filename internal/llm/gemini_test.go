package llm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/genai"
)

func TestConvertToGemini(t *testing.T) {
	contents, system := convertToGemini([]Message{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Tempo em Santos?"},
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "fc1", Function: ToolFunction{Name: "fetch_weather", Arguments: map[string]any{"city": "Santos"}}}}},
		{Role: "tool", ToolCallID: "fc1", Name: "fetch_weather", Content: `{"main":{"temp":27}}`},
	})

	if system != "Be brief." {
		t.Errorf("system = %q", system)
	}
	if len(contents) != 3 {
		t.Fatalf("len(contents) = %d, want 3", len(contents))
	}
	if contents[1].Role != genai.RoleModel || contents[1].Parts[0].FunctionCall.Name != "fetch_weather" {
		t.Errorf("model content = %+v", contents[1])
	}
	fr := contents[2].Parts[0].FunctionResponse
	if contents[2].Role != genai.RoleUser || fr == nil || fr.Name != "fetch_weather" || fr.Response["output"] != `{"main":{"temp":27}}` {
		t.Errorf("function response = %+v", fr)
	}
}

func TestConvertToolsToGemini(t *testing.T) {
	tools := convertToolsToGemini([]map[string]any{
		{"type": "function", "function": map[string]any{"name": "web_search", "description": "Search"}},
		{"type": "function"},
	})
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", tools)
	}
	decl := tools[0].FunctionDeclarations[0]
	if decl.Name != "web_search" || decl.ParametersJsonSchema == nil {
		t.Errorf("decl = %+v", decl)
	}
	if convertToolsToGemini(nil) != nil {
		t.Error("no tools should produce nil")
	}
}

func TestConvertFromGemini(t *testing.T) {
	got := convertFromGemini(&genai.Content{
		Role: genai.RoleModel,
		Parts: []*genai.Part{
			{Text: "thinking...", Thought: true},
			{Text: "Vou verificar."},
			{FunctionCall: &genai.FunctionCall{Name: "fetch_forecast", Args: map[string]any{"city": "Itu", "days": float64(2)}}},
		},
	})
	want := Message{
		Role:    "assistant",
		Content: "Vou verificar.",
		ToolCalls: []ToolCall{{
			Function: ToolFunction{Name: "fetch_forecast", Arguments: map[string]any{"city": "Itu", "days": float64(2)}},
		}},
	}
	if diff := cmp.Diff(want, got.Message); diff != "" {
		t.Errorf("convertFromGemini mismatch (-want +got):\n%s", diff)
	}
}

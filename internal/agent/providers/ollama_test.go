package providers

import (
	"encoding/json"
	"testing"

	"github.com/thereseai/therese/internal/agent"
	"github.com/thereseai/therese/internal/models"
)

func TestBuildOllamaMessagesToolCallsAndResults(t *testing.T) {
	req := &agent.CompletionRequest{
		System: "sys",
		Messages: []agent.CompletionMessage{
			{Role: models.RoleUser, Content: "hi"},
			{
				Role: models.RoleAssistant,
				ToolCalls: []models.ToolCall{
					{ID: "call-1", Name: "lookup", Arguments: json.RawMessage(`{"q":"test"}`)},
				},
			},
			{
				Role: models.RoleTool,
				ToolResults: []models.ToolResult{
					{ToolCallID: "call-1", Content: "ok"},
				},
			},
		},
	}

	msgs := buildOllamaMessages(req)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "sys" {
		t.Fatalf("system message mismatch: %+v", msgs[0])
	}
	if msgs[2].Role != "assistant" || len(msgs[2].ToolCalls) != 1 {
		t.Fatalf("assistant tool calls missing: %+v", msgs[2])
	}
	if msgs[2].ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("tool name = %q, want %q", msgs[2].ToolCalls[0].Function.Name, "lookup")
	}
	if string(msgs[2].ToolCalls[0].Function.Arguments) != `{"q":"test"}` {
		t.Errorf("tool args = %s, want %s", string(msgs[2].ToolCalls[0].Function.Arguments), `{"q":"test"}`)
	}
	if msgs[3].Role != "tool" || msgs[3].ToolName != "lookup" || msgs[3].Content != "ok" {
		t.Errorf("tool result message mismatch: %+v", msgs[3])
	}
}

func TestToolCallKeyFallsBackToNameAndArgs(t *testing.T) {
	tc := ollamaToolCall{Function: ollamaToolFunction{Name: "lookup", Arguments: json.RawMessage(`{"q":1}`)}}
	key := toolCallKey(tc)
	if key != `lookup:{"q":1}` {
		t.Errorf("unexpected key: %q", key)
	}
}

func TestToolCallKeyPrefersExplicitID(t *testing.T) {
	tc := ollamaToolCall{ID: "call-9", Function: ollamaToolFunction{Name: "lookup"}}
	if got := toolCallKey(tc); got != "call-9" {
		t.Errorf("expected call-9, got %q", got)
	}
}

func TestNewOllamaProviderDefaultsBaseURL(t *testing.T) {
	p := NewOllamaProvider(OllamaConfig{})
	if p.baseURL != "http://localhost:11434" {
		t.Errorf("unexpected default base url: %q", p.baseURL)
	}
	if p.Name() != "ollama" {
		t.Errorf("expected provider name ollama, got %q", p.Name())
	}
}

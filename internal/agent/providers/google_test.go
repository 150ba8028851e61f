package providers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/thereseai/therese/internal/agent"
	"github.com/thereseai/therese/internal/models"
)

func TestNewGoogleProviderRejectsMissingAPIKey(t *testing.T) {
	_, err := NewGoogleProvider(context.Background(), GoogleConfig{})
	if err == nil {
		t.Fatal("expected error for missing api key")
	}
}

func TestNewGoogleProviderAcceptsValidConfig(t *testing.T) {
	provider, err := NewGoogleProvider(context.Background(), GoogleConfig{
		APIKey:       "test-key",
		DefaultModel: "gemini-2.0-flash",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.defaultModel != "gemini-2.0-flash" {
		t.Errorf("expected default model to be preserved, got %q", provider.defaultModel)
	}
}

func TestConvertMessagesGeminiMapsAssistantToModelRole(t *testing.T) {
	messages := []agent.CompletionMessage{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "hi there"},
	}
	contents := convertMessagesGemini(messages)
	if len(contents) != 2 {
		t.Fatalf("expected 2 contents, got %d", len(contents))
	}
	if contents[0].Role != "user" {
		t.Errorf("expected user role, got %q", contents[0].Role)
	}
	if contents[1].Role != "model" {
		t.Errorf("expected model role for assistant message, got %q", contents[1].Role)
	}
}

func TestConvertMessagesGeminiEncodesToolCallArgs(t *testing.T) {
	args, _ := json.Marshal(map[string]any{"query": "weather"})
	messages := []agent.CompletionMessage{
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "search", Arguments: args},
			},
		},
	}
	contents := convertMessagesGemini(messages)
	if len(contents) != 1 || len(contents[0].Parts) != 1 {
		t.Fatalf("expected one content with one part, got %+v", contents)
	}
	fc := contents[0].Parts[0].FunctionCall
	if fc == nil || fc.Name != "search" {
		t.Fatalf("expected function call part named search, got %+v", fc)
	}
	if fc.Args["query"] != "weather" {
		t.Errorf("expected query arg to round-trip, got %+v", fc.Args)
	}
}

func TestBuildConfigWiresGroundingOnlyWithoutTools(t *testing.T) {
	provider := &GoogleProvider{}
	req := &agent.CompletionRequest{System: "be helpful", MaxTokens: 1024, EnableGrounding: true}
	config := provider.buildConfig(req)
	if config.SystemInstruction == nil {
		t.Error("expected system instruction to be set")
	}
	if config.MaxOutputTokens != 1024 {
		t.Errorf("expected max output tokens 1024, got %d", config.MaxOutputTokens)
	}
	if len(config.Tools) != 1 || config.Tools[0].GoogleSearch == nil {
		t.Errorf("expected grounding tool to be wired when no explicit tools given, got %+v", config.Tools)
	}
}

func TestBuildConfigPrefersExplicitToolsOverGrounding(t *testing.T) {
	provider := &GoogleProvider{}
	req := &agent.CompletionRequest{
		EnableGrounding: true,
		Tools:           []agent.Tool{stubTool{name: "lookup"}},
	}
	config := provider.buildConfig(req)
	if len(config.Tools) != 1 || config.Tools[0].GoogleSearch != nil {
		t.Errorf("expected explicit function tools, not grounding, got %+v", config.Tools)
	}
}

type stubTool struct{ name string }

func (s stubTool) Name() string            { return s.name }
func (s stubTool) Description() string     { return "stub" }
func (s stubTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

package providers

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/thereseai/therese/internal/agent"
	"github.com/thereseai/therese/internal/models"
)

func TestConvertMessagesBedrockSkipsSystemRole(t *testing.T) {
	messages := []agent.CompletionMessage{
		{Role: models.RoleSystem, Content: "be nice"},
		{Role: models.RoleUser, Content: "hi"},
	}
	out := convertMessagesBedrock(messages)
	if len(out) != 1 {
		t.Fatalf("expected system message to be dropped, got %d messages", len(out))
	}
	if out[0].Role != types.ConversationRoleUser {
		t.Errorf("expected user role, got %v", out[0].Role)
	}
}

func TestConvertMessagesBedrockMapsAssistantRoleAndToolUse(t *testing.T) {
	args, _ := json.Marshal(map[string]any{"q": "weather"})
	messages := []agent.CompletionMessage{
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "search", Arguments: args},
			},
		},
	}
	out := convertMessagesBedrock(messages)
	if len(out) != 1 || out[0].Role != types.ConversationRoleAssistant {
		t.Fatalf("expected one assistant message, got %+v", out)
	}
	if len(out[0].Content) != 1 {
		t.Fatalf("expected one content block, got %d", len(out[0].Content))
	}
	if _, ok := out[0].Content[0].(*types.ContentBlockMemberToolUse); !ok {
		t.Errorf("expected a tool-use content block, got %T", out[0].Content[0])
	}
}

func TestConvertMessagesBedrockEncodesToolResults(t *testing.T) {
	messages := []agent.CompletionMessage{
		{
			Role: models.RoleTool,
			ToolResults: []models.ToolResult{
				{ToolCallID: "call-1", Content: "42 degrees"},
			},
		},
	}
	out := convertMessagesBedrock(messages)
	if len(out) != 1 || len(out[0].Content) != 1 {
		t.Fatalf("expected one message with one content block, got %+v", out)
	}
	if _, ok := out[0].Content[0].(*types.ContentBlockMemberToolResult); !ok {
		t.Errorf("expected a tool-result content block, got %T", out[0].Content[0])
	}
}

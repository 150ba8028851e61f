// Package agent defines the provider-facing contract every LLM backend
// implements: stream a completion, continue after tool results come back,
// and report what models/capabilities are available.
package agent

import (
	"context"
	"encoding/json"

	"github.com/thereseai/therese/internal/models"
)

// LLMProvider is the unified streaming interface every backend (Anthropic,
// an OpenAI-compatible endpoint, Gemini, Ollama) presents to the facade.
//
// Implementations must be safe for concurrent use: the board engine calls
// Stream on the same provider from multiple goroutines at once.
type LLMProvider interface {
	// Stream sends a request and returns a channel of StreamEvents. The
	// channel is closed after an EventStop or EventError is delivered.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *models.StreamEvent, error)

	// ContinueWithToolResults resumes a turn after tool execution, feeding
	// the results back in and returning a fresh event channel. Providers
	// without native tool-calling treat this as a no-op that immediately
	// closes the channel after an EventStop.
	ContinueWithToolResults(ctx context.Context, req *CompletionRequest, results []models.ToolResult) (<-chan *models.StreamEvent, error)

	// Name returns the provider's registry tag, e.g. "anthropic".
	Name() string

	// Models lists the models this provider exposes.
	Models() []Model

	// SupportsTools reports whether this provider can be given Tools at all.
	SupportsTools() bool
}

// CompletionRequest carries everything a provider needs for one turn.
type CompletionRequest struct {
	Model                string               `json:"model"`
	System               string               `json:"system,omitempty"`
	Messages             []CompletionMessage  `json:"messages"`
	Tools                []Tool               `json:"tools,omitempty"`
	MaxTokens            int                  `json:"max_tokens,omitempty"`
	EnableThinking       bool                 `json:"enable_thinking,omitempty"`
	ThinkingBudgetTokens int                  `json:"thinking_budget_tokens,omitempty"`
	EnableGrounding      bool                 `json:"enable_grounding,omitempty"` // Gemini web-grounding flag, see DESIGN.md
}

// CompletionMessage is one turn translated into the provider-agnostic shape.
type CompletionMessage struct {
	Role        models.Role        `json:"role"`
	Content     string             `json:"content,omitempty"`
	ToolCalls   []models.ToolCall  `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// Model describes one model a provider exposes.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool is the facade's view of an executable tool: enough to build a
// provider-native tool schema. The MCP supervisor is the usual source of
// Tool implementations (one per MCPTool), but it is not the only one.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
}

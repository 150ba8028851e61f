// Package models holds the data types shared across the therese core:
// messages, tool calls, context windows, streaming events, and the
// configuration records for providers, MCP servers, and the advisor board.
package models

import "time"

// Role identifies who authored a Message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a conversation, native to no single provider wire
// format; provider adapters translate it on the way in and out.
type Message struct {
	ID          string       `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ToolCall is a single invocation an assistant turn requested.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments []byte `json:"arguments"` // raw JSON object
}

// ToolResult is the outcome of executing a ToolCall, fed back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ContextWindow is the trimmed, token-budgeted slice of a conversation that
// is actually sent to a provider on a given turn.
type ContextWindow struct {
	System       string    `json:"system"`
	Messages     []Message `json:"messages"`
	EstTokens    int       `json:"est_tokens"`
	Truncated    bool      `json:"truncated"`
	DroppedCount int       `json:"dropped_count"`
}

// StreamEventType enumerates the kinds of StreamEvent a provider adapter
// and the board engine emit while a completion is in flight.
type StreamEventType string

const (
	EventText         StreamEventType = "text"
	EventToolCall     StreamEventType = "tool_call"
	EventThinking     StreamEventType = "thinking"
	EventStop         StreamEventType = "stop"
	EventError        StreamEventType = "error"
	EventWebSearchStart StreamEventType = "web_search_start"
	EventWebSearchDone  StreamEventType = "web_search_done"
)

// StopReason records why a stream ended.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopContentFilter StopReason = "content_filter"
	StopError        StopReason = "error"
)

// StreamEvent is the unit emitted on the channel returned by a provider's
// stream operation.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	Content    string          `json:"content,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	StopReason StopReason      `json:"stop_reason,omitempty"`
	Err        error           `json:"-"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
}

// LLMConfig names one configured provider/model pair available to the
// facade. APIKeyRef points at an entry in the encrypted preferences store
// rather than holding the secret itself.
type LLMConfig struct {
	ID           string `json:"id"`
	Provider     string `json:"provider"` // anthropic | anthropic-bedrock | openai | gemini | mistral | grok | ollama
	Model        string `json:"model"`
	BaseURL      string `json:"base_url,omitempty"`
	APIKeyRef    string `json:"api_key_ref,omitempty"`
	Default      bool   `json:"default"`
	SupportsTools bool  `json:"supports_tools"`
}

// MCPServerState is the supervisor lifecycle state of a configured server.
type MCPServerState string

const (
	MCPStopped  MCPServerState = "stopped"
	MCPStarting MCPServerState = "starting"
	MCPRunning  MCPServerState = "running"
	MCPError    MCPServerState = "error"
	MCPCrashed  MCPServerState = "crashed"
)

// MCPServer is a configured tool-server record owned by the supervisor.
type MCPServer struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Env       map[string]string `json:"env,omitempty"`
	WorkDir   string            `json:"work_dir,omitempty"`
	AutoStart bool              `json:"auto_start"`
	State     MCPServerState    `json:"state"`
	LastError string            `json:"last_error,omitempty"`
	PID       int               `json:"pid,omitempty"`
}

// MCPTool is a tool advertised by a connected MCP server, namespaced by
// server ID so the facade can route calls back to the right process.
type MCPTool struct {
	ServerID    string          `json:"server_id"`
	Name        string          `json:"name"` // bare name as the server knows it
	Description string          `json:"description"`
	InputSchema []byte          `json:"input_schema"` // raw JSON schema
}

// QualifiedName returns the "<server>__<tool>" name exposed to the LLM.
func (t MCPTool) QualifiedName() string {
	return t.ServerID + "__" + t.Name
}

// AdvisorRole is one of the five fixed board seats.
type AdvisorRole string

const (
	AdvisorStrategist  AdvisorRole = "strategist"
	AdvisorFinance     AdvisorRole = "finance"
	AdvisorOperations  AdvisorRole = "operations"
	AdvisorMarketing   AdvisorRole = "marketing"
	AdvisorRiskCounsel AdvisorRole = "risk_counsel"
)

// Advisor is a seat on the board: a role, display identity, a system
// prompt, and a preferred provider so the five opinions are not all
// generated by the same model.
type Advisor struct {
	Role              AdvisorRole `json:"role"`
	Name              string      `json:"name"`
	Emoji             string      `json:"emoji"`
	SystemPrompt      string      `json:"system_prompt"`
	PreferredProvider string      `json:"preferred_provider"`
}

// AdvisorOpinion is one advisor's complete, streamed response.
type AdvisorOpinion struct {
	Role       AdvisorRole `json:"role"`
	Name       string      `json:"name"`
	Emoji      string      `json:"emoji"`
	Provider   string      `json:"provider"`
	Content    string      `json:"content"`
	StopReason StopReason  `json:"stop_reason"`
	Err        string      `json:"error,omitempty"`
}

// ConfidenceLevel is the synthesis model's self-reported confidence in its
// recommendation.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// BoardSynthesis is the structured summary produced after all advisors
// finish, parsed from the synthesis model's JSON response.
type BoardSynthesis struct {
	ConsensusPoints  []string        `json:"consensus_points"`
	DivergencePoints []string        `json:"divergence_points"`
	Recommendation   string          `json:"recommendation"`
	Confidence       ConfidenceLevel `json:"confidence"`
	NextSteps        []string        `json:"next_steps"`
	RawFallback      bool            `json:"raw_fallback,omitempty"` // true when JSON parse failed and Recommendation holds raw text
}

// BoardDecision is the persisted record of one deliberation. Recommendation
// and Confidence duplicate fields already present in Synthesis, as
// indexable columns for list views that shouldn't need to decode the full
// synthesis blob.
type BoardDecision struct {
	ID             string           `json:"id"`
	Question       string           `json:"question"`
	Context        string           `json:"context,omitempty"`
	Opinions       []AdvisorOpinion `json:"opinions"`
	Synthesis      BoardSynthesis   `json:"synthesis"`
	Recommendation string           `json:"recommendation"`
	Confidence     ConfidenceLevel  `json:"confidence"`
	CreatedAt      time.Time        `json:"created_at"`
}

// SessionToken is an issued bearer credential for the HTTP API.
type SessionToken struct {
	Token     string    `json:"-"` // never serialized back out except at issuance
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EncryptionKey wraps the raw AEAD key material plus where it came from,
// for diagnostics (never logged or serialized with the key bytes present).
type EncryptionKeySource string

const (
	KeySourceKeychain EncryptionKeySource = "keychain"
	KeySourceFile     EncryptionKeySource = "file"
)

// Conversation anchors a sequence of Messages; created implicitly on the
// first chat send against a given conversation ID.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditLogEntry is one row of the security-relevant action log: MCP server
// lifecycle changes, tool executions, auth failures, board decision deletes.
type AuditLogEntry struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenUsage is persisted once per completed stream.
type TokenUsage struct {
	ConversationID string    `json:"conversation_id"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	CreatedAt      time.Time `json:"created_at"`
}

package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/thereseai/therese/internal/agent"
	"github.com/thereseai/therese/internal/agent/toolconv"
	"github.com/thereseai/therese/internal/models"
)

// OpenAIConfig configures an OpenAIProvider. The same struct, with a
// different Name/BaseURL, also backs Mistral, Grok, Groq, and OpenRouter:
// they all speak the OpenAI chat-completions wire format.
type OpenAIConfig struct {
	Name         string // registry tag: "openai", "mistral", "grok", ...
	APIKey       string
	BaseURL      string
	DefaultModel string
	Models       []agent.Model
	MaxRetries   int
}

// OpenAIProvider adapts the OpenAI chat-completions SSE protocol (and any
// OpenAI-compatible endpoint) to the agent.LLMProvider contract.
type OpenAIProvider struct {
	BaseProvider
	client       *openai.Client
	defaultModel string
	models       []agent.Model
}

// NewOpenAIProvider builds a provider for cfg.Name pointed at cfg.BaseURL
// (the public OpenAI API when empty).
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("providers: %s api key is required", cfg.Name)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider(cfg.Name, cfg.MaxRetries, 500*time.Millisecond),
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		models:       cfg.Models,
	}, nil
}

func (p *OpenAIProvider) Models() []agent.Model { return p.models }
func (p *OpenAIProvider) SupportsTools() bool    { return true }

func (p *OpenAIProvider) model(req *agent.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

// usesMaxCompletionTokens reports whether model requires the newer
// max_completion_tokens field instead of max_tokens.
func usesMaxCompletionTokens(model string) bool {
	for _, prefix := range []string{"gpt-5", "o1", "o3", "o4"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func (p *OpenAIProvider) buildRequest(req *agent.CompletionRequest) openai.ChatCompletionRequest {
	model := p.model(req)
	messages := convertMessagesOpenAI(req.System, req.Messages)

	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		if usesMaxCompletionTokens(model) {
			out.MaxCompletionTokens = req.MaxTokens
		} else {
			out.MaxTokens = req.MaxTokens
		}
	}
	if len(req.Tools) > 0 {
		out.Tools = toolconv.ToOpenAITools(req.Tools)
	}
	return out
}

func (p *OpenAIProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *models.StreamEvent, error) {
	request := p.buildRequest(req)

	out := make(chan *models.StreamEvent, 16)
	var stream *openai.ChatCompletionStream
	err := p.Retry(ctx, func() error {
		s, err := p.client.CreateChatCompletionStream(ctx, request)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		close(out)
		return out, err
	}

	go func() {
		defer close(out)
		defer stream.Close()
		processOpenAIStream(stream, out, p.Name())
	}()
	return out, nil
}

// ContinueWithToolResults appends the tool results as tool-role messages
// and streams the next turn.
func (p *OpenAIProvider) ContinueWithToolResults(ctx context.Context, req *agent.CompletionRequest, results []models.ToolResult) (<-chan *models.StreamEvent, error) {
	req.Messages = append(req.Messages, agent.CompletionMessage{Role: models.RoleTool, ToolResults: results})
	return p.Stream(ctx, req)
}

func convertMessagesOpenAI(system string, messages []agent.CompletionMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range messages {
		switch {
		case len(msg.ToolResults) > 0:
			for _, tr := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case len(msg.ToolCalls) > 0:
			calls := make([]openai.ToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				calls = append(calls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessage{Role: openAIRole(msg.Role), ToolCalls: calls})
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openAIRole(msg.Role), Content: msg.Content})
		}
	}
	return out
}

func openAIRole(role models.Role) string {
	switch role {
	case models.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case models.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

func processOpenAIStream(stream *openai.ChatCompletionStream, out chan<- *models.StreamEvent, providerName string) {
	type pendingCall struct {
		id, name string
		args     strings.Builder
	}
	var toolCalls []*pendingCall

	flushToolCalls := func() {
		for _, c := range toolCalls {
			out <- &models.StreamEvent{
				Type: models.EventToolCall,
				ToolCall: &models.ToolCall{
					ID:        c.id,
					Name:      c.name,
					Arguments: []byte(c.args.String()),
				},
			}
		}
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flushToolCalls()
			out <- &models.StreamEvent{Type: models.EventStop, StopReason: models.StopEndTurn}
			return
		}
		if err != nil {
			out <- errorEvent(providerName, err)
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			out <- &models.StreamEvent{Type: models.EventText, Content: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, &pendingCall{})
			}
			cur := toolCalls[idx]
			if tc.ID != "" {
				cur.id = tc.ID
			}
			if tc.Function.Name != "" {
				cur.name = tc.Function.Name
			}
			cur.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushToolCalls()
			toolCalls = nil
			out <- &models.StreamEvent{Type: models.EventStop, StopReason: models.StopToolUse}
			return
		}
		if choice.FinishReason == openai.FinishReasonLength {
			flushToolCalls()
			out <- &models.StreamEvent{Type: models.EventStop, StopReason: models.StopMaxTokens}
			return
		}
	}
}

package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/thereseai/therese/internal/agent"
	"github.com/thereseai/therese/internal/models"
	"github.com/thereseai/therese/internal/therror"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string // override for the anthropic-bedrock enterprise route's proxy, if any
	DefaultModel string
	Models       []agent.Model
	MaxRetries   int
}

// AnthropicProvider adapts Anthropic's Messages API streaming protocol to
// the agent.LLMProvider contract.
type AnthropicProvider struct {
	BaseProvider
	client       anthropic.Client
	defaultModel string
	models       []agent.Model
}

// NewAnthropicProvider builds a provider bound to cfg.APIKey.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("providers: anthropic api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", cfg.MaxRetries, 500*time.Millisecond),
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		models:       cfg.Models,
	}, nil
}

func (p *AnthropicProvider) Models() []agent.Model { return p.models }
func (p *AnthropicProvider) SupportsTools() bool    { return true }

func (p *AnthropicProvider) model(req *agent.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertMessagesAnthropic(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req)),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertToolsAnthropic(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget <= 0 {
			budget = 2048
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *models.StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan *models.StreamEvent, 16)
	go func() {
		defer close(out)
		stream := p.client.Messages.NewStreaming(ctx, params)
		processAnthropicStream(stream, out)
	}()
	return out, nil
}

// ContinueWithToolResults appends the tool results as a fresh user turn
// (one ToolResult content block per result) and streams the next turn.
func (p *AnthropicProvider) ContinueWithToolResults(ctx context.Context, req *agent.CompletionRequest, results []models.ToolResult) (<-chan *models.StreamEvent, error) {
	req.Messages = append(req.Messages, agent.CompletionMessage{
		Role:        models.RoleTool,
		ToolResults: results,
	})
	return p.Stream(ctx, req)
}

func convertMessagesAnthropic(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return nil, fmt.Errorf("providers: anthropic tool call arguments: %w", err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertToolsAnthropic(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("providers: anthropic tool schema for %q: %w", tool.Name(), err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		toolParam.OfTool.Description = anthropic.String(tool.Description())
		result = append(result, toolParam)
	}
	return result, nil
}

func processAnthropicStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- *models.StreamEvent) {
	var currentToolCall *models.ToolCall
	var currentToolInput []byte
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: tu.ID, Name: tu.Name}
				currentToolInput = nil
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- &models.StreamEvent{Type: models.EventText, Content: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- &models.StreamEvent{Type: models.EventThinking, Content: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput = append(currentToolInput, delta.PartialJSON...)
				}
			}
		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Arguments = currentToolInput
				out <- &models.StreamEvent{Type: models.EventToolCall, ToolCall: currentToolCall}
				currentToolCall = nil
			}
		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
		case "message_stop":
			out <- &models.StreamEvent{
				Type:         models.EventStop,
				StopReason:   models.StopEndTurn,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return
		}
	}
	if err := stream.Err(); err != nil {
		out <- errorEvent("anthropic", err)
	}
}

func errorEvent(provider string, err error) *models.StreamEvent {
	code := therror.Classify(err)
	return &models.StreamEvent{
		Type:       models.EventError,
		StopReason: models.StopError,
		Err:        therror.New(code, fmt.Sprintf("%s: %v", provider, err), err),
	}
}

package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"google.golang.org/genai"

	"github.com/thereseai/therese/internal/agent"
	"github.com/thereseai/therese/internal/agent/toolconv"
	"github.com/thereseai/therese/internal/models"
)

// GoogleConfig configures a GoogleProvider.
type GoogleConfig struct {
	APIKey          string
	DefaultModel    string
	Models          []agent.Model
	MaxRetries      int
	EnableGrounding bool // wires req.EnableGrounding to genai's GoogleSearch tool; see DESIGN.md
}

// GoogleProvider adapts the Gemini GenerateContentStream iterator protocol
// to the agent.LLMProvider contract.
type GoogleProvider struct {
	BaseProvider
	client       *genai.Client
	defaultModel string
	models       []agent.Model
}

// NewGoogleProvider builds a provider bound to cfg.APIKey against the
// Gemini API backend (not Vertex).
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("providers: google api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("providers: google client: %w", err)
	}
	return &GoogleProvider{
		BaseProvider: NewBaseProvider("google", cfg.MaxRetries, 500*time.Millisecond),
		client:       client,
		defaultModel: cfg.DefaultModel,
		models:       cfg.Models,
	}, nil
}

func (p *GoogleProvider) Models() []agent.Model { return p.models }
func (p *GoogleProvider) SupportsTools() bool    { return true }

func (p *GoogleProvider) model(req *agent.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func convertMessagesGemini(messages []agent.CompletionMessage) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		content := &genai.Content{Role: "user"}
		if msg.Role == models.RoleAssistant {
			content.Role = "model"
		}
		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal(tc.Arguments, &args)
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}
		for _, tr := range msg.ToolResults {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     tr.ToolCallID,
					Response: map[string]any{"content": tr.Content, "is_error": tr.IsError},
				},
			})
		}
		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

func (p *GoogleProvider) buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	} else if req.EnableGrounding {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return config
}

func (p *GoogleProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *models.StreamEvent, error) {
	model := p.model(req)
	contents := convertMessagesGemini(req.Messages)
	config := p.buildConfig(req)

	out := make(chan *models.StreamEvent, 16)
	go func() {
		defer close(out)
		err := p.Retry(ctx, func() error {
			return consumeGeminiStream(ctx, p.client.Models.GenerateContentStream(ctx, model, contents, config), out)
		})
		if err != nil {
			out <- errorEvent(p.Name(), err)
		}
	}()
	return out, nil
}

func consumeGeminiStream(ctx context.Context, stream iter.Seq2[*genai.GenerateContentResponse, error], out chan<- *models.StreamEvent) error {
	var inputTokens, outputTokens int

	for resp, err := range stream {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			inputTokens = int(resp.UsageMetadata.PromptTokenCount)
			outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					out <- &models.StreamEvent{Type: models.EventText, Content: part.Text}
				}
				if part.FunctionCall != nil {
					args, _ := json.Marshal(part.FunctionCall.Args)
					out <- &models.StreamEvent{
						Type: models.EventToolCall,
						ToolCall: &models.ToolCall{
							ID:        part.FunctionCall.Name,
							Name:      part.FunctionCall.Name,
							Arguments: args,
						},
					}
				}
			}
		}
	}

	out <- &models.StreamEvent{Type: models.EventStop, StopReason: models.StopEndTurn, InputTokens: inputTokens, OutputTokens: outputTokens}
	return nil
}

// ContinueWithToolResults appends the tool results as a function-response
// turn and streams the next turn.
func (p *GoogleProvider) ContinueWithToolResults(ctx context.Context, req *agent.CompletionRequest, results []models.ToolResult) (<-chan *models.StreamEvent, error) {
	req.Messages = append(req.Messages, agent.CompletionMessage{Role: models.RoleTool, ToolResults: results})
	return p.Stream(ctx, req)
}

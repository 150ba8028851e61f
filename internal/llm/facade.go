// Package llm provides the single entry point the rest of therese uses to
// talk to an LLM: it resolves which configured provider is active, keeps a
// process-memory cache of decrypted API keys, composes the system prompt,
// and trims conversation history to the active model's token budget before
// handing a request to the provider adapter.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/thereseai/therese/internal/agent"
	therecontext "github.com/thereseai/therese/internal/context"
	"github.com/thereseai/therese/internal/models"
	"github.com/thereseai/therese/internal/preferences"
)

// ollamaProviderName is exempt from the "usable API key" check: it talks to
// a local daemon, not a keyed remote API.
const ollamaProviderName = "ollama"

// DefaultProviderOrder is the fallback search order used when no
// llm_provider preference is set, or the preferred provider has no usable
// key: the first registered provider in this list with a usable key wins.
var DefaultProviderOrder = []string{"anthropic", "openai", "gemini", "bedrock", "mistral", "grok", ollamaProviderName}

// BaseSystemPrompt is the static persona prefix every composed system
// prompt starts from.
const BaseSystemPrompt = `You are Therese, a local-first personal assistant. You run entirely on the user's own machine: their conversations, memories, and credentials never leave it except to the LLM provider they've chosen. Be direct, useful, and honest about the limits of what you know.`

// ProviderFactory builds a provider instance bound to a decrypted API key.
// Ollama's factory receives an empty apiKey and ignores it.
type ProviderFactory func(ctx context.Context, apiKey string) (agent.LLMProvider, error)

// Facade is the unified LLM access point. It is safe for concurrent use.
type Facade struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
	instances map[string]agent.LLMProvider
	keyCache  map[string]string
	order     []string
	prefs     *preferences.Store
}

// New builds a Facade backed by prefs for persisted selection/credentials,
// with one factory per registered provider tag.
func New(prefs *preferences.Store, factories map[string]ProviderFactory) *Facade {
	return &Facade{
		factories: factories,
		instances: make(map[string]agent.LLMProvider),
		keyCache:  make(map[string]string),
		order:     DefaultProviderOrder,
		prefs:     prefs,
	}
}

// InvalidateAPIKeyCache drops the cached decrypted key and any already-built
// instance for provider, forcing the next request to reload from
// preferences and rebuild the provider with the fresh credential.
func (f *Facade) InvalidateAPIKeyCache(provider string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keyCache, provider)
	delete(f.instances, provider)
}

// IsAvailable reports whether provider is registered with this facade and
// currently has a usable credential (Ollama is always considered available:
// it talks to a local daemon, not a keyed remote API). Callers that must
// pre-resolve a provider without actually building it — the board engine
// validating its five preferred providers up front — use this instead of
// triggering a build via providerInstance.
func (f *Facade) IsAvailable(provider string) bool {
	f.mu.RLock()
	_, registered := f.factories[provider]
	f.mu.RUnlock()
	if !registered {
		return false
	}
	return f.hasUsableKey(provider)
}

// InvalidateAllAPIKeys clears the entire key and instance cache.
func (f *Facade) InvalidateAllAPIKeys() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyCache = make(map[string]string)
	f.instances = make(map[string]agent.LLMProvider)
}

func (f *Facade) apiKey(provider string) (string, bool, error) {
	f.mu.RLock()
	if key, ok := f.keyCache[provider]; ok {
		f.mu.RUnlock()
		return key, true, nil
	}
	f.mu.RUnlock()

	key, ok, err := f.prefs.APIKey(provider)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}

	f.mu.Lock()
	f.keyCache[provider] = key
	f.mu.Unlock()
	return key, true, nil
}

func (f *Facade) hasUsableKey(provider string) bool {
	if provider == ollamaProviderName {
		return true
	}
	_, ok, err := f.apiKey(provider)
	return err == nil && ok
}

// resolveProviderName picks the active provider tag: the persisted
// preference if it is registered and usable, else the first registered,
// usable provider in DefaultProviderOrder.
func (f *Facade) resolveProviderName() (string, error) {
	if pref, _ := f.prefs.LLMSelection(); pref != "" {
		if _, registered := f.factories[pref]; registered && f.hasUsableKey(pref) {
			return pref, nil
		}
	}
	for _, name := range f.order {
		if _, registered := f.factories[name]; registered && f.hasUsableKey(name) {
			return name, nil
		}
	}
	return "", errors.New("llm: no provider has a usable api key")
}

func (f *Facade) providerInstance(ctx context.Context, name string) (agent.LLMProvider, error) {
	f.mu.RLock()
	if p, ok := f.instances[name]; ok {
		f.mu.RUnlock()
		return p, nil
	}
	f.mu.RUnlock()

	factory, ok := f.factories[name]
	if !ok {
		return nil, fmt.Errorf("llm: no factory registered for provider %q", name)
	}

	var apiKey string
	if name != ollamaProviderName {
		key, ok, err := f.apiKey(name)
		if err != nil {
			return nil, fmt.Errorf("llm: load api key for %s: %w", name, err)
		}
		if !ok {
			return nil, fmt.Errorf("llm: no api key configured for %s", name)
		}
		apiKey = key
	}

	provider, err := factory(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("llm: build provider %s: %w", name, err)
	}

	f.mu.Lock()
	f.instances[name] = provider
	f.mu.Unlock()
	return provider, nil
}

// ActiveProvider resolves and returns the provider currently in effect,
// plus the model ID to use with it (the persisted preference, or the
// provider's first listed model if none is set).
func (f *Facade) ActiveProvider(ctx context.Context) (agent.LLMProvider, string, error) {
	name, err := f.resolveProviderName()
	if err != nil {
		return nil, "", err
	}
	provider, err := f.providerInstance(ctx, name)
	if err != nil {
		return nil, "", err
	}

	_, model := f.prefs.LLMSelection()
	if model == "" {
		if available := provider.Models(); len(available) > 0 {
			model = available[0].ID
		}
	}
	return provider, model, nil
}

// PromptSections carries the optional pieces ComposeSystemPrompt and
// Request layer on top of BaseSystemPrompt.
type PromptSections struct {
	Identity        string
	LongformContext string
	MemorySection   string
}

// ComposeSystemPrompt builds the final system prompt: base persona +
// identity + long-form context (capped at 10,000 characters, truncated with
// a marker) + memory section. It reuses context.PrepareContext's
// composition/truncation logic directly rather than duplicating it.
func ComposeSystemPrompt(base string, sections PromptSections) string {
	window := therecontext.PrepareContext(base, nil, therecontext.DefaultContextWindow, therecontext.PrepareOptions{
		Identity:        sections.Identity,
		LongformContext: sections.LongformContext,
		MemorySection:   sections.MemorySection,
	})
	return window.System
}

// Request carries one turn's worth of work for Stream/ContinueWithToolResults.
type Request struct {
	History         []models.Message
	Tools           []agent.Tool
	MaxTokens       int
	EnableGrounding bool
	EnableThinking  bool
	PromptSections  PromptSections

	// ProviderOverride and ModelOverride bypass preference resolution when
	// the caller (e.g. the board engine, which pins a distinct provider per
	// advisor) already knows which provider/model to use.
	ProviderOverride string
	ModelOverride    string

	// SystemPromptOverride replaces BaseSystemPrompt as the composed
	// window's base text when set, so a caller with its own persona (e.g.
	// one advisor's role prompt) doesn't inherit Therese's own.
	SystemPromptOverride string
}

// resolve picks the provider/model for req, honoring any override.
func (f *Facade) resolve(ctx context.Context, req Request) (agent.LLMProvider, string, error) {
	if req.ProviderOverride != "" {
		provider, err := f.providerInstance(ctx, req.ProviderOverride)
		if err != nil {
			return nil, "", err
		}
		model := req.ModelOverride
		if model == "" {
			if available := provider.Models(); len(available) > 0 {
				model = available[0].ID
			}
		}
		return provider, model, nil
	}
	return f.ActiveProvider(ctx)
}

// Stream resolves the active provider, composes the system prompt, trims
// req.History to the model's context budget, and streams the completion.
func (f *Facade) Stream(ctx context.Context, req Request) (<-chan *models.StreamEvent, error) {
	provider, model, err := f.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	window := f.buildWindow(model, req)
	completion := &agent.CompletionRequest{
		Model:           model,
		System:          window.System,
		Messages:        toCompletionMessages(window.Messages),
		Tools:           req.Tools,
		MaxTokens:       req.MaxTokens,
		EnableGrounding: req.EnableGrounding,
		EnableThinking:  req.EnableThinking,
	}
	return provider.Stream(ctx, completion)
}

// ContinueWithToolResults resumes a turn after tool execution. req.History
// should already include the assistant's tool-call turn; results are
// appended as the next tool-result turn before restreaming.
func (f *Facade) ContinueWithToolResults(ctx context.Context, req Request, results []models.ToolResult) (<-chan *models.StreamEvent, error) {
	provider, model, err := f.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	window := f.buildWindow(model, req)
	completion := &agent.CompletionRequest{
		Model:           model,
		System:          window.System,
		Messages:        toCompletionMessages(window.Messages),
		Tools:           req.Tools,
		MaxTokens:       req.MaxTokens,
		EnableGrounding: req.EnableGrounding,
		EnableThinking:  req.EnableThinking,
	}
	return provider.ContinueWithToolResults(ctx, completion, results)
}

func (f *Facade) buildWindow(model string, req Request) models.ContextWindow {
	budget, ok := therecontext.GetModelContextWindow(model)
	if !ok {
		budget = therecontext.DefaultContextWindow
	}
	base := BaseSystemPrompt
	if req.SystemPromptOverride != "" {
		base = req.SystemPromptOverride
	}
	return therecontext.PrepareContext(base, req.History, budget, therecontext.PrepareOptions{
		Identity:        req.PromptSections.Identity,
		LongformContext: req.PromptSections.LongformContext,
		MemorySection:   req.PromptSections.MemorySection,
	})
}

// GenerateContent is the non-streaming convenience call: it fully consumes
// Stream's event channel and concatenates text events. It fails if the
// stream produces no text and at least one error event.
func (f *Facade) GenerateContent(ctx context.Context, prompt string, req Request) (string, error) {
	turn := req
	turn.History = append(append([]models.Message(nil), req.History...), models.Message{
		Role:    models.RoleUser,
		Content: prompt,
	})

	events, err := f.Stream(ctx, turn)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	var streamErr error
	for ev := range events {
		switch ev.Type {
		case models.EventText:
			text.WriteString(ev.Content)
		case models.EventError:
			streamErr = fmt.Errorf("llm: %w", ev.Err)
		}
	}
	if text.Len() == 0 && streamErr != nil {
		return "", streamErr
	}
	return text.String(), nil
}

func toCompletionMessages(messages []models.Message) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = agent.CompletionMessage{
			Role:        m.Role,
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		}
	}
	return out
}

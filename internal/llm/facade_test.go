package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/thereseai/therese/internal/agent"
	"github.com/thereseai/therese/internal/models"
	"github.com/thereseai/therese/internal/preferences"
	"github.com/thereseai/therese/internal/security"
)

type fakeProvider struct {
	name   string
	models []agent.Model
	events []*models.StreamEvent
}

func (f *fakeProvider) Name() string          { return f.name }
func (f *fakeProvider) Models() []agent.Model { return f.models }
func (f *fakeProvider) SupportsTools() bool   { return true }

func (f *fakeProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *models.StreamEvent, error) {
	out := make(chan *models.StreamEvent, len(f.events))
	for _, ev := range f.events {
		out <- ev
	}
	close(out)
	return out, nil
}

func (f *fakeProvider) ContinueWithToolResults(ctx context.Context, req *agent.CompletionRequest, results []models.ToolResult) (<-chan *models.StreamEvent, error) {
	return f.Stream(ctx, req)
}

func newTestFacade(t *testing.T) (*Facade, *preferences.Store) {
	t.Helper()
	dir := t.TempDir()
	enc, err := security.NewEncryptor(dir)
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	prefs, err := preferences.Load(dir, enc)
	if err != nil {
		t.Fatalf("load preferences: %v", err)
	}

	factories := map[string]ProviderFactory{
		"anthropic": func(ctx context.Context, apiKey string) (agent.LLMProvider, error) {
			return &fakeProvider{
				name:   "anthropic",
				models: []agent.Model{{ID: "claude-3-opus"}},
				events: []*models.StreamEvent{
					{Type: models.EventText, Content: "hello"},
					{Type: models.EventStop, StopReason: models.StopEndTurn},
				},
			}, nil
		},
		"ollama": func(ctx context.Context, apiKey string) (agent.LLMProvider, error) {
			return &fakeProvider{name: "ollama", models: []agent.Model{{ID: "llama3"}}}, nil
		},
	}
	return New(prefs, factories), prefs
}

func TestResolveProviderNameFallsBackToFirstUsableKey(t *testing.T) {
	facade, prefs := newTestFacade(t)
	if err := prefs.SetAPIKey("anthropic", "sk-test"); err != nil {
		t.Fatalf("set api key: %v", err)
	}

	name, err := facade.resolveProviderName()
	if err != nil {
		t.Fatalf("resolveProviderName: %v", err)
	}
	if name != "anthropic" {
		t.Errorf("expected anthropic, got %q", name)
	}
}

func TestResolveProviderNameFallsBackToOllamaWithNoKeys(t *testing.T) {
	facade, _ := newTestFacade(t)
	name, err := facade.resolveProviderName()
	if err != nil {
		t.Fatalf("resolveProviderName: %v", err)
	}
	if name != "ollama" {
		t.Errorf("expected ollama fallback, got %q", name)
	}
}

func TestResolveProviderNamePrefersPersistedPreferenceWhenUsable(t *testing.T) {
	facade, prefs := newTestFacade(t)
	if err := prefs.SetAPIKey("anthropic", "sk-test"); err != nil {
		t.Fatalf("set api key: %v", err)
	}
	if err := prefs.SetLLMSelection("anthropic", "claude-3-opus"); err != nil {
		t.Fatalf("set selection: %v", err)
	}

	name, err := facade.resolveProviderName()
	if err != nil {
		t.Fatalf("resolveProviderName: %v", err)
	}
	if name != "anthropic" {
		t.Errorf("expected preferred provider anthropic, got %q", name)
	}
}

func TestResolveProviderNameIgnoresPreferenceWithNoUsableKey(t *testing.T) {
	facade, prefs := newTestFacade(t)
	// anthropic preferred but has no API key configured; should fall back.
	if err := prefs.SetLLMSelection("anthropic", "claude-3-opus"); err != nil {
		t.Fatalf("set selection: %v", err)
	}

	name, err := facade.resolveProviderName()
	if err != nil {
		t.Fatalf("resolveProviderName: %v", err)
	}
	if name != "ollama" {
		t.Errorf("expected fallback to ollama, got %q", name)
	}
}

func TestInvalidateAPIKeyCacheForcesProviderRebuild(t *testing.T) {
	facade, prefs := newTestFacade(t)
	require := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require(prefs.SetAPIKey("anthropic", "sk-old"))

	ctx := context.Background()
	p1, err := facade.providerInstance(ctx, "anthropic")
	require(err)

	facade.InvalidateAPIKeyCache("anthropic")
	require(prefs.SetAPIKey("anthropic", "sk-new"))

	p2, err := facade.providerInstance(ctx, "anthropic")
	require(err)
	if p1 == p2 {
		t.Error("expected a freshly built provider instance after invalidation")
	}
}

func TestComposeSystemPromptIncludesAllSections(t *testing.T) {
	got := ComposeSystemPrompt("base", PromptSections{
		Identity:      "Name: Alex",
		MemorySection: "Alex likes concise answers.",
	})
	for _, want := range []string{"base", "Name: Alex", "Alex likes concise answers."} {
		if !strings.Contains(got, want) {
			t.Errorf("composed prompt missing %q: %s", want, got)
		}
	}
}

func TestComposeSystemPromptTruncatesLongformWithMarker(t *testing.T) {
	got := ComposeSystemPrompt("base", PromptSections{LongformContext: strings.Repeat("x", 10500)})
	if !strings.Contains(got, "[truncated]") {
		t.Error("expected truncation marker for oversized long-form context")
	}
}

func TestStreamUsesActiveProviderAndEmitsEvents(t *testing.T) {
	facade, prefs := newTestFacade(t)
	if err := prefs.SetAPIKey("anthropic", "sk-test"); err != nil {
		t.Fatalf("set api key: %v", err)
	}

	events, err := facade.Stream(context.Background(), Request{
		History: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var texts []string
	for ev := range events {
		if ev.Type == models.EventText {
			texts = append(texts, ev.Content)
		}
	}
	if len(texts) != 1 || texts[0] != "hello" {
		t.Errorf("unexpected text events: %v", texts)
	}
}

func TestGenerateContentConcatenatesTextEvents(t *testing.T) {
	facade, prefs := newTestFacade(t)
	if err := prefs.SetAPIKey("anthropic", "sk-test"); err != nil {
		t.Fatalf("set api key: %v", err)
	}

	got, err := facade.GenerateContent(context.Background(), "hi", Request{})
	if err != nil {
		t.Fatalf("GenerateContent: %v", err)
	}
	if got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
}

func TestGenerateContentFailsWhenNoProviderHasUsableKey(t *testing.T) {
	facade, _ := newTestFacade(t)
	facade.factories = map[string]ProviderFactory{
		"anthropic": facade.factories["anthropic"],
	} // drop ollama fallback so no provider has a usable key
	facade.order = []string{"anthropic"}

	_, err := facade.GenerateContent(context.Background(), "hi", Request{})
	if err == nil {
		t.Fatal("expected an error when no provider has a usable key")
	}
}

package board

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/thereseai/therese/internal/agent"
	"github.com/thereseai/therese/internal/llm"
	"github.com/thereseai/therese/internal/models"
	"github.com/thereseai/therese/internal/preferences"
	"github.com/thereseai/therese/internal/security"
	"github.com/thereseai/therese/internal/storage"
)

// echoProvider is a deterministic stub: it streams a single fixed chunk
// then stops, regardless of the request. Used to make deliberation
// structure (event ordering, opinion count) assertable without a network.
type echoProvider struct {
	name string
	text string
}

func (p *echoProvider) Name() string          { return p.name }
func (p *echoProvider) Models() []agent.Model { return []agent.Model{{ID: p.name + "-model"}} }
func (p *echoProvider) SupportsTools() bool   { return false }

func (p *echoProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *models.StreamEvent, error) {
	out := make(chan *models.StreamEvent, 2)
	out <- &models.StreamEvent{Type: models.EventText, Content: p.text}
	out <- &models.StreamEvent{Type: models.EventStop, StopReason: models.StopEndTurn}
	close(out)
	return out, nil
}

func (p *echoProvider) ContinueWithToolResults(ctx context.Context, req *agent.CompletionRequest, results []models.ToolResult) (<-chan *models.StreamEvent, error) {
	return p.Stream(ctx, req)
}

// failProvider always errors on Stream, exercising the apology-sentence
// path without cancelling the other four advisors.
type failProvider struct{ name string }

func (p *failProvider) Name() string          { return p.name }
func (p *failProvider) Models() []agent.Model { return []agent.Model{{ID: p.name + "-model"}} }
func (p *failProvider) SupportsTools() bool   { return false }

func (p *failProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *models.StreamEvent, error) {
	return nil, fmt.Errorf("provider unavailable")
}

func (p *failProvider) ContinueWithToolResults(ctx context.Context, req *agent.CompletionRequest, results []models.ToolResult) (<-chan *models.StreamEvent, error) {
	return nil, fmt.Errorf("provider unavailable")
}

// stubSearcher never hits the network; it returns no results so tests stay
// fast and deterministic.
type stubSearcher struct{}

func (stubSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	return nil, nil
}

// testAdvisors mirrors DefaultAdvisors' five roles but against five
// providers this test registers directly, one echo text per role.
func testAdvisors() []models.Advisor {
	advisors := make([]models.Advisor, len(DefaultAdvisors))
	copy(advisors, DefaultAdvisors)
	providers := []string{"anthropic", "openai", "gemini", "bedrock", "mistral"}
	for i := range advisors {
		advisors[i].PreferredProvider = providers[i]
	}
	return advisors
}

func newTestFacade(t *testing.T, factories map[string]llm.ProviderFactory) *llm.Facade {
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
	for name := range factories {
		if name == "ollama" {
			continue
		}
		if err := prefs.SetAPIKey(name, "test-key-"+name); err != nil {
			t.Fatalf("set api key %s: %v", name, err)
		}
	}
	return llm.New(prefs, factories)
}

func echoFactories() map[string]llm.ProviderFactory {
	factories := map[string]llm.ProviderFactory{}
	for _, role := range []string{"anthropic", "openai", "gemini", "bedrock", "mistral"} {
		role := role
		factories[role] = func(ctx context.Context, apiKey string) (agent.LLMProvider, error) {
			return &echoProvider{name: role, text: "opinion-" + role}, nil
		}
	}
	return factories
}

func drain(t *testing.T, events <-chan *Event) []*Event {
	t.Helper()
	var out []*Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for deliberation to complete")
		}
	}
}

func TestDeliberateEventStructureAndPersistence(t *testing.T) {
	facade := newTestFacade(t, echoFactories())
	decisions := storage.NewMemoryStoreSet().Decisions

	engine := New(facade, decisions, WithAdvisors(testAdvisors()), WithSearcher(stubSearcher{}))

	events := drain(t, engine.Deliberate(context.Background(), DeliberateRequest{Question: "A or B?"}))

	if events[0].Type != EventWebSearchStart {
		t.Fatalf("expected first event web_search_start, got %s", events[0].Type)
	}
	if events[1].Type != EventWebSearchDone {
		t.Fatalf("expected second event web_search_done, got %s", events[1].Type)
	}
	last := events[len(events)-1]
	if last.Type != EventDone || last.DecisionID == "" {
		t.Fatalf("expected final done event with a decision id, got %+v", last)
	}
	if events[len(events)-2].Type != EventSynthesisChunk {
		t.Fatalf("expected synthesis_chunk immediately before done, got %s", events[len(events)-2].Type)
	}

	perAdvisor := map[models.AdvisorRole][]EventType{}
	for _, ev := range events {
		switch ev.Type {
		case EventAdvisorStart, EventAdvisorChunk, EventAdvisorDone:
			perAdvisor[ev.Role] = append(perAdvisor[ev.Role], ev.Type)
		}
	}
	if len(perAdvisor) != 5 {
		t.Fatalf("expected 5 distinct advisor roles represented, got %d", len(perAdvisor))
	}
	for role, seq := range perAdvisor {
		if len(seq) != 3 || seq[0] != EventAdvisorStart || seq[1] != EventAdvisorChunk || seq[2] != EventAdvisorDone {
			t.Fatalf("advisor %s: expected exactly start,chunk,done, got %v", role, seq)
		}
	}

	decision, err := engine.GetDecision(context.Background(), last.DecisionID)
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if len(decision.Opinions) != 5 {
		t.Fatalf("expected 5 persisted opinions, got %d", len(decision.Opinions))
	}
	for i, opinion := range decision.Opinions {
		want := "opinion-" + testAdvisors()[i].PreferredProvider
		if opinion.Content != want {
			t.Errorf("opinion %d: expected content %q, got %q", i, want, opinion.Content)
		}
	}

	list, err := engine.ListDecisions(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 listed decision, got %d", len(list))
	}

	if err := engine.DeleteDecision(context.Background(), last.DecisionID); err != nil {
		t.Fatalf("DeleteDecision: %v", err)
	}
	if _, err := engine.GetDecision(context.Background(), last.DecisionID); err == nil {
		t.Fatal("expected error getting a deleted decision")
	}
}

func TestDeliberateAdvisorFailureBecomesApologyAndDoesNotCancelPeers(t *testing.T) {
	factories := echoFactories()
	factories["anthropic"] = func(ctx context.Context, apiKey string) (agent.LLMProvider, error) {
		return &failProvider{name: "anthropic"}, nil
	}
	facade := newTestFacade(t, factories)
	decisions := storage.NewMemoryStoreSet().Decisions

	engine := New(facade, decisions, WithAdvisors(testAdvisors()), WithSearcher(stubSearcher{}))
	events := drain(t, engine.Deliberate(context.Background(), DeliberateRequest{Question: "Expand now?"}))

	last := events[len(events)-1]
	decision, err := engine.GetDecision(context.Background(), last.DecisionID)
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if len(decision.Opinions) != 5 {
		t.Fatalf("expected 5 opinions even with one advisor failing, got %d", len(decision.Opinions))
	}
	found := false
	for _, op := range decision.Opinions {
		if op.Role == models.AdvisorStrategist {
			found = true
			if op.Err == "" {
				t.Error("expected the failed advisor's opinion to carry an error")
			}
			if op.Content == "" {
				t.Error("expected an apology sentence, got empty content")
			}
		}
	}
	if !found {
		t.Fatal("expected the strategist advisor's opinion to be present despite its provider failing")
	}
}

func TestDeliberateFallsBackToDefaultProviderOnDuplicatePreference(t *testing.T) {
	factories := echoFactories()
	facade := newTestFacade(t, factories)
	decisions := storage.NewMemoryStoreSet().Decisions

	advisors := testAdvisors()
	// Risk Counsel (last) duplicates Marketing's "bedrock" preference; since
	// "anthropic" resolves first in the default order and is still unused
	// at that point, Risk Counsel must fall back to it instead.
	advisors[4].PreferredProvider = advisors[3].PreferredProvider

	engine := New(facade, decisions, WithAdvisors(advisors), WithSearcher(stubSearcher{}))
	events := drain(t, engine.Deliberate(context.Background(), DeliberateRequest{Question: "Hire now?"}))

	last := events[len(events)-1]
	decision, err := engine.GetDecision(context.Background(), last.DecisionID)
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if len(decision.Opinions) != 5 {
		t.Fatalf("expected 5 opinions, got %d", len(decision.Opinions))
	}
	if decision.Opinions[3].Provider != "bedrock" {
		t.Errorf("expected marketing to keep its preferred provider bedrock, got %q", decision.Opinions[3].Provider)
	}
	if decision.Opinions[4].Provider != "anthropic" {
		t.Errorf("expected risk counsel's duplicate preference to fall back to the default provider anthropic, got %q", decision.Opinions[4].Provider)
	}
}

func TestSynthesisFallbackOnUnparseableResponse(t *testing.T) {
	synthesis := fallbackSynthesis()
	if !synthesis.RawFallback {
		t.Error("expected RawFallback true")
	}
	if synthesis.Confidence != models.ConfidenceLow {
		t.Errorf("expected low confidence fallback, got %s", synthesis.Confidence)
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		`{"a":1}`:                 `{"a":1}`,
	}
	for in, want := range cases {
		if got := stripCodeFence(in); got != want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", in, got, want)
		}
	}
}

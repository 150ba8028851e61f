// Package board implements the deliberation engine: fan a question out to
// five advisors in parallel, stream their opinions to the caller as they
// arrive, then synthesise and persist a single structured decision.
package board

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"

	"github.com/thereseai/therese/internal/llm"
	"github.com/thereseai/therese/internal/models"
	"github.com/thereseai/therese/internal/observability"
	"github.com/thereseai/therese/internal/storage"
)

// queueCapacity bounds the fan-in channel every advisor goroutine writes
// into. Advisors block on a full queue rather than being drained into an
// intermediate slice; a slow consumer applies backpressure all the way to
// the provider's read loop.
const queueCapacity = 64

var deliberationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "therese_board_deliberation_seconds",
	Help:    "Wall-clock time of a full board deliberation, from web search start to the final done event.",
	Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 45, 60, 90, 120},
})

// resolvedAdvisor pairs one advisor definition with the provider actually
// used for it this deliberation (after dedup/availability fallback).
type resolvedAdvisor struct {
	models.Advisor
	Provider string
}

// Engine runs deliberations. Safe for concurrent use; Deliberate may be
// called again while a previous call's returned channel is still draining.
type Engine struct {
	facade    *llm.Facade
	decisions storage.BoardDecisionStore
	advisors  []models.Advisor
	search    Searcher
	logger    *slog.Logger
	tracer    *observability.Tracer

	validateOnce sync.Once
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithAdvisors overrides DefaultAdvisors, mainly for tests that want a
// smaller or deterministic roster.
func WithAdvisors(advisors []models.Advisor) Option {
	return func(e *Engine) { e.advisors = advisors }
}

// WithSearcher overrides the default DuckDuckGo searcher, for tests that
// need to avoid a network call.
func WithSearcher(s Searcher) Option {
	return func(e *Engine) { e.search = s }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTracer attaches OpenTelemetry spans (board.advisor, board.synthesis)
// to each deliberation. Nil (the default) disables tracing.
func WithTracer(tracer *observability.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// New builds a deliberation Engine backed by facade for LLM access and
// decisions for persistence.
func New(facade *llm.Facade, decisions storage.BoardDecisionStore, opts ...Option) *Engine {
	e := &Engine{
		facade:    facade,
		decisions: decisions,
		advisors:  DefaultAdvisors,
		search:    NewDuckDuckGoSearcher(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DeliberateRequest carries one question into the board.
type DeliberateRequest struct {
	Question string
	// Context is free-form user-supplied background, persisted alongside
	// the decision and folded into each advisor's prompt as long-form
	// context.
	Context string
	// Identity is injected into each advisor's system prompt the same way
	// chat turns inject it, so advisors address the user consistently.
	Identity string
}

// Deliberate starts a deliberation and returns a channel of Events. The
// channel is closed after the Done event. Events are emitted in arrival
// order; within one advisor the order start, chunk*, done is strict, but
// advisors interleave with each other arbitrarily.
func (e *Engine) Deliberate(ctx context.Context, req DeliberateRequest) <-chan *Event {
	queue := make(chan *Event, queueCapacity)
	go e.run(ctx, req, queue)
	return queue
}

func (e *Engine) run(ctx context.Context, req DeliberateRequest, queue chan *Event) {
	defer close(queue)
	started := time.Now()
	defer func() { deliberationDuration.Observe(time.Since(started).Seconds()) }()

	queue <- &Event{Type: EventWebSearchStart}
	enriched := req.Question + e.runSearch(ctx, req.Question)
	queue <- &Event{Type: EventWebSearchDone}

	resolved := e.resolveAdvisors(ctx)
	opinions := make([]models.AdvisorOpinion, len(resolved))

	var wg sync.WaitGroup
	for i, ra := range resolved {
		wg.Add(1)
		go e.runAdvisor(ctx, i, ra, enriched, req, queue, &wg, opinions)
	}
	wg.Wait()

	queue <- &Event{Type: EventSynthesisStart}

	var synthesisSpan trace.Span
	if e.tracer != nil {
		synthesisSpan = e.tracer.StartSpan(ctx, "board.synthesis")
	}
	synthesis := synthesize(ctx, e.facade, req.Question, opinions)
	if synthesisSpan != nil {
		synthesisSpan.End()
	}

	decision := &models.BoardDecision{
		ID:             uuid.NewString(),
		Question:       req.Question,
		Context:        req.Context,
		Opinions:       opinions,
		Synthesis:      synthesis,
		Recommendation: synthesis.Recommendation,
		Confidence:     synthesis.Confidence,
		CreatedAt:      time.Now(),
	}

	// Persist fully before emitting synthesis_chunk: a client that
	// disconnects right after seeing the synthesis must never find the
	// decision missing when it reconnects and lists decisions.
	if err := e.decisions.Save(ctx, decision); err != nil {
		e.logger.Error("board: failed to persist decision", "error", err, "question", req.Question)
	}

	queue <- &Event{Type: EventSynthesisChunk, Synthesis: &synthesis}
	queue <- &Event{Type: EventDone, DecisionID: decision.ID}
}

// runSearch performs the single best-effort enrichment search. Failures
// are swallowed: the question is used bare rather than failing the whole
// deliberation over a flaky search backend.
func (e *Engine) runSearch(ctx context.Context, query string) string {
	results, err := e.search.Search(ctx, query)
	if err != nil {
		e.logger.Warn("board: web search enrichment failed, continuing without it", "error", err)
		return ""
	}
	return formatSearchResults(results)
}

// resolveAdvisors validates (once, logging a warning rather than failing)
// that the configured advisors prefer five distinct providers, then
// resolves each advisor's actual provider for this run: a duplicate or
// currently-unavailable preference falls back to the facade's default.
func (e *Engine) resolveAdvisors(ctx context.Context) []resolvedAdvisor {
	e.validateOnce.Do(func() {
		seen := make(map[string]bool, len(e.advisors))
		for _, a := range e.advisors {
			if seen[a.PreferredProvider] {
				e.logger.Warn("board: advisor preferred providers are not pairwise distinct; duplicates will fall back to the default provider")
				break
			}
			seen[a.PreferredProvider] = true
		}
	})

	defaultProvider := ""
	if provider, _, err := e.facade.ActiveProvider(ctx); err == nil {
		defaultProvider = provider.Name()
	}

	used := make(map[string]bool, len(e.advisors))
	out := make([]resolvedAdvisor, len(e.advisors))
	for i, a := range e.advisors {
		provider := a.PreferredProvider
		if provider == "" || used[provider] || !e.facade.IsAvailable(provider) {
			provider = defaultProvider
		}
		used[provider] = true
		out[i] = resolvedAdvisor{Advisor: a, Provider: provider}
	}
	return out
}

// runAdvisor streams one advisor's opinion, emitting advisor_start, zero
// or more advisor_chunk, then advisor_done. A stream failure never
// propagates to the other advisors: it becomes an apology sentence.
func (e *Engine) runAdvisor(ctx context.Context, idx int, ra resolvedAdvisor, enrichedQuestion string, req DeliberateRequest, queue chan<- *Event, wg *sync.WaitGroup, opinions []models.AdvisorOpinion) {
	defer wg.Done()

	if e.tracer != nil {
		span := e.tracer.StartSpan(ctx, "board.advisor")
		e.tracer.SetAttributes(span, "board.advisor.role", string(ra.Role), "board.advisor.provider", ra.Provider)
		defer span.End()
	}

	queue <- &Event{Type: EventAdvisorStart, Role: ra.Role, Name: ra.Name, Emoji: ra.Emoji, Provider: ra.Provider}

	llmReq := llm.Request{
		History: []models.Message{{Role: models.RoleUser, Content: enrichedQuestion}},
		PromptSections: llm.PromptSections{
			Identity:        req.Identity,
			LongformContext: req.Context,
		},
		ProviderOverride:     ra.Provider,
		SystemPromptOverride: ra.SystemPrompt,
	}

	var content strings.Builder
	var stopReason models.StopReason
	var failed bool

	events, err := e.facade.Stream(ctx, llmReq)
	if err != nil {
		failed = true
	} else {
		for ev := range events {
			switch ev.Type {
			case models.EventText:
				content.WriteString(ev.Content)
				queue <- &Event{Type: EventAdvisorChunk, Role: ra.Role, Name: ra.Name, Emoji: ra.Emoji, Provider: ra.Provider, Content: ev.Content}
			case models.EventStop:
				stopReason = ev.StopReason
			case models.EventError:
				failed = true
			}
		}
	}

	opinion := models.AdvisorOpinion{
		Role:       ra.Role,
		Name:       ra.Name,
		Emoji:      ra.Emoji,
		Provider:   ra.Provider,
		StopReason: stopReason,
	}
	if failed {
		opinion.Content = apologySentence(ra.Name)
		opinion.StopReason = models.StopError
		opinion.Err = "advisor failed to produce a response"
	} else {
		opinion.Content = content.String()
	}
	opinions[idx] = opinion

	queue <- &Event{Type: EventAdvisorDone, Role: ra.Role, Name: ra.Name, Emoji: ra.Emoji, Provider: ra.Provider, Content: opinion.Content}
}

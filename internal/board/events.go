package board

import "github.com/thereseai/therese/internal/models"

// EventType enumerates the kinds of Event a deliberation emits, in the
// order the client must be able to rely on: one web_search pair, five
// advisor (start, chunk*, done) triples interleaved arbitrarily with each
// other, then synthesis_start, synthesis_chunk, done.
type EventType string

const (
	EventWebSearchStart EventType = "web_search_start"
	EventWebSearchDone  EventType = "web_search_done"
	EventAdvisorStart   EventType = "advisor_start"
	EventAdvisorChunk   EventType = "advisor_chunk"
	EventAdvisorDone    EventType = "advisor_done"
	EventSynthesisStart EventType = "synthesis_start"
	EventSynthesisChunk EventType = "synthesis_chunk"
	EventDone           EventType = "done"
)

// Event is the unit yielded on the channel Engine.Deliberate returns. The
// HTTP layer frames each one as an SSE event named after Type.
type Event struct {
	Type       EventType            `json:"type"`
	Role       models.AdvisorRole   `json:"role,omitempty"`
	Name       string               `json:"name,omitempty"`
	Emoji      string               `json:"emoji,omitempty"`
	Provider   string               `json:"provider,omitempty"`
	Content    string               `json:"content,omitempty"`
	Synthesis  *models.BoardSynthesis `json:"synthesis,omitempty"`
	DecisionID string               `json:"decision_id,omitempty"`
}

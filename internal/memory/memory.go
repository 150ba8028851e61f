// Package memory defines the contract chat turns use to pull long-term
// context from an external vector store. No vector store ships with
// therese itself - this package only shapes the request/response the HTTP
// layer sends to one, and a no-op Client for when none is configured.
package memory

import (
	"context"
	"time"
)

// Scope bounds a recall query to a given conversation or the whole store.
type Scope string

const (
	// ScopeConversation limits recall to the requesting conversation.
	ScopeConversation Scope = "conversation"
	// ScopeGlobal searches everything the store has indexed.
	ScopeGlobal Scope = "global"
)

// Entry is one remembered item, as returned by a vector store search.
type Entry struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Content        string         `json:"content"`
	Source         string         `json:"source"` // "message", "document", "note"
	Tags           []string       `json:"tags,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// SearchRequest is what the HTTP layer sends an external memory service.
type SearchRequest struct {
	Query          string  `json:"query"`
	Scope          Scope   `json:"scope"`
	ConversationID string  `json:"conversation_id,omitempty"`
	Limit          int     `json:"limit"`
	Threshold      float32 `json:"threshold"` // minimum similarity, 0-1
}

// SearchResult pairs a recalled Entry with its similarity score.
type SearchResult struct {
	Entry Entry   `json:"entry"`
	Score float32 `json:"score"`
}

// Client is the boundary a configured vector store implements. Search
// returns recalled entries for one chat turn's PromptSections.MemorySection;
// it never errors out a turn just because no store is configured, since a
// missing Client degrades to an empty memory section rather than a failure.
type Client interface {
	Search(ctx context.Context, req SearchRequest) ([]SearchResult, error)
}

// Noop is the Client used when no external memory service is configured.
// It always returns an empty result set.
type Noop struct{}

func (Noop) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	return nil, nil
}

// FormatSection renders search results as the plain-text block folded into
// a chat turn's system prompt, one recalled entry per line.
func FormatSection(results []SearchResult) string {
	if len(results) == 0 {
		return ""
	}
	var out string
	for _, r := range results {
		out += "- " + r.Entry.Content + "\n"
	}
	return out
}

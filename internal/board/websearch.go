package board

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SearchResult is one hit returned by a Searcher.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// Searcher performs the single best-effort enrichment search the board
// runs before fanning out to advisors. Swapped out in tests for a stub that
// returns fixed results without a network call.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// maxSearchResults caps how many hits are concatenated into the enriched
// question; the board only ever wants a short, cheap enrichment block.
const maxSearchResults = 5

// duckDuckGoSearcher queries DuckDuckGo's Instant Answer API, the same
// no-API-key-required endpoint used elsewhere in therese for ad hoc lookups.
type duckDuckGoSearcher struct {
	httpClient *http.Client
}

// NewDuckDuckGoSearcher returns the default Searcher: no API key, no
// configuration, a single unauthenticated HTTP call.
func NewDuckDuckGoSearcher() Searcher {
	return &duckDuckGoSearcher{httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (d *duckDuckGoSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	instantURL := fmt.Sprintf("https://api.duckduckgo.com/?q=%s&format=json&no_html=1", url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instantURL, nil)
	if err != nil {
		return nil, fmt.Errorf("board: build search request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; TheresBot/1.0)")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("board: search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("board: search backend returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("board: read search response: %w", err)
	}

	var ddg struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &ddg); err != nil {
		return nil, fmt.Errorf("board: parse search response: %w", err)
	}

	var results []SearchResult
	if ddg.AbstractText != "" && ddg.AbstractURL != "" {
		results = append(results, SearchResult{Title: ddg.Heading, URL: ddg.AbstractURL, Snippet: ddg.AbstractText})
	}
	for _, topic := range ddg.RelatedTopics {
		if len(results) >= maxSearchResults {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, SearchResult{Title: title, URL: topic.FirstURL, Snippet: topic.Text})
	}
	return results, nil
}

// formatSearchResults renders results as the plain-text block appended to
// the advisors' shared question. Empty input renders an empty string so
// callers can append it unconditionally.
func formatSearchResults(results []SearchResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n## Web search context\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- %s (%s): %s\n", r.Title, r.URL, r.Snippet)
	}
	return b.String()
}

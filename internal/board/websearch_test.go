package board

import "testing"

func TestFormatSearchResultsEmpty(t *testing.T) {
	if got := formatSearchResults(nil); got != "" {
		t.Errorf("expected empty string for no results, got %q", got)
	}
}

func TestFormatSearchResultsIncludesAllFields(t *testing.T) {
	results := []SearchResult{
		{Title: "Go Concurrency Patterns", URL: "https://go.dev/blog/pipelines", Snippet: "Pipelines and cancellation."},
	}
	got := formatSearchResults(results)
	for _, want := range []string{"Go Concurrency Patterns", "https://go.dev/blog/pipelines", "Pipelines and cancellation."} {
		if !contains(got, want) {
			t.Errorf("expected formatted output to contain %q, got %q", want, got)
		}
	}
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

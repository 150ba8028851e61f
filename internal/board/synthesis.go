package board

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/thereseai/therese/internal/llm"
	"github.com/thereseai/therese/internal/models"
)

// synthesisSystemPrompt instructs the default provider to return strict
// JSON matching models.BoardSynthesis and nothing else.
const synthesisSystemPrompt = `You are synthesising a board deliberation: five advisors have each given an independent opinion on one question. Read all five opinions and respond with ONLY a JSON object, no prose before or after it and no markdown code fence, matching exactly this shape:

{"consensus_points": ["..."], "divergence_points": ["..."], "recommendation": "...", "confidence": "high|medium|low", "next_steps": ["..."]}

consensus_points lists where the advisors agreed. divergence_points lists where they meaningfully disagreed. recommendation is one paragraph of concrete guidance. confidence is exactly one of high, medium, low, reflecting how much the advisors converged. next_steps is an ordered list of concrete actions.`

// fallbackSynthesis is substituted when the synthesis call fails outright
// or its response cannot be parsed as the expected JSON shape.
func fallbackSynthesis() models.BoardSynthesis {
	return models.BoardSynthesis{
		Recommendation: "The board could not produce a structured synthesis for this question. " +
			"Try rephrasing it, perhaps more narrowly, and deliberate again.",
		Confidence:  models.ConfidenceLow,
		RawFallback: true,
	}
}

// buildSynthesisPrompt lays out the question and all five opinions
// verbatim, in requested order, for the synthesis call.
func buildSynthesisPrompt(question string, opinions []models.AdvisorOpinion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", question)
	for _, op := range opinions {
		fmt.Fprintf(&b, "### %s (%s)\n%s\n\n", op.Name, op.Role, op.Content)
	}
	return b.String()
}

// stripCodeFence removes a leading/trailing ``` or ```json wrapper, since
// models asked for bare JSON frequently send it fenced anyway.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// synthesize requests the structured synthesis from the default provider
// and parses it, falling back to a low-confidence placeholder on any
// failure so the deliberation always produces a result.
func synthesize(ctx context.Context, facade *llm.Facade, question string, opinions []models.AdvisorOpinion) models.BoardSynthesis {
	prompt := buildSynthesisPrompt(question, opinions)
	raw, err := facade.GenerateContent(ctx, prompt, llm.Request{SystemPromptOverride: synthesisSystemPrompt})
	if err != nil {
		return fallbackSynthesis()
	}

	var parsed models.BoardSynthesis
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &parsed); err != nil {
		return fallbackSynthesis()
	}
	switch parsed.Confidence {
	case models.ConfidenceHigh, models.ConfidenceMedium, models.ConfidenceLow:
	default:
		parsed.Confidence = models.ConfidenceMedium
	}
	if parsed.Recommendation == "" {
		return fallbackSynthesis()
	}
	return parsed
}

package context

import (
	"strings"

	"github.com/thereseai/therese/internal/models"
)

// PrepareOptions carries the optional preamble sections PrepareContext
// composes ahead of conversation history.
type PrepareOptions struct {
	Identity        string // injected user identity, e.g. name/timezone
	LongformContext string // user-supplied long-form instructions, truncated below
	MemorySection   string // retrieved memory.Result text, if any
}

// maxLongformChars bounds how much of LongformContext survives into the
// system preamble; anything past this is dropped, not summarized.
const maxLongformChars = 10000

// longformTruncationMarker is appended when LongformContext is cut off, so
// the model (and a human reading the composed prompt) knows it's partial.
const longformTruncationMarker = "\n…[truncated]"

// PrepareContext composes the canonical system prompt, trims conversation
// history to fit the provider's token budget, and returns the resulting
// window. contextWindowTokens is the provider's advertised context_window;
// the usable budget is contextWindowTokens - ReservedOutputTokens.
func PrepareContext(systemPrompt string, history []models.Message, contextWindowTokens int, opts PrepareOptions) models.ContextWindow {
	if contextWindowTokens <= 0 {
		contextWindowTokens = DefaultContextWindow
	}
	maxTokens := contextWindowTokens - ReservedOutputTokens
	if maxTokens < 0 {
		maxTokens = 0
	}

	system := composeSystem(systemPrompt, opts)
	messages := append([]models.Message(nil), history...)

	systemTokens := EstimateTokens(system) + roleOverheadTokens
	total := systemTokens + estimateMessagesTokens(messages)

	truncated := false
	dropped := 0
	for total > maxTokens && len(messages) > 0 {
		drop := dropCount(messages)
		if drop == 0 {
			break
		}
		for i := 0; i < drop; i++ {
			total -= EstimateTokens(messages[0].Content) + roleOverheadTokens
			messages = messages[1:]
			dropped++
		}
		truncated = true
	}

	return models.ContextWindow{
		System:       system,
		Messages:     messages,
		EstTokens:    total,
		Truncated:    truncated,
		DroppedCount: dropped,
	}
}

// dropCount decides how many leading messages to remove on one trimming
// pass: a user+assistant pair when the oldest message is a user turn
// immediately followed by its reply, else a single message.
func dropCount(messages []models.Message) int {
	if len(messages) == 0 {
		return 0
	}
	if len(messages) >= 2 && messages[0].Role == models.RoleUser && messages[1].Role == models.RoleAssistant {
		return 2
	}
	return 1
}

func estimateMessagesTokens(messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content) + roleOverheadTokens
	}
	return total
}

func composeSystem(base string, opts PrepareOptions) string {
	var b strings.Builder
	b.WriteString(base)
	if opts.Identity != "" {
		b.WriteString("\n\n## User identity\n")
		b.WriteString(opts.Identity)
	}
	if opts.LongformContext != "" {
		lf := opts.LongformContext
		if len(lf) > maxLongformChars {
			lf = lf[:maxLongformChars] + longformTruncationMarker
		}
		b.WriteString("\n\n## User-supplied context\n")
		b.WriteString(lf)
	}
	if opts.MemorySection != "" {
		b.WriteString("\n\n## Contexte mémoire:\n")
		b.WriteString(opts.MemorySection)
	}
	return b.String()
}

// ToAnthropicFormat returns the system prompt and message list the
// Anthropic Messages API expects (system is a top-level field, not a
// message).
func ToAnthropicFormat(w models.ContextWindow) (string, []models.Message) {
	return w.System, w.Messages
}

// ToOpenAIFormat returns the message list with the system prompt prepended
// as a system-role message, matching the OpenAI chat completions shape.
func ToOpenAIFormat(w models.ContextWindow) []models.Message {
	out := make([]models.Message, 0, len(w.Messages)+1)
	if w.System != "" {
		out = append(out, models.Message{Role: models.RoleSystem, Content: w.System})
	}
	out = append(out, w.Messages...)
	return out
}

// ToGeminiFormat returns the system instruction and the content list with
// Gemini's role mapping applied (assistant -> model; everything else
// passes through unchanged).
func ToGeminiFormat(w models.ContextWindow) (string, []models.Message) {
	contents := make([]models.Message, len(w.Messages))
	for i, m := range w.Messages {
		contents[i] = m
		if m.Role == models.RoleAssistant {
			contents[i].Role = "model"
		}
	}
	return w.System, contents
}

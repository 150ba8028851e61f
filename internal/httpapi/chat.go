package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/thereseai/therese/internal/llm"
	"github.com/thereseai/therese/internal/memory"
	"github.com/thereseai/therese/internal/models"
	"github.com/thereseai/therese/internal/security"
	"github.com/thereseai/therese/internal/storage"
)

// maxToolRounds bounds the tool-call/continuation loop for one chat turn,
// so a provider that keeps requesting tools can't spin the handler forever.
const maxToolRounds = 5

var chatStreamCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "therese_chat_streams_total",
	Help: "Chat turns started, labeled by whether the client requested SSE streaming and the outcome.",
}, []string{"stream", "outcome"})

type chatSendRequest struct {
	Message       string `json:"message"`
	ConversationID string `json:"conversation_id"`
	Stream        bool   `json:"stream"`
	IncludeMemory bool   `json:"include_memory"`
	ContextScope  string `json:"context_scope"`
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", false, nil)
		return
	}

	var body chatSendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid request body", false, nil)
		return
	}
	message := strings.TrimSpace(body.Message)
	if message == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message must not be empty", false, nil)
		return
	}

	screen := security.Screen(message)
	if !screen.Allowed(s.deps.StrictInjection) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "message rejected by content screening", false,
			map[string]any{"matches": screen.Matches, "severity": screen.MaxSeverity.String()})
		return
	}

	conversationID := body.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	if err := s.ensureConversation(r.Context(), conversationID); err != nil {
		writeErr(w, err)
		return
	}

	history, err := s.deps.Stores.Messages.List(r.Context(), conversationID, 50)
	if err != nil {
		writeErr(w, err)
		return
	}

	userMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        message,
		CreatedAt:      time.Now(),
	}
	if err := s.deps.Stores.Messages.Append(r.Context(), &userMsg); err != nil {
		writeErr(w, err)
		return
	}

	memorySection := ""
	if body.IncludeMemory {
		scope := memory.ScopeConversation
		if body.ContextScope == string(memory.ScopeGlobal) {
			scope = memory.ScopeGlobal
		}
		results, err := s.deps.Memory.Search(r.Context(), memory.SearchRequest{
			Query:          message,
			Scope:          scope,
			ConversationID: conversationID,
			Limit:          10,
			Threshold:      0.5,
		})
		if err != nil {
			s.logger.Warn("chat: memory search failed, continuing without recall", "error", err)
		} else {
			memorySection = memory.FormatSection(results)
		}
	}

	req := llm.Request{
		History: append(history, userMsg),
		PromptSections: llm.PromptSections{
			MemorySection: memorySection,
		},
		EnableGrounding: true,
	}

	ctx, cancel := context.WithCancel(r.Context())
	s.registerCancel(conversationID, cancel)
	defer s.clearCancel(conversationID)
	defer cancel()

	var sse *sseWriter
	if body.Stream {
		sse = newSSEWriter(w)
	}

	fullText, streamErr := s.runChat(ctx, sse, req)

	streamLabel := "sync"
	if body.Stream {
		streamLabel = "sse"
	}
	outcome := "success"
	if streamErr != nil {
		outcome = "error"
	}
	chatStreamCounter.WithLabelValues(streamLabel, outcome).Inc()

	assistantMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        fullText,
		CreatedAt:      time.Now(),
	}
	if fullText != "" {
		if err := s.deps.Stores.Messages.Append(ctx, &assistantMsg); err != nil {
			s.logger.Error("chat: failed to persist assistant message", "error", err, "conversation_id", conversationID)
		}
	}
	_ = s.deps.Stores.Conversations.Touch(ctx, conversationID)

	if body.Stream {
		// Headers and any partial body are already on the wire; nothing left
		// to do but let the handler return and close the response.
		return
	}

	if streamErr != nil {
		writeErr(w, streamErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content":         fullText,
		"conversation_id": conversationID,
	})
}

func (s *Server) ensureConversation(ctx context.Context, id string) error {
	_, err := s.deps.Stores.Conversations.Get(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	now := time.Now()
	return s.deps.Stores.Conversations.Create(ctx, &models.Conversation{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *Server) handleChatCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", false, nil)
		return
	}
	conversationID := strings.TrimPrefix(r.URL.Path, "/api/chat/cancel/")
	if conversationID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "conversation id is required", false, nil)
		return
	}
	found := s.cancel(conversationID)
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": found})
}

// runChat drives one user turn to completion, including any tool-call
// round trips through the MCP supervisor, and returns the full assistant
// text produced (partial text on a mid-stream error or cancellation, per
// §5's "persist whatever text has been produced" rule). If sse is
// non-nil, every StreamEvent is framed and flushed to the client as it
// arrives.
func (s *Server) runChat(ctx context.Context, sse *sseWriter, req llm.Request) (string, error) {
	var fullText strings.Builder
	current := req
	var pendingResults []models.ToolResult
	continuing := false

	for round := 0; round <= maxToolRounds; round++ {
		var events <-chan *models.StreamEvent
		var err error
		if continuing {
			events, err = s.deps.Facade.ContinueWithToolResults(ctx, current, pendingResults)
		} else {
			events, err = s.deps.Facade.Stream(ctx, current)
		}
		if err != nil {
			return fullText.String(), err
		}

		var roundText strings.Builder
		var toolCalls []models.ToolCall
		var stopReason models.StopReason
		var streamErr error

		for ev := range events {
			if sse != nil {
				if err := sse.Send(ev); err != nil {
					return fullText.String(), nil
				}
			}
			switch ev.Type {
			case models.EventText:
				roundText.WriteString(ev.Content)
				fullText.WriteString(ev.Content)
			case models.EventToolCall:
				if ev.ToolCall != nil {
					toolCalls = append(toolCalls, *ev.ToolCall)
				}
			case models.EventStop:
				stopReason = ev.StopReason
			case models.EventError:
				streamErr = ev.Err
			}
		}
		if streamErr != nil {
			return fullText.String(), streamErr
		}
		if stopReason != models.StopToolUse || len(toolCalls) == 0 {
			return fullText.String(), nil
		}

		current.History = append(current.History, models.Message{
			Role:      models.RoleAssistant,
			Content:   roundText.String(),
			ToolCalls: toolCalls,
		})
		pendingResults = s.executeToolCalls(ctx, toolCalls)
		continuing = true
	}
	return fullText.String(), nil
}

// executeToolCalls dispatches each call to the MCP supervisor and converts
// its result into a provider-agnostic ToolResult, one per call in order.
func (s *Server) executeToolCalls(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	for i, call := range calls {
		var args map[string]any
		_ = json.Unmarshal(call.Arguments, &args)

		result, err := s.deps.MCP.CallTool(ctx, call.Name, args)
		if err != nil {
			results[i] = models.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
			continue
		}
		results[i] = models.ToolResult{
			ToolCallID: call.ID,
			Content:    mcpResultText(result),
			IsError:    result.IsError,
		}
	}
	return results
}

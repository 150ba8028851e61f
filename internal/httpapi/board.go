package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/thereseai/therese/internal/board"
	"github.com/thereseai/therese/internal/security"
)

type boardDeliberateRequest struct {
	Question string `json:"question"`
	Context  string `json:"context"`
}

func (s *Server) handleBoardDeliberate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", false, nil)
		return
	}
	var body boardDeliberateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid request body", false, nil)
		return
	}
	question := strings.TrimSpace(body.Question)
	if question == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "question must not be empty", false, nil)
		return
	}
	screen := security.Screen(question)
	if !screen.Allowed(s.deps.StrictInjection) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "question rejected by content screening", false,
			map[string]any{"matches": screen.Matches, "severity": screen.MaxSeverity.String()})
		return
	}

	events := s.deps.Board.Deliberate(r.Context(), board.DeliberateRequest{
		Question: question,
		Context:  body.Context,
	})
	pumpSSE(w, r, events)
}

func (s *Server) handleBoardDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", false, nil)
		return
	}
	limit := 20
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	decisions, err := s.deps.Board.ListDecisions(r.Context(), limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *Server) handleBoardDecisionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/board/decisions/")
	if id == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "decision id is required", false, nil)
		return
	}
	switch r.Method {
	case http.MethodGet:
		decision, err := s.deps.Board.GetDecision(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)
	case http.MethodDelete:
		if err := s.deps.Board.DeleteDecision(r.Context(), id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", false, nil)
	}
}

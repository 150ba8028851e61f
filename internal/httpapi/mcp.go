package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/thereseai/therese/internal/mcp"
	"github.com/thereseai/therese/internal/models"
)

func mcpResultText(result *mcp.ToolCallResult) string {
	if result == nil {
		return ""
	}
	var b strings.Builder
	for i, c := range result.Content {
		if i > 0 {
			b.WriteByte('\n')
		}
		if c.Text != "" {
			b.WriteString(c.Text)
			continue
		}
		b.WriteString(c.Type)
	}
	return b.String()
}

func (s *Server) handleMCPServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"servers": s.deps.MCP.Status()})
	case http.MethodPost:
		var srv models.MCPServer
		if err := json.NewDecoder(r.Body).Decode(&srv); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid request body", false, nil)
			return
		}
		if err := s.deps.MCP.AddServer(r.Context(), s.deps.Prefs, srv); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"added": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", false, nil)
	}
}

// handleMCPServerByID handles both /api/mcp/servers/{id} (DELETE) and
// /api/mcp/servers/{id}/start|stop (POST).
func (s *Server) handleMCPServerByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/mcp/servers/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "server id is required", false, nil)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", false, nil)
			return
		}
		if err := s.deps.MCP.RemoveServer(s.deps.Prefs, id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": true})
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", false, nil)
		return
	}
	switch parts[1] {
	case "start":
		if err := s.deps.MCP.Connect(r.Context(), id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"connected": true})
	case "stop":
		if err := s.deps.MCP.Disconnect(id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"disconnected": true})
	default:
		writeError(w, http.StatusNotFound, "HTTP_ERROR", "unknown action", false, nil)
	}
}

type mcpToolCallRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) handleMCPToolCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", false, nil)
		return
	}
	var body mcpToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid request body", false, nil)
		return
	}
	if strings.TrimSpace(body.ToolName) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "tool_name is required", false, nil)
		return
	}
	result, err := s.deps.MCP.CallTool(r.Context(), body.ToolName, body.Arguments)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content":  result.Content,
		"is_error": result.IsError,
	})
}

package httpapi

import (
	"net/http"

	"github.com/thereseai/therese/internal/llm"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// serviceHealth is one row of GET /health/services: a dependency's
// availability, whether its absence is critical to core operation, and an
// optional note on what degrades instead of failing outright.
type serviceHealth struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Critical bool   `json:"critical"`
	Fallback string `json:"fallback,omitempty"`
}

func (s *Server) handleHealthServices(w http.ResponseWriter, r *http.Request) {
	services := []serviceHealth{}

	anyLLM := false
	for _, provider := range llm.DefaultProviderOrder {
		if s.deps.Facade.IsAvailable(provider) {
			anyLLM = true
			break
		}
	}
	services = append(services, serviceHealth{
		Name:     "llm_provider",
		OK:       anyLLM,
		Critical: true,
		Fallback: "",
	})

	mcpOK := true
	for _, status := range s.deps.MCP.Status() {
		if !status.Connected {
			mcpOK = false
			break
		}
	}
	services = append(services, serviceHealth{
		Name:     "mcp_servers",
		OK:       mcpOK,
		Critical: false,
		Fallback: "tool calls against a disconnected server will fail individually; chat and board still work",
	})

	services = append(services, serviceHealth{
		Name:     "relational_store",
		OK:       s.deps.Stores.Conversations != nil,
		Critical: true,
	})

	status := http.StatusOK
	for _, svc := range services {
		if svc.Critical && !svc.OK {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, map[string]any{"services": services})
}

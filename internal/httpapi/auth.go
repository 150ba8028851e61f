package httpapi

import "net/http"

// handleAuthToken returns the process session token. Exempted from the
// session-token middleware itself (security.isExemptPath), since this is
// how a co-located desktop shell bootstraps the token in the first place;
// CORS restricts which origins may reach it at all.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": s.deps.Sessions.Token()})
}

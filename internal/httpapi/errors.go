package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/thereseai/therese/internal/therror"
)

// errorEnvelope is the one JSON shape every handler error takes.
type errorEnvelope struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, recoverable bool, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Code: code, Message: message, Recoverable: recoverable, Details: details})
}

// writeErr maps any error to the stable envelope: a *therror.TheresError
// carries its own code and status; anything else is classified first.
func writeErr(w http.ResponseWriter, err error) {
	if te, ok := therror.As(err); ok {
		writeError(w, te.Code.HTTPStatus(), string(te.Code), te.Message, te.Recoverable, te.Details)
		return
	}
	code := therror.Classify(err)
	writeError(w, code.HTTPStatus(), string(code), err.Error(), code.IsRetryable(), nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package httpapi

import (
	"net"
	"net/http"
	"strings"

	"github.com/thereseai/therese/internal/security"
)

// chain composes the middleware stack in the order the security envelope
// requires, outermost first: CORS, then rate-limit, then the session-token
// auth check, then the fixed security headers, then the route handler
// itself. Per-handler error mapping happens inside each handler via
// writeError, since a streaming SSE response has already started writing
// by the time an error could occur.
func (s *Server) chain(next http.Handler) http.Handler {
	h := s.securityHeaders(next)
	h = s.deps.Sessions.Middleware(h)
	h = s.rateLimit(h)
	h = s.cors(h)
	return h
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return security.SecurityHeaders(next)
}

// cors restricts cross-origin access to the configured desktop-shell
// origins; everything else (same-origin CLI/curl calls, the local UI) is
// unaffected since browsers only send Origin on cross-origin requests.
func (s *Server) cors(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.deps.AllowedOrigins))
	for _, o := range s.deps.AllowedOrigins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", security.SessionTokenHeader+", Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the per-client bucket keyed by client IP. §4.5 says 60
// requests/minute "when no external limiter library is available"; this
// limiter wraps golang.org/x/time/rate, so that is the one in effect.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if !s.limiter.Allow(key) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", true, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

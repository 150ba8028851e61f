// Package httpapi exposes therese's core over HTTP+SSE: chat streaming,
// board deliberation, MCP server management, and the handful of auth/health
// routes the desktop shell needs. Route wiring, middleware order, and the
// graceful-shutdown shape follow the teacher's own gateway HTTP server.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thereseai/therese/internal/board"
	"github.com/thereseai/therese/internal/llm"
	"github.com/thereseai/therese/internal/mcp"
	"github.com/thereseai/therese/internal/memory"
	"github.com/thereseai/therese/internal/preferences"
	"github.com/thereseai/therese/internal/ratelimit"
	"github.com/thereseai/therese/internal/security"
	"github.com/thereseai/therese/internal/storage"
)

// Deps bundles every core component the HTTP layer fronts. All fields are
// required except Memory, which defaults to memory.Noop{} when nil.
type Deps struct {
	Facade      *llm.Facade
	Board       *board.Engine
	MCP         *mcp.Manager
	Prefs       *preferences.Store
	Stores      storage.StoreSet
	Sessions    *security.SessionManager
	Memory      memory.Client
	RateLimit   ratelimit.Config
	StrictInjection bool
	AllowedOrigins  []string
	Logger      *slog.Logger
}

// Server owns the HTTP listener and the per-conversation cancellation
// registry chat streaming consults.
type Server struct {
	deps     Deps
	logger   *slog.Logger
	mux      *http.ServeMux
	limiter  *ratelimit.Limiter
	sweepStop chan struct{}

	httpServer *http.Server
	listener   net.Listener

	mu          sync.Mutex
	cancellations map[string]context.CancelFunc
}

// New builds a Server ready to Start. It does not bind a socket yet.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Memory == nil {
		deps.Memory = memory.Noop{}
	}
	s := &Server{
		deps:          deps,
		logger:        logger,
		mux:           http.NewServeMux(),
		limiter:       ratelimit.NewLimiter(deps.RateLimit),
		sweepStop:     make(chan struct{}),
		cancellations: make(map[string]context.CancelFunc),
	}
	s.routes()
	return s
}

// Start binds addr and serves in the background until Stop is called.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen: %w", err)
	}

	go s.limiter.Sweep(s.sweepStop, time.Minute)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.chain(s.mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("httpapi: server error", "error", err)
		}
	}()

	s.logger.Info("httpapi: listening", "addr", addr)
	return nil
}

// Stop gracefully shuts the server down, waiting up to 5s for in-flight
// requests (including open SSE streams) to finish.
func (s *Server) Stop(ctx context.Context) error {
	close(s.sweepStop)
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) registerCancel(conversationID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancellations[conversationID] = cancel
}

func (s *Server) clearCancel(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancellations, conversationID)
}

// cancel fires the registered cancellation for a conversation, if any, and
// reports whether a live generation was actually found.
func (s *Server) cancel(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.cancellations[conversationID]
	if ok {
		cancel()
		delete(s.cancellations, conversationID)
	}
	return ok
}

func (s *Server) routes() {
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/health/services", s.handleHealthServices)

	s.mux.HandleFunc("/api/auth/token", s.handleAuthToken)

	s.mux.HandleFunc("/api/chat/send", s.handleChatSend)
	s.mux.HandleFunc("/api/chat/cancel/", s.handleChatCancel)

	s.mux.HandleFunc("/api/board/deliberate", s.handleBoardDeliberate)
	s.mux.HandleFunc("/api/board/decisions", s.handleBoardDecisions)
	s.mux.HandleFunc("/api/board/decisions/", s.handleBoardDecisionByID)

	s.mux.HandleFunc("/api/mcp/servers", s.handleMCPServers)
	s.mux.HandleFunc("/api/mcp/servers/", s.handleMCPServerByID)
	s.mux.HandleFunc("/api/mcp/tools/call", s.handleMCPToolCall)
}

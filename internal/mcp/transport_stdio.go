package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	therexec "github.com/thereseai/therese/internal/exec"
)

// pendingTTL bounds how long a request may sit in the pending map before the
// reaper cancels it, independent of the per-call timeout in Call: a stuck
// reader goroutine (e.g. a hung child process) could otherwise leak an
// entry forever.
const pendingTTL = 60 * time.Second

// reapInterval is how often the reaper sweeps for stale pending requests.
const reapInterval = 30 * time.Second

// StdioTransport implements the MCP stdio transport: the child process is
// spawned through the command/argument sandbox and given a minimal
// environment whitelist rather than inheriting the host's full environment.
type StdioTransport struct {
	config *ServerConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser

	pending   map[int64]chan *JSONRPCResponse
	pendingAt map[int64]time.Time
	pendingMu sync.Mutex
	events    chan *JSONRPCNotification
	requests  chan *JSONRPCRequest
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup

	// onCrash, if set, is invoked once if the read loop exits because the
	// child process died or its stdout closed unexpectedly, rather than
	// through an orderly Close. Not called on a clean shutdown.
	onCrash func(error)
}

// NewStdioTransport creates a new stdio transport.
func NewStdioTransport(cfg *ServerConfig) *StdioTransport {
	return &StdioTransport{
		config:    cfg,
		logger:    slog.Default().With("mcp_server", cfg.ID, "transport", "stdio"),
		pending:   make(map[int64]chan *JSONRPCResponse),
		pendingAt: make(map[int64]time.Time),
		events:    make(chan *JSONRPCNotification, 100),
		requests:  make(chan *JSONRPCRequest, 100),
		stopChan:  make(chan struct{}),
	}
}

// OnCrash registers a callback fired when the subprocess's output stream
// ends without a preceding Close call.
func (t *StdioTransport) OnCrash(fn func(error)) {
	t.onCrash = fn
}

// Connect validates the command against the sandbox, starts the subprocess
// with a whitelisted environment, and begins reading its output.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}

	resolved, err := therexec.ValidateMCPCommand(t.config.Command, t.config.Args)
	if err != nil {
		return fmt.Errorf("sandbox rejected command: %w", err)
	}

	t.process = exec.CommandContext(ctx, resolved, t.config.Args...)
	t.process.Env = therexec.BuildMCPEnvironment(t.config.Env)
	if t.config.WorkDir != "" {
		t.process.Dir = t.config.WorkDir
	}

	var stdinErr error
	t.stdin, stdinErr = t.process.StdinPipe()
	if stdinErr != nil {
		return fmt.Errorf("stdin pipe: %w", stdinErr)
	}

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB buffer

	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.connected.Store(true)
	t.logger.Info("started MCP server process",
		"command", resolved,
		"pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop()

	if t.stderr != nil {
		t.wg.Add(1)
		go t.logStderr()
	}

	t.wg.Add(1)
	go t.reapLoop()

	return nil
}

// Close stops the subprocess, trying SIGTERM before SIGKILL.
func (t *StdioTransport) Close() error {
	t.connected.Store(false)
	close(t.stopChan)

	if t.stdin != nil {
		t.stdin.Close()
	}

	if t.process != nil && t.process.Process != nil {
		_ = t.process.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			_ = t.process.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.process.Process.Kill()
		}
	}

	t.wg.Wait()
	return nil
}

// Call sends a request and waits for a response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := t.nextID.Add(1)

	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}

	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingAt[id] = time.Now()
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		delete(t.pendingAt, id)
		t.pendingMu.Unlock()
	}()

	data, _ := json.Marshal(req)
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("MCP error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("transport closed")
	}
}

// Notify sends a notification (no response expected).
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}

	notif := JSONRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
	}

	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	data, _ := json.Marshal(notif)
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}

	return nil
}

// Events returns the notification channel.
func (t *StdioTransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Requests returns the server-initiated request channel.
func (t *StdioTransport) Requests() <-chan *JSONRPCRequest {
	return t.requests
}

// Respond sends a response to a server-initiated request.
func (t *StdioTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = data
	}
	data, _ := json.Marshal(resp)
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// Connected returns whether the transport is connected.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

// readLoop reads messages from stdout.
func (t *StdioTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for t.stdout.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := t.stdout.Text()
		if line == "" {
			continue
		}

		t.processLine(line)
	}

	scanErr := t.stdout.Err()
	if scanErr != nil {
		t.logger.Error("stdout scanner error", "error", scanErr)
	}

	select {
	case <-t.stopChan:
		// Orderly shutdown; Close already transitioned state.
	default:
		if t.onCrash != nil {
			if scanErr == nil {
				scanErr = fmt.Errorf("MCP server closed stdout unexpectedly")
			}
			t.onCrash(scanErr)
		}
	}
}

// processLine handles a single JSON-RPC message: a response (has a numeric
// ID matching a pending call), a server-initiated request (has both an ID
// and a method), or a notification (method, no ID).
func (t *StdioTransport) processLine(line string) {
	var envelope struct {
		ID     any             `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *JSONRPCError   `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &envelope); err != nil {
		t.logger.Debug("unparseable line from server", "line", line)
		return
	}

	if envelope.Method == "" && envelope.ID != nil {
		var id int64
		switch v := envelope.ID.(type) {
		case float64:
			id = int64(v)
		case int64:
			id = v
		case int:
			id = int64(v)
		default:
			t.logger.Warn("unexpected response ID type", "id", envelope.ID)
			return
		}

		t.pendingMu.Lock()
		ch, ok := t.pending[id]
		if ok {
			delete(t.pending, id)
			delete(t.pendingAt, id)
		}
		t.pendingMu.Unlock()
		if ok {
			select {
			case ch <- &JSONRPCResponse{JSONRPC: "2.0", ID: envelope.ID, Result: envelope.Result, Error: envelope.Error}:
			default:
			}
		}
		return
	}

	if envelope.Method != "" && envelope.ID != nil {
		var full JSONRPCRequest
		if err := json.Unmarshal([]byte(line), &full); err == nil {
			select {
			case t.requests <- &full:
			default:
				t.logger.Warn("request channel full, dropping")
			}
		}
		return
	}

	if envelope.Method != "" {
		var notif JSONRPCNotification
		if err := json.Unmarshal([]byte(line), &notif); err == nil {
			select {
			case t.events <- &notif:
			default:
				t.logger.Warn("notification channel full, dropping")
			}
		}
	}
}

// logStderr logs stderr output from the subprocess, classifying severity by
// keyword: draining it is mandatory, unread stderr will deadlock the child
// once its OS pipe buffer fills.
func (t *StdioTransport) logStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "error") || strings.Contains(lower, "fatal"):
			t.logger.Error("server stderr", "message", line)
		case strings.Contains(lower, "warn"):
			t.logger.Warn("server stderr", "message", line)
		default:
			t.logger.Debug("server stderr", "message", line)
		}
	}
}

// reapLoop cancels any pending call older than pendingTTL, bounding memory
// when a server goes silent without closing its stdout.
func (t *StdioTransport) reapLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			now := time.Now()
			var stale []int64
			t.pendingMu.Lock()
			for id, at := range t.pendingAt {
				if now.Sub(at) > pendingTTL {
					stale = append(stale, id)
				}
			}
			for _, id := range stale {
				if ch, ok := t.pending[id]; ok {
					select {
					case ch <- &JSONRPCResponse{JSONRPC: "2.0", Error: &JSONRPCError{Code: ErrCodeInternalError, Message: "request reaped after exceeding pending TTL"}}:
					default:
					}
					delete(t.pending, id)
					delete(t.pendingAt, id)
				}
			}
			t.pendingMu.Unlock()
			if len(stale) > 0 {
				t.logger.Warn("reaped stale pending requests", "count", len(stale))
			}
		}
	}
}

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/thereseai/therese/internal/models"
)

// fakeTransport is an in-memory Transport double used to exercise Client's
// lifecycle state machine without spawning a subprocess.
type fakeTransport struct {
	connectErr   error
	callErr      error
	connected    bool
	initializeID any
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.connected = false
	return nil
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	switch method {
	case "initialize":
		return json.Marshal(InitializeResult{
			ProtocolVersion: "2024-11-05",
			ServerInfo:      ServerInfo{Name: "fake", Version: "0.1"},
		})
	case "tools/list":
		return json.Marshal(ListToolsResult{Tools: []*MCPTool{{Name: "search"}}})
	default:
		return json.Marshal(map[string]any{})
	}
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error {
	return nil
}
func (f *fakeTransport) Events() <-chan *JSONRPCNotification { return make(chan *JSONRPCNotification) }
func (f *fakeTransport) Requests() <-chan *JSONRPCRequest    { return make(chan *JSONRPCRequest) }
func (f *fakeTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	return nil
}
func (f *fakeTransport) Connected() bool { return f.connected }

func newTestClient(t *testing.T, transport Transport) *Client {
	t.Helper()
	return &Client{
		config:    &ServerConfig{ID: "srv1", Name: "Server 1"},
		transport: transport,
		logger:    slog.Default(),
		state:     models.MCPStopped,
	}
}

func TestClientConnectTransitionsToRunning(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})
	if c.State() != models.MCPStopped {
		t.Fatalf("expected initial state stopped, got %s", c.State())
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != models.MCPRunning {
		t.Errorf("expected state running after successful connect, got %s", c.State())
	}
	if c.LastError() != "" {
		t.Errorf("expected no last error, got %q", c.LastError())
	}
	if len(c.Tools()) != 1 || c.Tools()[0].Name != "search" {
		t.Errorf("expected tools refreshed from initialize handshake, got %v", c.Tools())
	}
}

func TestClientConnectTransportFailureSetsError(t *testing.T) {
	c := newTestClient(t, &fakeTransport{connectErr: errors.New("spawn failed")})

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect to fail")
	}
	if c.State() != models.MCPError {
		t.Errorf("expected state error after failed connect, got %s", c.State())
	}
	if c.LastError() == "" {
		t.Error("expected a recorded last error")
	}
}

func TestClientConnectHandshakeFailureSetsError(t *testing.T) {
	c := newTestClient(t, &fakeTransport{callErr: errors.New("initialize rejected")})

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect to fail")
	}
	if c.State() != models.MCPError {
		t.Errorf("expected state error after failed handshake, got %s", c.State())
	}
}

func TestClientCloseTransitionsToStopped(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.State() != models.MCPStopped {
		t.Errorf("expected state stopped after Close, got %s", c.State())
	}
	if len(c.Tools()) != 0 {
		t.Error("expected tools cleared after Close")
	}
}

func TestClientMarkCrashedTransitionsFromRunning(t *testing.T) {
	c := newTestClient(t, &fakeTransport{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.MarkCrashed(errors.New("unexpected EOF"))
	if c.State() != models.MCPCrashed {
		t.Errorf("expected state crashed, got %s", c.State())
	}
	if c.LastError() == "" {
		t.Error("expected a recorded crash error")
	}
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/thereseai/therese/internal/models"
	"github.com/thereseai/therese/internal/preferences"
)

var toolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "therese_mcp_tool_call_seconds",
	Help:    "Latency of an MCP tool call, from dispatch to result, labeled by server and tool.",
	Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
}, []string{"server_id", "tool", "status"})

// Manager manages multiple MCP server connections. The configured server
// list is sourced from preferences.Store, the single persisted record of
// which servers exist; Config.Servers mirrors it in memory so the rest of
// the package can keep working with its own ServerConfig type.
type Manager struct {
	config          *Config
	logger          *slog.Logger
	clients         map[string]*Client
	samplingHandler SamplingHandler
	mu              sync.RWMutex
}

// Config holds the MCP manager configuration.
type Config struct {
	Enabled bool            `yaml:"enabled"`
	Servers []*ServerConfig `yaml:"servers"`
}

// NewManager creates a new MCP manager.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &Config{Enabled: true}
	}

	return &Manager{
		config:  cfg,
		logger:  logger.With("component", "mcp"),
		clients: make(map[string]*Client),
	}
}

// modelToServerConfig converts the persisted record to the package's own
// wire-level config. Every persisted server is a stdio server: the
// preferences schema has no URL field, so http-transport servers (if any
// are ever added) would need a separate config path.
func modelToServerConfig(srv models.MCPServer) *ServerConfig {
	return &ServerConfig{
		ID:        srv.ID,
		Name:      srv.Name,
		Transport: TransportStdio,
		Command:   srv.Command,
		Args:      srv.Args,
		Env:       srv.Env,
		WorkDir:   srv.WorkDir,
		AutoStart: srv.AutoStart,
	}
}

// sameCommand reports whether two servers would spawn the identical
// subprocess, the uniqueness constraint a new server must not violate.
func sameCommand(a, b *ServerConfig) bool {
	if a.Command != b.Command || len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	return true
}

// LoadFromPreferences replaces the in-memory server list with the one
// persisted in prefs and connects every auto_start server.
func (m *Manager) LoadFromPreferences(ctx context.Context, prefs *preferences.Store) error {
	servers, err := prefs.MCPServers()
	if err != nil {
		return fmt.Errorf("mcp: load servers from preferences: %w", err)
	}

	m.mu.Lock()
	m.config.Servers = make([]*ServerConfig, 0, len(servers))
	for _, srv := range servers {
		m.config.Servers = append(m.config.Servers, modelToServerConfig(srv))
	}
	m.mu.Unlock()

	return m.Start(ctx)
}

// AddServer validates id/command uniqueness, persists the server via
// prefs, registers it in memory, and connects it if AutoStart is set.
func (m *Manager) AddServer(ctx context.Context, prefs *preferences.Store, srv models.MCPServer) error {
	next := modelToServerConfig(srv)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("mcp: invalid server config: %w", err)
	}

	m.mu.RLock()
	for _, existing := range m.config.Servers {
		if existing.ID == next.ID {
			m.mu.RUnlock()
			return fmt.Errorf("mcp: server id %q already exists", next.ID)
		}
		if sameCommand(existing, next) {
			m.mu.RUnlock()
			return fmt.Errorf("mcp: a server with command %q args %v is already configured as %q", next.Command, next.Args, existing.ID)
		}
	}
	m.mu.RUnlock()

	if err := prefs.UpsertMCPServer(srv); err != nil {
		return fmt.Errorf("mcp: persist server: %w", err)
	}

	m.mu.Lock()
	m.config.Servers = append(m.config.Servers, next)
	m.mu.Unlock()

	if next.AutoStart {
		return m.Connect(ctx, next.ID)
	}
	return nil
}

// RemoveServer disconnects the server if connected, then deletes it from
// both the in-memory config and prefs.
func (m *Manager) RemoveServer(prefs *preferences.Store, id string) error {
	_ = m.Disconnect(id)

	m.mu.Lock()
	out := m.config.Servers[:0]
	for _, cfg := range m.config.Servers {
		if cfg.ID != id {
			out = append(out, cfg)
		}
	}
	m.config.Servers = out
	m.mu.Unlock()

	return prefs.RemoveMCPServer(id)
}

// Start connects to all configured MCP servers with auto_start enabled.
func (m *Manager) Start(ctx context.Context) error {
	if m.config == nil || !m.config.Enabled {
		m.logger.Debug("MCP disabled")
		return nil
	}

	m.mu.RLock()
	servers := append([]*ServerConfig(nil), m.config.Servers...)
	m.mu.RUnlock()

	for _, serverCfg := range servers {
		if !serverCfg.AutoStart {
			continue
		}

		if err := m.Connect(ctx, serverCfg.ID); err != nil {
			m.logger.Error("failed to connect to MCP server",
				"server", serverCfg.ID,
				"error", err)
			// Continue with other servers
		}
	}

	return nil
}

// Stop disconnects from all MCP servers.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error("failed to close MCP client",
				"server", id,
				"error", err)
		}
		delete(m.clients, id)
	}

	return nil
}

// Connect connects to a specific MCP server by ID.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	// Find server config
	m.mu.RLock()
	var serverCfg *ServerConfig
	for _, cfg := range m.config.Servers {
		if cfg.ID == serverID {
			serverCfg = cfg
			break
		}
	}
	_, exists := m.clients[serverID]
	m.mu.RUnlock()

	if serverCfg == nil {
		return fmt.Errorf("server %q not found in config", serverID)
	}
	if exists {
		return nil
	}

	// Create and connect client
	client := NewClient(serverCfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.clients[serverID] = client
	handler := m.samplingHandler
	m.mu.Unlock()

	if handler != nil {
		client.HandleSampling(handler)
	}

	m.logger.Info("connected to MCP server",
		"server", serverID,
		"name", client.ServerInfo().Name)

	return nil
}

// Disconnect disconnects from a specific MCP server.
func (m *Manager) Disconnect(serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[serverID]
	if !exists {
		return nil
	}

	if err := client.Close(); err != nil {
		return err
	}

	delete(m.clients, serverID)
	m.logger.Info("disconnected from MCP server", "server", serverID)

	return nil
}

// SetSamplingHandler registers the handler used for server-initiated
// sampling requests on every currently connected client, and on any
// client connected afterward.
func (m *Manager) SetSamplingHandler(handler SamplingHandler) {
	m.mu.Lock()
	m.samplingHandler = handler
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	if handler == nil {
		return
	}
	for _, c := range clients {
		c.HandleSampling(handler)
	}
}

// Client returns a client for a specific server.
func (m *Manager) Client(serverID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, exists := m.clients[serverID]
	return client, exists
}

// Clients returns all connected clients.
func (m *Manager) Clients() map[string]*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*Client, len(m.clients))
	for id, client := range m.clients {
		result[id] = client
	}
	return result
}

// AllTools returns all tools from all connected servers.
func (m *Manager) AllTools() map[string][]*MCPTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]*MCPTool)
	for id, client := range m.clients {
		if tools := client.Tools(); len(tools) > 0 {
			result[id] = tools
		}
	}
	return result
}

// AllResources returns all resources from all connected servers.
func (m *Manager) AllResources() map[string][]*MCPResource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]*MCPResource)
	for id, client := range m.clients {
		if resources := client.Resources(); len(resources) > 0 {
			result[id] = resources
		}
	}
	return result
}

// AllPrompts returns all prompts from all connected servers.
func (m *Manager) AllPrompts() map[string][]*MCPPrompt {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]*MCPPrompt)
	for id, client := range m.clients {
		if prompts := client.Prompts(); len(prompts) > 0 {
			result[id] = prompts
		}
	}
	return result
}

// splitQualifiedName splits "<server_id>__<tool>" on its first "__"
// separator, the inverse of models.MCPTool.QualifiedName.
func splitQualifiedName(qualified string) (serverID, name string, ok bool) {
	idx := strings.Index(qualified, "__")
	if idx < 0 {
		return "", "", false
	}
	return qualified[:idx], qualified[idx+2:], true
}

// CallTool calls a tool addressed by its "<server_id>__<tool>" qualified
// name, routing to the owning server.
func (m *Manager) CallTool(ctx context.Context, qualifiedName string, arguments map[string]any) (*ToolCallResult, error) {
	serverID, toolName, ok := splitQualifiedName(qualifiedName)
	if !ok {
		return nil, fmt.Errorf("mcp: %q is not a qualified tool name", qualifiedName)
	}

	client, exists := m.Client(serverID)
	if !exists {
		return nil, fmt.Errorf("server %q not connected", serverID)
	}

	if _, tool := m.FindTool(qualifiedName); tool != nil {
		if err := validateArguments(tool, arguments); err != nil {
			toolCallDuration.WithLabelValues(serverID, toolName, "rejected").Observe(0)
			return &ToolCallResult{
				IsError: true,
				Content: []ToolResultContent{{Type: "text", Text: err.Error()}},
			}, nil
		}
	}

	start := time.Now()
	result, err := client.CallTool(ctx, toolName, arguments)
	status := "success"
	if err != nil || (result != nil && result.IsError) {
		status = "error"
	}
	toolCallDuration.WithLabelValues(serverID, toolName, status).Observe(time.Since(start).Seconds())
	return result, err
}

// FindTool finds a tool by its qualified "<server_id>__<tool>" name.
// Returns the server ID and tool definition, or empty string if not found.
func (m *Manager) FindTool(qualifiedName string) (serverID string, tool *MCPTool) {
	wantServer, wantName, ok := splitQualifiedName(qualifiedName)
	if !ok {
		return "", nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	client, exists := m.clients[wantServer]
	if !exists {
		return "", nil
	}
	for _, t := range client.Tools() {
		if t.Name == wantName {
			return wantServer, t
		}
	}
	return "", nil
}

// ReadResource reads a resource from a specific server.
func (m *Manager) ReadResource(ctx context.Context, serverID string, uri string) ([]*ResourceContent, error) {
	client, exists := m.Client(serverID)
	if !exists {
		return nil, fmt.Errorf("server %q not connected", serverID)
	}

	return client.ReadResource(ctx, uri)
}

// GetPrompt gets a prompt from a specific server.
func (m *Manager) GetPrompt(ctx context.Context, serverID string, name string, arguments map[string]string) (*GetPromptResult, error) {
	client, exists := m.Client(serverID)
	if !exists {
		return nil, fmt.Errorf("server %q not connected", serverID)
	}

	return client.GetPrompt(ctx, name, arguments)
}

// ToolSchema represents the JSON schema for a tool, used by LLMs. Name is
// the qualified "<server_id>__<tool>" form so the facade can route a
// returned tool call straight back to CallTool.
type ToolSchema struct {
	ServerID    string          `json:"server_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolSchemas returns tool schemas suitable for LLM tool definitions.
func (m *Manager) ToolSchemas() []ToolSchema {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var schemas []ToolSchema
	for id, client := range m.clients {
		for _, tool := range client.Tools() {
			qualified := models.MCPTool{ServerID: id, Name: tool.Name}.QualifiedName()
			schemas = append(schemas, ToolSchema{
				ServerID:    id,
				Name:        qualified,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	return schemas
}

// ServerStatus represents the status of an MCP server.
type ServerStatus struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Connected bool                  `json:"connected"`
	State     models.MCPServerState `json:"state"`
	LastError string                `json:"last_error,omitempty"`
	Server    ServerInfo            `json:"server"`
	Tools     int                   `json:"tools"`
	Resources int                   `json:"resources"`
	Prompts   int                   `json:"prompts"`
}

// Status returns the status of all configured servers.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var statuses []ServerStatus
	for _, cfg := range m.config.Servers {
		status := ServerStatus{
			ID:    cfg.ID,
			Name:  cfg.Name,
			State: models.MCPStopped,
		}

		if client, exists := m.clients[cfg.ID]; exists {
			status.Connected = client.Connected()
			status.State = client.State()
			status.LastError = client.LastError()
			status.Server = client.ServerInfo()
			status.Tools = len(client.Tools())
			status.Resources = len(client.Resources())
			status.Prompts = len(client.Prompts())
		}

		statuses = append(statuses, status)
	}

	return statuses
}

// Package config loads and validates therese's on-disk configuration: one
// YAML file plus a handful of environment-variable overrides, following the
// same one-struct-per-concern layout and gopkg.in/yaml.v3 tagging the
// teacher repo uses for its own config tree.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object, unmarshalled from
// `<data_dir>/config.yaml` and overlaid with environment variables.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	LLM         LLMConfig         `yaml:"llm"`
	MCP         MCPConfig         `yaml:"mcp"`
	Board       BoardConfig       `yaml:"board"`
	Security    SecurityConfig    `yaml:"security"`
	Storage     StorageConfig     `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the HTTP/SSE listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LLMConfig names the known providers and which one is preferred when no
// persisted preference exists yet.
type LLMConfig struct {
	// DefaultProvider is tried first; PreferenceOrder is the fallback chain
	// used when DefaultProvider has no usable API key.
	DefaultProvider string   `yaml:"default_provider"`
	PreferenceOrder []string `yaml:"preference_order"`
	// ContextWindowTokens is the provider-agnostic fallback context size
	// used when a model's own catalog entry doesn't specify one.
	ContextWindowTokens int `yaml:"context_window_tokens"`
}

// MCPConfig points at the persisted server-list file.
type MCPConfig struct {
	ServersFile string `yaml:"servers_file"`
}

// BoardConfig tunes the deliberation engine.
type BoardConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

// SecurityConfig tunes the security envelope.
type SecurityConfig struct {
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	StrictInjectionMode bool  `yaml:"strict_injection_mode"`
	SandboxRoot        string `yaml:"sandbox_root"`
}

// StorageConfig locates the relational store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ObservabilityConfig toggles metrics/tracing export.
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
}

// Defaults returns a Config with the same baseline values a fresh
// `~/.therese` install starts with.
func Defaults(dataDir string) Config {
	return Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8787},
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
			PreferenceOrder: []string{"anthropic", "anthropic-bedrock", "openai", "gemini", "mistral", "grok", "ollama"},
			ContextWindowTokens: 200000,
		},
		MCP: MCPConfig{ServersFile: filepath.Join(dataDir, "mcp_servers.json")},
		Board: BoardConfig{QueueCapacity: 64},
		Security: SecurityConfig{
			RateLimitPerMinute:  60,
			StrictInjectionMode: true,
			SandboxRoot:         filepath.Join(dataDir, "outputs"),
		},
		Storage: StorageConfig{DatabasePath: filepath.Join(dataDir, "therese.db")},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			MetricsAddr:    "127.0.0.1:9090",
		},
	}
}

// Load reads config.yaml under dataDir, falling back to defaults for any
// fields the file omits, matching the teacher's layered-defaults loader.
func Load(dataDir string) (Config, error) {
	cfg := Defaults(dataDir)
	path := filepath.Join(dataDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// DataDir resolves the THERESE_DATA_DIR override or the default
// ~/.therese location.
func DataDir() string {
	if v := os.Getenv("THERESE_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".therese")
}

// Env reports the deployment environment (development/production), read
// from THERESE_ENV and defaulting to "development".
func Env() string {
	if v := os.Getenv("THERESE_ENV"); v != "" {
		return v
	}
	return "development"
}

// ProviderAPIKeyEnvVars maps each provider tag to the environment variable
// fallback consulted when no encrypted preference is set.
var ProviderAPIKeyEnvVars = map[string][]string{
	"anthropic": {"ANTHROPIC_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"mistral":   {"MISTRAL_API_KEY"},
	"grok":      {"XAI_API_KEY"},
	"openrouter": {"OPENROUTER_API_KEY"},
	"groq":      {"GROQ_API_KEY"},
}

// LookupAPIKeyEnv returns the first set environment variable for provider.
func LookupAPIKeyEnv(provider string) string {
	for _, name := range ProviderAPIKeyEnvVars[provider] {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

const (
	// RequestTimeoutDefault bounds non-streaming utility calls.
	RequestTimeoutDefault = 30 * time.Second
	// OllamaReadTimeout is longer since local models can be slow to warm up.
	OllamaReadTimeout = 120 * time.Second
)

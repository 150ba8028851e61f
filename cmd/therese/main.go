// Command therese runs the local-first assistant daemon: it loads
// encrypted preferences, wires up every configured LLM provider, starts
// the MCP supervisor, and serves the HTTP+SSE API the desktop shell talks
// to. Lifecycle (signal handling, graceful shutdown) follows the same
// shape as the teacher's own daemon entry points.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thereseai/therese/internal/agent"
	"github.com/thereseai/therese/internal/agent/providers"
	"github.com/thereseai/therese/internal/board"
	"github.com/thereseai/therese/internal/config"
	"github.com/thereseai/therese/internal/httpapi"
	"github.com/thereseai/therese/internal/llm"
	"github.com/thereseai/therese/internal/mcp"
	"github.com/thereseai/therese/internal/observability"
	"github.com/thereseai/therese/internal/preferences"
	"github.com/thereseai/therese/internal/ratelimit"
	"github.com/thereseai/therese/internal/security"
	"github.com/thereseai/therese/internal/storage"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	var dataDir string

	rootCmd := &cobra.Command{
		Use:   "therese",
		Short: "Therese - a local-first personal assistant daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				dataDir = config.DataDir()
			}
			return run(dataDir)
		},
	}
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "override the data directory (default ~/.therese)")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("therese %s\n", Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("therese: create data dir: %w", err)
	}

	cfg, err := config.Load(dataDir)
	if err != nil {
		return fmt.Errorf("therese: load config: %w", err)
	}

	logFormat := "json"
	if config.Env() == "development" {
		logFormat = "text"
	}
	appLog := observability.NewLogger(observability.LogConfig{
		Level:  envOr("THERESE_LOG_LEVEL", "info"),
		Format: logFormat,
	})
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(envOr("THERESE_LOG_LEVEL", "info")),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLog.Info(ctx, "starting therese", "version", Version, "data_dir", dataDir, "env", config.Env())

	for _, finding := range security.PostureCheck(dataDir) {
		appLog.Warn(ctx, "posture finding", "check", finding.CheckID, "severity", finding.Severity.String(), "detail", finding.Detail)
	}

	encryptor, err := security.NewEncryptor(dataDir)
	if err != nil {
		return fmt.Errorf("therese: init encryption: %w", err)
	}

	prefs, err := preferences.Load(dataDir, encryptor)
	if err != nil {
		return fmt.Errorf("therese: load preferences: %w", err)
	}

	sessions, err := security.NewSessionManager(dataDir)
	if err != nil {
		return fmt.Errorf("therese: init session manager: %w", err)
	}

	stores, err := storage.OpenSQLite(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("therese: open storage: %w", err)
	}
	defer stores.Close()

	facade := llm.New(prefs, providerFactories(cfg))

	var tracer *observability.Tracer
	var shutdownTracer func(context.Context) error
	if cfg.Observability.OTLPEndpoint != "" {
		tracer, shutdownTracer = observability.NewTracer(observability.TraceConfig{
			ServiceName:    "therese",
			ServiceVersion: Version,
			Environment:    config.Env(),
			Endpoint:       cfg.Observability.OTLPEndpoint,
			SamplingRate:   1.0,
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracer(shutdownCtx)
		}()
	}

	boardEngine := board.New(facade, stores.Decisions,
		board.WithLogger(logger),
		board.WithTracer(tracer),
	)

	mcpManager := mcp.NewManager(&mcp.Config{Enabled: true}, logger)
	if err := mcpManager.LoadFromPreferences(ctx, prefs); err != nil {
		appLog.Warn(ctx, "failed to load mcp servers from preferences", "error", err)
	}
	if err := mcpManager.Start(ctx); err != nil {
		appLog.Warn(ctx, "mcp manager start reported errors", "error", err)
	}
	defer func() {
		if err := mcpManager.Stop(); err != nil {
			appLog.Warn(ctx, "mcp manager stop reported errors", "error", err)
		}
	}()

	server := httpapi.New(httpapi.Deps{
		Facade:          facade,
		Board:           boardEngine,
		MCP:             mcpManager,
		Prefs:           prefs,
		Stores:          stores,
		Sessions:        sessions,
		RateLimit:       ratelimitConfig(cfg),
		StrictInjection: cfg.Security.StrictInjectionMode,
		AllowedOrigins:  []string{"http://localhost:8787", "app://therese"},
		Logger:          logger,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	if err := server.Start(addr); err != nil {
		return fmt.Errorf("therese: start http server: %w", err)
	}

	appLog.Info(ctx, "therese is listening", "addr", addr, "session_token_file", security.SessionTokenFile)

	<-ctx.Done()
	appLog.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ratelimitConfig(cfg config.Config) ratelimit.Config {
	rc := ratelimit.DefaultConfig()
	if cfg.Security.RateLimitPerMinute > 0 {
		rc.RequestsPerSecond = float64(cfg.Security.RateLimitPerMinute) / 60.0
		rc.BurstSize = cfg.Security.RateLimitPerMinute / 3
		if rc.BurstSize < 1 {
			rc.BurstSize = 1
		}
	}
	return rc
}

// providerFactories builds the llm.ProviderFactory map for every backend
// therese knows how to speak to. Each factory is only ever invoked once an
// API key has actually resolved (or, for Ollama, unconditionally - it has
// no key), so building the map up front costs nothing for providers the
// user never configures.
func providerFactories(cfg config.Config) map[string]llm.ProviderFactory {
	return map[string]llm.ProviderFactory{
		"anthropic": func(ctx context.Context, apiKey string) (agent.LLMProvider, error) {
			return providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:       apiKey,
				DefaultModel: "claude-sonnet-4-5",
				MaxRetries:   3,
			})
		},
		"anthropic-bedrock": func(ctx context.Context, apiKey string) (agent.LLMProvider, error) {
			return providers.NewBedrockProvider(ctx, providers.BedrockConfig{
				Region:       envOr("AWS_REGION", "us-east-1"),
				DefaultModel: "anthropic.claude-3-5-sonnet-20241022-v2:0",
				MaxRetries:   3,
			})
		},
		"openai": func(ctx context.Context, apiKey string) (agent.LLMProvider, error) {
			return providers.NewOpenAIProvider(providers.OpenAIConfig{
				Name:         "openai",
				APIKey:       apiKey,
				DefaultModel: "gpt-4o",
				MaxRetries:   3,
			})
		},
		"gemini": func(ctx context.Context, apiKey string) (agent.LLMProvider, error) {
			return providers.NewGoogleProvider(ctx, providers.GoogleConfig{
				APIKey:          apiKey,
				DefaultModel:    "gemini-2.0-flash",
				MaxRetries:      3,
				EnableGrounding: true,
			})
		},
		"mistral": func(ctx context.Context, apiKey string) (agent.LLMProvider, error) {
			return providers.NewOpenAIProvider(providers.OpenAIConfig{
				Name:         "mistral",
				APIKey:       apiKey,
				BaseURL:      "https://api.mistral.ai/v1",
				DefaultModel: "mistral-large-latest",
				MaxRetries:   3,
			})
		},
		"grok": func(ctx context.Context, apiKey string) (agent.LLMProvider, error) {
			return providers.NewOpenAIProvider(providers.OpenAIConfig{
				Name:         "grok",
				APIKey:       apiKey,
				BaseURL:      "https://api.x.ai/v1",
				DefaultModel: "grok-2-latest",
				MaxRetries:   3,
			})
		},
		"ollama": func(ctx context.Context, apiKey string) (agent.LLMProvider, error) {
			return providers.NewOllamaProvider(providers.OllamaConfig{
				BaseURL:      envOr("OLLAMA_BASE_URL", "http://localhost:11434"),
				DefaultModel: envOr("OLLAMA_DEFAULT_MODEL", "llama3.2"),
				Timeout:      config.OllamaReadTimeout,
			}), nil
		},
	}
}

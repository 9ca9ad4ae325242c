package daemon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tradeglance/companion/internal/thread"
)

// Config holds the daemon configuration.
type Config struct {
	Name     string `json:"name"`
	LogLevel string `json:"log_level,omitempty"`

	// LLM providers
	LLM LLMConfig `json:"llm"`

	// Agent turn limits
	Agent AgentConfig `json:"agent"`

	// Tool collaborators
	Tools ToolsConfig `json:"tools"`

	// Thread persistence
	Store thread.Config `json:"store"`

	// Matrix channel (optional)
	Matrix MatrixConfig `json:"matrix"`

	// Workspace HTTP API
	Workspace WorkspaceConfig `json:"workspace"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	// Chat answers the user and calls tools.
	Chat ProviderConfig `json:"chat"`
	// Fast writes thread titles. Falls back to Chat when unset.
	Fast ProviderConfig `json:"fast"`

	RetryAttempts int    `json:"retry_attempts,omitempty"` // default 3
	RetryBackoff  string `json:"retry_backoff,omitempty"`  // e.g. "1s"
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Provider      string  `json:"provider"`                 // "anthropic", "gemini", "openai"
	Model         string  `json:"model"`                    // e.g. "gemini-2.5-flash"
	APIKey        string  `json:"api_key"`                  // can use env var reference: "$GOOGLE_API_KEY"
	BaseURL       string  `json:"base_url,omitempty"`       // optional override
	ContextWindow int     `json:"context_window,omitempty"` // max input tokens
	MaxOutput     int     `json:"max_output,omitempty"`     // max output tokens per request
	Temperature   float64 `json:"temperature,omitempty"`
	Timeout       string  `json:"timeout,omitempty"` // e.g. "120s"
}

// AgentConfig bounds a turn.
type AgentConfig struct {
	MaxCycles    int    `json:"max_cycles,omitempty"`    // default 8
	TitleTimeout string `json:"title_timeout,omitempty"` // e.g. "30s"
}

// ToolsConfig configures the tools and the services behind them.
type ToolsConfig struct {
	Timeout     string `json:"timeout,omitempty"` // per call, default "10s"
	SearchCount int    `json:"search_count,omitempty"`

	Search SearchConfig `json:"search"`
	Quotes QuotesConfig `json:"quotes"`
}

// SearchConfig selects the web search backend.
type SearchConfig struct {
	Provider   string `json:"provider"`              // "duckduckgo" (default), "searxng", "none"
	SearXNGURL string `json:"searxng_url,omitempty"` // e.g. http://searxng:8080
	Timeout    string `json:"timeout,omitempty"`
	Language   string `json:"language,omitempty"` // "en" for SearXNG, "us-en" for DuckDuckGo
}

// QuotesConfig configures Alpha Vantage.
type QuotesConfig struct {
	APIKey            string `json:"api_key"`
	BaseURL           string `json:"base_url,omitempty"`
	Timeout           string `json:"timeout,omitempty"`             // default "10s"
	RequestsPerMinute int    `json:"requests_per_minute,omitempty"` // free tier allows 5
}

// MatrixConfig holds Matrix connection settings. An empty Homeserver
// disables the channel.
type MatrixConfig struct {
	Homeserver   string   `json:"homeserver"`    // e.g., http://synapse:8008
	UserID       string   `json:"user_id"`       // e.g., @companion:matrix.example.com
	Password     string   `json:"password"`      // bot password
	ServerName   string   `json:"server_name"`   // e.g., matrix.example.com
	AllowedUsers []string `json:"allowed_users"` // who can talk to the bot
	DataDir      string   `json:"data_dir"`      // device id and sync token
}

// WorkspaceConfig holds workspace API configuration.
type WorkspaceConfig struct {
	SocketPath string `json:"socket_path"` // Unix socket path
	TCPAddr    string `json:"tcp_addr"`    // TCP address (e.g. ":8090")
	Enabled    bool   `json:"enabled"`
}

// LoadConfig reads config from a file path or environment.
// If path is empty, the config is built from environment variables.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		cfg := defaultConfig()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Resolve env var references in all $-prefixed values
	cfg.LLM.Chat.APIKey = resolveEnv(cfg.LLM.Chat.APIKey)
	cfg.LLM.Fast.APIKey = resolveEnv(cfg.LLM.Fast.APIKey)
	cfg.LLM.Chat.BaseURL = resolveEnv(cfg.LLM.Chat.BaseURL)
	cfg.LLM.Fast.BaseURL = resolveEnv(cfg.LLM.Fast.BaseURL)
	cfg.Tools.Quotes.APIKey = resolveEnv(cfg.Tools.Quotes.APIKey)
	cfg.Tools.Search.SearXNGURL = resolveEnv(cfg.Tools.Search.SearXNGURL)
	cfg.Store.DSN = resolveEnv(cfg.Store.DSN)
	cfg.Store.TitleDSN = resolveEnv(cfg.Store.TitleDSN)
	cfg.Matrix.Homeserver = resolveEnv(cfg.Matrix.Homeserver)
	cfg.Matrix.UserID = resolveEnv(cfg.Matrix.UserID)
	cfg.Matrix.Password = resolveEnv(cfg.Matrix.Password)
	cfg.Matrix.ServerName = resolveEnv(cfg.Matrix.ServerName)

	return cfg, cfg.Validate()
}

// Validate rejects settings the daemon can't start with.
func (c *Config) Validate() error {
	for _, b := range []string{c.Store.Backend, c.Store.TitleBackend} {
		switch b {
		case "", thread.BackendSQLite, thread.BackendPostgres, thread.BackendMemory:
		default:
			return fmt.Errorf("config: unknown store backend %q", b)
		}
	}
	for _, p := range []ProviderConfig{c.LLM.Chat, c.LLM.Fast} {
		switch p.Provider {
		case "", "anthropic", "gemini", "openai":
		default:
			return fmt.Errorf("config: unknown llm provider %q", p.Provider)
		}
	}
	switch c.Tools.Search.Provider {
	case "", "duckduckgo", "searxng", "none":
	default:
		return fmt.Errorf("config: unknown search provider %q", c.Tools.Search.Provider)
	}
	if c.Tools.Search.Provider == "searxng" && c.Tools.Search.SearXNGURL == "" {
		return fmt.Errorf("config: searxng search requires searxng_url")
	}
	if c.Agent.MaxCycles < 0 {
		return fmt.Errorf("config: max_cycles must not be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// historyBudgetRatio is the share of the context window given to history.
// The rest covers the system prompt, tool schemas and the reply.
const historyBudgetRatio = 0.60

// historyTokenBudget is the token budget for history sent to p.
func historyTokenBudget(p ProviderConfig) int {
	if p.ContextWindow <= 0 {
		return 0
	}
	return int(float64(p.ContextWindow) * historyBudgetRatio)
}

// resolveEnv replaces $ENV_VAR references with actual values.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

// defaultConfig returns a config using environment variables.
func defaultConfig() *Config {
	chat, fast := defaultProviders()
	return &Config{
		Name:     "companion",
		LogLevel: envOr("COMPANION_LOG_LEVEL", "info"),
		LLM: LLMConfig{
			Chat:          chat,
			Fast:          fast,
			RetryAttempts: envInt("COMPANION_LLM_RETRIES", 3),
			RetryBackoff:  "1s",
		},
		Agent: AgentConfig{
			MaxCycles:    envInt("COMPANION_MAX_CYCLES", 8),
			TitleTimeout: "30s",
		},
		Tools: ToolsConfig{
			Timeout:     envOr("COMPANION_TOOL_TIMEOUT", "10s"),
			SearchCount: 5,
			Search: SearchConfig{
				Provider:   envOr("COMPANION_SEARCH_PROVIDER", "duckduckgo"),
				SearXNGURL: envOr("COMPANION_SEARXNG_URL", ""),
				Timeout:    "10s",
				Language:   envOr("COMPANION_SEARCH_LANGUAGE", ""),
			},
			Quotes: QuotesConfig{
				APIKey:            os.Getenv("ALPHAVANTAGE_API_KEY"),
				Timeout:           "10s",
				RequestsPerMinute: envInt("ALPHAVANTAGE_REQUESTS_PER_MINUTE", 5),
			},
		},
		Store: thread.Config{
			Backend:             envOr("COMPANION_STORE_BACKEND", thread.BackendSQLite),
			DSN:                 envOr("COMPANION_STORE_DSN", "companion.db"),
			TitleBackend:        envOr("COMPANION_TITLE_BACKEND", ""),
			TitleDSN:            envOr("COMPANION_TITLE_DSN", ""),
			AllowMemoryFallback: envBool("COMPANION_ALLOW_MEMORY_FALLBACK"),
		},
		Matrix: MatrixConfig{
			Homeserver:   envOr("MATRIX_HOMESERVER", ""),
			UserID:       envOr("MATRIX_BOT_USER", "companion"),
			Password:     envOr("MATRIX_BOT_PASSWORD", ""),
			ServerName:   envOr("MATRIX_SERVER_NAME", ""),
			AllowedUsers: envList("MATRIX_ALLOWED_USERS"),
			DataDir:      envOr("COMPANION_DATA_DIR", "data"),
		},
		Workspace: WorkspaceConfig{
			Enabled:    envOr("COMPANION_WORKSPACE_ENABLED", "true") != "false",
			SocketPath: envOr("COMPANION_WORKSPACE_SOCKET", DefaultSocketPath),
			TCPAddr:    envOr("COMPANION_WORKSPACE_TCP", ":8090"),
		},
	}
}

// defaultProviders picks Anthropic when its key is present and Gemini
// otherwise. COMPANION_LLM_PROVIDER overrides the choice.
func defaultProviders() (chat, fast ProviderConfig) {
	provider := os.Getenv("COMPANION_LLM_PROVIDER")
	if provider == "" {
		provider = "gemini"
		if os.Getenv("ANTHROPIC_API_KEY") != "" && os.Getenv("GOOGLE_API_KEY") == "" {
			provider = "anthropic"
		}
	}

	switch provider {
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		chat = ProviderConfig{
			Provider:      "anthropic",
			Model:         envOr("COMPANION_CHAT_MODEL", "claude-sonnet-4-5"),
			APIKey:        key,
			ContextWindow: 200_000,
			MaxOutput:     4096,
			Temperature:   0.3,
		}
		fast = ProviderConfig{
			Provider:      "anthropic",
			Model:         envOr("COMPANION_FAST_MODEL", "claude-haiku-4-5"),
			APIKey:        key,
			ContextWindow: 200_000,
			MaxOutput:     64,
		}
	default:
		key := os.Getenv("GOOGLE_API_KEY")
		chat = ProviderConfig{
			Provider:      "gemini",
			Model:         envOr("COMPANION_CHAT_MODEL", "gemini-2.5-flash"),
			APIKey:        key,
			ContextWindow: 1_000_000,
			MaxOutput:     4096,
			Temperature:   0.3,
		}
		fast = ProviderConfig{
			Provider:      "gemini",
			Model:         envOr("COMPANION_FAST_MODEL", "gemini-2.5-flash"),
			APIKey:        key,
			ContextWindow: 1_000_000,
			MaxOutput:     64,
		}
	}
	return chat, fast
}

// parseDuration parses s, returning def when s is empty or invalid.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration in config, using default", "value", s, "default", def)
		return def
	}
	return d
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LevelTrace is below slog.LevelDebug and logs full provider payloads.
const LevelTrace = slog.Level(-8)

// ParseLogLevel converts a case-insensitive level name to a slog.Level.
// Accepted: trace, debug, info (or empty), warn/warning, error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames renders LevelTrace as "TRACE". Use it as the
// handler's ReplaceAttr.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

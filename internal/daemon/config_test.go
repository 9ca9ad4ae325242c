package daemon

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tradeglance/companion/internal/thread"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "companion.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "g-key")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("COMPANION_LLM_PROVIDER", "")
	t.Setenv("COMPANION_STORE_BACKEND", "")
	t.Setenv("COMPANION_MAX_CYCLES", "5")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Chat.Provider != "gemini" || cfg.LLM.Chat.APIKey != "g-key" {
		t.Errorf("chat provider = %+v", cfg.LLM.Chat)
	}
	if cfg.Store.Backend != thread.BackendSQLite {
		t.Errorf("store backend = %q, want sqlite", cfg.Store.Backend)
	}
	if cfg.Agent.MaxCycles != 5 {
		t.Errorf("max cycles = %d, want 5", cfg.Agent.MaxCycles)
	}
}

func TestLoadConfigSearchLanguageFromEnv(t *testing.T) {
	t.Setenv("COMPANION_SEARCH_PROVIDER", "")
	t.Setenv("COMPANION_SEARCH_LANGUAGE", "us-en")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tools.Search.Language != "us-en" {
		t.Errorf("search language = %q, want us-en", cfg.Tools.Search.Language)
	}
}

func TestLoadConfigPrefersAnthropicWhenOnlyKey(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "a-key")
	t.Setenv("COMPANION_LLM_PROVIDER", "")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Chat.Provider != "anthropic" || cfg.LLM.Fast.Provider != "anthropic" {
		t.Errorf("providers = %q/%q, want anthropic", cfg.LLM.Chat.Provider, cfg.LLM.Fast.Provider)
	}
}

func TestLoadConfigFileResolvesEnv(t *testing.T) {
	t.Setenv("MY_QUOTES_KEY", "av-secret")
	t.Setenv("MY_PG", "postgres://localhost/companion")

	path := writeConfig(t, `{
		"name": "desk",
		"tools": {"quotes": {"api_key": "$MY_QUOTES_KEY"}, "search": {"provider": "searxng", "searxng_url": "http://searxng:8080", "language": "de"}},
		"store": {"backend": "postgres", "dsn": "$MY_PG", "title_backend": "memory"}
	}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "desk" {
		t.Errorf("name = %q", cfg.Name)
	}
	if cfg.Tools.Quotes.APIKey != "av-secret" {
		t.Errorf("quotes key = %q", cfg.Tools.Quotes.APIKey)
	}
	if cfg.Store.DSN != "postgres://localhost/companion" || cfg.Store.TitleBackend != thread.BackendMemory {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Tools.Search.Language != "de" {
		t.Errorf("search language = %q, want de", cfg.Tools.Search.Language)
	}
	// Unset keys keep their defaults.
	if cfg.Tools.Search.Timeout == "" {
		t.Error("search timeout default lost")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"store backend", func(c *Config) { c.Store.Backend = "mongo" }},
		{"title backend", func(c *Config) { c.Store.TitleBackend = "redis" }},
		{"llm provider", func(c *Config) { c.LLM.Chat.Provider = "kimi" }},
		{"search provider", func(c *Config) { c.Tools.Search.Provider = "bing" }},
		{"searxng without url", func(c *Config) {
			c.Tools.Search.Provider = "searxng"
			c.Tools.Search.SearXNGURL = ""
		}},
		{"negative cycles", func(c *Config) { c.Agent.MaxCycles = -1 }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.LogLevel = "info"
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate accepted an invalid config")
			}
		})
	}

	cfg := defaultConfig()
	cfg.LogLevel = "debug"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{"debug", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("unknown level accepted")
	}
}

func TestHistoryTokenBudget(t *testing.T) {
	if got := historyTokenBudget(ProviderConfig{ContextWindow: 1000}); got != 600 {
		t.Errorf("budget = %d, want 600", got)
	}
	if got := historyTokenBudget(ProviderConfig{}); got != 0 {
		t.Errorf("budget without window = %d, want 0", got)
	}
}

func TestParseDuration(t *testing.T) {
	if got := parseDuration("", time.Second); got != time.Second {
		t.Errorf("empty = %v", got)
	}
	if got := parseDuration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("250ms = %v", got)
	}
	if got := parseDuration("soon", time.Second); got != time.Second {
		t.Errorf("invalid = %v", got)
	}
}

func TestBuildProviderSkipsMissingKey(t *testing.T) {
	if p := buildProvider(ProviderConfig{Provider: "gemini"}); p != nil {
		t.Fatal("provider built without an API key")
	}
	p := buildProvider(ProviderConfig{Provider: "gemini", APIKey: "k", Model: "gemini-2.5-flash"})
	if p == nil || p.Name() != "gemini" {
		t.Fatalf("gemini provider = %v", p)
	}
	p = buildProvider(ProviderConfig{Provider: "anthropic", APIKey: "k", Model: "claude-haiku-4-5"})
	if p == nil {
		t.Fatal("anthropic provider not built")
	}
}

func TestBuildSearch(t *testing.T) {
	if m := buildSearch(SearchConfig{}); !m.Configured() || m.Primary() != "duckduckgo" {
		t.Errorf("default search = %q configured=%v", m.Primary(), m.Configured())
	}
	if m := buildSearch(SearchConfig{Provider: "none"}); m.Configured() {
		t.Error("search 'none' should be unconfigured")
	}
	if m := buildSearch(SearchConfig{Provider: "searxng", SearXNGURL: "http://searxng:8080"}); m.Primary() != "searxng" {
		t.Errorf("searxng primary = %q", m.Primary())
	}
}

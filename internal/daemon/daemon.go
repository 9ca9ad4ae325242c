// Package daemon assembles the companion: providers, tools, the thread
// store, the agent and the surfaces that reach it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tradeglance/companion/internal/agent"
	"github.com/tradeglance/companion/internal/channel/matrix"
	"github.com/tradeglance/companion/internal/llm"
	"github.com/tradeglance/companion/internal/market"
	"github.com/tradeglance/companion/internal/search"
	"github.com/tradeglance/companion/internal/thread"
	"github.com/tradeglance/companion/internal/tools"
	"github.com/tradeglance/companion/pkg/events"
)

// Daemon is the main companion process.
type Daemon struct {
	config  *Config
	router  *llm.Router
	search  *search.Manager
	quotes  *market.Client
	tools   *tools.Registry
	store   *thread.Store
	service *agent.Service
	events  *events.Bus
	matrix  *matrix.Channel // nil when Matrix is not configured

	startedAt time.Time
	healthy   atomic.Bool
}

// New builds every component from cfg. Nothing is shared between daemons.
func New(ctx context.Context, cfg *Config) (*Daemon, error) {
	d := &Daemon{
		config:    cfg,
		startedAt: time.Now(),
		events:    events.NewBus(events.DefaultRecent),
	}

	d.router = llm.NewRouter(buildProviders(cfg.LLM))
	if !d.router.Configured(llm.TierDeep) {
		slog.Warn("no LLM provider configured, replies will explain how to set an API key")
	}

	d.search = buildSearch(cfg.Tools.Search)
	d.quotes = market.New(market.Config{
		APIKey:            cfg.Tools.Quotes.APIKey,
		BaseURL:           cfg.Tools.Quotes.BaseURL,
		Timeout:           parseDuration(cfg.Tools.Quotes.Timeout, 10*time.Second),
		RequestsPerMinute: float64(cfg.Tools.Quotes.RequestsPerMinute),
	})
	if !d.quotes.Configured() {
		slog.Warn("ALPHAVANTAGE_API_KEY not set, get_quote will report it")
	}

	registry, err := tools.NewDefault(d.search, d.quotes, tools.Options{
		Timeout:        parseDuration(cfg.Tools.Timeout, tools.DefaultTimeout),
		QuoteTimeout:   parseDuration(cfg.Tools.Quotes.Timeout, 10*time.Second),
		SearchCount:    cfg.Tools.SearchCount,
		SearchLanguage: cfg.Tools.Search.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}
	d.tools = registry
	slog.Info("tools registered", "tools", registry.Names())

	store, err := thread.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("thread store: %w", err)
	}
	d.store = store

	tokens, err := llm.NewTokenCounter()
	if err != nil {
		// History is sent untrimmed; the provider rejects what doesn't fit.
		slog.Warn("token counter unavailable, history will not be trimmed", "error", err)
	}

	machine := &agent.Machine{
		Model: &agent.RouterModel{
			Router:      d.router,
			Tier:        llm.TierDeep,
			System:      agent.SystemPrompt,
			MaxTokens:   cfg.LLM.Chat.MaxOutput,
			Temperature: cfg.LLM.Chat.Temperature,
		},
		Tools:         registry,
		MaxCycles:     cfg.Agent.MaxCycles,
		Tokens:        tokens,
		HistoryBudget: historyTokenBudget(cfg.LLM.Chat),
		Events:        d.events,
	}
	titles := agent.NewTitleGenerator(
		&agent.RouterModel{
			Router:    d.router,
			Tier:      llm.TierFast,
			MaxTokens: cfg.LLM.Fast.MaxOutput,
		},
		store,
		parseDuration(cfg.Agent.TitleTimeout, agent.DefaultTitleTimeout),
		d.events,
	)
	d.service = agent.NewService(machine, store, titles, d.events)

	if cfg.Matrix.Homeserver != "" {
		d.matrix = matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			Password:     cfg.Matrix.Password,
			ServerName:   cfg.Matrix.ServerName,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			DataDir:      cfg.Matrix.DataDir,
		})
	}

	return d, nil
}

// buildProviders creates one provider per tier. A tier without an API key
// is left out and the router falls back to the other.
func buildProviders(cfg LLMConfig) map[llm.Tier]llm.Provider {
	policy := llm.DefaultRetryPolicy
	if cfg.RetryAttempts > 0 {
		policy.Attempts = cfg.RetryAttempts
	}
	policy.Backoff = parseDuration(cfg.RetryBackoff, policy.Backoff)

	providers := make(map[llm.Tier]llm.Provider)
	for tier, pc := range map[llm.Tier]ProviderConfig{llm.TierDeep: cfg.Chat, llm.TierFast: cfg.Fast} {
		p := buildProvider(pc)
		if p == nil {
			continue
		}
		providers[tier] = llm.WithRetry(p, policy)
		slog.Info("LLM provider configured",
			"tier", tierName(tier),
			"provider", p.Name(),
			"model", pc.Model,
			"retries", policy.Attempts,
		)
	}
	return providers
}

func buildProvider(pc ProviderConfig) llm.Provider {
	if pc.APIKey == "" {
		return nil
	}
	timeout := parseDuration(pc.Timeout, 120*time.Second)
	switch pc.Provider {
	case "anthropic":
		if pc.BaseURL != "" {
			return llm.NewAnthropicCompat("anthropic", pc.BaseURL, pc.APIKey, pc.Model, timeout)
		}
		return llm.NewAnthropic(pc.APIKey, pc.Model, timeout)
	case "openai":
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return llm.NewOpenAICompat("openai", baseURL, pc.APIKey, pc.Model, timeout)
	default: // gemini
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = llm.GeminiOpenAIBaseURL
		}
		return llm.NewOpenAICompat("gemini", baseURL, pc.APIKey, pc.Model, timeout)
	}
}

func buildSearch(cfg SearchConfig) *search.Manager {
	timeout := parseDuration(cfg.Timeout, 10*time.Second)
	m := search.NewManager(cfg.Provider)
	switch cfg.Provider {
	case "none":
		slog.Info("web search disabled")
	case "searxng":
		m.Register(search.NewSearXNG(cfg.SearXNGURL, timeout))
	default:
		m = search.NewManager("duckduckgo")
		m.Register(search.NewDuckDuckGo(search.DefaultDuckDuckGoURL, timeout))
	}
	if m.Configured() {
		slog.Info("web search configured", "provider", m.Primary())
	}
	return m
}

func tierName(t llm.Tier) string {
	switch t {
	case llm.TierFast:
		return "fast"
	case llm.TierMid:
		return "mid"
	default:
		return "chat"
	}
}

// Run serves the workspace API and the Matrix channel until ctx is
// cancelled or a surface fails.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("companion daemon running",
		"name", d.config.Name,
		"chat", d.router.ProviderName(llm.TierDeep),
		"store", d.config.Store.Backend,
		"durable", d.store.Durable(),
		"matrix", d.matrix != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	if d.config.Workspace.Enabled {
		g.Go(func() error { return d.serveWorkspace(gctx) })
	}

	if d.matrix != nil {
		rooms := &roomHandler{service: d.service, rooms: d.matrix}
		g.Go(func() error {
			slog.Info("starting matrix channel")
			if err := d.matrix.Start(gctx, rooms.handle); err != nil && gctx.Err() == nil {
				return fmt.Errorf("matrix channel fatal error: %w", err)
			}
			return nil
		})
	}

	d.healthy.Store(true)
	d.events.Publish(events.Event{Type: events.Status, Message: "companion ready"})

	<-gctx.Done()
	d.healthy.Store(false)
	if d.matrix != nil {
		d.matrix.Stop()
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("companion daemon stopped")
	return err
}

// Close waits for background work and releases the store.
func (d *Daemon) Close() error {
	d.service.Close()
	d.events.Close()
	return d.store.Close()
}

// health is the /v1/health snapshot.
func (d *Daemon) health() healthResponse {
	status := "starting"
	if d.healthy.Load() {
		status = "ok"
	}
	return healthResponse{
		Status:  status,
		Uptime:  time.Since(d.startedAt).Round(time.Second).String(),
		Durable: d.store.Durable(),
		Parked:  d.store.Parked(),
		Providers: map[string]string{
			"chat": d.router.ProviderName(llm.TierDeep),
			"fast": d.router.ProviderName(llm.TierFast),
		},
		Tools:  d.tools.Names(),
		Search: d.search.Primary(),
		Quotes: d.quotes.Configured(),
		Matrix: d.matrix != nil,
	}
}

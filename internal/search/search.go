// Package search provides the web search collaborator behind the search
// tool.
//
// Each backend implements [Provider] and is registered by name. The
// [Manager] routes a query to the primary provider and reports
// [ErrUnavailable] when nothing is configured, so the tool layer can answer
// with a fallback instead of failing the turn.
package search

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnavailable is returned when no search provider is configured.
var ErrUnavailable = errors.New("search: no provider configured")

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means provider default.
	Count int `json:"count,omitempty"`

	// Language is passed to the provider as is: an ISO 639-1 code for
	// SearXNG ("en", "de"), a region code for DuckDuckGo ("de-de").
	Language string `json:"language,omitempty"`
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "duckduckgo", "searxng").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	primary   string
}

// NewManager creates a search manager. The primary provider name
// determines which backend is used by default.
func NewManager(primary string) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
	}
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search runs a query against the primary provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[m.primary]
	if !ok {
		if len(m.providers) == 0 {
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("search provider %q not configured: %w", m.primary, ErrUnavailable)
	}
	return p.Search(ctx, query, opts)
}

// Configured reports whether the primary provider is registered.
func (m *Manager) Configured() bool {
	_, ok := m.providers[m.primary]
	return ok
}

// Primary returns the name of the primary provider.
func (m *Manager) Primary() string { return m.primary }

// FormatResults builds a numbered, human-readable result list.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(r.Title)
		b.WriteString("\n   ")
		b.WriteString(r.URL)
		if r.Snippet != "" {
			b.WriteString("\n   ")
			b.WriteString(r.Snippet)
		}
	}
	return b.String()
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tradeglance/companion/internal/calc"
	"github.com/tradeglance/companion/internal/llm"
	"github.com/tradeglance/companion/internal/market"
	"github.com/tradeglance/companion/internal/search"
)

// SearchUnavailable is returned as a normal result when web search cannot
// be reached, so the model answers without it.
const SearchUnavailable = "Web search is temporarily unavailable. Please try asking without requiring external search."

// Searcher is the web search collaborator.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// QuoteSource is the market-data collaborator.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (*market.Quote, error)
}

// Options tunes the built-in tools.
type Options struct {
	Timeout      time.Duration // per-call default
	QuoteTimeout time.Duration
	SearchCount  int
	// SearchLanguage is handed to the search provider; empty leaves it
	// to the provider.
	SearchLanguage string
}

// NewDefault builds a registry with search, get_quote and calculator.
func NewDefault(s Searcher, q QuoteSource, opts Options) (*Registry, error) {
	r := NewRegistry(opts.Timeout)
	if err := r.Register(
		SearchTool(s, search.Options{Count: opts.SearchCount, Language: opts.SearchLanguage}),
		QuoteTool(q, opts.QuoteTimeout),
		CalculatorTool(),
	); err != nil {
		return nil, err
	}
	return r, nil
}

func stringArg(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return strings.TrimSpace(v)
}

// SearchTool answers web queries. Any collaborator failure yields
// SearchUnavailable instead of an error.
func SearchTool(s Searcher, opts search.Options) Executor {
	if opts.Count <= 0 {
		opts.Count = 5
	}
	return funcExecutor{
		definition: llm.ToolDefinition{
			Name:        "search",
			Description: "Search the web for current information such as news, company events or facts not in your training data.",
			InputSchema: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The search query.",
				},
			},
			Required: []string{"query"},
		},
		run: func(ctx context.Context, input map[string]any) (string, error) {
			query := stringArg(input, "query")
			if query == "" {
				return "", errors.New("search: query is required")
			}
			if s == nil {
				return SearchUnavailable, nil
			}
			results, err := s.Search(ctx, query, opts)
			if err != nil {
				slog.Warn("web search unavailable", "query", query, "error", err)
				return SearchUnavailable, nil
			}
			return search.FormatResults(results), nil
		},
	}
}

// QuoteTool looks up the latest stock price. Failures are reported as a
// JSON object with an "error" field.
func QuoteTool(q QuoteSource, timeout time.Duration) Executor {
	return funcExecutor{
		definition: llm.ToolDefinition{
			Name:        "get_quote",
			Description: "Fetch the latest stock price for a ticker symbol (e.g. 'AAPL', 'TSLA').",
			InputSchema: map[string]interface{}{
				"symbol": map[string]interface{}{
					"type":        "string",
					"description": "Ticker symbol.",
				},
			},
			Required: []string{"symbol"},
		},
		timeout: timeout,
		run: func(ctx context.Context, input map[string]any) (string, error) {
			symbol := stringArg(input, "symbol")
			if q == nil {
				return "", quoteError(market.ErrNoAPIKey)
			}
			quote, err := q.Quote(ctx, symbol)
			if err != nil {
				return "", quoteError(err)
			}
			out, err := json.Marshal(quote)
			if err != nil {
				return "", quoteError(err)
			}
			return string(out), nil
		},
	}
}

type quoteFailure struct {
	Error string          `json:"error"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

// quoteError renders err as the JSON error payload the model sees.
func quoteError(err error) error {
	f := quoteFailure{Error: err.Error()}
	var de *market.DataError
	if errors.As(err, &de) && len(de.Raw) > 0 {
		f.Raw = de.Raw
	}
	b, mErr := json.Marshal(f)
	if mErr != nil {
		return fmt.Errorf(`{"error":%q}`, err.Error())
	}
	return errors.New(string(b))
}

// CalculatorTool evaluates arithmetic with the sandboxed evaluator. Results
// starting with "Error:" are flagged as errors.
func CalculatorTool() Executor {
	return funcExecutor{
		definition: llm.ToolDefinition{
			Name: "calculator",
			Description: "Evaluate a mathematical or financial expression, e.g. 'sqrt(16)', " +
				"'mean([100, 200, 300])' or 'compound_interest(1000, 0.05, 10, 12)'. " + calc.Help(),
			InputSchema: map[string]interface{}{
				"expression": map[string]interface{}{
					"type":        "string",
					"description": "A single arithmetic expression.",
				},
			},
			Required: []string{"expression"},
		},
		run: func(_ context.Context, input map[string]any) (string, error) {
			out := calc.Evaluate(stringArg(input, "expression"))
			if strings.HasPrefix(out, calc.ErrorPrefix) {
				return "", errors.New(out)
			}
			return out, nil
		},
	}
}

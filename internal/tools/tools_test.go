package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tradeglance/companion/internal/llm"
	"github.com/tradeglance/companion/internal/market"
	"github.com/tradeglance/companion/internal/search"
)

type fakeSearcher struct {
	results []search.Result
	err     error
	opts    search.Options
}

func (f *fakeSearcher) Search(_ context.Context, _ string, opts search.Options) ([]search.Result, error) {
	f.opts = opts
	return f.results, f.err
}

type fakeQuotes struct {
	quote *market.Quote
	err   error
}

func (f fakeQuotes) Quote(_ context.Context, symbol string) (*market.Quote, error) {
	if f.err != nil {
		return nil, f.err
	}
	q := *f.quote
	q.Symbol = symbol
	return &q, nil
}

func call(name, input string) llm.ToolCall {
	return llm.ToolCall{ID: "call_1", Name: name, Input: json.RawMessage(input)}
}

func newRegistry(t *testing.T, s Searcher, q QuoteSource) *Registry {
	t.Helper()
	r, err := NewDefault(s, q, Options{Timeout: time.Second, SearchCount: 3, SearchLanguage: "en"})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestDefaultRegistry(t *testing.T) {
	r := newRegistry(t, nil, nil)
	want := []string{"search", "get_quote", "calculator"}
	got := r.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for _, d := range r.Definitions() {
		if d.Description == "" || len(d.Required) != 1 {
			t.Errorf("definition %s incomplete: %+v", d.Name, d)
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry(0)
	if err := r.Register(CalculatorTool()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(CalculatorTool()); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	res := newRegistry(t, nil, nil).Dispatch(context.Background(), call("shell", `{}`))
	if !res.IsError || !strings.Contains(res.Content, "unknown tool") {
		t.Fatalf("result = %+v", res)
	}
	if res.ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q", res.ToolCallID)
	}
}

func TestDispatchBadInput(t *testing.T) {
	res := newRegistry(t, nil, nil).Dispatch(context.Background(), call("calculator", `not json`))
	if !res.IsError {
		t.Fatalf("result = %+v", res)
	}
}

func TestCalculatorTool(t *testing.T) {
	r := newRegistry(t, nil, nil)

	res := r.Dispatch(context.Background(), call("calculator", `{"expression":"sqrt(16)"}`))
	if res.IsError || res.Content != "4.000000" {
		t.Fatalf("sqrt(16) = %+v", res)
	}

	res = r.Dispatch(context.Background(), call("calculator", `{"expression":"import os"}`))
	if !res.IsError || !strings.HasPrefix(res.Content, "Error:") {
		t.Fatalf("import os = %+v", res)
	}
}

func TestSearchTool(t *testing.T) {
	s := &fakeSearcher{results: []search.Result{{Title: "Apple Q3", URL: "https://example.com/aapl", Snippet: "Revenue up"}}}
	r := newRegistry(t, s, nil)

	res := r.Dispatch(context.Background(), call("search", `{"query":"apple earnings"}`))
	if res.IsError || !strings.Contains(res.Content, "Apple Q3") {
		t.Fatalf("result = %+v", res)
	}
	if s.opts.Count != 3 || s.opts.Language != "en" {
		t.Errorf("search options = %+v, want count 3 language en", s.opts)
	}

	res = r.Dispatch(context.Background(), call("search", `{"query":"  "}`))
	if !res.IsError {
		t.Errorf("empty query should be an error: %+v", res)
	}
}

func TestSearchUnavailableIsNotAnError(t *testing.T) {
	for name, s := range map[string]Searcher{
		"nil":          nil,
		"failing":      &fakeSearcher{err: errors.New("connection refused")},
		"unconfigured": search.NewManager("duckduckgo"),
	} {
		t.Run(name, func(t *testing.T) {
			res := newRegistry(t, s, nil).Dispatch(context.Background(), call("search", `{"query":"news"}`))
			if res.IsError || res.Content != SearchUnavailable {
				t.Fatalf("result = %+v", res)
			}
		})
	}
}

func TestQuoteTool(t *testing.T) {
	r := newRegistry(t, nil, fakeQuotes{quote: &market.Quote{Price: "189.5000", Timestamp: "2024-05-01 16:00:00"}})

	res := r.Dispatch(context.Background(), call("get_quote", `{"symbol":"AAPL"}`))
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
	var q market.Quote
	if err := json.Unmarshal([]byte(res.Content), &q); err != nil {
		t.Fatal(err)
	}
	if q.Symbol != "AAPL" || q.Price != "189.5000" {
		t.Fatalf("quote = %+v", q)
	}
}

func TestQuoteToolErrors(t *testing.T) {
	tests := []struct {
		name   string
		source QuoteSource
		want   string
	}{
		{"no source", nil, "ALPHAVANTAGE_API_KEY not found in environment."},
		{"no key", fakeQuotes{err: market.ErrNoAPIKey}, "ALPHAVANTAGE_API_KEY not found in environment."},
		{"network", fakeQuotes{err: errors.New("dial tcp: connection refused")}, "dial tcp: connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newRegistry(t, nil, tt.source).Dispatch(context.Background(), call("get_quote", `{"symbol":"AAPL"}`))
			if !res.IsError {
				t.Fatalf("result = %+v", res)
			}
			var body map[string]any
			if err := json.Unmarshal([]byte(res.Content), &body); err != nil {
				t.Fatalf("error payload %q is not JSON: %v", res.Content, err)
			}
			if body["error"] != tt.want {
				t.Errorf("error = %v, want %q", body["error"], tt.want)
			}
		})
	}
}

type slowTool struct{}

func (slowTool) Definition() llm.ToolDefinition { return llm.ToolDefinition{Name: "slow"} }

func (slowTool) Execute(ctx context.Context, _ json.RawMessage) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type panicTool struct{}

func (panicTool) Definition() llm.ToolDefinition { return llm.ToolDefinition{Name: "boom"} }

func (panicTool) Execute(context.Context, json.RawMessage) (string, error) {
	panic("boom")
}

func TestDispatchTimeoutAndPanic(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	if err := r.Register(slowTool{}, panicTool{}); err != nil {
		t.Fatal(err)
	}

	res := r.Dispatch(context.Background(), call("slow", `{}`))
	if !res.IsError || !strings.Contains(res.Content, "deadline") {
		t.Errorf("slow = %+v", res)
	}

	res = r.Dispatch(context.Background(), call("boom", `{}`))
	if !res.IsError || res.ToolCallID != "call_1" {
		t.Errorf("boom = %+v", res)
	}
}

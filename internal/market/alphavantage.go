// Package market fetches stock quotes from Alpha Vantage for the get_quote
// tool.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Alpha Vantage query endpoint.
const DefaultBaseURL = "https://www.alphavantage.co/query"

// ErrNoAPIKey is returned when the client has no Alpha Vantage key.
var ErrNoAPIKey = errors.New("ALPHAVANTAGE_API_KEY not found in environment.")

// Quote is the latest known price for a symbol.
type Quote struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// DataError reports a response that carried no usable price. Raw holds the
// provider payload for diagnosis.
type DataError struct {
	Message string
	Raw     json.RawMessage
}

func (e *DataError) Error() string { return e.Message }

// Config configures a Client.
type Config struct {
	APIKey            string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerMinute float64 // free tier allows 5
	Burst             int
}

// Client is an Alpha Vantage quote client. Requests are throttled by a
// token bucket and concurrent lookups for the same symbol share one call.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	group      singleflight.Group
}

// New creates a Client. Zero config values fall back to a 10s timeout and
// 5 requests per minute with a burst of 5.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute)/60.0, cfg.Burst),
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool { return c.apiKey != "" }

// Quote returns the latest 5-minute intraday close for symbol, falling back
// to the daily global quote when intraday data is not available.
func (c *Client) Quote(ctx context.Context, symbol string) (*Quote, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if err := validateSymbol(symbol); err != nil {
		return nil, err
	}

	// The shared lookup outlives any one caller; the HTTP client timeout
	// still bounds it.
	ch := c.group.DoChan(symbol, func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx), symbol)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			slog.Debug("quote lookup shared", "symbol", symbol)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		q := *res.Val.(*Quote)
		return &q, nil
	}
}

func (c *Client) fetch(ctx context.Context, symbol string) (*Quote, error) {
	raw, err := c.query(ctx, url.Values{
		"function": {"TIME_SERIES_INTRADAY"},
		"symbol":   {symbol},
		"interval": {"5min"},
	})
	if err != nil {
		return nil, err
	}
	if err := providerMessage(raw); err != nil {
		return nil, err
	}
	q, intradayErr := parseIntraday(symbol, raw)
	if intradayErr == nil {
		return q, nil
	}
	var de *DataError
	if !errors.As(intradayErr, &de) {
		return nil, intradayErr
	}

	slog.Debug("intraday quote unavailable, trying global quote", "symbol", symbol, "reason", intradayErr)
	raw, err = c.query(ctx, url.Values{
		"function": {"GLOBAL_QUOTE"},
		"symbol":   {symbol},
	})
	if err != nil {
		return nil, err
	}
	return parseGlobalQuote(symbol, raw)
}

func (c *Client) query(ctx context.Context, params url.Values) (map[string]json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("alphavantage: rate limit wait: %w", err)
	}
	params.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("alphavantage: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL carries the API key; report only the cause.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("alphavantage: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("alphavantage: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alphavantage: HTTP %d", resp.StatusCode)
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("alphavantage: decode response: %w", err)
	}
	return out, nil
}

func parseIntraday(symbol string, raw map[string]json.RawMessage) (*Quote, error) {
	if err := providerMessage(raw); err != nil {
		return nil, err
	}
	seriesRaw, ok := raw["Time Series (5min)"]
	if !ok {
		return nil, noData(raw)
	}
	var series map[string]map[string]string
	if err := json.Unmarshal(seriesRaw, &series); err != nil {
		return nil, fmt.Errorf("alphavantage: decode time series: %w", err)
	}
	if len(series) == 0 {
		return nil, noData(raw)
	}
	stamps := make([]string, 0, len(series))
	for ts := range series {
		stamps = append(stamps, ts)
	}
	sort.Strings(stamps)
	latest := stamps[len(stamps)-1]
	price, ok := series[latest]["4. close"]
	if !ok {
		return nil, noData(raw)
	}
	return &Quote{Symbol: symbol, Price: price, Timestamp: latest}, nil
}

func parseGlobalQuote(symbol string, raw map[string]json.RawMessage) (*Quote, error) {
	if err := providerMessage(raw); err != nil {
		return nil, err
	}
	gqRaw, ok := raw["Global Quote"]
	if !ok {
		return nil, noData(raw)
	}
	var gq map[string]string
	if err := json.Unmarshal(gqRaw, &gq); err != nil {
		return nil, fmt.Errorf("alphavantage: decode global quote: %w", err)
	}
	price := gq["05. price"]
	if price == "" {
		return nil, &DataError{Message: fmt.Sprintf("No quote found for symbol %s", symbol)}
	}
	if s := gq["01. symbol"]; s != "" {
		symbol = s
	}
	return &Quote{Symbol: symbol, Price: price, Timestamp: gq["07. latest trading day"]}, nil
}

// providerMessage surfaces Alpha Vantage's in-band error and throttling
// notices, which arrive with HTTP 200.
func providerMessage(raw map[string]json.RawMessage) error {
	for _, key := range []string{"Error Message", "Note", "Information"} {
		if v, ok := raw[key]; ok {
			var msg string
			if err := json.Unmarshal(v, &msg); err != nil {
				msg = string(v)
			}
			return &DataError{Message: msg}
		}
	}
	return nil
}

func noData(raw map[string]json.RawMessage) error {
	b, _ := json.Marshal(raw)
	return &DataError{Message: "Could not fetch data", Raw: b}
}

func validateSymbol(symbol string) error {
	if symbol == "" {
		return errors.New("symbol is required")
	}
	if len(symbol) > 15 {
		return fmt.Errorf("invalid symbol %q", symbol)
	}
	for _, r := range symbol {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '.' && r != '-' && r != '^' && r != '=' {
			return fmt.Errorf("invalid symbol %q", symbol)
		}
	}
	return nil
}

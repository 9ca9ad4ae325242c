// Package llm provides the language-model capability used by the agent:
// provider interfaces, Anthropic and OpenAI-compatible implementations,
// tier routing, retries and error classification.
package llm

import "context"

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Model       string           `json:"model,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	System      string           `json:"system,omitempty"`
}

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	StopReason   string     `json:"stop_reason"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
}

// Message converts the response into the assistant message appended to
// thread history.
func (r *CompletionResponse) Message() Message {
	m := AssistantMessage(r.Content)
	m.ToolCalls = r.ToolCalls
	return m
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "gemini").
	Name() string

	// Complete sends a completion request and returns the response.
	// Tool definitions in the request are offered to the model; tool calls
	// it makes come back in CompletionResponse.ToolCalls.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Tier represents the quality/cost tier for model selection.
type Tier int

const (
	TierFast Tier = iota // cheap and quick, used for titles
	TierMid
	TierDeep // the conversational model
)

// Router selects the appropriate provider based on task tier.
type Router struct {
	providers map[Tier]Provider
}

// NewRouter creates a provider router with the given tier mappings.
func NewRouter(providers map[Tier]Provider) *Router {
	return &Router{providers: providers}
}

// Complete routes a request to the appropriate provider based on tier.
// Fallback chain: requested tier → deep → mid → fast.
func (r *Router) Complete(ctx context.Context, tier Tier, req CompletionRequest) (*CompletionResponse, error) {
	p := r.resolveProvider(tier)
	if p == nil {
		return nil, ErrNoProvider
	}
	return p.Complete(ctx, req)
}

// resolveProvider finds the best provider for the given tier using the fallback chain.
func (r *Router) resolveProvider(tier Tier) Provider {
	if p, ok := r.providers[tier]; ok && p != nil {
		return p
	}
	for _, fallback := range []Tier{TierDeep, TierMid, TierFast} {
		if fallback == tier {
			continue
		}
		if p, ok := r.providers[fallback]; ok && p != nil {
			return p
		}
	}
	return nil
}

// Configured reports whether any provider can serve the tier.
func (r *Router) Configured(tier Tier) bool {
	return r.resolveProvider(tier) != nil
}

// ProviderName returns the name of the provider serving tier, or "".
func (r *Router) ProviderName(tier Tier) string {
	if p := r.resolveProvider(tier); p != nil {
		return p.Name()
	}
	return ""
}

// ErrNoProvider is returned when no provider is configured for the requested tier.
var ErrNoProvider = &ProviderError{Message: "no provider configured for requested tier"}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }

package agent

import (
	"context"
	"log/slog"

	"github.com/tradeglance/companion/internal/llm"
)

// SystemPrompt primes the conversational model.
const SystemPrompt = `You are TradeGlance Companion, a financial research assistant.

Behavioral rules:
- Be concise and factual. Say when you are unsure.
- Never invent prices, dates or figures.

Tool usage:
- Use get_quote for the latest price of a ticker symbol (e.g. AAPL, TSLA).
- Use search for news and anything that may have changed recently.
- Use calculator for any arithmetic, including compound_interest, future_value and present_value.
- If a tool reports an error, explain it plainly and continue without it.`

// Model produces the next assistant message from history. Tool calls the
// model wants made come back in the message's ToolCalls.
type Model interface {
	Generate(ctx context.Context, history []llm.Message, tools []llm.ToolDefinition) (*llm.Message, error)
}

// RouterModel adapts a tier of an llm.Router to Model.
type RouterModel struct {
	Router      *llm.Router
	Tier        llm.Tier
	System      string
	MaxTokens   int
	Temperature float64
}

func (m *RouterModel) Generate(ctx context.Context, history []llm.Message, tools []llm.ToolDefinition) (*llm.Message, error) {
	maxTokens := m.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	resp, err := m.Router.Complete(ctx, m.Tier, llm.CompletionRequest{
		System:      m.System,
		Messages:    history,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: m.Temperature,
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("model response",
		"provider", m.Router.ProviderName(m.Tier),
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.ToolCalls),
	)
	msg := resp.Message()
	return &msg, nil
}

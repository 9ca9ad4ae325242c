package llm

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates role and framing tokens per message.
const perMessageOverhead = 4

// TokenCounter estimates prompt size with the cl100k_base encoding. Counts
// are estimates for Claude and Gemini too, which is enough for budgeting.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter loads the cl100k_base codec.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the token count of text, falling back to a 4-bytes-per-token
// estimate if encoding fails.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return len(text)/4 + 1
	}
	return len(ids)
}

// MessageTokens estimates the tokens one message contributes to a prompt.
func (c *TokenCounter) MessageTokens(m Message) int {
	n := perMessageOverhead + c.Count(m.Text())
	for _, tc := range m.ToolCalls {
		n += c.Count(tc.Name) + c.Count(string(tc.Input))
	}
	return n
}

// Fit drops whole leading exchanges until msgs fits in budget tokens. An
// exchange starts at a user message, so an assistant tool call is never
// separated from its results. The latest exchange is always kept. A budget
// of zero or less disables trimming.
func (c *TokenCounter) Fit(msgs []Message, budget int) []Message {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}

	// suffix[i] is the size of msgs[i:].
	suffix := make([]int, len(msgs)+1)
	for i := len(msgs) - 1; i >= 0; i-- {
		suffix[i] = suffix[i+1] + c.MessageTokens(msgs[i])
	}
	if suffix[0] <= budget {
		return msgs
	}

	start := 0
	for i, m := range msgs {
		if m.Role != RoleUser || i == 0 {
			continue
		}
		start = i
		if suffix[i] <= budget {
			break
		}
	}
	return msgs[start:]
}

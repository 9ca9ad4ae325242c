package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicProvider implements Provider for Claude and Anthropic-compatible APIs.
type AnthropicProvider struct {
	client  *anthropic.Client
	model   string
	name    string
	timeout time.Duration
}

// NewAnthropic creates a new Anthropic provider with a static API key.
func NewAnthropic(apiKey, model string, timeout time.Duration) *AnthropicProvider {
	// WithRetry owns retries.
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)

	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{client: &client, model: model, timeout: timeout}
}

// NewAnthropicCompat creates an Anthropic-compatible provider with a custom base URL.
func NewAnthropicCompat(name, baseURL, apiKey, model string, timeout time.Duration) *AnthropicProvider {
	opts := []option.RequestOption{option.WithBaseURL(baseURL), option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{client: &client, model: model, name: name, timeout: timeout}
}

func (p *AnthropicProvider) Name() string {
	if p.name != "" {
		return p.name
	}
	return "anthropic"
}

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  toAnthropicMessages(req.Messages),
		Tools:     toAnthropicTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	var reqOpts []option.RequestOption
	if p.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(p.timeout))
	}

	// Streaming keeps long tool-heavy requests alive; chunks are accumulated
	// into a single message.
	stream := p.client.Messages.NewStreaming(ctx, params, reqOpts...)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		if err := message.Accumulate(stream.Current()); err != nil {
			return nil, &ProviderError{
				Message:  fmt.Sprintf("stream accumulate: %v", err),
				Provider: p.Name(),
				Err:      err,
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, p.wrapError(err)
	}

	var content string
	var toolCalls []ToolCall
	for _, block := range message.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += v.Text
		case anthropic.ToolUseBlock:
			input := json.RawMessage(v.Input)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			toolCalls = append(toolCalls, ToolCall{ID: v.ID, Name: v.Name, Input: input})
		}
	}

	slog.Debug("anthropic completion",
		"provider", p.Name(),
		"model", string(message.Model),
		"input_tokens", message.Usage.InputTokens,
		"output_tokens", message.Usage.OutputTokens,
		"tool_calls", len(toolCalls),
	)

	return &CompletionResponse{
		Content:      content,
		Model:        string(message.Model),
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		StopReason:   string(message.StopReason),
		ToolCalls:    toolCalls,
	}, nil
}

func (p *AnthropicProvider) wrapError(err error) error {
	pe := &ProviderError{Message: err.Error(), Provider: p.Name(), Err: err}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.StatusCode
	}
	return pe
}

// toAnthropicMessages maps thread history onto Anthropic's alternating
// user/assistant turns. Tool results travel as tool_result blocks in a user
// turn, and adjacent messages with the same wire role are merged.
func toAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	type turn struct {
		role   string
		blocks []anthropic.ContentBlockParamUnion
	}
	var turns []turn
	push := func(role string, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].blocks = append(turns[n-1].blocks, blocks...)
			return
		}
		turns = append(turns, turn{role: role, blocks: blocks})
	}

	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			if text := m.Text(); text != "" {
				push(RoleUser, anthropic.NewTextBlock(text))
			}
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if text := m.Text(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if len(tc.Input) > 0 {
					if err := json.Unmarshal(tc.Input, &input); err != nil {
						input = map[string]any{}
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			push(RoleAssistant, blocks...)
		case RoleTool:
			push(RoleUser, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		}
	}

	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		if t.role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(t.blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(t.blocks...))
		}
	}
	return out
}

func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		props := make(map[string]any, len(t.InputSchema))
		for k, v := range t.InputSchema {
			props[k] = v
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: props, Required: t.Required},
			},
		})
	}
	return out
}

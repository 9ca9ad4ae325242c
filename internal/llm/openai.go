package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GeminiOpenAIBaseURL is Google's OpenAI-compatible endpoint for Gemini models.
const GeminiOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

// OpenAICompatProvider implements Provider for any OpenAI-compatible
// chat-completions API, including Gemini's compatibility endpoint.
type OpenAICompatProvider struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompat creates a provider for OpenAI-compatible APIs.
func NewOpenAICompat(name, baseURL, apiKey, model string, timeout time.Duration) *OpenAICompatProvider {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OpenAICompatProvider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *OpenAICompatProvider) Name() string { return p.name }

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
}

type oaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Tools       []oaiTool    `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
}

type oaiResponse struct {
	Choices []struct {
		Message struct {
			Content   string        `json:"content"`
			ToolCalls []oaiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *OpenAICompatProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if p.apiKey == "" {
		return nil, &ConfigurationError{Reason: p.name + " API key is not set"}
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	body := oaiRequest{
		Model:     model,
		Messages:  toOpenAIMessages(req.System, req.Messages),
		Tools:     toOpenAITools(req.Tools),
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	resp, err := p.do(ctx, body)
	if err != nil {
		return nil, err
	}

	out := &CompletionResponse{
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Content = choice.Message.Content
		out.StopReason = choice.FinishReason
		for _, tc := range choice.Message.ToolCalls {
			id := tc.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			args := strings.TrimSpace(tc.Function.Arguments)
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: tc.Function.Name, Input: json.RawMessage(args)})
		}
	}

	slog.Debug("openai-compatible completion",
		"provider", p.name,
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.ToolCalls),
	)
	return out, nil
}

// do makes an HTTP request to the chat-completions endpoint.
func (p *OpenAICompatProvider) do(ctx context.Context, body oaiRequest) (*oaiResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("http request: %v", err), Provider: p.name, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("read response: %v", err), Provider: p.name, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
			StatusCode: resp.StatusCode,
			Provider:   p.name,
		}
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("parse response: %v", err), Provider: p.name, Err: err}
	}
	return &oaiResp, nil
}

func toOpenAIMessages(system string, msgs []Message) []oaiMessage {
	out := make([]oaiMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, oaiMessage{Role: "system", Content: system})
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			out = append(out, oaiMessage{Role: "user", Content: m.Text()})
		case RoleAssistant:
			om := oaiMessage{Role: "assistant", Content: m.Text()}
			for _, tc := range m.ToolCalls {
				var call oaiToolCall
				call.ID = tc.ID
				call.Type = "function"
				call.Function.Name = tc.Name
				call.Function.Arguments = string(tc.Input)
				if call.Function.Arguments == "" {
					call.Function.Arguments = "{}"
				}
				om.ToolCalls = append(om.ToolCalls, call)
			}
			out = append(out, om)
		case RoleTool:
			out = append(out, oaiMessage{Role: "tool", Content: m.Content, ToolCallID: m.ToolCallID, Name: m.ToolName})
		}
	}
	return out
}

func toOpenAITools(tools []ToolDefinition) []oaiTool {
	var out []oaiTool
	for _, t := range tools {
		var ot oaiTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		params := map[string]any{
			"type":       "object",
			"properties": t.InputSchema,
		}
		if len(t.Required) > 0 {
			params["required"] = t.Required
		}
		ot.Function.Parameters = params
		out = append(out, ot)
	}
	return out
}

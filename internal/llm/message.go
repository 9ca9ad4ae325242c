package llm

import (
	"encoding/json"
	"strings"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a thread's history. Assistant messages may carry
// tool calls; tool messages carry the result for exactly one call.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ContentBlock is a typed fragment of message content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text returns the message text. When Content is empty the text blocks are
// concatenated in order.
func (m Message) Text() string {
	if m.Content != "" || len(m.Blocks) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, blk := range m.Blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// HasToolCalls reports whether an assistant message requests tools.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// UserMessage builds a user message stamped with the current time.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text, CreatedAt: time.Now().UTC()}
}

// AssistantMessage builds an assistant message stamped with the current time.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text, CreatedAt: time.Now().UTC()}
}

// ToolResultMessage wraps the result of call as a tool message.
func ToolResultMessage(call ToolCall, res ToolResult) Message {
	return Message{
		Role:       RoleTool,
		Content:    res.Content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    res.IsError,
		CreatedAt:  time.Now().UTC(),
	}
}

// ToolDefinition describes a tool the LLM can call. InputSchema holds the
// JSON schema properties of the tool's single input object.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	Required    []string               `json:"required,omitempty"`
}

// ToolCall represents the LLM requesting a tool execution.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the result of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

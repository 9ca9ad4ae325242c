// Package tools holds the tool registry offered to the model and the three
// built-in tools: search, get_quote and calculator.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/tradeglance/companion/internal/llm"
)

// DefaultTimeout bounds a single tool invocation when the executor sets none.
const DefaultTimeout = 10 * time.Second

// Executor is one tool the model can call.
type Executor interface {
	Definition() llm.ToolDefinition
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

type funcExecutor struct {
	definition llm.ToolDefinition
	run        func(ctx context.Context, input map[string]any) (string, error)
	timeout    time.Duration // 0 means the registry default
}

func (e funcExecutor) Definition() llm.ToolDefinition {
	return e.definition
}

func (e funcExecutor) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	parsed := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &parsed); err != nil {
			return "", fmt.Errorf("parse tool input: %w", err)
		}
	}
	return e.run(ctx, parsed)
}

// Registry maps tool names to executors. It is built once at startup and
// read concurrently afterwards.
type Registry struct {
	executors []Executor
	byName    map[string]Executor
	timeout   time.Duration
}

// NewRegistry creates an empty registry. A zero timeout selects DefaultTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{byName: make(map[string]Executor), timeout: timeout}
}

// Register adds executors in order. Names must be unique.
func (r *Registry) Register(executors ...Executor) error {
	for _, e := range executors {
		name := e.Definition().Name
		if name == "" {
			return fmt.Errorf("tool has no name")
		}
		if _, dup := r.byName[name]; dup {
			return fmt.Errorf("tool %q registered twice", name)
		}
		r.executors = append(r.executors, e)
		r.byName[name] = e
	}
	return nil
}

// Definitions returns the tool definitions in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.executors))
	for _, e := range r.executors {
		defs = append(defs, e.Definition())
	}
	return defs
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.executors))
	for _, e := range r.executors {
		names = append(names, e.Definition().Name)
	}
	return names
}

// Dispatch runs one tool call. It never returns an error and never panics:
// unknown tools, bad input, timeouts, executor errors and panics all come
// back as results with IsError set.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall) (result llm.ToolResult) {
	start := time.Now()
	result.ToolCallID = call.ID
	defer func() {
		if p := recover(); p != nil {
			slog.Error("tool panic", "tool", call.Name, "panic", p, "stack", string(debug.Stack()))
			result = llm.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("tool %s failed unexpectedly", call.Name),
				IsError:    true,
			}
		}
		slog.Info("chat tool call",
			"tool", call.Name,
			"duration", time.Since(start).Round(time.Millisecond),
			"is_error", result.IsError,
		)
	}()

	executor, ok := r.byName[call.Name]
	if !ok {
		result.IsError = true
		result.Content = fmt.Sprintf("unknown tool: %s", call.Name)
		return result
	}

	timeout := r.timeout
	if fe, ok := executor.(funcExecutor); ok && fe.timeout > 0 {
		timeout = fe.timeout
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	content, err := executor.Execute(toolCtx, call.Input)
	if err != nil {
		result.IsError = true
		result.Content = err.Error()
		return result
	}
	result.Content = content
	return result
}

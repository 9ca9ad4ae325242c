// Package agent runs conversation turns: a model call, any tool calls it
// asks for, and another model call, until the model answers in text.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tradeglance/companion/internal/llm"
	"github.com/tradeglance/companion/pkg/events"
)

// DefaultMaxCycles bounds model calls per turn.
const DefaultMaxCycles = 8

// Terminal replies the machine writes itself.
const (
	CeilingReply    = "I was unable to complete this request within the tool-call limit. Please try rephrasing or narrowing the question."
	EmptyReply      = "I apologize, but I couldn't generate a response. Please check the logs or API keys."
	ConfigReply     = "⚠️ Configuration Error: the language model API key is invalid or missing.\n\nHow to fix:\n1. Add ANTHROPIC_API_KEY or GOOGLE_API_KEY to the .env file.\n2. Restart the service."
	errorReplyStart = "⚠️ I encountered an error: "
)

// State is a turn's position in the model/tool cycle.
type State int

const (
	StateModelCall State = iota
	StateToolDispatch
	StateDone
)

func (s State) String() string {
	switch s {
	case StateModelCall:
		return "model_call"
	case StateToolDispatch:
		return "tool_dispatch"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Dispatcher runs tool calls. Dispatch must not fail: errors come back as
// results with IsError set.
type Dispatcher interface {
	Definitions() []llm.ToolDefinition
	Dispatch(ctx context.Context, call llm.ToolCall) llm.ToolResult
}

// CheckpointFunc persists one unit of new messages. Units arrive in order
// and each message is passed exactly once.
type CheckpointFunc func(ctx context.Context, msgs []llm.Message) error

// Machine holds what every turn shares. It is safe for concurrent use.
type Machine struct {
	Model     Model
	Tools     Dispatcher
	MaxCycles int

	// Tokens and HistoryBudget bound the history sent to the model. The
	// stored history is never trimmed.
	Tokens        *llm.TokenCounter
	HistoryBudget int

	// CheckpointTimeout bounds each checkpoint write, which runs detached
	// from the turn's context.
	CheckpointTimeout time.Duration

	Events events.Publisher
}

// Result is the outcome of one turn.
type Result struct {
	Reply    llm.Message   // the final assistant message
	Messages []llm.Message // everything appended, user message first
	Cycles   int           // model calls made
	ModelErr error         // set when the reply reports a model failure

	// CheckpointErr is the first checkpoint failure. The turn still
	// completes; see thread.PersistenceError.
	CheckpointErr error
}

// turn is the mutable state of one Run.
type turn struct {
	threadID   string
	history    []llm.Message
	messages   []llm.Message
	committed  int
	cycles     int
	checkpoint CheckpointFunc
	result     Result
}

// Run drives one turn from the user's input to a final assistant message.
// history is the thread as loaded; it is not modified.
//
// An error is returned only when ctx is cancelled before the turn finished.
// Units already committed stay committed; the rest is discarded.
func (m *Machine) Run(ctx context.Context, threadID string, history []llm.Message, input llm.Message, checkpoint CheckpointFunc) (*Result, error) {
	t := &turn{
		threadID:   threadID,
		history:    history,
		messages:   []llm.Message{input},
		checkpoint: checkpoint,
	}
	m.publish(events.Event{Type: events.TurnStarted, ThreadID: threadID, Role: input.Role, Content: input.Text()})

	state := StateModelCall
	for state != StateDone {
		if err := ctx.Err(); err != nil {
			slog.Warn("turn cancelled", "thread", threadID, "state", state, "cycles", t.cycles)
			return nil, err
		}
		next, err := m.step(ctx, t, state)
		if err != nil {
			slog.Warn("turn cancelled", "thread", threadID, "state", state, "cycles", t.cycles)
			return nil, err
		}
		slog.Debug("turn transition", "thread", threadID, "from", state, "to", next)
		state = next
	}

	t.result.Messages = t.messages
	t.result.Cycles = t.cycles
	t.result.Reply = t.messages[len(t.messages)-1]
	m.publish(events.Event{Type: events.TurnDone, ThreadID: threadID})
	return &t.result, nil
}

// step performs the work of state and returns the next one.
func (m *Machine) step(ctx context.Context, t *turn, state State) (State, error) {
	switch state {
	case StateModelCall:
		return m.modelCall(ctx, t)
	case StateToolDispatch:
		m.dispatch(ctx, t)
		// Results gathered under a cancelled ctx are not real answers;
		// drop the whole step so the tools run again on retry.
		if err := ctx.Err(); err != nil {
			return StateDone, err
		}
		m.commit(ctx, t)
		return StateModelCall, nil
	default:
		return StateDone, fmt.Errorf("agent: no transition from %s", state)
	}
}

func (m *Machine) modelCall(ctx context.Context, t *turn) (State, error) {
	if t.cycles >= m.maxCycles() {
		slog.Warn("tool-call ceiling reached", "thread", t.threadID, "cycles", t.cycles)
		m.finish(ctx, t, llm.AssistantMessage(CeilingReply))
		return StateDone, nil
	}
	t.cycles++

	var defs []llm.ToolDefinition
	if m.Tools != nil {
		defs = m.Tools.Definitions()
	}
	resp, err := m.Model.Generate(ctx, m.prompt(t), defs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return StateDone, ctxErr
		}
		slog.Error("model call failed", "thread", t.threadID, "cycle", t.cycles, "error", err)
		m.publish(events.Event{Type: events.Error, ThreadID: t.threadID, Message: err.Error()})
		t.result.ModelErr = err
		m.finish(ctx, t, llm.AssistantMessage(ErrorReply(err)))
		return StateDone, nil
	}

	reply := *resp
	reply.Role = llm.RoleAssistant
	if reply.CreatedAt.IsZero() {
		reply.CreatedAt = time.Now().UTC()
	}
	if reply.HasToolCalls() {
		t.messages = append(t.messages, reply)
		return StateToolDispatch, nil
	}
	if strings.TrimSpace(reply.Text()) == "" {
		reply.Content = EmptyReply
		reply.Blocks = nil
	}
	m.finish(ctx, t, reply)
	return StateDone, nil
}

// dispatch runs every call of the last assistant message in order. Each
// call is independent of the others' outcome.
func (m *Machine) dispatch(ctx context.Context, t *turn) {
	calls := t.messages[len(t.messages)-1].ToolCalls
	for _, call := range calls {
		m.publish(events.Event{Type: events.ToolCall, ThreadID: t.threadID, Tool: call.Name, Content: string(call.Input)})

		var res llm.ToolResult
		if m.Tools == nil {
			res = llm.ToolResult{ToolCallID: call.ID, Content: "no tools available", IsError: true}
		} else {
			res = m.Tools.Dispatch(ctx, call)
		}
		t.messages = append(t.messages, llm.ToolResultMessage(call, res))

		m.publish(events.Event{Type: events.ToolResult, ThreadID: t.threadID, Tool: call.Name, Content: res.Content, IsError: res.IsError})
	}
}

func (m *Machine) finish(ctx context.Context, t *turn, reply llm.Message) {
	t.messages = append(t.messages, reply)
	m.commit(ctx, t)
	m.publish(events.Event{Type: events.Assistant, ThreadID: t.threadID, Role: llm.RoleAssistant, Content: reply.Text()})
}

// commit hands the uncommitted messages to the checkpoint as one unit. The
// write is detached from ctx so a disconnect can't split a unit.
func (m *Machine) commit(ctx context.Context, t *turn) {
	unit := t.messages[t.committed:]
	if len(unit) == 0 || t.checkpoint == nil {
		t.committed = len(t.messages)
		return
	}
	timeout := m.CheckpointTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := t.checkpoint(cctx, unit); err != nil && t.result.CheckpointErr == nil {
		t.result.CheckpointErr = err
	}
	t.committed = len(t.messages)
}

// prompt is the history sent to the model, trimmed to the token budget.
func (m *Machine) prompt(t *turn) []llm.Message {
	full := make([]llm.Message, 0, len(t.history)+len(t.messages))
	full = append(full, t.history...)
	full = append(full, t.messages...)
	if m.Tokens == nil || m.HistoryBudget <= 0 {
		return full
	}
	return m.Tokens.Fit(full, m.HistoryBudget)
}

func (m *Machine) maxCycles() int {
	if m.MaxCycles <= 0 {
		return DefaultMaxCycles
	}
	return m.MaxCycles
}

func (m *Machine) publish(e events.Event) {
	if m.Events != nil {
		m.Events.Publish(e)
	}
}

// ErrorReply renders a model failure as the assistant's reply.
func ErrorReply(err error) string {
	if llm.IsConfigurationError(err) {
		return ConfigReply
	}
	return errorReplyStart + err.Error()
}

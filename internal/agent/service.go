package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradeglance/companion/internal/llm"
	"github.com/tradeglance/companion/internal/thread"
	"github.com/tradeglance/companion/pkg/events"
)

var (
	// ErrEmptyMessage rejects a turn with no text.
	ErrEmptyMessage = errors.New("agent: message is empty")
	// ErrStoreUnavailable means the thread's history could not be read.
	ErrStoreUnavailable = errors.New("agent: thread store unavailable")
)

// Store is the thread persistence the service drives.
type Store interface {
	TitleStore
	AppendAndCheckpoint(ctx context.Context, id string, base int, msgs []llm.Message) error
	ListThreads(ctx context.Context) ([]thread.Summary, error)
	Delete(ctx context.Context, id string) error
}

// Service is the conversation entry point shared by every surface. Turns
// for one thread run one at a time; different threads run in parallel.
type Service struct {
	machine *Machine
	store   Store
	titles  *TitleGenerator
	events  events.Publisher

	gates gate
}

// NewService wires a machine to a store. titles may be nil.
func NewService(machine *Machine, store Store, titles *TitleGenerator, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.Discard
	}
	s := &Service{
		machine: machine,
		store:   store,
		titles:  titles,
		events:  pub,
		gates:   gate{slots: make(map[string]*slot)},
	}
	if titles != nil {
		titles.lock = s.gates.acquire
	}
	return s
}

// Reply is the outcome of Chat.
type Reply struct {
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
	Cycles   int    `json:"cycles"`
	// ToolCalls counts tool invocations made during the turn.
	ToolCalls int `json:"tool_calls"`
	// Persisted is false when the turn is parked for a later checkpoint.
	Persisted bool `json:"persisted"`
}

// Chat runs one turn on threadID. An empty threadID starts a new thread.
// The only error besides a cancelled ctx is a history that can't be read;
// model and tool failures come back as the reply text.
func (s *Service) Chat(ctx context.Context, threadID, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if threadID == "" {
		threadID = uuid.NewString()
	}

	release, err := s.gates.acquire(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	history, err := s.store.Load(ctx, threadID)
	if err != nil {
		slog.Error("load thread", "thread", threadID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	base := len(history)
	checkpoint := func(ctx context.Context, msgs []llm.Message) error {
		err := s.store.AppendAndCheckpoint(ctx, threadID, base, msgs)
		var perr *thread.PersistenceError
		if err == nil || errors.As(err, &perr) {
			// Parked messages count toward the base Load will report.
			base += len(msgs)
		}
		return err
	}

	res, err := s.machine.Run(ctx, threadID, history, llm.UserMessage(text), checkpoint)
	if err != nil {
		return nil, err
	}

	persisted := res.CheckpointErr == nil
	if !persisted {
		slog.Error("turn not fully persisted", "thread", threadID, "error", res.CheckpointErr)
	}

	toolCalls := 0
	for _, m := range res.Messages {
		toolCalls += len(m.ToolCalls)
	}
	slog.Info("turn complete",
		"thread", threadID,
		"cycles", res.Cycles,
		"tool_calls", toolCalls,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"len", len(res.Reply.Text()),
	)

	// The generator takes the gate itself before writing, so it starts
	// only after this turn releases it.
	if s.titles != nil {
		s.titles.Generate(threadID)
	}

	return &Reply{
		ThreadID:  threadID,
		Content:   res.Reply.Text(),
		Cycles:    res.Cycles,
		ToolCalls: toolCalls,
		Persisted: persisted,
	}, nil
}

// NewThread creates an empty thread with the default title so it shows up
// in listings right away.
func (s *Service) NewThread(ctx context.Context) (thread.Summary, error) {
	id := uuid.NewString()
	if err := s.store.SetTitle(ctx, id, thread.DefaultTitle); err != nil {
		return thread.Summary{}, err
	}
	s.events.Publish(events.Event{Type: events.Title, ThreadID: id, Content: thread.DefaultTitle})
	return thread.Summary{ID: id, Title: thread.DefaultTitle, UpdatedAt: time.Now().UTC()}, nil
}

// ListThreads returns threads, most recently updated first.
func (s *Service) ListThreads(ctx context.Context) ([]thread.Summary, error) {
	return s.store.ListThreads(ctx)
}

// Title returns the thread's title.
func (s *Service) Title(ctx context.Context, id string) (string, error) {
	return s.store.GetTitle(ctx, id)
}

// History returns the user and assistant messages with text, the view a
// chat window shows. Tool traffic is left out.
func (s *Service) History(ctx context.Context, id string) ([]llm.Message, error) {
	msgs, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Text()) == "" {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteThread waits for any running turn on id, then deletes it.
func (s *Service) DeleteThread(ctx context.Context, id string) error {
	release, err := s.gates.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	return s.store.Delete(ctx, id)
}

// Close waits for background title generation.
func (s *Service) Close() {
	if s.titles != nil {
		s.titles.Wait()
	}
}

// gate admits one holder per key. Waiters give up when their ctx ends.
type gate struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func (g *gate) acquire(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	sl, ok := g.slots[key]
	if !ok {
		sl = &slot{ch: make(chan struct{}, 1)}
		g.slots[key] = sl
	}
	sl.refs++
	g.mu.Unlock()

	select {
	case sl.ch <- struct{}{}:
		return func() {
			<-sl.ch
			g.done(key, sl)
		}, nil
	case <-ctx.Done():
		g.done(key, sl)
		return nil, ctx.Err()
	}
}

func (g *gate) done(key string, sl *slot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(g.slots, key)
	}
}

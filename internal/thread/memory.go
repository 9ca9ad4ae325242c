package thread

import (
	"context"
	"sort"
	"sync"

	"github.com/tradeglance/companion/internal/llm"
)

// Memory is a process-local Checkpointer and TitleIndex. Nothing survives
// a restart.
type Memory struct {
	mu       sync.RWMutex
	messages map[string][]llm.Message
	titles   map[string]Summary
	clock    clock
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string][]llm.Message),
		titles:   make(map[string]Summary),
	}
}

func (m *Memory) Load(_ context.Context, id string) ([]llm.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]llm.Message(nil), m.messages[id]...), nil
}

func (m *Memory) Append(_ context.Context, id string, base int, msgs []llm.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages[id]) != base {
		return ErrConflict
	}
	m.messages[id] = append(m.messages[id], msgs...)
	return nil
}

func (m *Memory) Purge(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, id)
	return nil
}

func (m *Memory) Title(_ context.Context, id string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.titles[id]
	return s.Title, ok, nil
}

func (m *Memory) SetTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles[id] = Summary{ID: id, Title: title, UpdatedAt: m.clock.now()}
	return nil
}

func (m *Memory) List(_ context.Context) ([]Summary, error) {
	m.mu.RLock()
	out := make([]Summary, 0, len(m.titles))
	for _, s := range m.titles {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sortByRecency(out)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.titles, id)
	return nil
}

func (m *Memory) Close() error { return nil }

func sortByRecency(list []Summary) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

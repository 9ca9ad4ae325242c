// Package events broadcasts turn progress to workspace clients.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types on the stream.
const (
	TurnStarted = "turn_started"
	ToolCall    = "tool_call"
	ToolResult  = "tool_result"
	Assistant   = "assistant"
	TurnDone    = "turn_done"
	Title       = "title"
	Status      = "status"
	Error       = "error"
)

// Event is a single event broadcast to subscribers.
type Event struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Role     string `json:"role,omitempty"`
	Content  string `json:"content,omitempty"`
	Tool     string `json:"tool,omitempty"`     // tool_call, tool_result
	IsError  bool   `json:"is_error,omitempty"` // tool_result
	Message  string `json:"message,omitempty"`  // status and error text
	TS       string `json:"ts"`
}

// Marshal serializes an event to JSON, stamping it if needed.
func (e Event) Marshal() []byte {
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	b, _ := json.Marshal(e)
	return b
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(e Event)
}

type subscriber struct {
	ch chan Event
}

// Bus fans out events to all subscribers. Slow subscribers miss events
// rather than block publishers; Recent lets new ones catch up.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      bool

	recentMu  sync.RWMutex
	recent    []Event
	maxRecent int
}

// DefaultRecent is how many events the bus keeps for late subscribers.
const DefaultRecent = 200

// NewBus creates a bus keeping the last maxRecent events.
func NewBus(maxRecent int) *Bus {
	if maxRecent <= 0 {
		maxRecent = DefaultRecent
	}
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   maxRecent,
	}
}

// Publish stamps e and delivers it without blocking.
func (b *Bus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}

	b.recentMu.Lock()
	b.recent = append(b.recent, e)
	if len(b.recent) > b.maxRecent {
		b.recent = b.recent[len(b.recent)-b.maxRecent:]
	}
	b.recentMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func unsubscribes
// and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, 64)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subscribers[sub]; ok {
				delete(b.subscribers, sub)
				close(sub.ch)
			}
		})
	}
}

// Recent returns up to n of the latest events, oldest first. n <= 0
// returns everything kept.
func (b *Bus) Recent(n int) []Event {
	b.recentMu.RLock()
	defer b.recentMu.RUnlock()

	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// SubscriberCount returns the number of connected subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close disconnects every subscriber. Later Publish calls only feed Recent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, sub)
	}
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

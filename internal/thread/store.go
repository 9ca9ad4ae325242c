package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tradeglance/companion/internal/llm"
)

// Store is the thread store used by the agent. Appends for one thread are
// mutually exclusive; appends for different threads proceed in parallel.
type Store struct {
	log     Checkpointer
	titles  TitleIndex
	durable bool

	locks keyedMutex

	mu     sync.Mutex
	parked map[string]*parkedBatch
}

type parkedBatch struct {
	base int
	msgs []llm.Message
}

// NewStore combines a checkpoint log and a title index. durable tells
// health checks whether the data survives a restart.
func NewStore(log Checkpointer, titles TitleIndex, durable bool) *Store {
	return &Store{
		log:     log,
		titles:  titles,
		durable: durable,
		locks:   keyedMutex{locks: make(map[string]*refLock)},
		parked:  make(map[string]*parkedBatch),
	}
}

// Durable reports whether both halves are backed by persistent storage.
func (s *Store) Durable() bool { return s.durable }

// Load returns the thread's history: persisted messages followed by any
// still-parked ones. It retries parked messages first.
func (s *Store) Load(ctx context.Context, id string) ([]llm.Message, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.flushLocked(ctx, id)

	msgs, err := s.log.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", id, err)
	}
	if p := s.parkedFor(id); p != nil {
		msgs = append(msgs, p.msgs...)
	}
	return msgs, nil
}

// AppendAndCheckpoint durably appends msgs after the first base messages
// of the thread, as one unit. base counts parked messages too, matching
// what Load returned.
//
// A write failure returns a *PersistenceError and parks the batch; the
// caller may treat the turn as complete. ErrConflict means another writer
// advanced the thread and nothing was stored.
func (s *Store) AppendAndCheckpoint(ctx context.Context, id string, base int, msgs []llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	if flushErr := s.flushLocked(ctx, id); flushErr != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		p := s.parked[id]
		if base != p.base+len(p.msgs) {
			return ErrConflict
		}
		p.msgs = append(p.msgs, msgs...)
		return &PersistenceError{ThreadID: id, Parked: len(p.msgs), Err: flushErr}
	}

	err := s.log.Append(ctx, id, base, msgs)
	if err == nil || errors.Is(err, ErrConflict) {
		return err
	}

	s.mu.Lock()
	s.parked[id] = &parkedBatch{base: base, msgs: append([]llm.Message(nil), msgs...)}
	s.mu.Unlock()

	perr := &PersistenceError{ThreadID: id, Parked: len(msgs), Err: err}
	slog.Error("checkpoint failed", "thread", id, "messages", len(msgs), "error", err)
	return perr
}

// flushLocked retries a parked batch. The caller holds the thread lock.
func (s *Store) flushLocked(ctx context.Context, id string) error {
	p := s.parkedFor(id)
	if p == nil {
		return nil
	}
	err := s.log.Append(ctx, id, p.base, p.msgs)
	if err != nil && !errors.Is(err, ErrConflict) {
		slog.Warn("parked checkpoint retry failed", "thread", id, "messages", len(p.msgs), "error", err)
		return err
	}

	s.mu.Lock()
	delete(s.parked, id)
	s.mu.Unlock()

	if err != nil {
		slog.Error("parked checkpoint dropped after conflict", "thread", id, "messages", len(p.msgs))
		return nil
	}
	slog.Info("parked checkpoint written", "thread", id, "messages", len(p.msgs))
	return nil
}

func (s *Store) parkedFor(id string) *parkedBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parked[id]
}

// Parked returns the number of messages waiting for a retry across all
// threads.
func (s *Store) Parked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.parked {
		n += len(p.msgs)
	}
	return n
}

// GetTitle returns the thread's title, or DefaultTitle if it has none.
func (s *Store) GetTitle(ctx context.Context, id string) (string, error) {
	title, ok, err := s.titles.Title(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get title %s: %w", id, err)
	}
	if !ok {
		return DefaultTitle, nil
	}
	return title, nil
}

// SetTitle stores the title and refreshes the thread's recency.
func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title must not be empty")
	}
	if err := s.titles.SetTitle(ctx, id, title); err != nil {
		return fmt.Errorf("set title %s: %w", id, err)
	}
	return nil
}

// ListThreads returns all titled threads, most recently updated first.
func (s *Store) ListThreads(ctx context.Context) ([]Summary, error) {
	list, err := s.titles.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return list, nil
}

// Delete removes the thread from the index, then purges its history
// best-effort. Deleting an unknown thread succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.titles.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete thread %s: %w", id, err)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	delete(s.parked, id)
	s.mu.Unlock()

	if err := s.log.Purge(ctx, id); err != nil {
		slog.Warn("thread history purge failed", "thread", id, "error", err)
	}
	return nil
}

// Close releases both backends.
func (s *Store) Close() error {
	var errs []error
	if err := s.log.Close(); err != nil {
		errs = append(errs, err)
	}
	if c, ok := s.titles.(Checkpointer); !ok || c != s.log {
		if err := s.titles.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

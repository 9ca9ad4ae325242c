package thread

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/tradeglance/companion/internal/llm"
)

// backends returns every engine the tests can reach. Postgres joins only
// when COMPANION_TEST_PG_URL is set.
func backends(t *testing.T) map[string]func(t *testing.T) backend {
	t.Helper()
	out := map[string]func(t *testing.T) backend{
		"memory": func(t *testing.T) backend { return NewMemory() },
		"sqlite": func(t *testing.T) backend {
			dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
			s, err := OpenSQLite(context.Background(), dsn)
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			return s
		},
	}
	if pgURL := os.Getenv("COMPANION_TEST_PG_URL"); pgURL != "" {
		out["postgres"] = func(t *testing.T) backend {
			p, err := OpenPostgres(context.Background(), pgURL)
			if err != nil {
				t.Fatalf("OpenPostgres: %v", err)
			}
			return p
		}
	} else {
		t.Log("COMPANION_TEST_PG_URL not set, skipping postgres backend")
	}
	return out
}

func eachStore(t *testing.T, fn func(t *testing.T, s *Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := open(t)
			s := NewStore(b, b, name != "memory")
			defer s.Close()
			fn(t, s)
		})
	}
}

func TestAppendOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		id := uuid.NewString()

		first := []llm.Message{llm.UserMessage("hi"), llm.AssistantMessage("hello")}
		if err := s.AppendAndCheckpoint(ctx, id, 0, first); err != nil {
			t.Fatalf("first append: %v", err)
		}

		call := llm.ToolCall{ID: "call_1", Name: "calculator", Input: []byte(`{"expression":"2+2"}`)}
		asst := llm.AssistantMessage("")
		asst.ToolCalls = []llm.ToolCall{call}
		second := []llm.Message{
			llm.UserMessage("what is 2+2"),
			asst,
			llm.ToolResultMessage(call, llm.ToolResult{ToolCallID: "call_1", Content: "4"}),
			llm.AssistantMessage("4"),
		}
		if err := s.AppendAndCheckpoint(ctx, id, 2, second); err != nil {
			t.Fatalf("second append: %v", err)
		}

		got, err := s.Load(ctx, id)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		want := append(first, second...)
		if len(got) != len(want) {
			t.Fatalf("Load returned %d messages, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i].Role != want[i].Role || got[i].Content != want[i].Content {
				t.Errorf("message %d = %s/%q, want %s/%q", i, got[i].Role, got[i].Content, want[i].Role, want[i].Content)
			}
		}
		if len(got[3].ToolCalls) != 1 || got[3].ToolCalls[0].Name != "calculator" {
			t.Errorf("tool calls not preserved: %+v", got[3].ToolCalls)
		}
		if got[4].ToolCallID != "call_1" {
			t.Errorf("tool result call id = %q, want call_1", got[4].ToolCallID)
		}
	})
}

func TestLoadUnknownThread(t *testing.T) {
	eachStore(t, func(t *testing.T, s *Store) {
		got, err := s.Load(context.Background(), uuid.NewString())
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("Load(unknown) = %d messages, want 0", len(got))
		}
	})
}

func TestAppendConflict(t *testing.T) {
	eachStore(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		id := uuid.NewString()

		if err := s.AppendAndCheckpoint(ctx, id, 0, []llm.Message{llm.UserMessage("a")}); err != nil {
			t.Fatalf("append: %v", err)
		}
		err := s.AppendAndCheckpoint(ctx, id, 0, []llm.Message{llm.UserMessage("b")})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("stale append error = %v, want ErrConflict", err)
		}
		got, _ := s.Load(ctx, id)
		if len(got) != 1 || got[0].Content != "a" {
			t.Errorf("history after conflict = %+v", got)
		}
	})
}

func TestTitleRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		id := uuid.NewString()

		title, err := s.GetTitle(ctx, id)
		if err != nil {
			t.Fatalf("GetTitle: %v", err)
		}
		if title != DefaultTitle {
			t.Errorf("GetTitle(unknown) = %q, want %q", title, DefaultTitle)
		}

		if err := s.SetTitle(ctx, id, "Apple stock price"); err != nil {
			t.Fatalf("SetTitle: %v", err)
		}
		title, _ = s.GetTitle(ctx, id)
		if title != "Apple stock price" {
			t.Errorf("GetTitle = %q, want %q", title, "Apple stock price")
		}

		if err := s.SetTitle(ctx, id, "   "); err == nil {
			t.Error("SetTitle(blank) should fail")
		}
	})
}

func TestListOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		a, b, c := uuid.NewString(), uuid.NewString(), uuid.NewString()

		for _, id := range []string{a, b, c} {
			if err := s.SetTitle(ctx, id, DefaultTitle); err != nil {
				t.Fatalf("SetTitle: %v", err)
			}
		}
		// Renaming a moves it to the front.
		if err := s.SetTitle(ctx, a, "Renamed"); err != nil {
			t.Fatalf("SetTitle: %v", err)
		}

		list, err := s.ListThreads(ctx)
		if err != nil {
			t.Fatalf("ListThreads: %v", err)
		}
		var order []string
		for _, sum := range list {
			if sum.ID == a || sum.ID == b || sum.ID == c {
				order = append(order, sum.ID)
			}
		}
		want := []string{a, c, b}
		if len(order) != len(want) {
			t.Fatalf("listed %d of our threads, want %d", len(order), len(want))
		}
		for i := range want {
			if order[i] != want[i] {
				t.Errorf("position %d = %s, want %s", i, order[i], want[i])
			}
		}
		for i := 1; i < len(list); i++ {
			if list[i].UpdatedAt.After(list[i-1].UpdatedAt) {
				t.Errorf("list not ordered by updated_at at %d", i)
			}
		}
	})
}

func TestDeleteTwice(t *testing.T) {
	eachStore(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		id := uuid.NewString()

		if err := s.SetTitle(ctx, id, "Temp"); err != nil {
			t.Fatalf("SetTitle: %v", err)
		}
		if err := s.AppendAndCheckpoint(ctx, id, 0, []llm.Message{llm.UserMessage("x")}); err != nil {
			t.Fatalf("append: %v", err)
		}

		for i := 0; i < 2; i++ {
			if err := s.Delete(ctx, id); err != nil {
				t.Fatalf("Delete #%d: %v", i+1, err)
			}
		}

		list, _ := s.ListThreads(ctx)
		for _, sum := range list {
			if sum.ID == id {
				t.Error("deleted thread still listed")
			}
		}
		title, _ := s.GetTitle(ctx, id)
		if title != DefaultTitle {
			t.Errorf("title after delete = %q, want %q", title, DefaultTitle)
		}
		msgs, _ := s.Load(ctx, id)
		if len(msgs) != 0 {
			t.Errorf("history after delete has %d messages", len(msgs))
		}
	})
}

func TestDeleteUnknown(t *testing.T) {
	eachStore(t, func(t *testing.T, s *Store) {
		if err := s.Delete(context.Background(), uuid.NewString()); err != nil {
			t.Errorf("Delete(unknown): %v", err)
		}
	})
}

func TestConcurrentThreads(t *testing.T) {
	eachStore(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}

		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				for i := 0; i < 5; i++ {
					msgs := []llm.Message{llm.UserMessage("q"), llm.AssistantMessage("a")}
					if err := s.AppendAndCheckpoint(ctx, id, i*2, msgs); err != nil {
						t.Errorf("append %s #%d: %v", id, i, err)
						return
					}
				}
			}(id)
		}
		wg.Wait()

		for _, id := range ids {
			msgs, err := s.Load(ctx, id)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(msgs) != 10 {
				t.Errorf("thread %s has %d messages, want 10", id, len(msgs))
			}
		}
	})
}

// flakyLog fails appends while fail is set.
type flakyLog struct {
	*Memory
	mu   sync.Mutex
	fail bool
}

func (f *flakyLog) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyLog) Append(ctx context.Context, id string, base int, msgs []llm.Message) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Memory.Append(ctx, id, base, msgs)
}

func TestParkedRetry(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	flaky := &flakyLog{Memory: mem, fail: true}
	s := NewStore(flaky, mem, true)
	id := "t1"

	err := s.AppendAndCheckpoint(ctx, id, 0, []llm.Message{llm.UserMessage("hi"), llm.AssistantMessage("hello")})
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("append error = %v, want *PersistenceError", err)
	}
	if perr.Parked != 2 {
		t.Errorf("Parked = %d, want 2", perr.Parked)
	}

	// The caller still sees parked messages.
	msgs, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Load while parked = %d messages, want 2", len(msgs))
	}

	// A second turn extends the parked batch.
	err = s.AppendAndCheckpoint(ctx, id, 2, []llm.Message{llm.UserMessage("again")})
	if !errors.As(err, &perr) {
		t.Fatalf("second append error = %v, want *PersistenceError", err)
	}
	if s.Parked() != 3 {
		t.Errorf("Parked() = %d, want 3", s.Parked())
	}

	flaky.setFail(false)
	msgs, err = s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load after recovery: %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("Load after recovery = %d messages, want 3", len(msgs))
	}
	if s.Parked() != 0 {
		t.Errorf("Parked() after recovery = %d, want 0", s.Parked())
	}
	persisted, _ := mem.Load(ctx, id)
	if len(persisted) != 3 || persisted[2].Content != "again" {
		t.Errorf("persisted history = %+v", persisted)
	}
}

func TestParkedConflict(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	flaky := &flakyLog{Memory: mem, fail: true}
	s := NewStore(flaky, mem, true)

	_ = s.AppendAndCheckpoint(ctx, "t", 0, []llm.Message{llm.UserMessage("a")})
	err := s.AppendAndCheckpoint(ctx, "t", 0, []llm.Message{llm.UserMessage("b")})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("stale append on parked thread = %v, want ErrConflict", err)
	}
}

func TestOpenFallback(t *testing.T) {
	ctx := context.Background()

	if _, err := Open(ctx, Config{Backend: "nosuch"}); err == nil {
		t.Fatal("Open(unknown backend) should fail without fallback")
	}

	s, err := Open(ctx, Config{Backend: "nosuch", AllowMemoryFallback: true})
	if err != nil {
		t.Fatalf("Open with fallback: %v", err)
	}
	defer s.Close()
	if s.Durable() {
		t.Error("fallback store reports durable")
	}
	if err := s.AppendAndCheckpoint(ctx, "x", 0, []llm.Message{llm.UserMessage("hi")}); err != nil {
		t.Errorf("append on fallback store: %v", err)
	}
}

func TestOpenSplitBackends(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{
		Backend:      BackendSQLite,
		DSN:          "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		TitleBackend: BackendMemory,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Durable() {
		t.Error("store with in-memory titles reports durable")
	}
	if _, ok := s.log.(*SQLite); !ok {
		t.Errorf("checkpoint backend = %T, want *SQLite", s.log)
	}
	if _, ok := s.titles.(*Memory); !ok {
		t.Errorf("title backend = %T, want *Memory", s.titles)
	}
}

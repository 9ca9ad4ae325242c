package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tradeglance/companion/internal/agent"
	"github.com/tradeglance/companion/internal/llm"
	"github.com/tradeglance/companion/internal/thread"
	"github.com/tradeglance/companion/internal/tools"
	"github.com/tradeglance/companion/pkg/channel"
	"github.com/tradeglance/companion/pkg/events"
)

// echoModel answers every turn with the last user message.
type echoModel struct{}

func (echoModel) Generate(_ context.Context, history []llm.Message, _ []llm.ToolDefinition) (*llm.Message, error) {
	m := llm.AssistantMessage("echo: " + history[len(history)-1].Text())
	return &m, nil
}

func newTestService(t *testing.T, bus *events.Bus) *agent.Service {
	t.Helper()
	mem := thread.NewMemory()
	store := thread.NewStore(mem, mem, false)
	machine := &agent.Machine{
		Model:  echoModel{},
		Tools:  tools.NewRegistry(0),
		Events: bus,
	}
	svc := agent.NewService(machine, store, nil, bus)
	t.Cleanup(svc.Close)
	return svc
}

// memRooms is an in-memory channel.RoomThreads.
type memRooms struct {
	mu     sync.Mutex
	active map[string]string
}

func (r *memRooms) ActiveThread(roomID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[roomID]
}

func (r *memRooms) SetActiveThread(roomID, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.active = make(map[string]string)
	}
	if threadID == "" {
		delete(r.active, roomID)
	} else {
		r.active[roomID] = threadID
	}
	return nil
}

func send(t *testing.T, h *roomHandler, room, text string) string {
	t.Helper()
	reply, err := h.handle(context.Background(), channel.Message{Source: "matrix", RoomID: room, Content: text})
	if err != nil {
		t.Fatalf("handle(%q): %v", text, err)
	}
	return reply
}

func TestRoomChatCreatesThread(t *testing.T) {
	rooms := &memRooms{}
	h := &roomHandler{service: newTestService(t, nil), rooms: rooms}

	if got := send(t, h, "!a", "hello"); got != "echo: hello" {
		t.Fatalf("reply = %q", got)
	}
	first := rooms.ActiveThread("!a")
	if first == "" {
		t.Fatal("room has no active thread after chatting")
	}

	send(t, h, "!a", "again")
	if rooms.ActiveThread("!a") != first {
		t.Fatal("second message moved the room to another thread")
	}
	history, err := h.service.History(context.Background(), first)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 {
		t.Fatalf("history has %d messages, want 4", len(history))
	}
}

func TestRoomCommands(t *testing.T) {
	rooms := &memRooms{}
	h := &roomHandler{service: newTestService(t, nil), rooms: rooms}

	if got := send(t, h, "!a", "!threads"); got != "No conversations yet." {
		t.Fatalf("!threads on empty store = %q", got)
	}

	send(t, h, "!a", "first question")
	first := rooms.ActiveThread("!a")

	if got := send(t, h, "!a", "!new"); !strings.Contains(got, "new conversation") {
		t.Fatalf("!new = %q", got)
	}
	second := rooms.ActiveThread("!a")
	if second == "" || second == first {
		t.Fatalf("!new did not switch threads: %q -> %q", first, second)
	}

	list := send(t, h, "!a", "!threads")
	lines := strings.Split(list, "\n")
	if len(lines) != 2 {
		t.Fatalf("!threads listed %d lines:\n%s", len(lines), list)
	}
	if !strings.HasPrefix(lines[0], "*1.") {
		t.Errorf("newest thread should be first and active, got %q", lines[0])
	}

	if got := send(t, h, "!a", "!switch 2"); !strings.Contains(got, "Switched") {
		t.Fatalf("!switch 2 = %q", got)
	}
	if rooms.ActiveThread("!a") != first {
		t.Fatal("!switch 2 did not select the older thread")
	}

	if got := send(t, h, "!a", "!switch 9"); !strings.Contains(got, "No conversation 9") {
		t.Errorf("!switch 9 = %q", got)
	}
	if got := send(t, h, "!a", "!switch"); !strings.Contains(got, "Which conversation") {
		t.Errorf("!switch without argument = %q", got)
	}

	if got := send(t, h, "!a", "!delete "+first); !strings.Contains(got, "Deleted") {
		t.Fatalf("!delete = %q", got)
	}
	if rooms.ActiveThread("!a") != "" {
		t.Error("deleting the active thread should clear it")
	}
	threads, _ := h.service.ListThreads(context.Background())
	if len(threads) != 1 || threads[0].ID != second {
		t.Fatalf("after delete threads = %+v", threads)
	}

	if got := send(t, h, "!a", "!help"); got != roomHelp {
		t.Errorf("!help = %q", got)
	}
}

func TestRoomsAreIndependent(t *testing.T) {
	rooms := &memRooms{}
	h := &roomHandler{service: newTestService(t, nil), rooms: rooms}

	send(t, h, "!a", "hi from a")
	send(t, h, "!b", "hi from b")
	if rooms.ActiveThread("!a") == rooms.ActiveThread("!b") {
		t.Fatal("two rooms share a thread")
	}
}

func TestListTitle(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Short", "Short"},
		{"Exactly twenty chars", "Exactly twenty chars"},
		{"Apple earnings and guidance outlook", "Apple earnings and g.."},
		{"Éléphant économique à Zürich", "Éléphant économique .."},
	}
	for _, tt := range tests {
		if got := listTitle(tt.in); got != tt.want {
			t.Errorf("listTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func newTestWorkspace(t *testing.T) (*workspace, *events.Bus) {
	t.Helper()
	bus := events.NewBus(0)
	t.Cleanup(bus.Close)
	health := func() healthResponse {
		return healthResponse{Status: "ok", Durable: false, Providers: map[string]string{"chat": "echo"}}
	}
	return newWorkspace(newTestService(t, bus), bus, health), bus
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func TestWorkspaceThreadLifecycle(t *testing.T) {
	ws, _ := newTestWorkspace(t)

	var created thread.Summary
	if code := doJSON(t, ws, http.MethodPost, "/v1/threads", "", &created); code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}
	if created.ID == "" || created.Title != thread.DefaultTitle {
		t.Fatalf("created = %+v", created)
	}

	var reply struct {
		ThreadID  string `json:"thread_id"`
		Content   string `json:"content"`
		Persisted bool   `json:"persisted"`
	}
	code := doJSON(t, ws, http.MethodPost, "/v1/threads/"+created.ID+"/chat", `{"message":"price of AAPL?"}`, &reply)
	if code != http.StatusOK {
		t.Fatalf("chat status = %d", code)
	}
	if reply.ThreadID != created.ID || reply.Content != "echo: price of AAPL?" || !reply.Persisted {
		t.Fatalf("reply = %+v", reply)
	}

	var detail threadResponse
	if code := doJSON(t, ws, http.MethodGet, "/v1/threads/"+created.ID, "", &detail); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if len(detail.Messages) != 2 || detail.Messages[0].Role != llm.RoleUser || detail.Messages[1].Role != llm.RoleAssistant {
		t.Fatalf("detail messages = %+v", detail.Messages)
	}

	var list struct {
		Threads []thread.Summary `json:"threads"`
		Count   int              `json:"count"`
	}
	doJSON(t, ws, http.MethodGet, "/v1/threads", "", &list)
	if list.Count != 1 || list.Threads[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}

	for range 2 {
		if code := doJSON(t, ws, http.MethodDelete, "/v1/threads/"+created.ID, "", nil); code != http.StatusNoContent {
			t.Fatalf("delete status = %d", code)
		}
	}
	doJSON(t, ws, http.MethodGet, "/v1/threads", "", &list)
	if list.Count != 0 {
		t.Fatalf("after delete count = %d", list.Count)
	}
}

func TestWorkspaceChatWithoutThread(t *testing.T) {
	ws, _ := newTestWorkspace(t)

	var reply struct {
		ThreadID string `json:"thread_id"`
		Content  string `json:"content"`
	}
	if code := doJSON(t, ws, http.MethodPost, "/v1/chat", `{"message":"hi"}`, &reply); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if reply.ThreadID == "" {
		t.Fatal("a new thread id should be assigned")
	}
}

func TestWorkspaceChatErrors(t *testing.T) {
	ws, _ := newTestWorkspace(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty message", `{"message":"   "}`, http.StatusBadRequest},
		{"missing message", `{}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]string
			if code := doJSON(t, ws, http.MethodPost, "/v1/chat", tt.body, &body); code != tt.want {
				t.Fatalf("status = %d, want %d", code, tt.want)
			}
			if body["error"] == "" {
				t.Error("error body missing")
			}
		})
	}
}

func TestWorkspaceHealth(t *testing.T) {
	ws, _ := newTestWorkspace(t)

	var h healthResponse
	if code := doJSON(t, ws, http.MethodGet, "/v1/health", "", &h); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if h.Status != "ok" || h.Durable || h.Providers["chat"] != "echo" {
		t.Fatalf("health = %+v", h)
	}

	ws.health = func() healthResponse { return healthResponse{Status: "starting"} }
	if code := doJSON(t, ws, http.MethodGet, "/v1/health", "", &h); code != http.StatusServiceUnavailable {
		t.Fatalf("starting status = %d", code)
	}
}

func TestWorkspaceEvents(t *testing.T) {
	ws, bus := newTestWorkspace(t)
	bus.Publish(events.Event{Type: events.Status, Message: "before connect"})

	srv := httptest.NewServer(ws)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string)
	go func() {
		buf := make([]byte, 4096)
		var pending string
		for {
			n, err := resp.Body.Read(buf)
			pending += string(buf[:n])
			for {
				i := strings.Index(pending, "\n\n")
				if i < 0 {
					break
				}
				lines <- pending[:i]
				pending = pending[i+2:]
			}
			if err != nil {
				close(lines)
				return
			}
		}
	}()

	next := func() events.Event {
		t.Helper()
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed")
			}
			var e events.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
				t.Fatalf("decode %q: %v", line, err)
			}
			return e
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
		return events.Event{}
	}

	if e := next(); e.Message != "before connect" {
		t.Fatalf("replayed event = %+v", e)
	}

	// The handler subscribes before replaying, so this is delivered live.
	bus.Publish(events.Event{Type: events.Title, ThreadID: "t1", Content: "Apple Stock Price"})
	if e := next(); e.Type != events.Title || e.ThreadID != "t1" {
		t.Fatalf("live event = %+v", e)
	}
}

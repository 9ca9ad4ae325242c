// Workspace API: the local HTTP surface for thread management, chat and
// the live event stream.
//
//	POST   /v1/threads            new conversation
//	GET    /v1/threads            conversations, most recent first
//	GET    /v1/threads/{id}       title and display history
//	DELETE /v1/threads/{id}       delete a conversation
//	POST   /v1/threads/{id}/chat  send one message, get the reply
//	POST   /v1/chat               same, thread_id in the body (optional)
//	GET    /v1/events             SSE stream of turn events
//	GET    /v1/health             health check
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/tradeglance/companion/internal/agent"
	"github.com/tradeglance/companion/internal/thread"
	"github.com/tradeglance/companion/pkg/events"
)

const (
	// DefaultSocketPath is the default Unix socket for workspace clients.
	DefaultSocketPath = "/tmp/companion.sock"

	// recentOnConnect is how many past events a new SSE client receives.
	recentOnConnect = 50
)

// healthFunc reports daemon health for /v1/health.
type healthFunc func() healthResponse

type healthResponse struct {
	Status      string            `json:"status"`
	Uptime      string            `json:"uptime"`
	Durable     bool              `json:"durable"`
	Parked      int               `json:"parked"`
	Providers   map[string]string `json:"providers"`
	Tools       []string          `json:"tools"`
	Search      string            `json:"search"`
	Quotes      bool              `json:"quotes"`
	Matrix      bool              `json:"matrix"`
	Subscribers int               `json:"subscribers"`
}

// workspace serves the API over an agent.Service.
type workspace struct {
	service *agent.Service
	events  *events.Bus
	health  healthFunc
	router  *chi.Mux
}

func newWorkspace(service *agent.Service, bus *events.Bus, health healthFunc) *workspace {
	ws := &workspace{
		service: service,
		events:  bus,
		health:  health,
		router:  chi.NewRouter(),
	}
	ws.routes()
	return ws
}

func (ws *workspace) routes() {
	ws.router.Use(middleware.RequestID)
	ws.router.Use(middleware.Logger)
	ws.router.Use(middleware.Recoverer)

	ws.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", ws.handleHealth)
		r.Get("/events", ws.handleEvents)
		r.Post("/chat", ws.handleChat)

		r.Route("/threads", func(r chi.Router) {
			r.Post("/", ws.handleNewThread)
			r.Get("/", ws.handleListThreads)
			r.Get("/{id}", ws.handleThread)
			r.Delete("/{id}", ws.handleDeleteThread)
			r.Post("/{id}/chat", ws.handleChat)
		})
	})
}

func (ws *workspace) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws.router.ServeHTTP(w, r)
}

// serveWorkspace listens on the Unix socket and the TCP address and serves
// until ctx is cancelled. Either listener may fail on its own; failing
// both is an error.
func (d *Daemon) serveWorkspace(ctx context.Context) error {
	handler := newWorkspace(d.service, d.events, d.health)

	var listeners []net.Listener

	sockPath := d.config.Workspace.SocketPath
	if sockPath == "" {
		sockPath = DefaultSocketPath
	}
	if _, err := os.Stat(sockPath); err == nil {
		os.Remove(sockPath)
	}
	if l, err := net.Listen("unix", sockPath); err != nil {
		slog.Warn("workspace unix socket failed, trying TCP only", "error", err)
	} else {
		os.Chmod(sockPath, 0o660)
		defer os.Remove(sockPath)
		listeners = append(listeners, l)
		slog.Info("workspace API listening", "socket", sockPath)
	}

	tcpAddr := d.config.Workspace.TCPAddr
	if tcpAddr == "" {
		tcpAddr = ":8090"
	}
	if l, err := net.Listen("tcp", tcpAddr); err != nil {
		slog.Warn("workspace TCP listener failed", "error", err)
	} else {
		listeners = append(listeners, l)
		slog.Info("workspace API listening", "tcp", l.Addr().String())
	}

	if len(listeners) == 0 {
		return errors.New("workspace: no listener could be opened")
	}
	d.events.Publish(events.Event{Type: events.Status, Message: "workspace API ready"})

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		srv := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// Request contexts end with the server so SSE streams close.
			BaseContext: func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("workspace %s: %w", l.Addr(), err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				srv.Close()
			}
			return nil
		})
	}
	return g.Wait()
}

// --- Threads ---

type threadResponse struct {
	ID       string           `json:"id"`
	Title    string           `json:"title"`
	Messages []historyMessage `json:"messages"`
}

type historyMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

func (ws *workspace) handleNewThread(w http.ResponseWriter, r *http.Request) {
	s, err := ws.service.NewThread(r.Context())
	if err != nil {
		slog.Error("workspace new thread failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "thread store unavailable")
		return
	}
	writeJSONStatus(w, http.StatusCreated, s)
}

func (ws *workspace) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := ws.service.ListThreads(r.Context())
	if err != nil {
		slog.Error("workspace list threads failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "thread store unavailable")
		return
	}
	if threads == nil {
		threads = []thread.Summary{}
	}
	writeJSON(w, map[string]any{"threads": threads, "count": len(threads)})
}

func (ws *workspace) handleThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	title, err := ws.service.Title(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "thread store unavailable")
		return
	}
	msgs, err := ws.service.History(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "thread store unavailable")
		return
	}

	resp := threadResponse{ID: id, Title: title, Messages: make([]historyMessage, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, historyMessage{
			Role:      m.Role,
			Content:   m.Text(),
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, resp)
}

func (ws *workspace) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := ws.service.DeleteThread(r.Context(), id); err != nil {
		if r.Context().Err() != nil {
			return
		}
		slog.Error("workspace delete thread failed", "thread", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "thread store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Chat ---

// chatRequest is the JSON body for the chat endpoints.
type chatRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message"`
}

type chatResponse struct {
	*agent.Reply
	Elapsed string `json:"elapsed"`
}

func (ws *workspace) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		req.ThreadID = id
	}

	start := time.Now()
	reply, err := ws.service.Chat(r.Context(), req.ThreadID, req.Message)
	switch {
	case err == nil:
	case errors.Is(err, agent.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message is required")
		return
	case errors.Is(err, agent.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "thread store unavailable")
		return
	case r.Context().Err() != nil:
		// Client went away; nothing to answer.
		return
	default:
		slog.Error("workspace chat failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, chatResponse{Reply: reply, Elapsed: time.Since(start).Round(time.Millisecond).String()})
}

// --- Events ---

// handleEvents streams events as SSE. Recent events are replayed first so
// a new client can catch up.
func (ws *workspace) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	stream, cancel := ws.events.Subscribe()
	defer cancel()

	slog.Info("workspace SSE client connected", "subscribers", ws.events.SubscriberCount())

	for _, e := range ws.events.Recent(recentOnConnect) {
		fmt.Fprintf(w, "data: %s\n\n", e.Marshal())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("workspace SSE client disconnected", "subscribers", ws.events.SubscriberCount()-1)
			return
		case evt, ok := <-stream:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
			flusher.Flush()
		}
	}
}

// --- Health ---

func (ws *workspace) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := ws.health()
	h.Subscribers = ws.events.SubscriberCount()
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, status, h)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONStatus(w, http.StatusOK, payload)
}

func writeJSONStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

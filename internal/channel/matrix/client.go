// Package matrix connects the companion to Matrix rooms with mautrix-go.
// Every room talks in one active thread at a time; the mapping survives
// restarts in the data directory.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/tradeglance/companion/pkg/channel"
)

// maxMessageLen keeps replies under typical client rendering limits.
const maxMessageLen = 4000

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver   string
	UserID       string // localpart, e.g. "companion"
	Password     string
	ServerName   string // e.g. "matrix.example.com"
	AllowedUsers []string
	DataDir      string
}

// Channel implements channel.Channel for Matrix.
type Channel struct {
	config    Config
	client    *mautrix.Client
	handler   channel.MessageHandler
	startTime int64

	credFile string
	rooms    *roomState
}

type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a Matrix channel. The room-to-thread map is loaded from
// DataDir if present.
func New(cfg Config) *Channel {
	rooms := &roomState{
		path:  filepath.Join(cfg.DataDir, "matrix_rooms.json"),
		Rooms: make(map[string]string),
	}
	if err := rooms.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("matrix room state unreadable, starting fresh", "path", rooms.path, "error", err)
	}
	return &Channel{
		config:   cfg,
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
		rooms:    rooms,
	}
}

func (c *Channel) Name() string { return "matrix" }

// ActiveThread returns the thread a room is talking in, or "".
func (c *Channel) ActiveThread(roomID string) string { return c.rooms.get(roomID) }

// SetActiveThread points a room at threadID and persists the mapping.
func (c *Channel) SetActiveThread(roomID, threadID string) error {
	return c.rooms.set(roomID, threadID)
}

// Start logs in and syncs until ctx is cancelled. Sync errors reconnect
// after a pause; login failures that retrying can't fix are returned.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.handler = handler
	c.startTime = time.Now().UnixMilli()

	if err := os.MkdirAll(c.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("matrix data dir: %w", err)
	}

	fullUserID := c.config.UserID
	if !strings.HasPrefix(fullUserID, "@") {
		fullUserID = fmt.Sprintf("@%s:%s", c.config.UserID, c.config.ServerName)
	}

	client, err := mautrix.NewClient(c.config.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	c.client = client
	// Sync state is not persisted; messages older than startTime are skipped.
	client.Store = mautrix.NewMemorySyncStore()

	if err := c.loginWithRetry(ctx, fullUserID); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		c.onMessage(ctx, evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		c.onMemberEvent(ctx, evt)
	})

	slog.Info("matrix channel ready, starting sync", "user", fullUserID)

	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting in 15s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(15 * time.Second):
			}
		}
	}
}

// loginWithRetry uses saved credentials when present, otherwise logs in
// with the password, backing off exponentially between attempts.
func (c *Channel) loginWithRetry(ctx context.Context, fullUserID string) error {
	if err := c.loadCredentials(); err == nil {
		slog.Info("loaded saved Matrix credentials", "user", fullUserID)
		return nil
	}

	backoff := 2 * time.Second
	const (
		maxBackoff  = 2 * time.Minute
		maxAttempts = 10
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("logged into Matrix", "user", resp.UserID, "device", resp.DeviceID)
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}

		if isPermanentLoginError(err) {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}
		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}

		slog.Warn("matrix login failed, retrying", "error", err, "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return fmt.Errorf("matrix login: exhausted retries")
}

func isPermanentLoginError(err error) bool {
	msg := err.Error()
	for _, code := range []string{"M_FORBIDDEN", "M_UNKNOWN_TOKEN", "M_INVALID_PARAM"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// Send posts resp to its room, splitting long text into numbered chunks.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	if c.client == nil {
		return errors.New("matrix: not started")
	}
	roomID := id.RoomID(resp.RoomID)
	chunks := splitMessage(resp.Content, maxMessageLen)
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[%d/%d] %s", i+1, len(chunks), chunk)
		}
		if _, err := c.client.SendText(ctx, roomID, chunk); err != nil {
			slog.Error("matrix send failed", "room", roomID, "chunk", i+1, "error", err)
			return err
		}
		if i < len(chunks)-1 {
			time.Sleep(500 * time.Millisecond)
		}
	}
	slog.Info("matrix message sent", "room", roomID, "chunks", len(chunks), "len", len(resp.Content))
	return nil
}

// Stop ends the sync loop.
func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID || evt.Timestamp < c.startTime {
		return
	}
	if !isAllowed(c.config.AllowedUsers, evt.Sender) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || strings.TrimSpace(content.Body) == "" {
		return
	}

	slog.Info("matrix message received",
		"sender", evt.Sender,
		"room", evt.RoomID,
		"content", truncate(content.Body, 100),
	)

	reply, err := c.handler(ctx, channel.Message{
		Source:    "matrix",
		SenderID:  string(evt.Sender),
		RoomID:    string(evt.RoomID),
		Content:   content.Body,
		Timestamp: evt.Timestamp,
	})
	if err != nil {
		slog.Error("message handler error", "room", evt.RoomID, "error", err)
		reply = fmt.Sprintf("*(Error: %s)*", err)
	}
	if reply == "" {
		return
	}
	if err := c.Send(ctx, channel.Response{RoomID: string(evt.RoomID), Content: reply}); err != nil {
		slog.Error("failed to send reply", "room", evt.RoomID, "error", err)
	}
}

func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.client.UserID) {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if !isAllowed(c.config.AllowedUsers, evt.Sender) {
		slog.Warn("rejecting invite from unauthorized user", "sender", evt.Sender)
		return
	}

	slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender)
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join room", "room", evt.RoomID, "error", err)
	}
}

func (c *Channel) loadCredentials() error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	c.client.AccessToken = creds.AccessToken
	c.client.UserID = id.UserID(creds.UserID)
	c.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	if err := os.WriteFile(c.credFile, data, 0o600); err != nil {
		slog.Warn("failed to save Matrix credentials", "error", err)
	}
}

// roomState is the persisted room → active thread map.
type roomState struct {
	mu    sync.Mutex
	path  string
	Rooms map[string]string `json:"rooms"`
}

func (s *roomState) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := json.Unmarshal(data, s); err != nil {
		return err
	}
	if s.Rooms == nil {
		s.Rooms = make(map[string]string)
	}
	return nil
}

func (s *roomState) get(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Rooms[roomID]
}

func (s *roomState) set(roomID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if threadID == "" {
		delete(s.Rooms, roomID)
	} else {
		s.Rooms[roomID] = threadID
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func isAllowed(allowed []string, sender id.UserID) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if string(sender) == a {
			return true
		}
	}
	return false
}

// splitMessage cuts s into chunks of at most maxLen bytes without
// splitting a UTF-8 sequence, preferring line breaks.
func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if nl := strings.LastIndexByte(s[:cut], '\n'); nl > maxLen/2 {
			cut = nl + 1
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

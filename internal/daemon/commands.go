package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tradeglance/companion/internal/agent"
	"github.com/tradeglance/companion/internal/thread"
	"github.com/tradeglance/companion/pkg/channel"
)

const roomHelp = `Commands:
!new - start a new conversation
!threads - list conversations, most recent first
!switch <n|id> - continue conversation n from !threads, or by id
!delete <n|id> - delete a conversation
!help - this message
Anything else is sent to the assistant.`

// maxListTitle is the title width in !threads before it is cut with "..".
const maxListTitle = 20

// roomHandler turns chat messages into commands or turns on the room's
// active thread.
type roomHandler struct {
	service *agent.Service
	rooms   channel.RoomThreads
}

func (h *roomHandler) handle(ctx context.Context, msg channel.Message) (string, error) {
	text := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(text, "!") {
		return h.chat(ctx, msg.RoomID, text)
	}

	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(cmd) {
	case "!new":
		return h.newThread(ctx, msg.RoomID)
	case "!threads":
		return h.listThreads(ctx, msg.RoomID)
	case "!switch":
		return h.switchThread(ctx, msg.RoomID, arg)
	case "!delete":
		return h.deleteThread(ctx, msg.RoomID, arg)
	case "!help":
		return roomHelp, nil
	default:
		// Unknown "!" text is still a question.
		return h.chat(ctx, msg.RoomID, text)
	}
}

func (h *roomHandler) chat(ctx context.Context, roomID, text string) (string, error) {
	threadID := h.rooms.ActiveThread(roomID)
	if threadID == "" {
		s, err := h.service.NewThread(ctx)
		if err != nil {
			return "", fmt.Errorf("new thread: %w", err)
		}
		threadID = s.ID
		if err := h.rooms.SetActiveThread(roomID, threadID); err != nil {
			slog.Warn("failed to save active thread", "room", roomID, "error", err)
		}
	}

	reply, err := h.service.Chat(ctx, threadID, text)
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

func (h *roomHandler) newThread(ctx context.Context, roomID string) (string, error) {
	s, err := h.service.NewThread(ctx)
	if err != nil {
		return "", fmt.Errorf("new thread: %w", err)
	}
	if err := h.rooms.SetActiveThread(roomID, s.ID); err != nil {
		return "", err
	}
	return "Started a new conversation.", nil
}

func (h *roomHandler) listThreads(ctx context.Context, roomID string) (string, error) {
	threads, err := h.service.ListThreads(ctx)
	if err != nil {
		return "", err
	}
	if len(threads) == 0 {
		return "No conversations yet.", nil
	}

	active := h.rooms.ActiveThread(roomID)
	var b strings.Builder
	for i, t := range threads {
		marker := " "
		if t.ID == active {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s%d. %s\n", marker, i+1, listTitle(t.Title))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (h *roomHandler) switchThread(ctx context.Context, roomID, arg string) (string, error) {
	t, err := h.resolve(ctx, arg)
	if err != nil {
		return err.Error(), nil
	}
	if err := h.rooms.SetActiveThread(roomID, t.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Switched to %q.", t.Title), nil
}

func (h *roomHandler) deleteThread(ctx context.Context, roomID, arg string) (string, error) {
	t, err := h.resolve(ctx, arg)
	if err != nil {
		return err.Error(), nil
	}
	if err := h.service.DeleteThread(ctx, t.ID); err != nil {
		return "", err
	}
	if h.rooms.ActiveThread(roomID) == t.ID {
		if err := h.rooms.SetActiveThread(roomID, ""); err != nil {
			slog.Warn("failed to clear active thread", "room", roomID, "error", err)
		}
	}
	return fmt.Sprintf("Deleted %q.", t.Title), nil
}

// resolve finds a thread by its 1-based position in the listing or by id.
// The returned error is meant for the user.
func (h *roomHandler) resolve(ctx context.Context, arg string) (thread.Summary, error) {
	if arg == "" {
		return thread.Summary{}, errors.New("Which conversation? Give a number from !threads or an id.")
	}
	threads, err := h.service.ListThreads(ctx)
	if err != nil {
		return thread.Summary{}, fmt.Errorf("Could not list conversations: %v", err)
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(threads) {
			return thread.Summary{}, fmt.Errorf("No conversation %d; there are %d.", n, len(threads))
		}
		return threads[n-1], nil
	}
	for _, t := range threads {
		if t.ID == arg {
			return t, nil
		}
	}
	return thread.Summary{}, fmt.Errorf("No conversation with id %s.", arg)
}

func listTitle(title string) string {
	if r := []rune(title); len(r) > maxListTitle {
		return string(r[:maxListTitle]) + ".."
	}
	return title
}

// Package channel defines chat transports the companion can be reached
// through, such as Matrix.
package channel

import "context"

// Message is an incoming chat message.
type Message struct {
	Source   string // channel name, e.g. "matrix"
	SenderID string
	// RoomID identifies the conversation on the channel. Each room has its
	// own active thread.
	RoomID    string
	Content   string
	Timestamp int64 // milliseconds
}

// Response is an outgoing message.
type Response struct {
	RoomID  string
	Content string
}

// Channel is a chat transport.
type Channel interface {
	Name() string

	// Start connects and delivers messages to handler until ctx is done.
	Start(ctx context.Context, handler MessageHandler) error

	Send(ctx context.Context, resp Response) error

	Stop() error
}

// MessageHandler returns the reply for msg. An empty reply sends nothing.
type MessageHandler func(ctx context.Context, msg Message) (string, error)

// RoomThreads remembers which thread each room is talking in.
type RoomThreads interface {
	ActiveThread(roomID string) string
	SetActiveThread(roomID, threadID string) error
}

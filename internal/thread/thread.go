// Package thread persists conversations: an append-only checkpoint log of
// messages per thread and a title index used for listings.
//
// The two halves are separate interfaces joined only by thread id, so they
// can live in different engines. [Store] combines them, serializes appends
// per thread and parks failed appends for retry.
package thread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradeglance/companion/internal/llm"
)

// DefaultTitle is the title of a thread that has not been named yet.
const DefaultTitle = "New Chat"

// ErrConflict is returned by Append when the persisted history no longer
// has the length the caller based its batch on.
var ErrConflict = errors.New("thread: history changed concurrently")

// Summary is one row of the thread listing.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checkpointer is the per-thread append-only message log.
type Checkpointer interface {
	// Load returns the thread's messages in append order; unknown ids
	// yield an empty history.
	Load(ctx context.Context, id string) ([]llm.Message, error)

	// Append atomically adds msgs after the first base messages. It fails
	// with ErrConflict if the log does not hold exactly base messages.
	Append(ctx context.Context, id string, base int, msgs []llm.Message) error

	// Purge deletes the thread's history. Unknown ids are not an error.
	Purge(ctx context.Context, id string) error

	Close() error
}

// TitleIndex maps thread ids to display titles ordered by recency.
type TitleIndex interface {
	// Title returns the stored title and whether a row exists.
	Title(ctx context.Context, id string) (string, bool, error)

	// SetTitle upserts the title and refreshes its update time.
	SetTitle(ctx context.Context, id, title string) error

	// List returns all rows, most recently updated first.
	List(ctx context.Context) ([]Summary, error)

	// Delete removes the row. Unknown ids are not an error.
	Delete(ctx context.Context, id string) error

	Close() error
}

// PersistenceError reports an append that could not be written. The
// messages stay parked in the Store and are retried on the next access to
// the thread.
type PersistenceError struct {
	ThreadID string
	Parked   int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("thread %s: persist failed, %d message(s) parked for retry: %v", e.ThreadID, e.Parked, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// clock hands out strictly increasing timestamps so recency ordering is
// stable even when updates land within the same clock tick. Microsecond
// resolution matches what the SQL backends store.
type clock struct {
	last time.Time
}

func (c *clock) now() time.Time {
	t := time.Now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

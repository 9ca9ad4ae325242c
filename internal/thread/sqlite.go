package thread

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tradeglance/companion/internal/llm"
)

// timeLayout is fixed-width so lexical order matches time order.
const timeLayout = "2006-01-02 15:04:05.000000"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS thread_messages (
	thread_id  TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	role       TEXT    NOT NULL,
	payload    TEXT    NOT NULL,
	created_at TEXT    NOT NULL,
	PRIMARY KEY (thread_id, seq)
);
CREATE TABLE IF NOT EXISTS chat_titles (
	thread_id  TEXT PRIMARY KEY,
	title      TEXT,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_chat_titles_updated ON chat_titles(updated_at DESC);
`

// SQLite stores both the checkpoint log and the title index in one SQLite
// database.
type SQLite struct {
	db *sql.DB

	mu    sync.Mutex
	clock clock
}

// OpenSQLite opens (creating if needed) the database at dsn. A plain path
// gets WAL and busy-timeout pragmas; a "file:" URI is used as given.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dsn)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open thread db: %w", err)
	}
	// One connection serializes writers inside the process, avoiding
	// SQLITE_BUSY on read-to-write upgrades.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping thread db: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate thread db: %w", err)
	}

	slog.Info("thread store opened", "backend", "sqlite")
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(ctx context.Context, id string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM thread_messages WHERE thread_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m llm.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLite) Append(ctx context.Context, id string, base int, msgs []llm.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM thread_messages WHERE thread_id = ?`, id).Scan(&count); err != nil {
		return err
	}
	if count != base {
		return ErrConflict
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO thread_messages (thread_id, seq, role, payload, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, id, base+i, m.Role, string(payload), created.UTC().Format(timeLayout)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) Purge(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_messages WHERE thread_id = ?`, id)
	return err
}

func (s *SQLite) Title(ctx context.Context, id string) (string, bool, error) {
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT title FROM chat_titles WHERE thread_id = ?`, id).Scan(&title)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return title.String, true, nil
}

func (s *SQLite) SetTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	now := s.clock.now().Format(timeLayout)
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_titles (thread_id, title, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at`,
		id, title, now)
	return err
}

func (s *SQLite) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, COALESCE(title, ''), COALESCE(updated_at, '') FROM chat_titles
		 ORDER BY updated_at DESC, thread_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var updated string
		if err := rows.Scan(&sum.ID, &sum.Title, &updated); err != nil {
			return nil, err
		}
		sum.UpdatedAt = parseSQLiteTime(updated)
		if sum.Title == "" {
			sum.Title = DefaultTitle
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_titles WHERE thread_id = ?`, id)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

// parseSQLiteTime accepts our layout and SQLite's CURRENT_TIMESTAMP format.
func parseSQLiteTime(v string) time.Time {
	for _, layout := range []string{timeLayout, "2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

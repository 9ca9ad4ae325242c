package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradeglance/companion/internal/llm"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS thread_messages (
	thread_id  TEXT        NOT NULL,
	seq        INTEGER     NOT NULL,
	role       TEXT        NOT NULL,
	payload    JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (thread_id, seq)
);
CREATE TABLE IF NOT EXISTS chat_titles (
	thread_id  TEXT PRIMARY KEY,
	title      TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_chat_titles_updated ON chat_titles (updated_at DESC);
`

// uniqueViolation is the SQLSTATE for a duplicate primary key.
const uniqueViolation = "23505"

// Postgres stores the checkpoint log and title index in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool

	mu    sync.Mutex
	clock clock
}

// OpenPostgres connects to pgURL, verifies the connection and creates the
// tables if they don't exist.
func OpenPostgres(ctx context.Context, pgURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate thread tables: %w", err)
	}

	slog.Info("thread store opened", "backend", "postgres")
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Load(ctx context.Context, id string) ([]llm.Message, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT payload FROM thread_messages WHERE thread_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m llm.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (p *Postgres) Append(ctx context.Context, id string, base int, msgs []llm.Message) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM thread_messages WHERE thread_id = $1`, id).Scan(&count); err != nil {
		return err
	}
	if count != base {
		return ErrConflict
	}

	batch := &pgx.Batch{}
	for i, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		batch.Queue(
			`INSERT INTO thread_messages (thread_id, seq, role, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
			id, base+i, m.Role, payload, created,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Purge(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM thread_messages WHERE thread_id = $1`, id)
	return err
}

func (p *Postgres) Title(ctx context.Context, id string) (string, bool, error) {
	var title *string
	err := p.pool.QueryRow(ctx, `SELECT title FROM chat_titles WHERE thread_id = $1`, id).Scan(&title)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if title == nil {
		return "", true, nil
	}
	return *title, true, nil
}

func (p *Postgres) SetTitle(ctx context.Context, id, title string) error {
	p.mu.Lock()
	now := p.clock.now()
	p.mu.Unlock()

	_, err := p.pool.Exec(ctx,
		`INSERT INTO chat_titles (thread_id, title, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (thread_id) DO UPDATE SET title = EXCLUDED.title, updated_at = EXCLUDED.updated_at`,
		id, title, now)
	return err
}

func (p *Postgres) List(ctx context.Context) ([]Summary, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT thread_id, COALESCE(title, ''), updated_at FROM chat_titles ORDER BY updated_at DESC, thread_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.Title, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if s.Title == "" {
			s.Title = DefaultTitle
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM chat_titles WHERE thread_id = $1`, id)
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

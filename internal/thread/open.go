package thread

import (
	"context"
	"fmt"
	"log/slog"
)

// Backend names accepted by Open.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config selects the engines behind the checkpoint log and the title index.
// An empty TitleBackend means "same as Backend"; an empty TitleDSN with the
// same backend reuses DSN.
type Config struct {
	Backend             string `json:"backend"`
	DSN                 string `json:"dsn"`
	TitleBackend        string `json:"title_backend,omitempty"`
	TitleDSN            string `json:"title_dsn,omitempty"`
	AllowMemoryFallback bool   `json:"allow_memory_fallback"`
}

// backend is what every engine implements.
type backend interface {
	Checkpointer
	TitleIndex
}

// Open builds a Store from cfg. When a durable backend can't be opened,
// Open fails unless AllowMemoryFallback is set, in which case the store
// runs in memory and reports itself as not durable.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logBackend := cfg.Backend
	if logBackend == "" {
		logBackend = BackendSQLite
	}
	titleBackend := cfg.TitleBackend
	if titleBackend == "" {
		titleBackend = logBackend
	}
	titleDSN := cfg.TitleDSN
	if titleDSN == "" && titleBackend == logBackend {
		titleDSN = cfg.DSN
	}

	log, err := openBackend(ctx, logBackend, cfg.DSN)
	if err != nil {
		return fallback(cfg, fmt.Errorf("open checkpoint backend %s: %w", logBackend, err))
	}

	if titleBackend == logBackend && titleDSN == cfg.DSN {
		return NewStore(log, log, logBackend != BackendMemory), nil
	}

	titles, err := openBackend(ctx, titleBackend, titleDSN)
	if err != nil {
		log.Close()
		return fallback(cfg, fmt.Errorf("open title backend %s: %w", titleBackend, err))
	}
	durable := logBackend != BackendMemory && titleBackend != BackendMemory
	return NewStore(log, titles, durable), nil
}

func openBackend(ctx context.Context, name, dsn string) (backend, error) {
	switch name {
	case BackendMemory:
		return NewMemory(), nil
	case BackendSQLite:
		if dsn == "" {
			return nil, fmt.Errorf("sqlite backend requires a dsn")
		}
		return OpenSQLite(ctx, dsn)
	case BackendPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres backend requires a dsn")
		}
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func fallback(cfg Config, err error) (*Store, error) {
	if !cfg.AllowMemoryFallback {
		return nil, err
	}
	slog.Warn("thread store degraded to in-memory, history will not survive a restart", "error", err)
	mem := NewMemory()
	return NewStore(mem, mem, false), nil
}

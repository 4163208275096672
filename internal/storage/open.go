package storage

import (
	"context"
	"errors"
	"strings"

	logx "remindbot/pkg/logx"
)

// Store is the persistence contract for reminder rows.
//
// Range returns rows ordered by ScheduledAt ascending (ties by CreatedAt, ID).
// Transition is atomic: at most one concurrent caller can move a row out of a
// given status. It returns (false, nil) when the row exists but its status is
// not in From, and ErrNotFound when the row does not exist.
type Store interface {
	Insert(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)
	Range(ctx context.Context, q RangeQuery) ([]Record, error)
	Transition(ctx context.Context, t Transition) (bool, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		log.Warn("using in-memory reminder store; reminders are lost on restart")
		return NewMemory(cfg.location()), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

package rag

import (
	"context"
	"fmt"
	"log/slog"
)

// Engine selects the database holding the vector rows.
type Engine string

const (
	// EngineSQLite stores rows in a WAL mode sqlite file. Any number of
	// processes may open it at once.
	EngineSQLite Engine = "sqlite"
	// EngineBadger stores rows in a badger directory. Badger locks the
	// directory, so only one process can open the lake at a time.
	EngineBadger Engine = "badger"
)

// DBConfig configures the vector database.
type DBConfig struct {
	// Engine defaults to EngineSQLite.
	Engine Engine
	// Path is the sqlite file or the badger directory. Ignored when InMemory
	// is set.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every badger write.
	SyncWrites bool
	// Logger receives badger's own logs. Nil silences them.
	Logger *slog.Logger
}

// rowStore persists vector rows keyed by signature.
type rowStore interface {
	get(ctx context.Context, signature string) (*VectorRow, error)
	// update replaces the row of signature atomically with the result of fn.
	// fn receives nil when there is no row. It returns the new row, or nil to
	// delete it, and false to leave the row untouched. fn may run more than
	// once.
	update(ctx context.Context, signature string, fn func(prev *VectorRow) (*VectorRow, bool)) error
	// scan calls fn for every row, ordered by signature.
	scan(ctx context.Context, fn func(row *VectorRow) error) error
	count(ctx context.Context) (int, error)
	// purge deletes every row and returns how many there were.
	purge(ctx context.Context) (int, error)
	close() error
}

func openRows(cfg DBConfig) (rowStore, error) {
	switch cfg.Engine {
	case "", EngineSQLite:
		return openSQLiteRows(cfg)
	case EngineBadger:
		db, err := openBadger(cfg)
		if err != nil {
			return nil, err
		}
		return &badgerRows{db: db}, nil
	default:
		return nil, fmt.Errorf("unknown vector engine %q", cfg.Engine)
	}
}

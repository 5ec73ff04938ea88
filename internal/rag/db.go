// BadgerDB row store, for lakes opened by a single process.

package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// openBadger opens the badger database described by cfg.
func openBadger(cfg DBConfig) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("vector database path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create vector database directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}
	return db, nil
}

const (
	keyPrefix    = "v/"
	maxConflicts = 8
)

type badgerRows struct {
	db *badger.DB
}

func (b *badgerRows) get(ctx context.Context, signature string) (*VectorRow, error) {
	var row *VectorRow
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		row, err = getBadgerRow(txn, signature)
		return err
	})
	return row, err
}

// update retries on conflicts with concurrent transactions.
func (b *badgerRows) update(ctx context.Context, signature string, fn func(prev *VectorRow) (*VectorRow, bool)) error {
	apply := func(txn *badger.Txn) error {
		prev, err := getBadgerRow(txn, signature)
		if err != nil {
			return err
		}
		next, write := fn(prev)
		switch {
		case !write:
			return nil
		case next == nil:
			return txn.Delete(key(signature))
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return txn.Set(key(signature), data)
	}
	for range maxConflicts - 1 {
		err := b.db.Update(apply)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return b.db.Update(apply)
}

func (b *badgerRows) scan(ctx context.Context, fn func(row *VectorRow) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var row VectorRow
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &row) }); err != nil {
				return fmt.Errorf("failed to decode vector %s: %w", it.Item().Key(), err)
			}
			if err := fn(&row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerRows) count(ctx context.Context) (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (b *badgerRows) purge(ctx context.Context) (int, error) {
	n, err := b.count(ctx)
	if err != nil {
		return 0, err
	}
	return n, b.db.DropPrefix([]byte(keyPrefix))
}

func (b *badgerRows) close() error {
	return b.db.Close()
}

func key(signature string) []byte {
	return []byte(keyPrefix + signature)
}

func getBadgerRow(txn *badger.Txn, signature string) (*VectorRow, error) {
	item, err := txn.Get(key(signature))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	row := &VectorRow{}
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, row) }); err != nil {
		return nil, fmt.Errorf("failed to decode vector %s: %w", signature, err)
	}
	return row, nil
}

// SQLite row store, shared by every process opening the lake.

package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type sqliteRows struct {
	db *sql.DB
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func openSQLiteRows(cfg DBConfig) (*sqliteRows, error) {
	var dsn string
	if cfg.InMemory {
		dsn = ":memory:"
	} else {
		if cfg.Path == "" {
			return nil, errors.New("vector database path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create vector database directory: %w", err)
		}
		// Writers take the lock at BEGIN so a read-modify-write never fails
		// half way on a busy database.
		dsn = "file:" + (&url.URL{Path: cfg.Path}).EscapedPath() + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}
	if cfg.InMemory {
		// Every connection to :memory: is a distinct database.
		db.SetMaxOpenConns(1)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS vectors (
		signature TEXT PRIMARY KEY,
		row TEXT NOT NULL
	)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize vector database: %w", err)
	}
	return &sqliteRows{db: db}, nil
}

func (s *sqliteRows) get(ctx context.Context, signature string) (*VectorRow, error) {
	return querySQLiteRow(ctx, s.db, signature)
}

func (s *sqliteRows) update(ctx context.Context, signature string, fn func(prev *VectorRow) (*VectorRow, bool)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	prev, err := querySQLiteRow(ctx, tx, signature)
	if err != nil {
		return err
	}
	next, write := fn(prev)
	if !write {
		return nil
	}
	if next == nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM vectors WHERE signature = ?`, signature)
	} else {
		var data []byte
		if data, err = json.Marshal(next); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO vectors (signature, row) VALUES (?, ?)
			ON CONFLICT(signature) DO UPDATE SET row = excluded.row`,
			signature, string(data))
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// scan reads every row before calling fn, so fn may use the database.
func (s *sqliteRows) scan(ctx context.Context, fn func(row *VectorRow) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT signature, row FROM vectors ORDER BY signature`)
	if err != nil {
		return err
	}
	var out []*VectorRow
	for rows.Next() {
		var sig, data string
		if err := rows.Scan(&sig, &data); err != nil {
			_ = rows.Close()
			return err
		}
		row := &VectorRow{}
		if err := json.Unmarshal([]byte(data), row); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to decode vector %s: %w", sig, err)
		}
		out = append(out, row)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, row := range out {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteRows) count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&n)
	return n, err
}

func (s *sqliteRows) purge(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vectors`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteRows) close() error {
	return s.db.Close()
}

func querySQLiteRow(ctx context.Context, q querier, signature string) (*VectorRow, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT row FROM vectors WHERE signature = ?`, signature).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	row := &VectorRow{}
	if err := json.Unmarshal([]byte(data), row); err != nil {
		return nil, fmt.Errorf("failed to decode vector %s: %w", signature, err)
	}
	return row, nil
}

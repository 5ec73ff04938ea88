package jsonldb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// ErrRowNotFound is returned by [Table.Modify] when the id is absent.
var ErrRowNotFound = errors.New("row not found")

// Row is implemented by types stored in a [Table].
type Row[T any] interface {
	Clone() T
	GetID() string
	Validate() error
}

// TableObserver is notified of every change applied to a table, whether it
// comes from a local mutation or from [Table.Refresh].
type TableObserver[T any] interface {
	OnAppend(row T)
	OnUpdate(prev, curr T)
	OnDelete(row T)
}

// Migration upgrades one raw row from schema version N to N+1.
type Migration func(row map[string]any) error

// Options configures a table.
type Options struct {
	// Schema is the current schema version of the row type. Defaults to 1.
	Schema int
	// Migrations[i] upgrades rows from version i+1 to version i+2.
	Migrations []Migration
}

const (
	opPut = "put"
	opDel = "del"
)

type record struct {
	Op  string          `json:"op,omitempty"`
	ID  string          `json:"id,omitempty"`
	Row json.RawMessage `json:"row,omitempty"`
}

// Table handles storage and in-memory caching for a single table in JSONL format.
type Table[T Row[T]] struct {
	path string
	opts Options

	mu        sync.RWMutex
	rows      map[string]T
	observers []TableObserver[T]
	offset    int64
	info      os.FileInfo
	header    Header
}

// NewTable creates a new Table and loads all data from the file.
func NewTable[T Row[T]](path string, opts *Options) (*Table[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	t := &Table[T]{path: path, rows: map[string]T{}}
	if opts != nil {
		t.opts = *opts
	}
	if t.opts.Schema == 0 {
		t.opts.Schema = 1
	}
	if len(t.opts.Migrations) > t.opts.Schema-1 {
		return nil, fmt.Errorf("%d migrations for schema version %d", len(t.opts.Migrations), t.opts.Schema)
	}
	columns, err := Columns[T]()
	if err != nil {
		return nil, err
	}
	t.header = Header{Version: formatVersion, Schema: t.opts.Schema, Columns: columns}
	if err := t.create(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rows, migrated, err := t.readAll()
	if err != nil {
		return nil, err
	}
	t.rows = rows
	if migrated {
		if err := t.compactLocked(); err != nil {
			return nil, fmt.Errorf("failed to rewrite migrated table %s: %w", path, err)
		}
	}
	return t, nil
}

// Path returns the file backing the table.
func (t *Table[T]) Path() string {
	return t.path
}

// Header returns the schema header written by this table.
func (t *Table[T]) Header() Header {
	return t.header
}

// Len returns the number of rows.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Get returns a clone of the row with the given id, or the zero value.
func (t *Table[T]) Get(id string) T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[id]
	if !ok {
		var zero T
		return zero
	}
	return row.Clone()
}

func (t *Table[T]) lookup(id string) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[id]
	if !ok {
		return row, false
	}
	return row.Clone(), true
}

// All returns an iterator over clones of all rows, ordered by id.
func (t *Table[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		t.mu.RLock()
		ids := t.sortedIDs()
		rows := make([]T, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, t.rows[id].Clone())
		}
		t.mu.RUnlock()
		for _, row := range rows {
			if !yield(row) {
				return
			}
		}
	}
}

// AddObserver registers an observer and replays the existing rows to it.
func (t *Table[T]) AddObserver(o TableObserver[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
	for _, id := range t.sortedIDs() {
		o.OnAppend(t.rows[id])
	}
}

// Put inserts or overwrites the row with the row's id.
//
// It returns the previous row, or the zero value when the id was new.
func (t *Table[T]) Put(row T) (T, error) {
	var zero T
	if err := row.Validate(); err != nil {
		return zero, fmt.Errorf("invalid row: %w", err)
	}
	row = row.Clone()
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.appendPut(row); err != nil {
		return zero, err
	}
	prev, ok := t.apply(row.GetID(), row, true)
	if !ok {
		return zero, nil
	}
	return prev, nil
}

// Modify runs fn on a clone of the row under the write lock and persists the
// result. It returns [ErrRowNotFound] when the id is absent. If fn returns an
// error nothing is written.
func (t *Table[T]) Modify(id string, fn func(row T) error) (T, error) {
	var zero T
	t.mu.Lock()
	defer t.mu.Unlock()
	curr, ok := t.rows[id]
	if !ok {
		return zero, ErrRowNotFound
	}
	next := curr.Clone()
	if err := fn(next); err != nil {
		return zero, err
	}
	if next.GetID() != id {
		return zero, fmt.Errorf("modify changed id %q to %q", id, next.GetID())
	}
	if err := next.Validate(); err != nil {
		return zero, fmt.Errorf("invalid row: %w", err)
	}
	if err := t.appendPut(next); err != nil {
		return zero, err
	}
	t.apply(id, next, true)
	return next.Clone(), nil
}

// Delete removes the row with the given id and returns it. It returns false
// when the id was absent, in which case nothing is written.
func (t *Table[T]) Delete(id string) (T, bool, error) {
	var zero T
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[id]; !ok {
		return zero, false, nil
	}
	if err := t.appendRecord(record{Op: opDel, ID: id}); err != nil {
		return zero, false, err
	}
	prev, _ := t.apply(id, zero, false)
	return prev, true, nil
}

// Refresh applies the records appended to the file by other writers since the
// last read. If the file was rewritten it is reloaded entirely and observers
// are told about the difference. It returns the number of records applied.
func (t *Table[T]) Refresh() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fi, err := os.Stat(t.path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat table file %s: %w", t.path, err)
	}
	if t.info == nil || !os.SameFile(t.info, fi) || fi.Size() < t.offset {
		rows, _, err := t.readAll()
		if err != nil {
			return 0, err
		}
		return t.replaceRows(rows), nil
	}
	if fi.Size() == t.offset {
		return 0, nil
	}
	f, err := os.Open(t.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open table file %s: %w", t.path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek table file %s: %w", t.path, err)
	}
	n := 0
	err = t.scan(f, t.offset, func(rec record) error {
		id, row, put, err := t.decodeRecord(rec, t.opts.Schema)
		if err != nil {
			return err
		}
		t.apply(id, row, put)
		n++
		return nil
	})
	return n, err
}

// Compact rewrites the file with one put record per live row.
func (t *Table[T]) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compactLocked()
}

func (t *Table[T]) compactLocked() error {
	tmp := t.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create table file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}()
	w := bufio.NewWriter(f)
	data, err := json.Marshal(&t.header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := writeLine(w, data); err != nil {
		return err
	}
	for _, id := range t.sortedIDs() {
		data, err := encodePut(t.rows[id])
		if err != nil {
			return err
		}
		if err := writeLine(w, data); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close table file: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("failed to replace table file: %w", err)
	}
	fi, err := os.Stat(t.path)
	if err != nil {
		return fmt.Errorf("failed to stat table file %s: %w", t.path, err)
	}
	t.info = fi
	t.offset = fi.Size()
	return nil
}

// create writes the header if the file does not exist yet.
func (t *Table[T]) create() error {
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("failed to create table file %s: %w", t.path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	data, err := json.Marshal(&t.header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// readAll replays the whole file. It reports whether rows were migrated from
// an older schema version. Must be called with the write lock held.
func (t *Table[T]) readAll() (map[string]T, bool, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open table file %s: %w", t.path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	fi, err := f.Stat()
	if err != nil {
		return nil, false, fmt.Errorf("failed to stat table file %s: %w", t.path, err)
	}

	rows := map[string]T{}
	schema := t.opts.Schema
	first := true
	t.offset = 0
	err = t.scan(f, 0, func(rec record) error {
		if first {
			first = false
			if rec.Op == "" {
				if h, ok := parseHeader(rec.Row); ok {
					schema = h.Schema
					if schema > t.opts.Schema {
						return fmt.Errorf("table %s has schema version %d, newer than %d", t.path, schema, t.opts.Schema)
					}
					return nil
				}
			}
		}
		id, row, put, err := t.decodeRecord(rec, schema)
		if err != nil {
			return err
		}
		if put {
			rows[id] = row
		} else {
			delete(rows, id)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	t.info = fi
	return rows, schema < t.opts.Schema, nil
}

// scan calls fn for every complete line of r, starting at file offset start.
// A trailing line without a newline is left for a later scan since another
// writer may still be appending it.
func (t *Table[T]) scan(r io.Reader, start int64, fn func(rec record) error) error {
	br := bufio.NewReader(r)
	offset := start
	for {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read table file %s: %w", t.path, err)
		}
		offset += int64(len(line))
		t.offset = offset
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal record in %s at offset %d: %w", t.path, offset, err)
		}
		if rec.Op == "" {
			rec.Row = slices.Clone(line)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table[T]) decodeRecord(rec record, schema int) (string, T, bool, error) {
	var zero T
	switch rec.Op {
	case opDel:
		if rec.ID == "" {
			return "", zero, false, fmt.Errorf("delete record without id in %s", t.path)
		}
		return rec.ID, zero, false, nil
	case opPut, "":
		data := []byte(rec.Row)
		if schema < t.opts.Schema {
			var err error
			if data, err = t.migrate(data, schema); err != nil {
				return "", zero, false, err
			}
		}
		var row T
		if err := json.Unmarshal(data, &row); err != nil {
			return "", zero, false, fmt.Errorf("failed to unmarshal row in %s: %w", t.path, err)
		}
		if err := row.Validate(); err != nil {
			return "", zero, false, fmt.Errorf("invalid row %q in %s: %w", row.GetID(), t.path, err)
		}
		return row.GetID(), row, true, nil
	default:
		return "", zero, false, fmt.Errorf("unknown record op %q in %s", rec.Op, t.path)
	}
}

func (t *Table[T]) migrate(data []byte, from int) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal row for migration: %w", err)
	}
	for v := from; v < t.opts.Schema; v++ {
		if v-1 >= len(t.opts.Migrations) {
			break
		}
		if err := t.opts.Migrations[v-1](raw); err != nil {
			return nil, fmt.Errorf("failed to migrate row from schema %d: %w", v, err)
		}
	}
	return json.Marshal(raw)
}

// apply updates the cache and notifies observers. Must be called with the
// write lock held.
func (t *Table[T]) apply(id string, row T, put bool) (T, bool) {
	prev, existed := t.rows[id]
	if !put {
		if !existed {
			return prev, false
		}
		delete(t.rows, id)
		for _, o := range t.observers {
			o.OnDelete(prev)
		}
		return prev, true
	}
	t.rows[id] = row
	for _, o := range t.observers {
		if existed {
			o.OnUpdate(prev, row)
		} else {
			o.OnAppend(row)
		}
	}
	return prev, existed
}

// replaceRows swaps the cache for rows and notifies observers about the
// difference. Must be called with the write lock held.
func (t *Table[T]) replaceRows(rows map[string]T) int {
	n := 0
	var zero T
	for id := range t.rows {
		if _, ok := rows[id]; !ok {
			t.apply(id, zero, false)
			n++
		}
	}
	for _, id := range sortedKeys(rows) {
		t.apply(id, rows[id], true)
		n++
	}
	return n
}

func (t *Table[T]) appendPut(row T) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	return t.appendRecord(record{Op: opPut, Row: data})
}

func (t *Table[T]) appendRecord(rec record) error {
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open table file for append: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	// One write call per record so concurrent appenders never interleave
	// within a line.
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	// Only advance the offset when nobody else appended since the last read,
	// otherwise Refresh must still pick up the foreign records.
	if fi, err := f.Stat(); err == nil && fi.Size() == t.offset+int64(len(data))+1 {
		t.offset = fi.Size()
	}
	return nil
}

func (t *Table[T]) sortedIDs() []string {
	return sortedKeys(t.rows)
}

func sortedKeys[T any](m map[string]T) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func parseHeader(line []byte) (Header, bool) {
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return h, false
	}
	if h.Version == "" || h.Columns == nil {
		return h, false
	}
	if h.Schema == 0 {
		// Files written before schema versioning.
		h.Schema = 1
	}
	return h, h.Validate() == nil
}

func encodePut[T any](row T) ([]byte, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal row: %w", err)
	}
	return json.Marshal(&record{Op: opPut, Row: data})
}

func writeLine(w *bufio.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

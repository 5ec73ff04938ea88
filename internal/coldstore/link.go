package coldstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/maruel/memlake/internal/address"
	"github.com/maruel/memlake/internal/bus"
	lakeerrors "github.com/maruel/memlake/internal/errors"
	"github.com/maruel/memlake/internal/jsonldb"
	"github.com/maruel/memlake/internal/metrics"
)

const schemaVersion = 1

// State is the offload protocol state of an archive.
type State string

// Archive states.
const (
	// StatePending marks an archive whose payload may not be in place yet
	// or whose artifact was not switched to it yet.
	StatePending   State = "pending"
	StateCommitted State = "committed"
)

// Entry is the metadata row of one archived payload.
type Entry struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	SizeBytes       int64           `json:"sizeBytes"`
	CreatedAt       time.Time       `json:"createdAt"`
	Path            string          `json:"path" jsonschema:"description=Backend key of the payload"`
	MimeType        string          `json:"mimeType,omitempty"`
	OriginalDriveID address.DriveID `json:"originalDriveId,omitempty"`
	OriginalSlotID  int             `json:"originalSlotId,omitempty"`
	Checksum        string          `json:"checksum" jsonschema:"description=SHA-256 of the plaintext payload"`
	State           State           `json:"state"`
}

// Clone returns a copy.
func (e *Entry) Clone() *Entry {
	c := *e
	return &c
}

// GetID returns the archive id.
func (e *Entry) GetID() string {
	return e.ID
}

// Validate checks the row.
func (e *Entry) Validate() error {
	if e.ID == "" {
		return lakeerrors.Validation("archive id is required")
	}
	if e.Path == "" {
		return lakeerrors.Validation("archive %s: path is required", e.ID)
	}
	if e.State != StatePending && e.State != StateCommitted {
		return lakeerrors.Validation("archive %s: unknown state %q", e.ID, e.State)
	}
	return nil
}

// Meta describes a payload handed to [Link.AddArchive].
type Meta struct {
	ID              string
	Name            string
	MimeType        string
	OriginalDriveID address.DriveID
	OriginalSlotID  int
}

// ArchivePath returns the deterministic backend key for an archive.
func ArchivePath(id, name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return "archives/" + r.Replace(id) + "_" + r.Replace(name)
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Link is the cold storage link: payloads in a [Backend], metadata rows in a
// local table.
type Link struct {
	table   *jsonldb.Table[*Entry]
	backend Backend
	bus     bus.Bus
	logger  *slog.Logger
	now     func() time.Time
}

// OpenLink loads the archive table at path over backend. A nil bus discards
// events.
func OpenLink(path string, backend Backend, b bus.Bus, logger *slog.Logger) (*Link, error) {
	table, err := jsonldb.NewTable[*Entry](path, &jsonldb.Options{Schema: schemaVersion})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive table: %w", err)
	}
	if b == nil {
		b = bus.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		table:   table,
		backend: backend,
		bus:     b,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Table returns the metadata table.
func (l *Link) Table() *jsonldb.Table[*Entry] {
	return l.table
}

// AddArchive writes payload and records a committed entry. Emits
// ArchiveAdded.
func (l *Link) AddArchive(ctx context.Context, payload []byte, meta Meta) (*Entry, error) {
	if _, err := l.Stage(ctx, payload, meta); err != nil {
		return nil, err
	}
	return l.MarkCommitted(ctx, meta.ID)
}

// Stage records a pending entry, writes payload and reads it back to confirm
// it landed intact. The entry stays pending until [Link.MarkCommitted]. Emits
// ArchiveAdded.
//
// A failure after the row is written leaves a pending entry behind; the
// caller resolves it.
func (l *Link) Stage(ctx context.Context, payload []byte, meta Meta) (*Entry, error) {
	if meta.ID == "" || meta.Name == "" {
		return nil, lakeerrors.Validation("archive id and name are required")
	}
	e := &Entry{
		ID:              meta.ID,
		Name:            meta.Name,
		SizeBytes:       int64(len(payload)),
		CreatedAt:       l.now(),
		Path:            ArchivePath(meta.ID, meta.Name),
		MimeType:        meta.MimeType,
		OriginalDriveID: meta.OriginalDriveID,
		OriginalSlotID:  meta.OriginalSlotID,
		Checksum:        Checksum(payload),
		State:           StatePending,
	}
	if _, err := l.table.Put(e); err != nil {
		return nil, lakeerrors.IO("failed to record archive "+meta.ID, err)
	}
	if err := l.backend.Put(ctx, e.Path, payload); err != nil {
		return nil, lakeerrors.IO("failed to write archive "+meta.ID, err)
	}
	metrics.ArchiveBytes.WithLabelValues("out").Add(float64(len(payload)))
	got, err := l.backend.Get(ctx, e.Path)
	if err != nil {
		return nil, lakeerrors.IO("failed to read back archive "+meta.ID, err)
	}
	if !bytes.Equal(got, payload) {
		return nil, lakeerrors.IO("archive "+meta.ID+" read back differs from what was written", nil).
			WithDetail("size", len(got)).WithDetail("expected", len(payload))
	}
	l.logger.DebugContext(ctx, "archive staged", "id", e.ID, "path", e.Path, "size", e.SizeBytes)
	l.bus.Emit(ctx, bus.ArchiveAdded{ID: e.ID})
	return e.Clone(), nil
}

// MarkCommitted moves an entry from pending to committed. Committing a
// committed entry is a no-op.
func (l *Link) MarkCommitted(ctx context.Context, id string) (*Entry, error) {
	e, err := l.table.Modify(id, func(e *Entry) error {
		e.State = StateCommitted
		return nil
	})
	if errors.Is(err, jsonldb.ErrRowNotFound) {
		return nil, lakeerrors.NotFound("archive", id)
	}
	if err != nil {
		return nil, lakeerrors.IO("failed to commit archive "+id, err)
	}
	return e, nil
}

// Get returns the entry with id.
func (l *Link) Get(ctx context.Context, id string) (*Entry, error) {
	e := l.table.Get(id)
	if e == nil {
		return nil, lakeerrors.NotFound("archive", id)
	}
	return e, nil
}

// GetArchiveBlob reads the payload of archive id. It returns nil and no
// error when the entry or its payload is missing.
func (l *Link) GetArchiveBlob(ctx context.Context, id string) ([]byte, error) {
	e := l.table.Get(id)
	if e == nil {
		return nil, nil
	}
	data, err := l.backend.Get(ctx, e.Path)
	if errors.Is(err, ErrNotExist) {
		l.logger.WarnContext(ctx, "archive payload missing", "id", id, "path", e.Path)
		return nil, nil
	}
	if err != nil {
		return nil, lakeerrors.IO("failed to read archive "+id, err)
	}
	metrics.ArchiveBytes.WithLabelValues("in").Add(float64(len(data)))
	if e.Checksum != "" && Checksum(data) != e.Checksum {
		return nil, lakeerrors.IO("archive "+id+" checksum mismatch", nil).WithDetail("path", e.Path)
	}
	return data, nil
}

// RemoveArchive deletes the payload then the entry. Emits ArchiveRemoved.
func (l *Link) RemoveArchive(ctx context.Context, id string) error {
	e := l.table.Get(id)
	if e == nil {
		return lakeerrors.NotFound("archive", id)
	}
	if err := l.backend.Delete(ctx, e.Path); err != nil {
		return lakeerrors.IO("failed to delete archive "+id, err)
	}
	if _, _, err := l.table.Delete(id); err != nil {
		return lakeerrors.IO("failed to delete archive row "+id, err)
	}
	l.bus.Emit(ctx, bus.ArchiveRemoved{ID: id})
	return nil
}

// ListArchives returns every entry ordered by id.
func (l *Link) ListArchives(ctx context.Context) []*Entry {
	return slices.Collect(l.table.All())
}

// Pending returns the entries not committed yet.
func (l *Link) Pending(ctx context.Context) []*Entry {
	var out []*Entry
	for e := range l.table.All() {
		if e.State == StatePending {
			out = append(out, e)
		}
	}
	return out
}

// Refresh picks up entries written by other processes.
func (l *Link) Refresh(ctx context.Context) (int, error) {
	return l.table.Refresh()
}

package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/maruel/memlake/internal/address"
	"github.com/maruel/memlake/internal/bus"
	lakeerrors "github.com/maruel/memlake/internal/errors"
	"github.com/maruel/memlake/internal/jsonldb"
	"github.com/maruel/memlake/internal/metrics"
)

// Address is a drive/slot coordinate, the key of the composite index.
type Address struct {
	Drive address.DriveID
	Slot  int
}

// Store is the artifact table with its (drive, slot) and signature indexes.
// Every successful mutation emits a change event.
type Store struct {
	table       *jsonldb.Table[*Artifact]
	byAddress   *jsonldb.Index[Address, *Artifact]
	byDrive     *jsonldb.Index[address.DriveID, *Artifact]
	bySignature *jsonldb.Index[string, *Artifact]
	bus         bus.Bus
	logger      *slog.Logger
	now         func() time.Time
}

// Open loads the artifact table at path. A nil bus discards events.
func Open(path string, b bus.Bus, logger *slog.Logger) (*Store, error) {
	table, err := jsonldb.NewTable[*Artifact](path, &jsonldb.Options{Schema: schemaVersion, Migrations: migrations})
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact table: %w", err)
	}
	if b == nil {
		b = bus.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		table:       table,
		byAddress:   jsonldb.NewIndex(table, func(a *Artifact) Address { return Address{a.DriveID, a.SlotID} }),
		byDrive:     jsonldb.NewIndex(table, func(a *Artifact) address.DriveID { return a.DriveID }),
		bySignature: jsonldb.NewIndex(table, func(a *Artifact) string { return a.Signature }),
		bus:         b,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Table returns the underlying table, for schema inspection and maintenance.
func (s *Store) Table() *jsonldb.Table[*Artifact] {
	return s.table
}

// Len returns the number of artifacts.
func (s *Store) Len() int {
	return s.table.Len()
}

// AddFile inserts or overwrites the artifact with a.ID.
func (s *Store) AddFile(ctx context.Context, a *Artifact) error {
	a = a.Clone()
	if a.Status == "" {
		a.Status = StatusSafe
	}
	if a.LastModified.IsZero() {
		a.LastModified = s.now()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = a.LastModified
	}
	_, err := s.table.Put(a)
	metrics.StoreOps.WithLabelValues("add", metrics.Result(err)).Inc()
	if err != nil {
		var le *lakeerrors.LakeError
		if errors.As(err, &le) {
			return le
		}
		return fmt.Errorf("failed to add artifact %s: %w", a.ID, err)
	}
	s.bus.Emit(ctx, bus.FileAdded{ID: a.ID, DriveID: string(a.DriveID), SlotID: a.SlotID})
	return nil
}

// Get returns the artifact with id.
func (s *Store) Get(ctx context.Context, id string) (*Artifact, error) {
	a := s.table.Get(id)
	if a == nil {
		return nil, lakeerrors.NotFound("artifact", id)
	}
	return a, nil
}

// GetFiles returns the artifacts stored at drive/slot.
func (s *Store) GetFiles(ctx context.Context, drive address.DriveID, slot int) ([]*Artifact, error) {
	if err := address.Validate(drive, slot); err != nil {
		return nil, err
	}
	return slices.Collect(s.byAddress.Iter(Address{drive, slot})), nil
}

// GetFilesByDrive returns the artifacts of every slot of drive.
func (s *Store) GetFilesByDrive(ctx context.Context, drive address.DriveID) ([]*Artifact, error) {
	if !drive.Valid() {
		return nil, lakeerrors.Validation("unknown drive %q", drive)
	}
	return slices.Collect(s.byDrive.Iter(drive)), nil
}

// GetAllFiles returns every artifact ordered by id.
func (s *Store) GetAllFiles(ctx context.Context) []*Artifact {
	return slices.Collect(s.table.All())
}

// GetCopies returns every artifact with the given signature.
func (s *Store) GetCopies(ctx context.Context, signature string) []*Artifact {
	if signature == "" {
		return nil
	}
	return slices.Collect(s.bySignature.Iter(signature))
}

// CountAt returns the number of artifacts stored at drive/slot.
func (s *Store) CountAt(drive address.DriveID, slot int) int {
	return s.byAddress.Len(Address{drive, slot})
}

// UsageAt returns the number and total original size of the artifacts
// stored at drive/slot.
func (s *Store) UsageAt(drive address.DriveID, slot int) (int, int64) {
	n, size := 0, int64(0)
	for a := range s.byAddress.Iter(Address{drive, slot}) {
		n++
		size += a.SizeBytes
	}
	return n, size
}

// UpdateVector sets or, with nil, clears the embedding of one artifact.
func (s *Store) UpdateVector(ctx context.Context, id string, vector []float32) error {
	_, err := s.modify(ctx, "vector", id, func(a *Artifact) error {
		a.Vector = slices.Clone(vector)
		return nil
	})
	return err
}

// RenameFile changes the display name of one artifact.
func (s *Store) RenameFile(ctx context.Context, id, name string) error {
	if name == "" {
		return lakeerrors.Validation("name is required")
	}
	_, err := s.modify(ctx, "name", id, func(a *Artifact) error {
		a.Name = name
		return nil
	})
	return err
}

// UpdateStatus moves one artifact to status, following the state machine
// of [Status]. Use [Store.Offload] to offload.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return lakeerrors.Validation("unknown status %q", status)
	}
	if status == StatusOffloaded {
		return lakeerrors.Validation("artifact %s: offloaded status is set by offload", id)
	}
	_, err := s.modify(ctx, "status", id, func(a *Artifact) error {
		if !a.Status.CanTransition(status) {
			return lakeerrors.Validation("artifact %s: cannot go from %s to %s", id, a.Status, status)
		}
		a.Status = status
		return nil
	})
	return err
}

// Offload replaces the inline content of one artifact with ref and marks it
// offloaded. Offloading again with the same reference is a no-op.
//
// The archive named by ref must have been written first; Offload does not
// check it.
func (s *Store) Offload(ctx context.Context, id string, ref ExternalRef) (*Artifact, error) {
	if err := ref.Validate(); err != nil {
		return nil, lakeerrors.Validation("artifact %s: %v", id, err)
	}
	unchanged := false
	a, err := s.modifyNoEmit("content", id, func(a *Artifact) error {
		if cur, ok := a.Content.Ref(); ok && cur == ref {
			unchanged = true
			return nil
		}
		if !a.Status.CanTransition(StatusOffloaded) {
			return lakeerrors.Validation("artifact %s: cannot offload a %s artifact", id, a.Status)
		}
		if a.Content.Kind() != ContentInline {
			return lakeerrors.Validation("artifact %s: no inline content to offload", id)
		}
		a.Content = External(ref)
		a.Encoding = EncodingIdentity
		a.Status = StatusOffloaded
		a.LastModified = s.now()
		return nil
	})
	metrics.StoreOps.WithLabelValues("offload", metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}
	if !unchanged {
		s.bus.Emit(ctx, bus.Offloaded{ID: id, ArchiveID: ref.ArchiveID})
	}
	return a, nil
}

// Restore puts data back inline into an offloaded artifact and marks it
// safe again.
func (s *Store) Restore(ctx context.Context, id string, data []byte) (*Artifact, error) {
	return s.modify(ctx, "content", id, func(a *Artifact) error {
		if a.Status != StatusOffloaded {
			return lakeerrors.Validation("artifact %s is %s, not offloaded", id, a.Status)
		}
		a.Content = Inline(data)
		a.Encoding = EncodingIdentity
		a.SizeBytes = int64(len(data))
		a.Status = StatusSafe
		return nil
	})
}

// DeleteFile removes one artifact and returns it. It does not touch the
// vector index.
func (s *Store) DeleteFile(ctx context.Context, id string) (*Artifact, error) {
	prev, ok, err := s.table.Delete(id)
	if err == nil && !ok {
		err = lakeerrors.NotFound("artifact", id)
	}
	metrics.StoreOps.WithLabelValues("delete", metrics.Result(err)).Inc()
	if err != nil {
		if lakeerrors.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to delete artifact %s: %w", id, err)
	}
	s.bus.Emit(ctx, bus.FileDeleted{ID: id})
	return prev, nil
}

// Refresh picks up the changes written by other processes.
func (s *Store) Refresh(ctx context.Context) (int, error) {
	n, err := s.table.Refresh()
	if err != nil {
		return 0, fmt.Errorf("failed to refresh artifact table: %w", err)
	}
	if n > 0 {
		s.logger.DebugContext(ctx, "artifact table refreshed", "records", n)
	}
	return n, nil
}

// Compact rewrites the table file.
func (s *Store) Compact(ctx context.Context) error {
	if err := s.table.Compact(); err != nil {
		return fmt.Errorf("failed to compact artifact table: %w", err)
	}
	return nil
}

func (s *Store) modify(ctx context.Context, field, id string, fn func(a *Artifact) error) (*Artifact, error) {
	a, err := s.modifyNoEmit(field, id, func(a *Artifact) error {
		if err := fn(a); err != nil {
			return err
		}
		a.LastModified = s.now()
		return nil
	})
	metrics.StoreOps.WithLabelValues("update_"+field, metrics.Result(err)).Inc()
	if err != nil {
		return nil, err
	}
	s.bus.Emit(ctx, bus.FileUpdated{ID: id, Field: field})
	return a, nil
}

func (s *Store) modifyNoEmit(field, id string, fn func(a *Artifact) error) (*Artifact, error) {
	a, err := s.table.Modify(id, fn)
	if err == nil {
		return a, nil
	}
	if errors.Is(err, jsonldb.ErrRowNotFound) {
		return nil, lakeerrors.NotFound("artifact", id)
	}
	var le *lakeerrors.LakeError
	if errors.As(err, &le) {
		return nil, le
	}
	return nil, fmt.Errorf("failed to update %s of artifact %s: %w", field, id, err)
}

// Offload protocol between the artifact table and the cold storage link.

package lake

import (
	"context"

	"github.com/maruel/memlake/internal/artifact"
	"github.com/maruel/memlake/internal/coldstore"
	lakeerrors "github.com/maruel/memlake/internal/errors"
)

// OffloadResult is the archive written for an artifact and the reference the
// artifact now holds.
type OffloadResult struct {
	Archive *coldstore.Entry     `json:"archive"`
	Ref     artifact.ExternalRef `json:"ref"`
}

// OffloadToColdStore moves the inline content of artifact id to cold
// storage.
//
// The archive row is written pending before the payload, the payload is read
// back and compared, then the artifact is switched to the reference and the
// archive committed. A crash anywhere leaves a pending row for
// [Lake.RecoverOffloads]. The archive id is the artifact id, so a retry
// overwrites the same payload. Offloading an offloaded artifact returns its
// archive.
func (l *Lake) OffloadToColdStore(ctx context.Context, id string) (*OffloadResult, error) {
	a, err := l.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ref, ok := a.ExternalRef(); ok {
		if ref.Kind != artifact.RefArchive {
			return nil, lakeerrors.Validation("artifact %s points at an external handle, not an archive", id)
		}
		e, err := l.Cold.MarkCommitted(ctx, ref.ArchiveID)
		if err != nil {
			return nil, err
		}
		return &OffloadResult{Archive: e, Ref: ref}, nil
	}
	if a.Status != artifact.StatusSafe {
		return nil, lakeerrors.Validation("artifact %s is %s and cannot be offloaded", id, a.Status)
	}
	data, ok, err := a.Decoded()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, lakeerrors.Validation("artifact %s has no content to offload", id)
	}
	mime := a.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	e, err := l.Cold.Stage(ctx, data, coldstore.Meta{
		ID:              a.ID,
		Name:            a.Name,
		MimeType:        mime,
		OriginalDriveID: a.DriveID,
		OriginalSlotID:  a.SlotID,
	})
	if err != nil {
		return nil, err
	}
	ref := artifact.ExternalRef{Kind: artifact.RefArchive, Path: e.Path, ArchiveID: e.ID}
	if _, err := l.Store.Offload(ctx, id, ref); err != nil {
		return nil, err
	}
	if e, err = l.Cold.MarkCommitted(ctx, e.ID); err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "artifact offloaded", "id", id, "archive", e.Path, "size", e.SizeBytes)
	return &OffloadResult{Archive: e, Ref: ref}, nil
}

// RecoverStats counts how [Lake.RecoverOffloads] resolved pending archives.
type RecoverStats struct {
	// Committed archives already referenced by their artifact.
	Committed int `json:"committed"`
	// Resumed offloads whose artifact was switched to the archive.
	Resumed int `json:"resumed"`
	// Removed orphan archives.
	Removed int `json:"removed"`
}

// RecoverOffloads resolves every pending archive left by an interrupted
// offload:
//   - the artifact already points at it: commit
//   - the artifact is still inline with the same content: finish the offload
//   - otherwise: remove the orphan archive
func (l *Lake) RecoverOffloads(ctx context.Context) (RecoverStats, error) {
	var stats RecoverStats
	for _, e := range l.Cold.Pending(ctx) {
		a, err := l.Store.Get(ctx, e.ID)
		if err != nil && !lakeerrors.IsNotFound(err) {
			return stats, err
		}
		switch {
		case a == nil:
		case a.Status == artifact.StatusOffloaded:
			if ref, _ := a.ExternalRef(); ref.ArchiveID == e.ID {
				if _, err := l.Cold.MarkCommitted(ctx, e.ID); err != nil {
					return stats, err
				}
				stats.Committed++
				continue
			}
		case a.Status == artifact.StatusSafe:
			if l.resume(ctx, a, e) {
				stats.Resumed++
				continue
			}
		}
		if err := l.Cold.RemoveArchive(ctx, e.ID); err != nil {
			return stats, err
		}
		l.logger.InfoContext(ctx, "orphan archive removed", "id", e.ID, "path", e.Path)
		stats.Removed++
	}
	return stats, nil
}

// resume finishes the offload of a to e when the archived payload matches
// the inline content. It returns false when e is an orphan.
func (l *Lake) resume(ctx context.Context, a *artifact.Artifact, e *coldstore.Entry) bool {
	data, ok, err := a.Decoded()
	if !ok || err != nil || coldstore.Checksum(data) != e.Checksum {
		return false
	}
	blob, err := l.Cold.GetArchiveBlob(ctx, e.ID)
	if err != nil || blob == nil {
		return false
	}
	ref := artifact.ExternalRef{Kind: artifact.RefArchive, Path: e.Path, ArchiveID: e.ID}
	if _, err := l.Store.Offload(ctx, a.ID, ref); err != nil {
		l.logger.WarnContext(ctx, "failed to resume offload", "id", a.ID, "err", err)
		return false
	}
	if _, err := l.Cold.MarkCommitted(ctx, e.ID); err != nil {
		l.logger.WarnContext(ctx, "failed to commit resumed offload", "id", a.ID, "err", err)
	}
	return true
}

// Rehydrate reads the archive of an offloaded artifact back inline, marks
// the artifact safe and removes the archive.
func (l *Lake) Rehydrate(ctx context.Context, id string) (*artifact.Artifact, error) {
	a, err := l.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ref, ok := a.ExternalRef()
	if !ok || a.Status != artifact.StatusOffloaded {
		return nil, lakeerrors.Validation("artifact %s is not offloaded", id)
	}
	if ref.Kind != artifact.RefArchive {
		return nil, lakeerrors.Validation("artifact %s points at an external handle, not an archive", id)
	}
	data, err := l.Cold.GetArchiveBlob(ctx, ref.ArchiveID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, lakeerrors.NotFound("archive", ref.ArchiveID)
	}
	if a, err = l.Store.Restore(ctx, id, data); err != nil {
		return nil, err
	}
	if err := l.Cold.RemoveArchive(ctx, ref.ArchiveID); err != nil {
		l.logger.WarnContext(ctx, "failed to remove rehydrated archive", "id", ref.ArchiveID, "err", err)
	}
	l.index(ctx, a)
	return a, nil
}

// Package adapter is the path oriented facade over the artifact store that
// most collaborators use: idempotent writes keyed by path, name and content,
// transparent compression and an append-only event log.
package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/maruel/ksid"

	"github.com/maruel/memlake/internal/address"
	"github.com/maruel/memlake/internal/artifact"
	"github.com/maruel/memlake/internal/bus"
	lakeerrors "github.com/maruel/memlake/internal/errors"
	"github.com/maruel/memlake/internal/metrics"
	"github.com/maruel/memlake/internal/signature"
)

// DefaultListLimit is the limit of ListByPathPrefix and ListEvents when 0.
const DefaultListLimit = 500

// DefaultMimeType is the mime type of PutFile payloads.
const DefaultMimeType = "application/json"

// PutOptions tweaks [Adapter.PutFile]. The zero value is valid.
type PutOptions struct {
	MimeType   string
	NoCompress bool
	Tags       []string
	Meta       map[string]string
	// DriveID defaults to LEE.
	DriveID address.DriveID
	// SlotID defaults to a stable slot derived from path and name.
	SlotID   int
	Category artifact.Category
}

// RefPruner detaches deleted artifacts from the vector index.
type RefPruner interface {
	DetachRefs(ctx context.Context, signature string, ids []string) error
}

// Adapter is the path oriented facade.
type Adapter struct {
	store  *artifact.Store
	events *EventLog
	pruner RefPruner
	bus    bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// New returns an adapter over store. events may be nil when the event log is
// not used; pruner may be nil.
func New(store *artifact.Store, events *EventLog, pruner RefPruner, b bus.Bus, logger *slog.Logger) *Adapter {
	if b == nil {
		b = bus.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		store:  store,
		events: events,
		pruner: pruner,
		bus:    b,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s, turns each run of characters outside [a-z0-9] into a
// dash and keeps at most 80 bytes, never starting or ending with a dash.
func Slug(s string) string {
	s = nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	s = strings.Trim(s, "-")
	if len(s) > 80 {
		s = strings.TrimRight(s[:80], "-")
	}
	return s
}

// StableID returns the id PutFile stores content under.
func StableID(p, safeName, sig string) string {
	return Slug(p) + "__" + safeName + "__" + sig[:16]
}

// PutFile stores content under path and name. Writing the same path, name
// and content again updates the same row: the id is derived from all three
// and the creation time is kept. Emits ADAPTER_CHANGED.
//
// content may be a string, []byte, json.RawMessage or any value encoding/json
// accepts.
func (ad *Adapter) PutFile(ctx context.Context, p, name string, content any, opts *PutOptions) (*artifact.Artifact, error) {
	if opts == nil {
		opts = &PutOptions{}
	}
	sig, normalized, err := signature.Of(content)
	if err != nil {
		return nil, lakeerrors.Validation("content of %s%s cannot be normalized: %v", p, name, err)
	}
	now := ad.now()
	safeName := Slug(name)
	if safeName == "" {
		safeName = fmt.Sprintf("entry-%d", now.UnixMilli())
	}
	drive := opts.DriveID
	if drive == "" {
		drive = address.DriveLEE
	}
	slot := opts.SlotID
	if slot == 0 {
		slot = address.SlotForKey(p + name)
	}
	if err := address.Validate(drive, slot); err != nil {
		return nil, err
	}
	category := opts.Category
	if category == "" {
		category = artifact.CategoryData
	}
	mime := opts.MimeType
	if mime == "" {
		mime = DefaultMimeType
	}

	a := &artifact.Artifact{
		ID:           StableID(p, safeName, sig),
		DriveID:      drive,
		SlotID:       slot,
		Name:         safeName,
		Path:         p,
		Extension:    strings.ToLower(strings.TrimPrefix(path.Ext(name), ".")),
		Category:     category,
		SizeBytes:    int64(len(normalized)),
		MimeType:     mime,
		Signature:    sig,
		Status:       artifact.StatusSafe,
		CreatedAt:    now,
		LastModified: now,
		Tags:         slices.Clone(opts.Tags),
		Meta:         opts.Meta,
	}
	a.Content, a.Encoding = ad.encode(ctx, normalized, !opts.NoCompress)
	if prev, err := ad.store.Get(ctx, a.ID); err == nil {
		a.CreatedAt = prev.CreatedAt
		// Same id means same content: keep the state reached by offload or
		// quarantine.
		if prev.Status != artifact.StatusSafe {
			a.Status = prev.Status
		}
		if prev.Status == artifact.StatusOffloaded {
			a.Content, a.Encoding = prev.Content, prev.Encoding
		}
	}
	if err := ad.store.AddFile(ctx, a); err != nil {
		return nil, err
	}
	ad.bus.Emit(ctx, bus.AdapterChanged{PathPrefix: p, ID: a.ID})
	return a, nil
}

// encode returns the content to store for normalized text. gzip is kept only
// when its base64 form is under 90% of the text size; any compression
// failure falls back to the plain text.
func (ad *Adapter) encode(ctx context.Context, normalized []byte, compress bool) (artifact.Content, artifact.Encoding) {
	if !compress || len(normalized) == 0 {
		metrics.Compression.WithLabelValues("identity").Inc()
		return artifact.Inline(normalized), artifact.EncodingIdentity
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(normalized); err != nil {
		ad.logger.WarnContext(ctx, "compression failed, storing uncompressed", "err", err)
		metrics.Compression.WithLabelValues("identity").Inc()
		return artifact.Inline(normalized), artifact.EncodingIdentity
	}
	if err := w.Close(); err != nil {
		ad.logger.WarnContext(ctx, "compression failed, storing uncompressed", "err", err)
		metrics.Compression.WithLabelValues("identity").Inc()
		return artifact.Inline(normalized), artifact.EncodingIdentity
	}
	if float64(base64.StdEncoding.EncodedLen(buf.Len())) >= 0.9*float64(len(normalized)) {
		metrics.Compression.WithLabelValues("identity").Inc()
		return artifact.Inline(normalized), artifact.EncodingIdentity
	}
	metrics.Compression.WithLabelValues("gzip").Inc()
	return artifact.Inline(buf.Bytes()), artifact.EncodingGzip
}

// GetFile returns the row with id.
func (ad *Adapter) GetFile(ctx context.Context, id string) (*artifact.Artifact, error) {
	return ad.store.Get(ctx, id)
}

// ReadFileText returns the content of id as text, decompressing it when
// needed.
func (ad *Adapter) ReadFileText(ctx context.Context, id string) (string, error) {
	a, err := ad.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	data, ok, err := a.Decoded()
	if err != nil {
		return "", err
	}
	if !ok {
		if a.Status == artifact.StatusOffloaded {
			return "", lakeerrors.Validation("artifact %s is offloaded; rehydrate it first", id)
		}
		return "", nil
	}
	return string(data), nil
}

// ListByPathPrefix returns the rows whose path starts with prefix, most
// recently modified first, at most limit (DefaultListLimit when 0).
func (ad *Adapter) ListByPathPrefix(ctx context.Context, prefix string, limit int) []*artifact.Artifact {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var out []*artifact.Artifact
	for _, a := range ad.store.GetAllFiles(ctx) {
		if strings.HasPrefix(a.Path, prefix) {
			out = append(out, a)
		}
	}
	slices.SortStableFunc(out, func(a, b *artifact.Artifact) int {
		if c := b.LastModified.Compare(a.LastModified); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// DeleteFile removes one row. It returns false when there was none. Emits
// ADAPTER_DELETED.
func (ad *Adapter) DeleteFile(ctx context.Context, id string) (bool, error) {
	prev, err := ad.store.DeleteFile(ctx, id)
	if lakeerrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ad.detach(ctx, map[string][]string{prev.Signature: {id}})
	ad.bus.Emit(ctx, bus.AdapterDeleted{ID: id})
	return true, nil
}

// PurgePathPrefix removes every row whose path starts with prefix and returns
// how many were removed. Emits ADAPTER_PURGED.
func (ad *Adapter) PurgePathPrefix(ctx context.Context, prefix string) (int, error) {
	bySig := map[string][]string{}
	n := 0
	for _, a := range ad.store.GetAllFiles(ctx) {
		if !strings.HasPrefix(a.Path, prefix) {
			continue
		}
		if _, err := ad.store.DeleteFile(ctx, a.ID); err != nil {
			if lakeerrors.IsNotFound(err) {
				continue
			}
			ad.detach(ctx, bySig)
			return n, fmt.Errorf("failed to purge %q: %w", prefix, err)
		}
		bySig[a.Signature] = append(bySig[a.Signature], a.ID)
		n++
	}
	ad.detach(ctx, bySig)
	ad.bus.Emit(ctx, bus.AdapterPurged{PathPrefix: prefix, Count: n})
	ad.logger.InfoContext(ctx, "path prefix purged", "prefix", prefix, "count", n)
	return n, nil
}

func (ad *Adapter) detach(ctx context.Context, bySig map[string][]string) {
	if ad.pruner == nil {
		return
	}
	for sig, ids := range bySig {
		if err := ad.pruner.DetachRefs(ctx, sig, ids); err != nil {
			ad.logger.WarnContext(ctx, "failed to detach vector refs", "signature", sig, "err", err)
		}
	}
}

// PutEvent appends a small JSON record to the event log. Every call creates
// a new row. Emits ADAPTER_EVENT.
func (ad *Adapter) PutEvent(ctx context.Context, p, name string, payload any) (*Event, error) {
	if ad.events == nil {
		return nil, lakeerrors.Validation("no event log configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, lakeerrors.Validation("event payload cannot be encoded: %v", err)
	}
	safeName := Slug(name)
	if safeName == "" {
		safeName = name
	}
	e := &Event{
		ID:        p + safeName + "_" + ksid.NewID().String(),
		Path:      p,
		Name:      safeName,
		Payload:   data,
		CreatedAt: ad.now(),
	}
	if err := ad.events.Append(ctx, e); err != nil {
		return nil, lakeerrors.IO("failed to append event", err)
	}
	ad.bus.Emit(ctx, bus.AdapterEvent{PathPrefix: p, ID: e.ID})
	return e, nil
}

// ListEvents returns the newest events whose path starts with prefix.
func (ad *Adapter) ListEvents(ctx context.Context, prefix string, limit int) ([]*Event, error) {
	if ad.events == nil {
		return nil, lakeerrors.Validation("no event log configured")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return ad.events.List(ctx, prefix, limit)
}

// Audit implements the vector index audit hook by appending under path
// rag/logs/. Failures are logged.
func (ad *Adapter) Audit(ctx context.Context, name string, payload map[string]any) {
	if ad.events == nil {
		return
	}
	if _, err := ad.PutEvent(ctx, "rag/logs/", name, payload); err != nil {
		ad.logger.WarnContext(ctx, "failed to write audit event", "name", name, "err", err)
	}
}

package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/maruel/memlake/internal/address"
	"github.com/maruel/memlake/internal/artifact"
	"github.com/maruel/memlake/internal/bus"
	lakeerrors "github.com/maruel/memlake/internal/errors"
	"github.com/maruel/memlake/internal/metrics"
)

const (
	// DefaultTopK is the number of hits returned by Search when topK is 0.
	DefaultTopK = 6
	// PreviewLen is the number of runes of text kept in a row.
	PreviewLen = 280
	// MinTextLen is the shortest trimmed text RebuildFromLake embeds.
	MinTextLen = 8
)

// Ref points from a vector row back to one artifact.
type Ref struct {
	FileID    string          `json:"fileId"`
	DriveID   address.DriveID `json:"driveId"`
	SlotID    int             `json:"slotId"`
	Name      string          `json:"name"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// VectorRow is the embedding of one distinct content.
type VectorRow struct {
	Signature string    `json:"signature"`
	Dim       int       `json:"dim"`
	Vector    []float32 `json:"vector"`
	Refs      []Ref     `json:"refs"`
	Preview   string    `json:"preview"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Hit is one search result.
type Hit struct {
	Signature string  `json:"signature"`
	Score     float64 `json:"score"`
	Preview   string  `json:"preview"`
	Refs      []Ref   `json:"refs"`
}

// RebuildStats summarizes one RebuildFromLake run.
type RebuildStats struct {
	Files       int `json:"files"`
	Upserted    int `json:"upserted"`
	Vectors     int `json:"vectors"`
	PrunedRefs  int `json:"prunedRefs"`
	RemovedRows int `json:"removedRows"`
}

// Auditor records index mutations in the audit log.
type Auditor interface {
	Audit(ctx context.Context, name string, payload map[string]any)
}

// Options configures an [Index].
type Options struct {
	// Embedder computes vectors. Nil always uses the fallback.
	Embedder Embedder
	// Model is recorded on each row.
	Model string
	// Store is scanned by RebuildFromLake.
	Store   *artifact.Store
	Bus     bus.Bus
	Auditor Auditor
	Logger  *slog.Logger
	// Workers bounds concurrent embeddings during a rebuild. Defaults to 4.
	Workers int
	// RateLimit caps embeddings per second during a rebuild. 0 is unlimited.
	RateLimit float64
}

// Index is the vector table.
type Index struct {
	rows     rowStore
	embedder Embedder
	model    string
	store    *artifact.Store
	bus      bus.Bus
	auditor  Auditor
	logger   *slog.Logger
	workers  int
	limiter  *rate.Limiter
	now      func() time.Time

	mu sync.Mutex
}

// Open opens the database described by cfg and returns an index over it.
// The index owns the database and closes it.
func Open(cfg DBConfig, opts *Options) (*Index, error) {
	rows, err := openRows(cfg)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}
	ix := &Index{
		rows:     rows,
		embedder: opts.Embedder,
		model:    opts.Model,
		store:    opts.Store,
		bus:      opts.Bus,
		auditor:  opts.Auditor,
		logger:   opts.Logger,
		workers:  opts.Workers,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if ix.embedder == nil {
		ix.embedder = Unavailable{}
	}
	if ix.bus == nil {
		ix.bus = bus.Discard{}
	}
	if ix.logger == nil {
		ix.logger = slog.Default()
	}
	if ix.workers <= 0 {
		ix.workers = 4
	}
	if opts.RateLimit > 0 {
		ix.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return ix, nil
}

// SetAuditor attaches the audit log. It must be called before the index is
// used concurrently.
func (ix *Index) SetAuditor(a Auditor) {
	ix.auditor = a
}

// Close closes the database.
func (ix *Index) Close() error {
	return ix.rows.close()
}

// Embed returns the embedding of text. When the embedder fails the
// deterministic fallback is returned instead, so Embed cannot fail.
func (ix *Index) Embed(ctx context.Context, text string) []float32 {
	v, err := ix.embedder.Embed(ctx, text)
	if err == nil && len(v) > 0 {
		return v
	}
	metrics.EmbedFallbacks.Inc()
	if _, none := ix.embedder.(Unavailable); !none {
		ix.logger.WarnContext(ctx, "embedder failed, using fallback vector", "err", err)
	}
	return FallbackVector(text)
}

// UpsertFromArtifact embeds text and stores it under the signature of a,
// adding or refreshing the reference to a. Emits RagUpsert.
func (ix *Index) UpsertFromArtifact(ctx context.Context, a *artifact.Artifact, text string) (*VectorRow, error) {
	if a.Signature == "" {
		return nil, lakeerrors.Validation("artifact %s has no signature", a.ID)
	}
	vec := ix.Embed(ctx, text)
	now := ix.now()
	ref := Ref{FileID: a.ID, DriveID: a.DriveID, SlotID: a.SlotID, Name: a.Name, UpdatedAt: now}
	var row *VectorRow
	err := ix.rows.update(ctx, a.Signature, func(prev *VectorRow) (*VectorRow, bool) {
		row = &VectorRow{
			Signature: a.Signature,
			Dim:       len(vec),
			Vector:    vec,
			Preview:   preview(text, PreviewLen),
			Model:     ix.model,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if prev != nil {
			row.CreatedAt = prev.CreatedAt
			row.Refs = prev.Refs
		}
		if i := slices.IndexFunc(row.Refs, func(r Ref) bool { return r.FileID == a.ID }); i >= 0 {
			row.Refs[i] = ref
		} else {
			row.Refs = append(row.Refs, ref)
		}
		return row, true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert vector %s: %w", a.Signature, err)
	}
	ix.bus.Emit(ctx, bus.RagUpsert{Signature: a.Signature, FileID: a.ID})
	ix.audit(ctx, "rag_upsert", map[string]any{
		"signature": a.Signature,
		"fileId":    a.ID,
		"driveId":   a.DriveID,
		"slotId":    a.SlotID,
		"name":      a.Name,
		"dim":       len(vec),
		"model":     ix.model,
	})
	return row, nil
}

// Search returns the topK rows most similar to query, best first. It never
// fails; storage errors are logged and yield fewer hits.
func (ix *Index) Search(ctx context.Context, query string, topK int) []Hit {
	start := time.Now()
	defer func() { metrics.SearchDuration.Observe(time.Since(start).Seconds()) }()
	if topK <= 0 {
		topK = DefaultTopK
	}
	q := ix.Embed(ctx, query)
	hits := []Hit{}
	err := ix.rows.scan(ctx, func(row *VectorRow) error {
		hits = append(hits, Hit{Signature: row.Signature, Score: Cosine(q, row.Vector), Preview: row.Preview, Refs: row.Refs})
		return nil
	})
	if err != nil {
		ix.logger.WarnContext(ctx, "vector search incomplete", "err", err)
	}
	slices.SortStableFunc(hits, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return strings.Compare(a.Signature, b.Signature)
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	ix.audit(ctx, "rag_search", map[string]any{
		"queryPreview": preview(query, 160),
		"topK":         topK,
		"hits":         len(hits),
	})
	return hits
}

// Get returns the row of signature.
func (ix *Index) Get(ctx context.Context, signature string) (*VectorRow, error) {
	row, err := ix.rows.get(ctx, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to read vector %s: %w", signature, err)
	}
	if row == nil {
		return nil, lakeerrors.NotFound("vector", signature)
	}
	return row, nil
}

// Len returns the number of rows.
func (ix *Index) Len(ctx context.Context) (int, error) {
	return ix.rows.count(ctx)
}

// DeleteSignature removes one row. It returns false when there was none.
func (ix *Index) DeleteSignature(ctx context.Context, signature string) (bool, error) {
	found := false
	err := ix.rows.update(ctx, signature, func(prev *VectorRow) (*VectorRow, bool) {
		found = prev != nil
		return nil, found
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete vector %s: %w", signature, err)
	}
	if !found {
		return false, nil
	}
	ix.bus.Emit(ctx, bus.RagRebuilt{Reason: "delete", Count: 1})
	ix.audit(ctx, "rag_delete", map[string]any{"signature": signature})
	return true, nil
}

// PurgeAll removes every row and returns how many there were.
func (ix *Index) PurgeAll(ctx context.Context) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n, err := ix.rows.purge(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to purge vectors: %w", err)
	}
	ix.bus.Emit(ctx, bus.RagRebuilt{Reason: "purge", Count: n})
	ix.audit(ctx, "rag_purge", map[string]any{"count": n})
	return n, nil
}

// DetachRefs removes the references to ids from the row of signature. A row
// left without references is deleted. A missing row is not an error.
func (ix *Index) DetachRefs(ctx context.Context, signature string, ids []string) error {
	removed := false
	err := ix.rows.update(ctx, signature, func(row *VectorRow) (*VectorRow, bool) {
		removed = false
		if row == nil {
			return nil, false
		}
		n := len(row.Refs)
		row.Refs = slices.DeleteFunc(row.Refs, func(r Ref) bool { return slices.Contains(ids, r.FileID) })
		if len(row.Refs) == n {
			return nil, false
		}
		if len(row.Refs) == 0 {
			removed = true
			return nil, true
		}
		row.UpdatedAt = ix.now()
		return row, true
	})
	if err != nil {
		return fmt.Errorf("failed to detach refs of %s: %w", signature, err)
	}
	if removed {
		ix.logger.DebugContext(ctx, "vector row orphaned and removed", "signature", signature)
	}
	return nil
}

// RebuildFromLake re-embeds every artifact with enough inline text, then
// prunes references to artifacts that no longer exist. Rows left without
// references are removed. Artifacts created while it runs keep their rows.
// It is safe to run repeatedly. Emits RagRebuilt.
func (ix *Index) RebuildFromLake(ctx context.Context) (RebuildStats, error) {
	var stats RebuildStats
	if ix.store == nil {
		return stats, errors.New("vector index has no artifact store to rebuild from")
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	files := ix.store.GetAllFiles(ctx)
	stats.Files = len(files)

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(ix.workers)
	for _, f := range files {
		text, ok := EmbeddableText(f)
		if !ok {
			continue
		}
		eg.Go(func() error {
			if err := ix.limiter.Wait(egCtx); err != nil {
				return err
			}
			if _, err := ix.UpsertFromArtifact(egCtx, f, text); err != nil {
				return err
			}
			mu.Lock()
			stats.Upserted++
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return stats, fmt.Errorf("failed to rebuild vectors: %w", err)
	}

	// Pick up artifacts other processes wrote during the embedding phase, and
	// decide on each ref against the store as it is when the ref is checked.
	if _, err := ix.store.Refresh(ctx); err != nil {
		return stats, fmt.Errorf("failed to refresh artifacts before pruning: %w", err)
	}
	gone := func(r Ref) bool {
		_, err := ix.store.Get(ctx, r.FileID)
		return lakeerrors.IsNotFound(err)
	}
	var stale []string
	err := ix.rows.scan(ctx, func(row *VectorRow) error {
		stats.Vectors++
		if slices.ContainsFunc(row.Refs, gone) {
			stale = append(stale, row.Signature)
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to scan vectors: %w", err)
	}
	for _, sig := range stale {
		pruned, removed := 0, false
		err := ix.rows.update(ctx, sig, func(row *VectorRow) (*VectorRow, bool) {
			pruned, removed = 0, false
			if row == nil {
				return nil, false
			}
			n := len(row.Refs)
			row.Refs = slices.DeleteFunc(row.Refs, gone)
			if pruned = n - len(row.Refs); pruned == 0 {
				return nil, false
			}
			if len(row.Refs) == 0 {
				removed = true
				return nil, true
			}
			row.UpdatedAt = ix.now()
			return row, true
		})
		if err != nil {
			return stats, fmt.Errorf("failed to prune vector %s: %w", sig, err)
		}
		stats.PrunedRefs += pruned
		if removed {
			stats.RemovedRows++
		}
	}
	stats.Vectors -= stats.RemovedRows
	ix.bus.Emit(ctx, bus.RagRebuilt{Reason: "rebuild", Count: stats.Upserted})
	ix.audit(ctx, "rag_rebuild", map[string]any{
		"files":       stats.Files,
		"vectors":     stats.Vectors,
		"prunedRefs":  stats.PrunedRefs,
		"removedRows": stats.RemovedRows,
	})
	ix.logger.InfoContext(ctx, "vector index rebuilt", "files", stats.Files, "upserted", stats.Upserted, "pruned", stats.PrunedRefs)
	return stats, nil
}

// EmbeddableText returns the trimmed inline text of a when it is long enough
// to be worth embedding.
func EmbeddableText(a *artifact.Artifact) (string, bool) {
	data, ok, err := a.Decoded()
	if !ok || err != nil || !utf8.Valid(data) {
		return "", false
	}
	text := strings.TrimSpace(string(data))
	if utf8.RuneCountInString(text) < MinTextLen {
		return "", false
	}
	return text, true
}

func (ix *Index) audit(ctx context.Context, name string, payload map[string]any) {
	if ix.auditor != nil {
		ix.auditor.Audit(ctx, fmt.Sprintf("%s_%d", name, ix.now().UnixMilli()), payload)
	}
}

func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

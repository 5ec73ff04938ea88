package guardian

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maruel/memlake/internal/address"
	"github.com/maruel/memlake/internal/artifact"
	"github.com/maruel/memlake/internal/bus"
	lakeerrors "github.com/maruel/memlake/internal/errors"
)

type recordingBus struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recordingBus) Emit(ctx context.Context, e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingBus) Subscribe(bus.Handler) func() { return func() {} }

func (r *recordingBus) Close() error { return nil }

func (r *recordingBus) ofType(t bus.EventType) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, e := range r.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingPruner struct {
	calls map[string][]string
}

func (p *recordingPruner) DetachRefs(ctx context.Context, signature string, ids []string) error {
	if p.calls == nil {
		p.calls = map[string][]string{}
	}
	p.calls[signature] = append(p.calls[signature], ids...)
	return nil
}

func file(id string, drive address.DriveID, slot int, content string) *artifact.Artifact {
	return &artifact.Artifact{
		ID:           id,
		DriveID:      drive,
		SlotID:       slot,
		Name:         id + ".txt",
		Path:         "notes/",
		Extension:    "txt",
		Category:     artifact.CategoryDoc,
		Content:      artifact.InlineText(content),
		SizeBytes:    int64(len(content)),
		Signature:    "sig-" + id,
		Status:       artifact.StatusSafe,
		LastModified: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func setup(t *testing.T, files ...*artifact.Artifact) (*Guardian, *artifact.Store, *recordingBus, *recordingPruner) {
	t.Helper()
	rec := &recordingBus{}
	store, err := artifact.Open(filepath.Join(t.TempDir(), "artifacts.jsonl"), rec, nil)
	require.NoError(t, err)
	for _, f := range files {
		require.NoError(t, store.AddFile(context.Background(), f))
	}
	rec.events = nil
	pruner := &recordingPruner{}
	return New(store, nil, pruner, rec, nil), store, rec, pruner
}

func TestHeuristicPolicy(t *testing.T) {
	p := NewHeuristicPolicy()
	tests := []struct {
		name   string
		mutate func(a *artifact.Artifact)
		want   Verdict
	}{
		{"clean", func(*artifact.Artifact) {}, Verdict{Reason: ReasonNoSignal}},
		{"marker", func(a *artifact.Artifact) {
			a.Content = artifact.InlineText("header CORRUPTED_SECTOR_DATA trailer")
		}, Verdict{Corrupt: true, Reason: ReasonMarker}},
		{"marker wins over code rule", func(a *artifact.Artifact) {
			a.Category = artifact.CategoryCode
			a.Extension = "exe"
			a.Content = artifact.InlineText(CorruptionMarker)
		}, Verdict{Corrupt: true, Reason: ReasonMarker}},
		{"offloaded", func(a *artifact.Artifact) {
			a.Status = artifact.StatusOffloaded
			a.Content = artifact.External(artifact.ExternalRef{Kind: artifact.RefArchive, Path: "archives/x", ArchiveID: "x"})
			a.SizeBytes = 10 << 20
		}, Verdict{Reason: ReasonOffloaded}},
		{"large absent", func(a *artifact.Artifact) {
			a.Content = artifact.Absent()
			a.SizeBytes = LargeAbsentThreshold + 1
		}, Verdict{Suspect: true, Reason: ReasonBrokenReference}},
		{"large empty", func(a *artifact.Artifact) {
			a.Content = artifact.InlineText("")
			a.SizeBytes = LargeAbsentThreshold + 1
		}, Verdict{Suspect: true, Reason: ReasonBrokenReference}},
		{"threshold is exclusive", func(a *artifact.Artifact) {
			a.Content = artifact.Absent()
			a.SizeBytes = LargeAbsentThreshold
		}, Verdict{Reason: ReasonNoSignal}},
		{"code with unusual extension", func(a *artifact.Artifact) {
			a.Category = artifact.CategoryCode
			a.Extension = "py"
		}, Verdict{Suspect: true, Reason: ReasonUnusualExtension}},
		{"code extension is case insensitive", func(a *artifact.Artifact) {
			a.Category = artifact.CategoryCode
			a.Extension = "TSX"
		}, Verdict{Reason: ReasonNoSignal}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := file("x", "L", 1, "hello")
			tt.mutate(a)
			assert.Equal(t, tt.want, p.Evaluate(a))
		})
	}
}

func TestCELPolicy(t *testing.T) {
	p, err := NewCELPolicy([]Rule{
		{Name: "tmp", Expr: `file.path.startsWith("tmp/")`, Verdict: "suspect", Reason: "Temporary path"},
		{Name: "nul", Expr: `file.text.contains("\u0000")`, Verdict: "corrupt"},
		{Name: "dup", Expr: `file.path.startsWith("tmp/")`, Verdict: "corrupt"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Len())

	a := file("x", "L", 1, "hello")
	assert.False(t, p.Evaluate(a).Signal())
	a.Path = "tmp/"
	assert.Equal(t, Verdict{Suspect: true, Reason: "Temporary path"}, p.Evaluate(a))
	a.Path = ""
	a.Content = artifact.InlineText("a\x00b")
	assert.Equal(t, Verdict{Corrupt: true, Reason: "Rule nul"}, p.Evaluate(a))

	_, err = NewCELPolicy([]Rule{{Name: "bad", Expr: "file.", Verdict: "suspect"}}, nil)
	assert.Error(t, err)
	_, err = NewCELPolicy([]Rule{{Name: "verdict", Expr: "true", Verdict: "maybe"}}, nil)
	assert.Error(t, err)

	t.Run("non bool result is skipped", func(t *testing.T) {
		p, err := NewCELPolicy([]Rule{{Name: "str", Expr: `file.name`, Verdict: "corrupt"}}, nil)
		require.NoError(t, err)
		assert.False(t, p.Evaluate(file("x", "L", 1, "hello")).Signal())
	})
}

func TestChain(t *testing.T) {
	cel, err := NewCELPolicy([]Rule{{Name: "big", Expr: `file.sizeBytes > 3`, Verdict: "suspect", Reason: "big"}}, nil)
	require.NoError(t, err)
	p := Chain(NewHeuristicPolicy(), cel)
	assert.Equal(t, Verdict{Suspect: true, Reason: "big"}, p.Evaluate(file("x", "L", 1, "hello")))
	assert.Equal(t, Verdict{Corrupt: true, Reason: ReasonMarker}, p.Evaluate(file("x", "L", 1, CorruptionMarker)))
	assert.Equal(t, Verdict{Reason: ReasonNoSignal}, p.Evaluate(file("x", "L", 1, "hi")))
	assert.Equal(t, Verdict{Reason: ReasonNoSignal}, Chain().Evaluate(file("x", "L", 1, "hi")))
}

func TestScanLake(t *testing.T) {
	ctx := context.Background()
	bad := file("bad", "L", 1, "CORRUPTED_SECTOR_DATA")
	suspect := file("sus", "E", 2, "fine")
	suspect.Status = artifact.StatusSuspect
	code := file("code", "L", 2, "x = 1")
	code.Category = artifact.CategoryCode
	code.Extension = "py"
	code.Path = "src/"
	clean := file("clean", "L", 1, "fine")
	g, _, rec, _ := setup(t, bad, suspect, code, clean)

	findings := g.ScanLake(ctx, Scope{})
	ids := map[string]Finding{}
	for _, f := range findings {
		ids[f.File.ID] = f
	}
	require.Len(t, ids, 3)
	assert.True(t, ids["bad"].Corrupt)
	assert.Equal(t, ReasonMarker, ids["bad"].Reason)
	assert.True(t, ids["sus"].Suspect, "persisted status is a finding")
	assert.True(t, ids["code"].Suspect)
	assert.Len(t, rec.ofType(bus.TypeCorruptionFound), 3)

	tests := []struct {
		name  string
		scope Scope
		want  []string
	}{
		{"drive", Scope{DriveID: "E"}, []string{"sus"}},
		{"slot", Scope{DriveID: "L", SlotID: 2}, []string{"code"}},
		{"prefix", Scope{PathPrefix: "src/"}, []string{"code"}},
		{"glob", Scope{Glob: "notes/*.txt"}, []string{"bad", "sus"}},
		{"bad glob", Scope{Glob: "[", PathPrefix: ""}, nil},
		{"bad drive", Scope{DriveID: "Q"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, f := range g.ScanLake(ctx, tt.scope) {
				got = append(got, f.File.ID)
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestQuarantine(t *testing.T) {
	ctx := context.Background()
	bad := file("bad", "L", 1, "CORRUPTED_SECTOR_DATA")
	code := file("code", "L", 1, "x")
	code.Category = artifact.CategoryCode
	code.Extension = "rb"
	g, store, _, _ := setup(t, bad, code, file("clean", "L", 1, "fine"))

	findings := g.ScanLake(ctx, Scope{})
	n, err := g.Quarantine(ctx, findings)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	a, err := store.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusCorrupt, a.Status)
	a, err = store.Get(ctx, "code")
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusSuspect, a.Status)

	// Applying the same findings again changes nothing.
	n, err = g.Quarantine(ctx, g.ScanLake(ctx, Scope{}))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = store.DeleteFile(ctx, "code")
	require.NoError(t, err)
	n, err = g.Quarantine(ctx, findings)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	var files []*artifact.Artifact
	for i, d := range []address.DriveID{"L", "E", "O"} {
		f := file(strings.Repeat("c", i+1), d, i+1, "same")
		f.Signature = "shared"
		files = append(files, f)
	}
	lone := file("lone", "A", 1, "x")
	g, store, rec, pruner := setup(t, append(files, lone)...)

	ids, err := g.PurgeSignature(ctx, "shared")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c", "cc", "ccc"}, ids)
	assert.Empty(t, store.GetCopies(ctx, "shared"))
	purged := rec.ofType(bus.TypeCorruptionPurged)
	require.Len(t, purged, 1)
	assert.Len(t, purged[0].(bus.CorruptionPurged).IDs, 3)
	assert.ElementsMatch(t, []string{"c", "cc", "ccc"}, pruner.calls["shared"])

	ids, err = g.PurgeSignature(ctx, "shared")
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Len(t, rec.ofType(bus.TypeCorruptionPurged), 1)
	_, err = g.PurgeSignature(ctx, "")
	assert.True(t, lakeerrors.IsValidation(err))

	require.NoError(t, g.PurgeFile(ctx, "lone"))
	purged = rec.ofType(bus.TypeCorruptionPurged)
	require.Len(t, purged, 2)
	assert.Equal(t, bus.CorruptionPurged{Signature: "sig-lone", IDs: []string{"lone"}}, purged[1])
	assert.Equal(t, []string{"lone"}, pruner.calls["sig-lone"])
	assert.True(t, lakeerrors.IsNotFound(g.PurgeFile(ctx, "lone")))
}

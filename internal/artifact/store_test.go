package artifact

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maruel/memlake/internal/address"
	"github.com/maruel/memlake/internal/bus"
	lakeerrors "github.com/maruel/memlake/internal/errors"
)

// recordingBus captures emitted events synchronously.
type recordingBus struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recordingBus) Emit(_ context.Context, e bus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingBus) Subscribe(bus.Handler) func() { return func() {} }
func (r *recordingBus) Close() error                 { return nil }

func (r *recordingBus) take() []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func openStore(t *testing.T) (*Store, *recordingBus, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifacts.jsonl")
	rb := &recordingBus{}
	s, err := Open(path, rb, nil)
	require.NoError(t, err)
	return s, rb, path
}

func artifactIDs(list []*Artifact) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.ID)
	}
	return out
}

func TestStoreAddAndRead(t *testing.T) {
	ctx := context.Background()
	s, rb, path := openStore(t)

	a := sample("a")
	b := sample("b")
	b.SlotID = 2
	c := sample("c")
	c.DriveID = "E"
	c.Signature = a.Signature
	for _, x := range []*Artifact{a, b, c} {
		require.NoError(t, s.AddFile(ctx, x))
	}
	assert.Equal(t, []bus.Event{
		bus.FileAdded{ID: "a", DriveID: "L", SlotID: 1},
		bus.FileAdded{ID: "b", DriveID: "L", SlotID: 2},
		bus.FileAdded{ID: "c", DriveID: "E", SlotID: 1},
	}, rb.take())

	got, err := s.GetFiles(ctx, "L", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, artifactIDs(got))
	got, err = s.GetFilesByDrive(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, artifactIDs(got))
	assert.Equal(t, []string{"a", "b", "c"}, artifactIDs(s.GetAllFiles(ctx)))
	assert.Equal(t, []string{"a", "c"}, artifactIDs(s.GetCopies(ctx, a.Signature)))
	assert.Empty(t, s.GetCopies(ctx, ""))
	assert.Equal(t, 1, s.CountAt("L", 2))
	n, size := s.UsageAt("L", 2)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(5), size)
	n, size = s.UsageAt("O", 8)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(0), size)

	_, err = s.GetFiles(ctx, "L", 0)
	assert.True(t, lakeerrors.IsValidation(err))
	_, err = s.GetFilesByDrive(ctx, "nope")
	assert.True(t, lakeerrors.IsValidation(err))

	t.Run("overwrite moves indexes", func(t *testing.T) {
		moved := sample("a")
		moved.SlotID = 3
		moved.Signature = "other"
		require.NoError(t, s.AddFile(ctx, moved))
		got, err := s.GetFiles(ctx, "L", 1)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Equal(t, []string{"c"}, artifactIDs(s.GetCopies(ctx, a.Signature)))
	})

	t.Run("defaults", func(t *testing.T) {
		d := sample("d")
		d.Status = ""
		d.LastModified = d.LastModified.AddDate(-1, 0, 0)
		require.NoError(t, s.AddFile(ctx, d))
		got, err := s.Get(ctx, "d")
		require.NoError(t, err)
		assert.Equal(t, StatusSafe, got.Status)
		assert.Equal(t, got.LastModified, got.CreatedAt)
	})

	t.Run("invalid", func(t *testing.T) {
		bad := sample("bad")
		bad.SlotID = 42
		err := s.AddFile(ctx, bad)
		assert.True(t, lakeerrors.IsValidation(err), "got %v", err)
		_, err = s.Get(ctx, "bad")
		assert.True(t, lakeerrors.IsNotFound(err))
	})

	t.Run("persisted", func(t *testing.T) {
		reopened, err := Open(path, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, s.Len(), reopened.Len())
		got, err := reopened.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 3, got.SlotID)
		text, ok := got.Content.Bytes()
		assert.True(t, ok)
		assert.Equal(t, "hello", string(text))
	})
}

func TestStoreMutations(t *testing.T) {
	ctx := context.Background()
	s, rb, _ := openStore(t)
	require.NoError(t, s.AddFile(ctx, sample("a")))
	rb.take()

	t.Run("vector", func(t *testing.T) {
		require.NoError(t, s.UpdateVector(ctx, "a", []float32{0.5, 1}))
		got, _ := s.Get(ctx, "a")
		assert.Equal(t, []float32{0.5, 1}, got.Vector)
		require.NoError(t, s.UpdateVector(ctx, "a", nil))
		got, _ = s.Get(ctx, "a")
		assert.Nil(t, got.Vector)
		assert.Equal(t, []bus.Event{bus.FileUpdated{ID: "a", Field: "vector"}, bus.FileUpdated{ID: "a", Field: "vector"}}, rb.take())
	})
	t.Run("rename", func(t *testing.T) {
		require.NoError(t, s.RenameFile(ctx, "a", "renamed.txt"))
		got, _ := s.Get(ctx, "a")
		assert.Equal(t, "renamed.txt", got.Name)
		assert.True(t, lakeerrors.IsValidation(s.RenameFile(ctx, "a", "")))
		rb.take()
	})
	t.Run("missing id", func(t *testing.T) {
		assert.True(t, lakeerrors.IsNotFound(s.UpdateVector(ctx, "zz", nil)))
		assert.True(t, lakeerrors.IsNotFound(s.RenameFile(ctx, "zz", "n")))
		assert.True(t, lakeerrors.IsNotFound(s.UpdateStatus(ctx, "zz", StatusSuspect)))
		_, err := s.Offload(ctx, "zz", ExternalRef{Kind: RefArchive, Path: "p", ArchiveID: "zz"})
		assert.True(t, lakeerrors.IsNotFound(err))
		_, err = s.DeleteFile(ctx, "zz")
		assert.True(t, lakeerrors.IsNotFound(err))
		assert.Empty(t, rb.take(), "failed mutations emit nothing")
	})
	t.Run("status machine", func(t *testing.T) {
		require.NoError(t, s.AddFile(ctx, sample("q")))
		assert.True(t, lakeerrors.IsValidation(s.UpdateStatus(ctx, "q", StatusCorrupt)))
		require.NoError(t, s.UpdateStatus(ctx, "q", StatusSuspect))
		require.NoError(t, s.UpdateStatus(ctx, "q", StatusCorrupt))
		assert.True(t, lakeerrors.IsValidation(s.UpdateStatus(ctx, "q", StatusSafe)))
		assert.True(t, lakeerrors.IsValidation(s.UpdateStatus(ctx, "q", StatusOffloaded)))
		assert.True(t, lakeerrors.IsValidation(s.UpdateStatus(ctx, "q", "bogus")))
		_, err := s.Offload(ctx, "q", ExternalRef{Kind: RefArchive, Path: "p", ArchiveID: "q"})
		assert.True(t, lakeerrors.IsValidation(err), "corrupt artifacts cannot be offloaded")
		rb.take()
	})
	t.Run("offload and restore", func(t *testing.T) {
		ref := ExternalRef{Kind: RefArchive, Path: "archives/a_renamed.txt", ArchiveID: "a"}
		got, err := s.Offload(ctx, "a", ref)
		require.NoError(t, err)
		assert.Equal(t, StatusOffloaded, got.Status)
		assert.Equal(t, ContentExternal, got.Content.Kind())
		gotRef, ok := got.ExternalRef()
		assert.True(t, ok)
		assert.Equal(t, ref, gotRef)
		assert.Equal(t, []bus.Event{bus.Offloaded{ID: "a", ArchiveID: "a"}}, rb.take())

		_, err = s.Offload(ctx, "a", ref)
		require.NoError(t, err, "same reference again is a no-op")
		assert.Empty(t, rb.take())
		_, err = s.Offload(ctx, "a", ExternalRef{Kind: RefArchive, Path: "other", ArchiveID: "b"})
		assert.True(t, lakeerrors.IsValidation(err))
		_, err = s.Offload(ctx, "a", ExternalRef{Kind: "opfs", Path: "x"})
		assert.True(t, lakeerrors.IsValidation(err))

		got, err = s.Restore(ctx, "a", []byte("hello again"))
		require.NoError(t, err)
		assert.Equal(t, StatusSafe, got.Status)
		assert.Equal(t, int64(11), got.SizeBytes)
		_, err = s.Restore(ctx, "a", nil)
		assert.True(t, lakeerrors.IsValidation(err))
		rb.take()
	})
	t.Run("offload without content", func(t *testing.T) {
		e := sample("empty")
		e.Content = Absent()
		require.NoError(t, s.AddFile(ctx, e))
		_, err := s.Offload(ctx, "empty", ExternalRef{Kind: RefArchive, Path: "p", ArchiveID: "empty"})
		assert.True(t, lakeerrors.IsValidation(err))
		rb.take()
	})
	t.Run("delete", func(t *testing.T) {
		prev, err := s.DeleteFile(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "a", prev.ID)
		assert.Equal(t, []bus.Event{bus.FileDeleted{ID: "a"}}, rb.take())
		_, err = s.Get(ctx, "a")
		assert.True(t, lakeerrors.IsNotFound(err))
	})
}

func TestStoreRefresh(t *testing.T) {
	ctx := context.Background()
	a, _, path := openStore(t)
	b, err := Open(path, nil, nil)
	require.NoError(t, err)

	x := sample("x")
	x.DriveID = address.DriveLEE
	x.SlotID = 8
	require.NoError(t, b.AddFile(ctx, x))
	n, err := a.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := a.GetFiles(ctx, address.DriveLEE, 8)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, artifactIDs(got))

	require.NoError(t, a.RenameFile(ctx, "x", "from-a"))
	require.NoError(t, b.RenameFile(ctx, "x", "from-b"))
	_, err = a.Refresh(ctx)
	require.NoError(t, err)
	got1, _ := a.Get(ctx, "x")
	assert.Equal(t, "from-b", got1.Name, "last write wins")

	require.NoError(t, a.Compact(ctx))
	_, err = b.Refresh(ctx)
	require.NoError(t, err)
	got2, _ := b.Get(ctx, "x")
	assert.Equal(t, "from-b", got2.Name)
}

func TestStoreMigrations(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "artifacts.jsonl")
	v1 := `{"version":"1.0","schema":1,"columns":[{"name":"id","type":"text"}]}
{"id":"L-1-a","driveId":"L","slotId":1,"name":"a.ts","extension":"ts","category":"code","sizeBytes":2,"content":"hi","signature":"s1","status":"safe","lastModified":1767225600000}
{"id":"L-1-b","driveId":"L","slotId":1,"name":"b.bin","extension":"bin","category":"media","sizeBytes":900000,"content":null,"signature":"s2","status":"offloaded","lastModified":1767225600000,"externalRef":{"kind":"opfs","path":"archives/L-1-b_b.bin","archiveId":"L-1-b"}}
`
	require.NoError(t, os.WriteFile(path, []byte(v1), 0o644))
	s, err := Open(path, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, s.Table().Header().Schema)

	a, err := s.Get(ctx, "L-1-a")
	require.NoError(t, err)
	assert.Equal(t, "hi", a.Text())
	assert.Equal(t, int64(1767225600000), a.LastModified.UnixMilli())

	b, err := s.Get(ctx, "L-1-b")
	require.NoError(t, err)
	ref, ok := b.ExternalRef()
	require.True(t, ok)
	assert.Equal(t, ExternalRef{Kind: RefArchive, Path: "archives/L-1-b_b.bin", ArchiveID: "L-1-b"}, ref)
}

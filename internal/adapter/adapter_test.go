package adapter

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
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

func (r *recordingBus) last(t bus.EventType) bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type() == t {
			return r.events[i]
		}
	}
	return nil
}

type recordingPruner struct {
	mu    sync.Mutex
	calls map[string][]string
}

func (p *recordingPruner) DetachRefs(ctx context.Context, signature string, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string][]string{}
	}
	p.calls[signature] = append(p.calls[signature], ids...)
	return nil
}

func setup(t *testing.T) (*Adapter, *artifact.Store, *recordingBus, *recordingPruner) {
	t.Helper()
	dir := t.TempDir()
	store, err := artifact.Open(filepath.Join(dir, "artifacts.jsonl"), nil, nil)
	require.NoError(t, err)
	events, err := OpenEventLog(context.Background(), filepath.Join(dir, "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })
	rec := &recordingBus{}
	pruner := &recordingPruner{}
	ad := New(store, events, pruner, rec, nil)
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ad.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return ad, store, rec, pruner
}

func TestSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"msg1", "msg1"},
		{"  Hello, World!  ", "hello-world"},
		{"leemail/sent/", "leemail-sent"},
		{"---", ""},
		{"Crème brûlée", "cr-me-br-l-e"},
		{strings.Repeat("ab", 60), strings.Repeat("ab", 40)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.in), "Slug(%q)", tt.in)
	}

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("slug is stable and idempotent", prop.ForAll(
		func(s string) bool {
			a := Slug(s)
			return a == Slug(s) && Slug(a) == a && len(a) <= 80
		},
		gen.AnyString(),
	))
	properties.TestingRun(t)
}

func TestPutFileIdempotent(t *testing.T) {
	ctx := context.Background()
	ad, store, rec, _ := setup(t)
	content := map[string]any{"subject": "Hi"}

	a, err := ad.PutFile(ctx, "leemail/sent/", "msg1", content, nil)
	require.NoError(t, err)
	b, err := ad.PutFile(ctx, "leemail/sent/", "msg1", map[string]any{"subject": "Hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.CreatedAt, b.CreatedAt)
	assert.True(t, b.LastModified.After(a.LastModified))
	assert.Len(t, ad.ListByPathPrefix(ctx, "leemail/sent/", 0), 1)
	assert.Equal(t, 1, store.Len())

	assert.True(t, strings.HasPrefix(a.ID, "leemail-sent__msg1__"))
	assert.Len(t, a.ID, len("leemail-sent__msg1__")+16)
	assert.Equal(t, address.DriveLEE, a.DriveID)
	assert.Equal(t, address.SlotForKey("leemail/sent/msg1"), a.SlotID)
	assert.Equal(t, artifact.CategoryData, a.Category)
	assert.Equal(t, DefaultMimeType, a.MimeType)
	assert.Equal(t, bus.AdapterChanged{PathPrefix: "leemail/sent/", ID: a.ID}, rec.last(bus.TypeAdapterChanged))

	text, err := ad.ReadFileText(ctx, a.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"subject":"Hi"}`, text)

	c, err := ad.PutFile(ctx, "leemail/sent/", "msg1", map[string]any{"subject": "Bye"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Len(t, ad.ListByPathPrefix(ctx, "leemail/sent/", 0), 2)

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("same path, name and content yield one row", prop.ForAll(
		func(name, body string) bool {
			x, err := ad.PutFile(ctx, "prop/", name, body, nil)
			if err != nil {
				return false
			}
			y, err := ad.PutFile(ctx, "prop/", name, body, nil)
			return err == nil && x.ID == y.ID && x.CreatedAt.Equal(y.CreatedAt)
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.AnyString(),
	))
	properties.TestingRun(t)
}

func TestPutFileCompression(t *testing.T) {
	ctx := context.Background()
	ad, _, _, _ := setup(t)
	big := strings.Repeat("compressible text ", 200)
	a, err := ad.PutFile(ctx, "docs/", "big.txt", big, &PutOptions{MimeType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, artifact.EncodingGzip, a.Encoding)
	assert.Equal(t, int64(len(big)), a.SizeBytes)
	assert.Equal(t, "txt", a.Extension)
	raw, _ := a.Content.Bytes()
	assert.Less(t, len(raw), len(big))
	text, err := ad.ReadFileText(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, big, text)

	small, err := ad.PutFile(ctx, "docs/", "small", "hi there", nil)
	require.NoError(t, err)
	assert.Equal(t, artifact.EncodingIdentity, small.Encoding, "gzip is not worth it")

	plain, err := ad.PutFile(ctx, "docs/", "plain", big, &PutOptions{NoCompress: true})
	require.NoError(t, err)
	assert.Equal(t, artifact.EncodingIdentity, plain.Encoding)
}

func TestPutFileOptions(t *testing.T) {
	ctx := context.Background()
	ad, _, _, _ := setup(t)
	a, err := ad.PutFile(ctx, "tasks/", "", "todo", &PutOptions{
		DriveID:  "A",
		SlotID:   3,
		Category: artifact.CategoryDoc,
		Tags:     []string{"TASK"},
		Meta:     map[string]string{"owner": "lee"},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^tasks__entry-\d+__[0-9a-f]{16}$`, a.ID)
	assert.Equal(t, address.DriveID("A"), a.DriveID)
	assert.Equal(t, 3, a.SlotID)
	assert.Equal(t, []string{"TASK"}, a.Tags)
	assert.Equal(t, "lee", a.Meta["owner"])

	_, err = ad.PutFile(ctx, "tasks/", "x", "todo", &PutOptions{DriveID: "Q"})
	assert.True(t, lakeerrors.IsValidation(err))
	_, err = ad.PutFile(ctx, "tasks/", "x", func() {}, nil)
	assert.True(t, lakeerrors.IsValidation(err))
}

func TestPutFileKeepsState(t *testing.T) {
	ctx := context.Background()
	ad, store, _, _ := setup(t)
	a, err := ad.PutFile(ctx, "p/", "n", "same body", nil)
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, a.ID, artifact.StatusSuspect))
	b, err := ad.PutFile(ctx, "p/", "n", "same body", nil)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusSuspect, b.Status)

	c, err := ad.PutFile(ctx, "p/", "off", "offloaded body", nil)
	require.NoError(t, err)
	ref := artifact.ExternalRef{Kind: artifact.RefArchive, Path: "archives/x", ArchiveID: c.ID}
	_, err = store.Offload(ctx, c.ID, ref)
	require.NoError(t, err)
	d, err := ad.PutFile(ctx, "p/", "off", "offloaded body", nil)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusOffloaded, d.Status)
	got, ok := d.ExternalRef()
	assert.True(t, ok)
	assert.Equal(t, ref, got)
	_, err = ad.ReadFileText(ctx, d.ID)
	assert.True(t, lakeerrors.IsValidation(err))
}

func TestReadFileTextErrors(t *testing.T) {
	ctx := context.Background()
	ad, store, _, _ := setup(t)
	_, err := ad.ReadFileText(ctx, "missing")
	assert.True(t, lakeerrors.IsNotFound(err))

	broken := &artifact.Artifact{
		ID: "broken", DriveID: "L", SlotID: 1, Name: "b", Category: artifact.CategoryData,
		Content: artifact.InlineText("not gzip"), Encoding: artifact.EncodingGzip, Signature: "s",
	}
	require.NoError(t, store.AddFile(ctx, broken))
	_, err = ad.ReadFileText(ctx, "broken")
	assert.True(t, lakeerrors.IsDecode(err), "got %v", err)
}

func TestListByPathPrefix(t *testing.T) {
	ctx := context.Background()
	ad, _, _, _ := setup(t)
	var ids []string
	for _, n := range []string{"a", "b", "c", "d"} {
		a, err := ad.PutFile(ctx, "inbox/2026/", n, "body "+n, nil)
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}
	_, err := ad.PutFile(ctx, "outbox/", "x", "other", nil)
	require.NoError(t, err)

	got := ad.ListByPathPrefix(ctx, "inbox/", 0)
	require.Len(t, got, 4)
	assert.Equal(t, ids[3], got[0].ID, "newest first")
	assert.Equal(t, ids[0], got[3].ID)
	assert.Len(t, ad.ListByPathPrefix(ctx, "inbox/", 2), 2)
	assert.Len(t, ad.ListByPathPrefix(ctx, "", 0), 5)
	assert.Empty(t, ad.ListByPathPrefix(ctx, "nothing/", 0))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	ad, store, rec, pruner := setup(t)
	a, err := ad.PutFile(ctx, "tmp/", "a", "alpha", nil)
	require.NoError(t, err)
	ok, err := ad.DeleteFile(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ad.DeleteFile(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, bus.AdapterDeleted{ID: a.ID}, rec.last(bus.TypeAdapterDeleted))
	assert.Equal(t, []string{a.ID}, pruner.calls[a.Signature])

	for _, n := range []string{"x", "y", "z"} {
		_, err := ad.PutFile(ctx, "tmp/sub/", n, "same", nil)
		require.NoError(t, err)
	}
	keep, err := ad.PutFile(ctx, "keep/", "k", "same", nil)
	require.NoError(t, err)
	n, err := ad.PurgePathPrefix(ctx, "tmp/")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, bus.AdapterPurged{PathPrefix: "tmp/", Count: 3}, rec.last(bus.TypeAdapterPurged))
	assert.Len(t, pruner.calls[keep.Signature], 3)

	n, err = ad.PurgePathPrefix(ctx, "tmp/")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	ad, _, rec, _ := setup(t)
	e1, err := ad.PutEvent(ctx, "audit/", "Login OK", map[string]any{"user": "lee"})
	require.NoError(t, err)
	e2, err := ad.PutEvent(ctx, "audit/", "Login OK", map[string]any{"user": "lee"})
	require.NoError(t, err)
	assert.NotEqual(t, e1.ID, e2.ID, "events are never deduplicated")
	assert.Equal(t, "login-ok", e1.Name)
	assert.True(t, strings.HasPrefix(e1.ID, "audit/login-ok_"))
	assert.Equal(t, bus.AdapterEvent{PathPrefix: "audit/", ID: e2.ID}, rec.last(bus.TypeAdapterEvent))
	_, err = ad.PutEvent(ctx, "other/", "x", nil)
	require.NoError(t, err)
	ad.Audit(ctx, "rag_search_1", map[string]any{"hits": 0})

	got, err := ad.ListEvents(ctx, "audit/", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, e2.ID, got[0].ID)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(got[0].Payload, &payload))
	assert.Equal(t, "lee", payload["user"])

	got, err = ad.ListEvents(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	got, err = ad.ListEvents(ctx, "rag/logs/", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rag-search-1", got[0].Name)
	got, err = ad.ListEvents(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = ad.PutEvent(ctx, "x/", "bad", func() {})
	assert.True(t, lakeerrors.IsValidation(err))

	none := New(nil, nil, nil, nil, nil)
	_, err = none.PutEvent(ctx, "x/", "y", nil)
	assert.True(t, lakeerrors.IsValidation(err))
	none.Audit(ctx, "ignored", nil)
}

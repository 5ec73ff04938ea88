package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiver(b Bus) (<-chan Message, func()) {
	ch := make(chan Message, 16)
	unsubscribe := b.Subscribe(func(m Message) { ch <- m })
	return ch, unsubscribe
}

func wait(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func none(t *testing.T, ch <-chan Message, d time.Duration) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(d):
	}
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	t.Run("fan out", func(t *testing.T) {
		b := NewMemory("", nil)
		defer b.Close()
		assert.Equal(t, DefaultTopic, b.Topic())
		ch1, unsub1 := receiver(b)
		ch2, unsub2 := receiver(b)
		defer unsub2()
		b.Emit(ctx, FileAdded{ID: "a", DriveID: "L", SlotID: 1})
		for _, ch := range []<-chan Message{ch1, ch2} {
			m := wait(t, ch)
			assert.Equal(t, FileAdded{ID: "a", DriveID: "L", SlotID: 1}, m.Change)
			assert.Equal(t, b.Origin(), m.Origin)
			assert.False(t, m.At.IsZero())
		}
		unsub1()
		unsub1()
		b.Emit(ctx, FileDeleted{ID: "a"})
		assert.Equal(t, FileDeleted{ID: "a"}, wait(t, ch2).Change)
		none(t, ch1, 50*time.Millisecond)
	})
	t.Run("no replay", func(t *testing.T) {
		b := NewMemory("t", nil)
		defer b.Close()
		b.Emit(ctx, ArchiveAdded{ID: "x"})
		ch, unsub := receiver(b)
		defer unsub()
		none(t, ch, 50*time.Millisecond)
	})
	t.Run("lagging subscriber does not block emit", func(t *testing.T) {
		b := NewMemory("t", nil)
		defer b.Close()
		release := make(chan struct{})
		var mu sync.Mutex
		got := 0
		unsub := b.Subscribe(func(Message) {
			<-release
			mu.Lock()
			got++
			mu.Unlock()
		})
		defer unsub()
		done := make(chan struct{})
		go func() {
			for range 2 * queueSize {
				b.Emit(ctx, RagUpsert{Signature: "s"})
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Emit blocked on a lagging subscriber")
		}
		close(release)
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return got > 0
		}, 5*time.Second, 10*time.Millisecond)
		mu.Lock()
		assert.LessOrEqual(t, got, queueSize+1)
		mu.Unlock()
	})
	t.Run("closed", func(t *testing.T) {
		b := NewMemory("t", nil)
		ch, _ := receiver(b)
		require.NoError(t, b.Close())
		b.Emit(ctx, FileDeleted{ID: "a"})
		none(t, ch, 50*time.Millisecond)
		b.Subscribe(func(Message) {})()
	})
	t.Run("discard", func(t *testing.T) {
		var b Bus = Discard{}
		b.Emit(ctx, FileDeleted{ID: "a"})
		b.Subscribe(nil)()
		assert.NoError(t, b.Close())
	})
}

func TestCodec(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := Message{At: at, Origin: "o", Change: CorruptionPurged{Signature: "sig", IDs: []string{"a", "b", "c"}}}
	data, err := Encode(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"at":"2026-01-02T03:04:05Z","origin":"o","type":"CORRUPTION_PURGED","change":{"signature":"sig","ids":["a","b","c"]}}`, string(data))
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	for _, e := range []Event{
		FileAdded{}, FileUpdated{}, FileDeleted{}, Offloaded{}, ArchiveAdded{}, ArchiveRemoved{},
		RagUpsert{}, RagRebuilt{}, CorruptionFound{}, CorruptionPurged{}, AdapterChanged{},
		AdapterDeleted{}, AdapterPurged{}, AdapterEvent{},
	} {
		_, ok := decoders[e.Type()]
		assert.True(t, ok, "no decoder for %s", e.Type())
	}

	_, err = Decode([]byte(`{"type":"NOPE","change":{}}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"type":"FILE_ADDED","change":{"slotId":"x"}}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := NewFile(dir, "t", nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewFile(dir, "t", nil)
	require.NoError(t, err)
	defer b.Close()
	chA, unsubA := receiver(a)
	defer unsubA()
	chB, unsubB := receiver(b)
	defer unsubB()

	a.Emit(ctx, Offloaded{ID: "f", ArchiveID: "f"})
	assert.Equal(t, Offloaded{ID: "f", ArchiveID: "f"}, wait(t, chA).Change, "local delivery")
	m := wait(t, chB)
	assert.Equal(t, Offloaded{ID: "f", ArchiveID: "f"}, m.Change, "remote delivery")
	assert.Equal(t, a.Origin(), m.Origin)
	// The emitter does not receive its own message twice.
	none(t, chA, 100*time.Millisecond)

	b.Emit(ctx, FileDeleted{ID: "g"})
	assert.Equal(t, FileDeleted{ID: "g"}, wait(t, chA).Change)

	t.Run("other topic", func(t *testing.T) {
		c, err := NewFile(dir, "other", nil)
		require.NoError(t, err)
		defer c.Close()
		c.Emit(ctx, FileDeleted{ID: "h"})
		none(t, chA, 100*time.Millisecond)
	})
}

func TestRedisPayload(t *testing.T) {
	b := &Redis{Memory: NewMemory("t", nil), channel: ChannelName("t")}
	defer b.Memory.Close()
	assert.Equal(t, "memlake:t", b.channel)
	ch, unsub := receiver(b.Memory)
	defer unsub()

	remote, err := Encode(Message{At: time.Now(), Origin: "elsewhere", Change: FileAdded{ID: "r"}})
	require.NoError(t, err)
	b.handlePayload(string(remote))
	assert.Equal(t, FileAdded{ID: "r"}, wait(t, ch).Change)

	own, err := Encode(Message{At: time.Now(), Origin: b.Origin(), Change: FileAdded{ID: "own"}})
	require.NoError(t, err)
	b.handlePayload(string(own))
	b.handlePayload("garbage")
	none(t, ch, 50*time.Millisecond)
}

// Package bus is the best-effort change notification channel of the lake.
//
// Producers never wait for delivery and never see delivery errors. There is no
// persistence, no replay for late subscribers and no ordering guarantee
// across processes. Subscribers must treat a message as a hint to re-query
// the authoritative state.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maruel/memlake/internal/metrics"
)

// DefaultTopic is the topic used when none is configured.
const DefaultTopic = "LAKE_CHANGED"

// queueSize is the per-subscriber buffer. Messages are dropped when a
// subscriber falls this far behind.
const queueSize = 256

// Handler receives messages. It runs on a goroutine owned by the
// subscription, one message at a time.
type Handler func(m Message)

// Bus is a named-topic publish/subscribe channel.
type Bus interface {
	// Emit broadcasts e to every active subscriber, in this process and in
	// others sharing the transport.
	Emit(ctx context.Context, e Event)
	// Subscribe registers h and returns the function that unregisters it.
	Subscribe(h Handler) (unsubscribe func())
	// Close stops the transport and drops every subscription.
	Close() error
}

// Memory is the in-process bus. The cross-process transports embed it for
// local fan-out.
type Memory struct {
	topic  string
	origin string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	closed bool
}

type subscription struct {
	h    Handler
	ch   chan Message
	once sync.Once
	done chan struct{}
}

// NewMemory returns an in-process bus for topic.
func NewMemory(topic string, logger *slog.Logger) *Memory {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		topic:  topic,
		origin: uuid.NewString(),
		logger: logger.With("topic", topic),
		subs:   map[int]*subscription{},
	}
}

// Topic returns the bus topic.
func (b *Memory) Topic() string {
	return b.topic
}

// Origin returns the id stamped on messages emitted by this bus.
func (b *Memory) Origin() string {
	return b.origin
}

// Emit implements [Bus].
func (b *Memory) Emit(ctx context.Context, e Event) {
	b.deliver(b.message(e))
}

func (b *Memory) message(e Event) Message {
	metrics.BusEvents.WithLabelValues(string(e.Type()), "emitted").Inc()
	return Message{At: time.Now().UTC(), Origin: b.origin, Change: e}
}

// deliver fans m out to the local subscribers without blocking.
func (b *Memory) deliver(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, s := range b.subs {
		select {
		case s.ch <- m:
			metrics.BusEvents.WithLabelValues(string(m.Change.Type()), "delivered").Inc()
		default:
			metrics.BusEvents.WithLabelValues(string(m.Change.Type()), "dropped").Inc()
			b.logger.Warn("bus subscriber is lagging, dropping message", "subscriber", id, "type", m.Change.Type())
		}
	}
}

// Subscribe implements [Bus].
func (b *Memory) Subscribe(h Handler) func() {
	s := &subscription{h: h, ch: make(chan Message, queueSize), done: make(chan struct{})}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go func() {
		for {
			select {
			case m := <-s.ch:
				s.h(m)
			case <-s.done:
				return
			}
		}
	}()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Close implements [Bus].
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.stop()
	}
	return nil
}

// Discard is a bus that drops every event.
type Discard struct{}

// Emit implements [Bus].
func (Discard) Emit(context.Context, Event) {}

// Subscribe implements [Bus].
func (Discard) Subscribe(Handler) func() { return func() {} }

// Close implements [Bus].
func (Discard) Close() error { return nil }

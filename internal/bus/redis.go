// Cross-process transport over redis PubSub.

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/maruel/memlake/internal/metrics"
)

// Redis is a bus shared by every process connected to the same redis server.
// Messages are published on the channel "memlake:<topic>".
type Redis struct {
	*Memory
	client  redis.UniversalClient
	channel string
	pubsub  *redis.PubSub

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRedis subscribes to the topic channel and returns the transport. The
// subscription is confirmed before NewRedis returns.
func NewRedis(ctx context.Context, client redis.UniversalClient, topic string, logger *slog.Logger) (*Redis, error) {
	m := NewMemory(topic, logger)
	channel := ChannelName(m.topic)
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Redis{Memory: m, client: client, channel: channel, pubsub: pubsub, cancel: cancel}
	b.wg.Add(1)
	go b.receive(ctx)
	return b, nil
}

// ChannelName returns the redis channel used for topic.
func ChannelName(topic string) string {
	return "memlake:" + topic
}

// Emit implements [Bus].
func (b *Redis) Emit(ctx context.Context, e Event) {
	msg := b.message(e)
	b.deliver(msg)
	data, err := Encode(msg)
	if err != nil {
		b.logger.WarnContext(ctx, "failed to encode bus message", "type", e.Type(), "err", err)
		return
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.WarnContext(ctx, "failed to publish bus message", "type", e.Type(), "err", err)
	}
}

func (b *Redis) receive(ctx context.Context) {
	defer b.wg.Done()
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			b.handlePayload(msg.Payload)
		}
	}
}

// handlePayload delivers one published payload unless this bus emitted it.
func (b *Redis) handlePayload(payload string) {
	m, err := Decode([]byte(payload))
	if err != nil {
		b.logger.Warn("skipping malformed bus message", "err", err)
		return
	}
	if m.Origin == b.origin {
		return
	}
	metrics.BusEvents.WithLabelValues(string(m.Change.Type()), "remote").Inc()
	b.deliver(m)
}

// Close implements [Bus]. The redis client stays open; it belongs to the
// caller.
func (b *Redis) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	if err2 := b.Memory.Close(); err == nil {
		err = err2
	}
	return err
}

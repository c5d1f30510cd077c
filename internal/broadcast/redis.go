package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/kalambet/docket/internal/metrics"
)

// RedisPubSub is the part of the go-redis client used for progress fan-out.
// Implemented by *redis.Client and redis.UniversalClient.
type RedisPubSub interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisBroadcaster carries events between docket processes over Redis
// pub/sub, one channel per document.
type RedisBroadcaster struct {
	client RedisPubSub
	prefix string
	buffer int
	logger *slog.Logger
}

// NewRedisBroadcaster creates a RedisBroadcaster. Channels are named
// "<prefix>:progress:<document id>".
func NewRedisBroadcaster(client RedisPubSub, prefix string, buffer int) *RedisBroadcaster {
	if prefix == "" {
		prefix = "docket"
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &RedisBroadcaster{
		client: client,
		prefix: prefix,
		buffer: buffer,
		logger: slog.Default().With("component", "broadcast.redis"),
	}
}

func (b *RedisBroadcaster) channel(documentID string) string {
	return b.prefix + ":progress:" + documentID
}

func (b *RedisBroadcaster) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(e.DocumentID), payload).Err(); err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	return nil
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, documentID string) (<-chan Event, func(), error) {
	ps := b.client.Subscribe(ctx, b.channel(documentID))
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("subscribing to %s: %w", b.channel(documentID), err)
	}

	out := make(chan Event, b.buffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				e, err := decodeEvent(m.Payload)
				if err != nil {
					b.logger.Warn("dropping malformed progress event", "channel", m.Channel, "error", err)
					continue
				}
				select {
				case out <- e:
					metrics.EventsPublished.WithLabelValues("delivered").Inc()
				default:
					metrics.EventsPublished.WithLabelValues("dropped").Inc()
				}
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}, nil
}

func decodeEvent(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, err
	}
	if e.DocumentID == "" {
		return Event{}, fmt.Errorf("event has no document id")
	}
	return e, nil
}

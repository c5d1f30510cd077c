package broadcast

import (
	"context"
	"sync"

	"github.com/kalambet/docket/internal/metrics"
)

const defaultBuffer = 64

// Hub fans events out to in-process subscribers. Each subscriber has its own
// buffered channel; a subscriber whose buffer is full misses the event
// rather than stalling the publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*hubSub]struct{}
	buffer int
}

type hubSub struct {
	ch chan Event
}

// NewHub creates a Hub with the given per-subscriber buffer size.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[string]map[*hubSub]struct{}), buffer: buffer}
}

// Publish delivers e to every current subscriber of its document. Sends
// happen under the hub lock, so events for one document reach each
// subscriber in publish order.
func (h *Hub) Publish(_ context.Context, e Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[e.DocumentID] {
		select {
		case s.ch <- e:
			metrics.EventsPublished.WithLabelValues("delivered").Inc()
		default:
			metrics.EventsPublished.WithLabelValues("dropped").Inc()
		}
	}
	return nil
}

// Subscribe registers a subscriber for documentID. The subscription ends
// when the returned function is called or ctx is done.
func (h *Hub) Subscribe(ctx context.Context, documentID string) (<-chan Event, func(), error) {
	s := &hubSub{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.subs[documentID] == nil {
		h.subs[documentID] = make(map[*hubSub]struct{})
	}
	h.subs[documentID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[documentID], s)
			if len(h.subs[documentID]) == 0 {
				delete(h.subs, documentID)
			}
			close(s.ch)
		})
	}
	stop := context.AfterFunc(ctx, release)
	return s.ch, func() {
		stop()
		release()
	}, nil
}

// Subscribers returns the number of live subscriptions for documentID.
func (h *Hub) Subscribers(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[documentID])
}

// Package broadcast delivers pipeline progress events to live subscribers.
// Delivery is best-effort and at-most-once; the persisted document is the
// source of truth for anyone who missed an event.
package broadcast

import (
	"context"
	"errors"
	"time"
)

// Event is one progress notification for a document.
type Event struct {
	DocumentID string    `json:"document_id"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	Progress   float64   `json:"progress"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Terminal   bool      `json:"terminal"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Subscriber yields the events of one document. The returned function
// releases the subscription; the channel is closed after it is called.
type Subscriber interface {
	Subscribe(ctx context.Context, documentID string) (<-chan Event, func(), error)
}

// Fanout publishes every event to each publisher in order.
type Fanout []Publisher

// Publish attempts every publisher and returns their errors joined.
func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

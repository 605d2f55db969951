package processor

import (
	"context"
	"log"

	"github.com/mokk-dev/food-integrator/pkg/store"
)

// Handler does the per-event work for claimed inbox rows. A returned error
// marks the row failed and makes it eligible for another attempt.
type Handler interface {
	Handle(ctx context.Context, event store.InboxEvent) error
}

type HandlerFunc func(ctx context.Context, event store.InboxEvent) error

func (f HandlerFunc) Handle(ctx context.Context, event store.InboxEvent) error {
	return f(ctx, event)
}

// NoopHandler logs each event and reports success.
type NoopHandler struct{}

func (NoopHandler) Handle(_ context.Context, event store.InboxEvent) error {
	log.Printf("Processing event %s (order: %d, type: %s)", event.EventID, event.OrderID, event.EventType)
	return nil
}

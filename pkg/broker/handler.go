package broker

import (
	"context"
	"fmt"

	"github.com/mokk-dev/food-integrator/pkg/store"
)

// Handler publishes each inbox event it is given. It plugs into the inbox
// worker, so a publish failure marks the event failed and it is retried.
type Handler struct {
	broker MessageBroker
}

func NewHandler(b MessageBroker) *Handler {
	return &Handler{broker: b}
}

func (h *Handler) Handle(ctx context.Context, event store.InboxEvent) error {
	if err := h.broker.Publish(ctx, &event); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.EventID, err)
	}
	return nil
}

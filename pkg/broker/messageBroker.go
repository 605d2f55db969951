package broker

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/mokk-dev/food-integrator/pkg/store"
)

// MessageBroker defines the operations to publish inbox events downstream.
type MessageBroker interface {
	// Publish sends the event payload with its metadata as headers.
	Publish(ctx context.Context, event *store.InboxEvent) error
	// Close cleans up any resources (connections).
	Close() error
}

// messageHeaders carries the event identity and the current trace context so
// consumers can deduplicate and continue the trace.
func messageHeaders(ctx context.Context, event *store.InboxEvent) map[string]string {
	headers := map[string]string{
		"event_id":   event.EventID,
		"event_type": event.EventType,
		"order_id":   strconv.FormatInt(event.OrderID, 10),
	}
	if event.OrderStatus != "" {
		headers["order_status"] = event.OrderStatus
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

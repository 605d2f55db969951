package broker

import (
	"context"
	"strconv"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mokk-dev/food-integrator/pkg/config"
	"github.com/mokk-dev/food-integrator/pkg/store"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}

	topic := client.Topic(settings.Topic)
	// events of one order keep their relative order
	topic.EnableMessageOrdering = true

	return &pubSubBroker{client: client, topic: topic}, nil
}

type pubSubBroker struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func (p *pubSubBroker) Publish(ctx context.Context, event *store.InboxEvent) error {
	ctx, span := otel.Tracer("food-integrator").Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(p.topic.ID()),
			semconv.MessagingMessageIDKey.String(event.EventID),
		),
	)
	defer span.End()

	message := &pubsub.Message{
		Data:        event.Payload,
		Attributes:  messageHeaders(ctx, event),
		OrderingKey: strconv.FormatInt(event.OrderID, 10),
	}

	res := p.topic.Publish(ctx, message)
	serverID, err := res.Get(ctx) // wait for server ack
	if err != nil {
		// a failed ordering key is paused until resumed
		p.topic.ResumePublish(message.OrderingKey)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(
		attribute.String("messaging.pubsub.server_id", serverID),
		attribute.Int("messaging.message_payload_size_bytes", len(event.Payload)),
	)

	return nil
}

func (p *pubSubBroker) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

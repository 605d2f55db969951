package broker

import (
	"context"
	"fmt"

	"github.com/mokk-dev/food-integrator/pkg/config"
)

func NewBroker(ctx context.Context, cfg *config.BrokerSettings) (MessageBroker, error) {
	switch cfg.Type {
	case "rabbitmq":
		b, err := NewRabbitMqBroker(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		return b, nil
	case "gcp-pubsub":
		b, err := NewPubSubClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}

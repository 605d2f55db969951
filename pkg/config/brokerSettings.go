package config

// BrokerSettings holds configuration for the downstream message broker.
// An empty Type disables publishing.
type BrokerSettings struct {
	Type      string `mapstructure:"type" validate:"omitempty,oneof=rabbitmq gcp-pubsub"`
	URL       string `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange  string `mapstructure:"exchange" validate:"required_if=Type rabbitmq"`
	Topic     string `mapstructure:"topic" validate:"required_if=Type gcp-pubsub"`
	ProjectID string `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // Optional for brokers like GCP Pub/Sub
	PoolSize  int    `mapstructure:"pool_size" validate:"gte=0"`                        // Optional for RabbitMQ
}

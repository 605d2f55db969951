package config

import "time"

const (
	DefaultLockTTL      = 60 * time.Second
	DefaultProcessedTTL = 24 * time.Hour
)

// IngestionSettings tunes the deduplication markers written on submit.
type IngestionSettings struct {
	LockTTL      time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	ProcessedTTL time.Duration `mapstructure:"processed_ttl" validate:"gt=0"`
}

// WorkerSettings tunes the inbox batch worker.
type WorkerSettings struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gt=0"`
}

// HTTPSettings configures the webhook entrypoint.
type HTTPSettings struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	WebhookToken    string        `mapstructure:"webhook_token" validate:"required_if=Enabled true"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

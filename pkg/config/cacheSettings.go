package config

import "time"

// CacheSettings holds configuration for the Redis deduplication cache.
type CacheSettings struct {
	URL            string        `mapstructure:"url" validate:"omitempty,url"`
	SocketTimeout  time.Duration `mapstructure:"socket_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RetryOnTimeout bool          `mapstructure:"retry_on_timeout"`
}

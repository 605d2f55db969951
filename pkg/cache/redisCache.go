package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mokk-dev/food-integrator/pkg/config"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const markerValue = "1"

type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to the Redis instance named by cfg.URL and checks it
// answers before returning.
func NewRedisCache(ctx context.Context, cfg config.CacheSettings) (*RedisCache, error) {
	if cfg.URL == "" {
		return nil, errors.New("cache url is required")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid cache url: %w", err)
	}
	if cfg.ConnectTimeout > 0 {
		opts.DialTimeout = cfg.ConnectTimeout
	}
	if cfg.SocketTimeout > 0 {
		opts.ReadTimeout = cfg.SocketTimeout
		opts.WriteTimeout = cfg.SocketTimeout
	}
	if !cfg.RetryOnTimeout {
		opts.MaxRetries = -1
	}

	c := NewRedisCacheFromClient(redis.NewClient(opts))
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to reach cache: %w", err)
	}

	log.Printf("Connected to Redis at %s", opts.Addr)
	return c, nil
}

func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := r.trace(ctx, "CacheExists", key, func(ctx context.Context) error {
		n, err := r.client.Exists(ctx, key).Result()
		found = n > 0
		return err
	})
	return found, err
}

func (r *RedisCache) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var set bool
	err := r.trace(ctx, "CacheSetIfAbsent", key, func(ctx context.Context) error {
		var err error
		set, err = r.client.SetNX(ctx, key, markerValue, ttl).Result()
		return err
	})
	return set, err
}

func (r *RedisCache) Set(ctx context.Context, key string, ttl time.Duration) error {
	return r.trace(ctx, "CacheSet", key, func(ctx context.Context) error {
		return r.client.Set(ctx, key, markerValue, ttl).Err()
	})
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.trace(ctx, "CacheDelete", key, func(ctx context.Context) error {
		return r.client.Del(ctx, key).Err()
	})
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) trace(ctx context.Context, spanName, key string, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer("food-integrator").Start(ctx, spanName)
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("cache.key", key),
	)

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

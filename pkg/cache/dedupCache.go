package cache

import (
	"context"
	"time"
)

const (
	processedPrefix  = "webhook:processed:"
	processingPrefix = "webhook:processing:"
)

// DedupCache is the fast-path store for idempotency markers. Entries expire on
// their own; the durable inbox remains the source of truth.
type DedupCache interface {
	Exists(ctx context.Context, key string) (bool, error)
	// SetIfAbsent writes key only when it is missing and reports whether it did.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// ProcessedKey marks an event whose inbox row has been written.
func ProcessedKey(eventID string) string {
	return processedPrefix + eventID
}

// ProcessingKey is the short-lived lock held while an event is being ingested.
func ProcessingKey(eventID string) string {
	return processingPrefix + eventID
}

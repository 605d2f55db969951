package store

import (
	"context"
)

// InboxRepository defines the durable operations on inbox events.
type InboxRepository interface {
	// InsertIfAbsent stores a new pending event. It returns nil without error
	// when a row with the same event id already exists.
	InsertIfAbsent(ctx context.Context, event *InboxEvent) (*InboxEvent, error)
	// ClaimBatch reserves up to limit claimable events, oldest first, for the caller.
	// Concurrent callers never receive the same row while its claim lease is live.
	ClaimBatch(ctx context.Context, limit int, maxRetries int) ([]InboxEvent, error)
	// MarkProcessed moves a claimed event to processed and counts the attempt.
	// The last failure reason, if any, is kept.
	MarkProcessed(ctx context.Context, eventID string) error
	// MarkFailed moves a claimed event to failed, records errMsg and counts the attempt.
	MarkFailed(ctx context.Context, eventID string, errMsg string) error
	// ReleaseClaims drops the lease of claimed events that were never handled so
	// they can be claimed again right away. Status and attempts are unchanged.
	ReleaseClaims(ctx context.Context, eventIDs []string) error
	// Get returns a single event or ErrEventNotFound.
	Get(ctx context.Context, eventID string) (*InboxEvent, error)
	// Stats counts events per status.
	Stats(ctx context.Context, maxRetries int) (InboxStats, error)
	// Ping checks connectivity with the underlying store.
	Ping(ctx context.Context) error
	// Close releases the underlying connections.
	Close() error
}

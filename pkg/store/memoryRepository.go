package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process InboxRepository for local runs and tests.
// It follows the same claim and lease rules as the SQL stores.
type MemoryRepository struct {
	mu     sync.Mutex
	events map[string]*InboxEvent
	lease  time.Duration
	now    func() time.Time
}

func NewMemoryRepository(lease time.Duration) *MemoryRepository {
	if lease <= 0 {
		lease = defaultClaimLease
	}
	return &MemoryRepository{
		events: make(map[string]*InboxEvent),
		lease:  lease,
		now:    time.Now,
	}
}

func (r *MemoryRepository) InsertIfAbsent(ctx context.Context, event *InboxEvent) (*InboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.events[event.EventID]; ok {
		return nil, nil
	}

	stored := &InboxEvent{
		EventID:     event.EventID,
		OrderID:     event.OrderID,
		EventType:   event.EventType,
		OrderStatus: event.OrderStatus,
		Payload:     append([]byte(nil), event.Payload...),
		Status:      StatusPending,
		ReceivedAt:  r.now().UTC(),
	}
	r.events[stored.EventID] = stored

	copied := *stored
	return &copied, nil
}

func (r *MemoryRepository) ClaimBatch(ctx context.Context, limit int, maxRetries int) ([]InboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	candidates := make([]*InboxEvent, 0, len(r.events))
	for _, event := range r.events {
		if event.Claimable(now, maxRetries) {
			candidates = append(candidates, event)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ReceivedAt.Equal(candidates[j].ReceivedAt) {
			return candidates[i].EventID < candidates[j].EventID
		}
		return candidates[i].ReceivedAt.Before(candidates[j].ReceivedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:max(limit, 0)]
	}

	events := make([]InboxEvent, 0, len(candidates))
	for _, event := range candidates {
		event.ClaimedUntil = timePtr(now.Add(r.lease))
		events = append(events, *event)
	}
	return events, nil
}

func (r *MemoryRepository) ReleaseClaims(ctx context.Context, eventIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range eventIDs {
		if event, ok := r.events[id]; ok {
			event.ClaimedUntil = nil
		}
	}
	return nil
}

func (r *MemoryRepository) MarkProcessed(ctx context.Context, eventID string) error {
	return r.finish(ctx, eventID, StatusProcessed, nil)
}

func (r *MemoryRepository) MarkFailed(ctx context.Context, eventID string, errMsg string) error {
	return r.finish(ctx, eventID, StatusFailed, stringPtr(errMsg))
}

func (r *MemoryRepository) finish(ctx context.Context, eventID string, status Status, lastError *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	event, ok := r.events[eventID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	event.Status = status
	if lastError != nil {
		event.LastError = lastError
	}
	event.ProcessedAt = timePtr(r.now().UTC())
	event.ProcessingAttempts++
	event.ClaimedUntil = nil
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, eventID string) (*InboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	event, ok := r.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	copied := *event
	return &copied, nil
}

func (r *MemoryRepository) Stats(ctx context.Context, maxRetries int) (InboxStats, error) {
	if err := ctx.Err(); err != nil {
		return InboxStats{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var stats InboxStats
	for _, event := range r.events {
		switch event.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessed:
			stats.Processed++
		case StatusFailed:
			stats.Failed++
			if event.Exhausted(maxRetries) {
				stats.Exhausted++
			}
		}
	}
	return stats, nil
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemoryRepository) Close() error {
	return nil
}

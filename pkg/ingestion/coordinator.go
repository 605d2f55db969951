package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mokk-dev/food-integrator/pkg/cache"
	"github.com/mokk-dev/food-integrator/pkg/config"
	"github.com/mokk-dev/food-integrator/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Outcome is the result category of a submission.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeError     Outcome = "error"
)

var ErrMissingEventID = errors.New("event id is required")

// Event is a validated webhook ready to be recorded.
type Event struct {
	EventID     string
	OrderID     int64
	EventType   string
	OrderStatus string
	RawPayload  []byte
}

type Result struct {
	Outcome Outcome
	EventID string
	Message string
}

// Coordinator records each event id in the inbox at most once. The cache keeps
// the common duplicate path cheap; the inbox insert is what guarantees it.
type Coordinator struct {
	cache        cache.DedupCache
	repo         store.InboxRepository
	lockTTL      time.Duration
	processedTTL time.Duration
}

func NewCoordinator(c cache.DedupCache, repo store.InboxRepository, cfg config.IngestionSettings) *Coordinator {
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = config.DefaultLockTTL
	}
	processedTTL := cfg.ProcessedTTL
	if processedTTL <= 0 {
		processedTTL = config.DefaultProcessedTTL
	}
	return &Coordinator{
		cache:        c,
		repo:         repo,
		lockTTL:      lockTTL,
		processedTTL: processedTTL,
	}
}

// Submit records event unless its id was seen before. It never returns an error
// value; failures are reported through OutcomeError with a message.
func (c *Coordinator) Submit(ctx context.Context, event Event) Result {
	ctx, span := otel.Tracer("food-integrator").Start(ctx, "SubmitWebhookEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", event.EventID),
		attribute.String("event.type", event.EventType),
	)

	result := c.submit(ctx, event)

	span.SetAttributes(attribute.String("ingestion.outcome", string(result.Outcome)))
	if result.Outcome == OutcomeError {
		span.SetStatus(codes.Error, result.Message)
	}
	return result
}

func (c *Coordinator) submit(ctx context.Context, event Event) Result {
	if event.EventID == "" {
		return errorResult(event.EventID, ErrMissingEventID)
	}

	processedKey := cache.ProcessedKey(event.EventID)
	processingKey := cache.ProcessingKey(event.EventID)

	seen, err := c.cache.Exists(ctx, processedKey)
	if err != nil {
		return errorResult(event.EventID, fmt.Errorf("failed to check processed marker: %w", err))
	}
	if seen {
		return Result{Outcome: OutcomeDuplicate, EventID: event.EventID, Message: "event already processed"}
	}

	locked, err := c.cache.SetIfAbsent(ctx, processingKey, c.lockTTL)
	if err != nil {
		// the write may have landed before the error surfaced
		c.releaseLock(ctx, event.EventID)
		return errorResult(event.EventID, fmt.Errorf("failed to acquire processing lock: %w", err))
	}
	if !locked {
		return Result{Outcome: OutcomeDuplicate, EventID: event.EventID, Message: "event is being processed"}
	}

	stored, err := c.repo.InsertIfAbsent(ctx, &store.InboxEvent{
		EventID:     event.EventID,
		OrderID:     event.OrderID,
		EventType:   event.EventType,
		OrderStatus: event.OrderStatus,
		Payload:     event.RawPayload,
	})
	if err != nil {
		c.releaseLock(ctx, event.EventID)
		return errorResult(event.EventID, fmt.Errorf("failed to insert inbox event: %w", err))
	}
	if stored == nil {
		c.releaseLock(ctx, event.EventID)
		return Result{Outcome: OutcomeDuplicate, EventID: event.EventID, Message: "event already in inbox"}
	}

	if err := c.cache.Set(ctx, processedKey, c.processedTTL); err != nil {
		// the row is durable; a retry resolves to duplicate through the inbox conflict
		c.releaseLock(ctx, event.EventID)
		return errorResult(event.EventID, fmt.Errorf("failed to set processed marker: %w", err))
	}

	c.releaseLock(ctx, event.EventID)

	return Result{Outcome: OutcomeAccepted, EventID: event.EventID, Message: "event accepted for processing"}
}

// releaseLock deletes the processing lock. Failures are logged only: the lock
// expires on its own after lockTTL.
func (c *Coordinator) releaseLock(ctx context.Context, eventID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := c.cache.Delete(ctx, cache.ProcessingKey(eventID)); err != nil {
		log.Printf("Failed to release processing lock for event %s: %v", eventID, err)
	}
}

func errorResult(eventID string, err error) Result {
	log.Printf("Failed to ingest event %q: %v", eventID, err)
	return Result{Outcome: OutcomeError, EventID: eventID, Message: err.Error()}
}

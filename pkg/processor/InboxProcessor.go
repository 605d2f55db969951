package processor

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mokk-dev/food-integrator/pkg/config"
	"github.com/mokk-dev/food-integrator/pkg/store"
)

// State is the current phase of the worker loop.
type State int32

const (
	StateIdle State = iota
	StateClaiming
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClaiming:
		return "claiming"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// InboxProcessor claims pending inbox events in batches and runs them through a Handler.
type InboxProcessor struct {
	repo         store.InboxRepository
	handler      Handler
	tracer       trace.Tracer
	pollInterval time.Duration
	batchSize    int
	maxRetries   int

	state     atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64
}

// NewInboxProcessor creates a new instance of InboxProcessor. A nil handler
// falls back to NoopHandler.
func NewInboxProcessor(repo store.InboxRepository, handler Handler, cfg config.WorkerSettings) *InboxProcessor {
	if handler == nil {
		handler = NoopHandler{}
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &InboxProcessor{
		repo:         repo,
		handler:      handler,
		tracer:       otel.Tracer("food-integrator"),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		maxRetries:   maxRetries,
	}
}

func (p *InboxProcessor) State() State {
	return State(p.state.Load())
}

// Processed returns how many events this worker marked processed.
func (p *InboxProcessor) Processed() int64 {
	return p.processed.Load()
}

// Failed returns how many handler failures this worker recorded.
func (p *InboxProcessor) Failed() int64 {
	return p.failed.Load()
}

// Run polls the inbox until ctx is cancelled. A full or partial batch is
// followed by another claim right away; an empty batch or a claim error waits
// one poll interval.
func (p *InboxProcessor) Run(ctx context.Context) {
	log.Printf("Inbox worker started (interval: %s, batch: %d, max retries: %d)", p.pollInterval, p.batchSize, p.maxRetries)
	defer func() {
		log.Printf("Inbox worker stopped (processed: %d, failed: %d)", p.Processed(), p.Failed())
	}()

	for ctx.Err() == nil {
		handled, err := p.ProcessBatch(ctx)
		if err != nil {
			log.Printf("Inbox worker error: %v", err)
		} else if handled > 0 {
			log.Printf("Processed %d inbox events", handled)
			continue
		}

		timer := time.NewTimer(p.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ProcessBatch runs a single claim and handles the claimed events in order.
// Cancellation is checked between events only; rows left unhandled have their
// lease released so another worker can claim them immediately.
func (p *InboxProcessor) ProcessBatch(ctx context.Context) (int, error) {
	defer p.state.Store(int32(StateIdle))

	p.state.Store(int32(StateClaiming))
	events, err := p.repo.ClaimBatch(ctx, p.batchSize, p.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to claim inbox events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	p.state.Store(int32(StateRunning))
	handled := 0
	for _, event := range events {
		if ctx.Err() != nil {
			p.releaseUnhandled(ctx, events[handled:])
			break
		}
		p.processEvent(ctx, event)
		handled++
	}
	return handled, nil
}

func (p *InboxProcessor) releaseUnhandled(ctx context.Context, events []store.InboxEvent) {
	ids := make([]string, len(events))
	for i, event := range events {
		ids[i] = event.EventID
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := p.repo.ReleaseClaims(ctx, ids); err != nil {
		// the lease still expires on its own
		log.Printf("Failed to release %d claimed events on shutdown: %v", len(ids), err)
		return
	}
	log.Printf("Shutdown requested, released %d claimed events", len(ids))
}

func (p *InboxProcessor) processEvent(ctx context.Context, event store.InboxEvent) {
	// a started event always reaches its terminal update
	ctx = context.WithoutCancel(ctx)

	ctx, span := p.tracer.Start(ctx, "ProcessInboxEvent", trace.WithAttributes(
		attribute.String("event.id", event.EventID),
		attribute.Int64("event.order_id", event.OrderID),
		attribute.String("event.type", event.EventType),
		attribute.String("event.status", string(event.Status)),
		attribute.Int("event.processing_attempts", event.ProcessingAttempts),
		attribute.String("event.received_at", event.ReceivedAt.String()),
	))
	defer span.End()

	if err := p.handle(ctx, event); err != nil {
		log.Printf("Failed to process event %s: %v", event.EventID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if markErr := p.repo.MarkFailed(ctx, event.EventID, err.Error()); markErr != nil {
			log.Printf("Failed to mark event %s as failed: %v", event.EventID, markErr)
			return
		}
		p.failed.Add(1)

		if event.ProcessingAttempts+1 >= p.maxRetries {
			log.Printf("Event %s exhausted its %d attempts and will not be retried", event.EventID, p.maxRetries)
			span.SetAttributes(attribute.Bool("event.exhausted", true))
		}
		return
	}

	if err := p.repo.MarkProcessed(ctx, event.EventID); err != nil {
		log.Printf("Failed to mark event %s as processed: %v", event.EventID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	p.processed.Add(1)
}

func (p *InboxProcessor) handle(ctx context.Context, event store.InboxEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, event)
}

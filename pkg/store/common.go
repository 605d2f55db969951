package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	inboxTable        = "webhook_inbox"
	defaultClaimLease = 5 * time.Minute
	tracerName        = "food-integrator"

	systemPostgres = "postgresql"
	systemSpanner  = "spanner"
	systemMongo    = "mongodb"
	systemMemory   = "memory"
)

func addDBStatsToSpan(span trace.Span, system, statement string, eventsCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("eventsCount", eventsCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

// instrument runs fn inside a span named after the operation. fn reports how
// many rows it touched.
func instrument(ctx context.Context, system, spanName string, fn func(ctx context.Context) (int, error)) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()

	startTime := time.Now()
	count, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	addDBStatsToSpan(span, system, spanName, count, time.Since(startTime))
	return nil
}

func stringPtr(s string) *string {
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}

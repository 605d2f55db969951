package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	grpccodes "google.golang.org/grpc/codes"
)

var spannerColumns = []string{
	"event_id", "order_id", "event_type", "order_status", "payload", "status",
	"processing_attempts", "received_at", "processed_at", "last_error", "claimed_until",
}

// SpannerRepository keeps the inbox in a Cloud Spanner table with the same
// layout as the Postgres one. The payload column is STRING(MAX).
type SpannerRepository struct {
	client *spanner.Client
	lease  time.Duration
}

func NewSpannerRepository(client *spanner.Client, lease time.Duration) *SpannerRepository {
	if lease <= 0 {
		lease = defaultClaimLease
	}
	return &SpannerRepository{client: client, lease: lease}
}

func (s *SpannerRepository) InsertIfAbsent(ctx context.Context, event *InboxEvent) (*InboxEvent, error) {
	stored := InboxEvent{
		EventID:     event.EventID,
		OrderID:     event.OrderID,
		EventType:   event.EventType,
		OrderStatus: event.OrderStatus,
		Payload:     event.Payload,
		Status:      StatusPending,
		ReceivedAt:  time.Now().UTC(),
	}

	var conflict bool
	err := instrument(ctx, systemSpanner, "InsertIfAbsent", func(ctx context.Context) (int, error) {
		m := spanner.Insert(inboxTable,
			[]string{"event_id", "order_id", "event_type", "order_status", "payload", "status", "processing_attempts", "received_at"},
			[]interface{}{
				stored.EventID,
				stored.OrderID,
				stored.EventType,
				spanner.NullString{StringVal: stored.OrderStatus, Valid: stored.OrderStatus != ""},
				jsonPayload(stored.Payload),
				string(stored.Status),
				int64(0),
				stored.ReceivedAt,
			})
		_, err := s.client.Apply(ctx, []*spanner.Mutation{m})
		if spanner.ErrCode(err) == grpccodes.AlreadyExists {
			conflict = true
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil || conflict {
		return nil, err
	}
	return &stored, nil
}

func (s *SpannerRepository) ClaimBatch(ctx context.Context, limit int, maxRetries int) ([]InboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	var events []InboxEvent
	err := instrument(ctx, systemSpanner, "ClaimBatch", func(ctx context.Context) (int, error) {
		_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
			// the closure may be retried on abort
			events = nil

			iter := txn.Query(ctx, spanner.Statement{
				SQL: `SELECT event_id, order_id, event_type, order_status, payload, status,
                             processing_attempts, received_at, processed_at, last_error, claimed_until
                      FROM webhook_inbox
                      WHERE status IN (@statusPending, @statusFailed)
                        AND processing_attempts < @maxRetries
                        AND (claimed_until IS NULL OR claimed_until < CURRENT_TIMESTAMP())
                      ORDER BY received_at
                      LIMIT @limit`,
				Params: map[string]interface{}{
					"statusPending": string(StatusPending),
					"statusFailed":  string(StatusFailed),
					"maxRetries":    int64(maxRetries),
					"limit":         int64(limit),
				},
			})
			claimed, err := readSpannerEvents(iter)
			if err != nil {
				return err
			}
			if len(claimed) == 0 {
				return nil
			}

			ids := make([]string, len(claimed))
			for i, event := range claimed {
				ids[i] = event.EventID
			}
			if _, err := txn.Update(ctx, spanner.Statement{
				SQL: `UPDATE webhook_inbox
                      SET claimed_until = TIMESTAMP_ADD(CURRENT_TIMESTAMP(), INTERVAL @leaseMs MILLISECOND)
                      WHERE event_id IN UNNEST(@ids)`,
				Params: map[string]interface{}{
					"leaseMs": s.lease.Milliseconds(),
					"ids":     ids,
				},
			}); err != nil {
				return fmt.Errorf("failed to lease claimed events: %w", err)
			}

			events = claimed
			return nil
		})
		return len(events), err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *SpannerRepository) ReleaseClaims(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return instrument(ctx, systemSpanner, "ReleaseClaims", func(ctx context.Context) (int, error) {
		var affected int64
		_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
			var err error
			affected, err = txn.Update(ctx, spanner.Statement{
				SQL: `UPDATE webhook_inbox
                      SET claimed_until = NULL
                      WHERE event_id IN UNNEST(@ids)`,
				Params: map[string]interface{}{"ids": eventIDs},
			})
			return err
		})
		return int(affected), err
	})
}

func (s *SpannerRepository) MarkProcessed(ctx context.Context, eventID string) error {
	return s.finish(ctx, "MarkProcessed", eventID, StatusProcessed, spanner.NullString{})
}

func (s *SpannerRepository) MarkFailed(ctx context.Context, eventID string, errMsg string) error {
	return s.finish(ctx, "MarkFailed", eventID, StatusFailed, spanner.NullString{StringVal: errMsg, Valid: true})
}

func (s *SpannerRepository) finish(ctx context.Context, spanName, eventID string, status Status, lastError spanner.NullString) error {
	return instrument(ctx, systemSpanner, spanName, func(ctx context.Context) (int, error) {
		var affected int64
		_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
			var err error
			affected, err = txn.Update(ctx, spanner.Statement{
				SQL: `UPDATE webhook_inbox
                      SET status = @status,
                          last_error = COALESCE(@lastError, last_error),
                          processed_at = CURRENT_TIMESTAMP(),
                          processing_attempts = processing_attempts + 1,
                          claimed_until = NULL
                      WHERE event_id = @id`,
				Params: map[string]interface{}{
					"status":    string(status),
					"lastError": lastError,
					"id":        eventID,
				},
			})
			return err
		})
		if err != nil {
			return 0, err
		}
		if affected == 0 {
			return 0, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
		}
		return int(affected), nil
	})
}

func (s *SpannerRepository) Get(ctx context.Context, eventID string) (*InboxEvent, error) {
	var event *InboxEvent
	err := instrument(ctx, systemSpanner, "Get", func(ctx context.Context) (int, error) {
		row, err := s.client.Single().ReadRow(ctx, inboxTable, spanner.Key{eventID}, spannerColumns)
		if spanner.ErrCode(err) == grpccodes.NotFound {
			return 0, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
		}
		if err != nil {
			return 0, err
		}
		decoded, err := decodeSpannerEvent(row)
		if err != nil {
			return 0, err
		}
		event = &decoded
		return 1, nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (s *SpannerRepository) Stats(ctx context.Context, maxRetries int) (InboxStats, error) {
	var stats InboxStats
	err := instrument(ctx, systemSpanner, "Stats", func(ctx context.Context) (int, error) {
		ro := s.client.ReadOnlyTransaction()
		defer ro.Close()

		iter := ro.Query(ctx, spanner.Statement{
			SQL: `SELECT status, COUNT(*) FROM webhook_inbox GROUP BY status`,
		})
		err := iter.Do(func(row *spanner.Row) error {
			var (
				status string
				count  int64
			)
			if err := row.Columns(&status, &count); err != nil {
				return err
			}
			switch Status(status) {
			case StatusPending:
				stats.Pending = count
			case StatusProcessed:
				stats.Processed = count
			case StatusFailed:
				stats.Failed = count
			}
			return nil
		})
		if err != nil {
			return 0, err
		}

		iter = ro.Query(ctx, spanner.Statement{
			SQL: `SELECT COUNT(*) FROM webhook_inbox WHERE status = @statusFailed AND processing_attempts >= @maxRetries`,
			Params: map[string]interface{}{
				"statusFailed": string(StatusFailed),
				"maxRetries":   int64(maxRetries),
			},
		})
		err = iter.Do(func(row *spanner.Row) error {
			return row.Columns(&stats.Exhausted)
		})
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	return stats, err
}

func (s *SpannerRepository) Ping(ctx context.Context) error {
	iter := s.client.Single().Query(ctx, spanner.Statement{SQL: "SELECT 1"})
	defer iter.Stop()
	_, err := iter.Next()
	if err == iterator.Done {
		return nil
	}
	return err
}

func (s *SpannerRepository) Close() error {
	s.client.Close()
	return nil
}

func readSpannerEvents(iter *spanner.RowIterator) ([]InboxEvent, error) {
	defer iter.Stop()

	var events []InboxEvent
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		event, err := decodeSpannerEvent(row)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func decodeSpannerEvent(row *spanner.Row) (InboxEvent, error) {
	var (
		event        InboxEvent
		orderStatus  spanner.NullString
		payload      string
		status       string
		attempts     int64
		processedAt  spanner.NullTime
		lastError    spanner.NullString
		claimedUntil spanner.NullTime
	)
	if err := row.Columns(
		&event.EventID,
		&event.OrderID,
		&event.EventType,
		&orderStatus,
		&payload,
		&status,
		&attempts,
		&event.ReceivedAt,
		&processedAt,
		&lastError,
		&claimedUntil,
	); err != nil {
		return InboxEvent{}, err
	}

	event.OrderStatus = orderStatus.StringVal
	event.Payload = []byte(payload)
	event.Status = Status(status)
	event.ProcessingAttempts = int(attempts)
	if processedAt.Valid {
		event.ProcessedAt = timePtr(processedAt.Time)
	}
	if lastError.Valid {
		event.LastError = stringPtr(lastError.StringVal)
	}
	if claimedUntil.Valid {
		event.ClaimedUntil = timePtr(claimedUntil.Time)
	}
	return event, nil
}

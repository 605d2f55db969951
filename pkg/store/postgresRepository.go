package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const inboxColumns = `event_id, order_id, event_type, order_status, payload, status,
       processing_attempts, received_at, processed_at, last_error, claimed_until`

const (
	insertInboxEvent = `INSERT INTO webhook_inbox (event_id, order_id, event_type, order_status, payload, status, processing_attempts, received_at)
VALUES ($1, $2, $3, $4, $5, $6, 0, NOW())
ON CONFLICT (event_id) DO NOTHING
RETURNING ` + inboxColumns

	// Rows already locked by another claimant are skipped, and rows whose
	// lease is still live are filtered out, so concurrent claims never overlap.
	selectClaimable = `SELECT ` + inboxColumns + `
FROM webhook_inbox
WHERE status IN ($1, $2)
  AND processing_attempts < $3
  AND (claimed_until IS NULL OR claimed_until < NOW())
ORDER BY received_at ASC
LIMIT $4
FOR UPDATE SKIP LOCKED`

	leaseClaimed = `UPDATE webhook_inbox
SET claimed_until = NOW() + make_interval(secs => $1)
WHERE event_id = ANY($2)`

	releaseClaimed = `UPDATE webhook_inbox
SET claimed_until = NULL
WHERE event_id = ANY($1)`

	finishInboxEvent = `UPDATE webhook_inbox
SET status = $1,
    last_error = COALESCE($2, last_error),
    processed_at = NOW(),
    processing_attempts = processing_attempts + 1,
    claimed_until = NULL
WHERE event_id = $3`

	selectInboxEvent = `SELECT ` + inboxColumns + `
FROM webhook_inbox
WHERE event_id = $1`
)

type txKey struct{}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type PostgresRepository struct {
	db      *sql.DB // using database/sql
	lease   time.Duration
	builder sq.StatementBuilderType
}

func NewPostgresRepository(db *sql.DB, lease time.Duration) *PostgresRepository {
	if lease <= 0 {
		lease = defaultClaimLease
	}
	return &PostgresRepository{
		db:      db,
		lease:   lease,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (p *PostgresRepository) InsertIfAbsent(ctx context.Context, event *InboxEvent) (*InboxEvent, error) {
	var inserted *InboxEvent
	err := instrument(ctx, systemPostgres, "InsertIfAbsent", func(ctx context.Context) (int, error) {
		row := p.conn(ctx).QueryRowContext(ctx, insertInboxEvent,
			event.EventID,
			event.OrderID,
			event.EventType,
			nullString(event.OrderStatus),
			jsonPayload(event.Payload),
			StatusPending,
		)
		stored, err := scanInboxEvent(row)
		if errors.Is(err, sql.ErrNoRows) {
			// ON CONFLICT DO NOTHING returns no row: the event is already stored.
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		inserted = stored
		return 1, nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (p *PostgresRepository) ClaimBatch(ctx context.Context, limit int, maxRetries int) ([]InboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	return p.withTransaction(ctx, "ClaimBatch", func(ctx context.Context, tx *sql.Tx) ([]InboxEvent, error) {
		events, err := queryInboxEvents(ctx, tx, selectClaimable, StatusPending, StatusFailed, maxRetries, limit)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return events, nil
		}

		ids := make([]string, len(events))
		for i, event := range events {
			ids[i] = event.EventID
		}
		if _, err := tx.ExecContext(ctx, leaseClaimed, p.lease.Seconds(), pq.Array(ids)); err != nil {
			return nil, fmt.Errorf("failed to lease claimed events: %w", err)
		}

		return events, nil
	})
}

func (p *PostgresRepository) ReleaseClaims(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return instrument(ctx, systemPostgres, "ReleaseClaims", func(ctx context.Context) (int, error) {
		res, err := p.conn(ctx).ExecContext(ctx, releaseClaimed, pq.Array(eventIDs))
		if err != nil {
			return 0, err
		}
		affected, err := res.RowsAffected()
		return int(affected), err
	})
}

func (p *PostgresRepository) MarkProcessed(ctx context.Context, eventID string) error {
	return p.finish(ctx, "MarkProcessed", eventID, StatusProcessed, sql.NullString{})
}

func (p *PostgresRepository) MarkFailed(ctx context.Context, eventID string, errMsg string) error {
	return p.finish(ctx, "MarkFailed", eventID, StatusFailed, sql.NullString{String: errMsg, Valid: true})
}

func (p *PostgresRepository) finish(ctx context.Context, spanName, eventID string, status Status, lastError sql.NullString) error {
	return instrument(ctx, systemPostgres, spanName, func(ctx context.Context) (int, error) {
		res, err := p.conn(ctx).ExecContext(ctx, finishInboxEvent, status, lastError, eventID)
		if err != nil {
			return 0, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if affected == 0 {
			return 0, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
		}
		return int(affected), nil
	})
}

func (p *PostgresRepository) Get(ctx context.Context, eventID string) (*InboxEvent, error) {
	var event *InboxEvent
	err := instrument(ctx, systemPostgres, "Get", func(ctx context.Context) (int, error) {
		stored, err := scanInboxEvent(p.conn(ctx).QueryRowContext(ctx, selectInboxEvent, eventID))
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
		}
		if err != nil {
			return 0, err
		}
		event = stored
		return 1, nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (p *PostgresRepository) Stats(ctx context.Context, maxRetries int) (InboxStats, error) {
	var stats InboxStats
	err := instrument(ctx, systemPostgres, "Stats", func(ctx context.Context) (int, error) {
		query, args, err := p.builder.
			Select("status", "COUNT(*)").
			From(inboxTable).
			GroupBy("status").
			ToSql()
		if err != nil {
			return 0, err
		}

		rows, err := p.conn(ctx).QueryContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				status Status
				count  int64
			)
			if err := rows.Scan(&status, &count); err != nil {
				return 0, err
			}
			switch status {
			case StatusPending:
				stats.Pending = count
			case StatusProcessed:
				stats.Processed = count
			case StatusFailed:
				stats.Failed = count
			}
		}
		if err := rows.Err(); err != nil {
			return 0, err
		}

		query, args, err = p.builder.
			Select("COUNT(*)").
			From(inboxTable).
			Where(sq.And{
				sq.Eq{"status": StatusFailed},
				sq.GtOrEq{"processing_attempts": maxRetries},
			}).
			ToSql()
		if err != nil {
			return 0, err
		}
		if err := p.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&stats.Exhausted); err != nil {
			return 0, err
		}
		return 1, nil
	})
	return stats, err
}

func (p *PostgresRepository) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

func (p *PostgresRepository) conn(ctx context.Context) executor {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return p.db
}

func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) ([]InboxEvent, error)) (events []InboxEvent, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()

	startTime := time.Now()

	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	if !ok {
		tx, err = p.db.BeginTx(ctx, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
				return
			}
			if err = tx.Commit(); err != nil {
				span.RecordError(err)
				events = nil
			}
		}()
		ctx = context.WithValue(ctx, txKey{}, tx)
	}

	events, err = fn(ctx, tx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	addDBStatsToSpan(span, systemPostgres, spanName, len(events), time.Since(startTime))

	return events, nil
}

func queryInboxEvents(ctx context.Context, exec executor, query string, args ...any) ([]InboxEvent, error) {
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []InboxEvent
	for rows.Next() {
		event, err := scanInboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func scanInboxEvent(row rowScanner) (*InboxEvent, error) {
	var (
		event        InboxEvent
		orderStatus  sql.NullString
		processedAt  sql.NullTime
		lastError    sql.NullString
		claimedUntil sql.NullTime
	)
	if err := row.Scan(
		&event.EventID,
		&event.OrderID,
		&event.EventType,
		&orderStatus,
		&event.Payload,
		&event.Status,
		&event.ProcessingAttempts,
		&event.ReceivedAt,
		&processedAt,
		&lastError,
		&claimedUntil,
	); err != nil {
		return nil, err
	}

	event.OrderStatus = orderStatus.String
	if processedAt.Valid {
		event.ProcessedAt = timePtr(processedAt.Time)
	}
	if lastError.Valid {
		event.LastError = stringPtr(lastError.String)
	}
	if claimedUntil.Valid {
		event.ClaimedUntil = timePtr(claimedUntil.Time)
	}
	return &event, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// jsonPayload renders the raw payload for a JSONB parameter. lib/pq encodes
// []byte as bytea, so the payload goes over the wire as text.
func jsonPayload(payload []byte) string {
	if len(payload) == 0 {
		return "{}"
	}
	return string(payload)
}

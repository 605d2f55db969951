package store

import (
	"errors"
	"time"
)

// Status represents the processing status of an inbox event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// ErrEventNotFound is returned when no inbox row exists for an event id.
var ErrEventNotFound = errors.New("inbox event not found")

// InboxEvent represents a webhook event stored in the inbox table.
type InboxEvent struct {
	EventID            string     `json:"event_id" bson:"_id"`
	OrderID            int64      `json:"order_id" bson:"order_id"`
	EventType          string     `json:"event_type" bson:"event_type"`
	OrderStatus        string     `json:"order_status,omitempty" bson:"order_status,omitempty"`
	Payload            []byte     `json:"payload" bson:"payload"`
	Status             Status     `json:"status" bson:"status"`
	ProcessingAttempts int        `json:"processing_attempts" bson:"processing_attempts"`
	ReceivedAt         time.Time  `json:"received_at" bson:"received_at"`
	ProcessedAt        *time.Time `json:"processed_at,omitempty" bson:"processed_at,omitempty"`
	LastError          *string    `json:"last_error,omitempty" bson:"last_error,omitempty"`
	ClaimedUntil       *time.Time `json:"claimed_until,omitempty" bson:"claimed_until,omitempty"`
}

// Exhausted reports whether the event used up its attempts. Exhausted rows stay
// in the inbox with their last status but are never claimed again.
func (e InboxEvent) Exhausted(maxRetries int) bool {
	return e.ProcessingAttempts >= maxRetries
}

// Claimable reports whether a claim at now with the given retry bound may select the event.
func (e InboxEvent) Claimable(now time.Time, maxRetries int) bool {
	if e.Status != StatusPending && e.Status != StatusFailed {
		return false
	}
	if e.Exhausted(maxRetries) {
		return false
	}
	return e.ClaimedUntil == nil || e.ClaimedUntil.Before(now)
}

// InboxStats counts inbox rows per status. Exhausted is the subset of Failed
// rows that ran out of attempts.
type InboxStats struct {
	Pending   int64 `json:"pending"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Exhausted int64 `json:"exhausted"`
}

package model

import (
	"errors"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending         DeliveryStatus = "pending"
	DeliveryDelivered       DeliveryStatus = "delivered"
	DeliveryFailedRetryable DeliveryStatus = "failed_retryable"
	DeliveryRetrying        DeliveryStatus = "retrying"
	DeliveryFailedTerminal  DeliveryStatus = "failed_terminal"
)

var ErrInvalidTransition = errors.New("invalid delivery status transition")

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliveryDelivered, DeliveryFailedRetryable, DeliveryRetrying, DeliveryFailedTerminal:
		return true
	}
	return false
}

func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailedTerminal
}

// Rank orders statuses along the forward-only lifecycle. The SQL ledger uses
// it to refuse backward updates.
func (s DeliveryStatus) Rank() int {
	switch s {
	case DeliveryPending:
		return 0
	case DeliveryFailedRetryable:
		return 1
	case DeliveryRetrying:
		return 2
	case DeliveryDelivered, DeliveryFailedTerminal:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether a stored record may move from s to next.
// Re-writing a non-terminal status is allowed so upserts stay idempotent.
// Ranks never go down, matching the guard the SQL ledger applies.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	if s == next {
		return true
	}
	if next.Rank() < s.Rank() {
		return false
	}
	l, err := NewDeliveryLifecycle(s)
	if err != nil {
		return false
	}
	return l.MoveTo(next) == nil
}

// DeliveryRecord is the audit row of one delivery attempt.
type DeliveryRecord struct {
	ID                  string         `db:"id"                    json:"id"`
	EndpointID          string         `db:"endpoint_id"           json:"endpoint_id"`
	TenantID            string         `db:"tenant_id"             json:"tenant_id"`
	EventType           string         `db:"event_type"            json:"event_type"`
	EventID             string         `db:"event_id"              json:"event_id"`
	AttemptNumber       int            `db:"attempt_number"        json:"attempt_number"`
	Status              DeliveryStatus `db:"status"                json:"status"`
	HTTPStatusCode      *int           `db:"http_status_code"      json:"http_status_code,omitempty"`
	ResponseBodyExcerpt string         `db:"response_body_excerpt" json:"response_body_excerpt,omitempty"`
	LatencyMs           int64          `db:"latency_ms"            json:"latency_ms"`
	ErrorMessage        *string        `db:"error_message"         json:"error_message,omitempty"`
	NextRetryAt         *time.Time     `db:"next_retry_at"         json:"next_retry_at,omitempty"`
	Envelope            []byte         `db:"envelope"              json:"-"` // exact bytes sent on the wire
	LeaseUntil          *time.Time     `db:"lease_until"           json:"-"` // owner process keeps this in the future
	CreatedAt           time.Time      `db:"created_at"            json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"            json:"updated_at"`
}

// Key identifies the record within the ledger.
func (r DeliveryRecord) Key() DeliveryKey {
	return DeliveryKey{EndpointID: r.EndpointID, EventID: r.EventID, AttemptNumber: r.AttemptNumber}
}

type DeliveryKey struct {
	EndpointID    string
	EventID       string
	AttemptNumber int
}

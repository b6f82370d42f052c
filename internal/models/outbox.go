package models

import (
	"encoding/json"
	"time"
)

// OutboxEvent is one durable delivery row. session_id is the partition key:
// events of one session are dispatched in created_at order.
type OutboxEvent struct {
	ID        int64           `db:"id"`
	EventID   string          `db:"event_id"` // caller-assigned, unique
	SessionID string          `db:"session_id"`
	Channel   string          `db:"channel"`
	Payload   json.RawMessage `db:"payload"` // JSONB

	Status      string    `db:"status"` // pending, processing, delivered, failed, dead_letter, consumed
	Attempts    int       `db:"attempts"`
	MaxAttempts int       `db:"max_attempts"`
	LastError   *string   `db:"last_error"` // NULL until a failure
	NextRetryAt time.Time `db:"next_retry_at"`

	LockedBy *string    `db:"locked_by"` // advisory, cleared on terminal states
	LockedAt *time.Time `db:"locked_at"`

	CreatedAt   time.Time  `db:"created_at"`
	DeliveredAt *time.Time `db:"delivered_at"`
	ConsumedAt  *time.Time `db:"consumed_at"`
	ConsumedBy  *string    `db:"consumed_by"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

package models

import (
	"encoding/json"
	"time"
)

const DefaultChannel = "timeline"

// EventEnvelope is the structured payload stored in the outbox.
// SessionStream/GlobalStream override the dispatcher's key resolution.
type EventEnvelope struct {
	Type          string          `json:"type"`
	SessionStream string          `json:"session_stream,omitempty"`
	GlobalStream  string          `json:"global_stream,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// TimelineEvent is the normalized record both read surfaces (push and poll)
// emit to clients. Seq is the outbox row id, so cursors from either surface
// are interchangeable.
type TimelineEvent struct {
	Seq       int64           `json:"seq"`
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is a state delta waiting to be relayed to the push channel.
type OutboxEvent struct {
	ID           uuid.UUID       `json:"id"`
	SessionID    uuid.UUID       `json:"session_id"`
	StateVersion int64           `json:"state_version"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
	SentAt       *time.Time      `json:"sent_at,omitempty"`
	Attempts     int             `json:"attempts"`
	LastError    *string         `json:"last_error,omitempty"`
}

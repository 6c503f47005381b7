package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/stakechess/go/internal/match/clock"
	"github.com/mcdev12/stakechess/go/internal/models"
)

// Event types shared between the coordinator, the outbox relay and the gateway

// EventType names the transition that produced a delta
type EventType string

const (
	EventTypeSessionCreated  EventType = "session_created"
	EventTypePlayerJoined    EventType = "player_joined"
	EventTypeWagerSet        EventType = "wager_set"
	EventTypeTermsAccepted   EventType = "terms_accepted"
	EventTypeDepositLocked   EventType = "deposit_locked"
	EventTypeSessionStarted  EventType = "session_started"
	EventTypeMoveMade        EventType = "move_made"
	EventTypeDrawOffered     EventType = "draw_offered"
	EventTypeDrawDeclined    EventType = "draw_declined"
	EventTypeSessionFinished EventType = "session_finished"
	EventTypeSessionAborted  EventType = "session_aborted"
	EventTypeClockTick       EventType = "clock_tick"
)

// SessionView is the client-facing projection of a session.
type SessionView struct {
	Session  *models.MatchSession  `json:"session"`
	Proposal *models.WagerProposal `json:"proposal,omitempty"`
	Clock    clock.Snapshot        `json:"clock"`
}

// NewSessionView snapshots s with its clock computed at now.
func NewSessionView(s *models.MatchSession, p *models.WagerProposal, now time.Time) SessionView {
	v := SessionView{Session: s.Clone(), Clock: clock.Snap(s.Clock, now)}
	if p != nil {
		v.Proposal = p.Clone()
	}
	return v
}

// Delta is the payload of every outbox event.
type Delta struct {
	SessionID    uuid.UUID   `json:"session_id"`
	StateVersion int64       `json:"state_version"`
	Type         EventType   `json:"type"`
	Detail       string      `json:"detail,omitempty"` // last move, end reason, ...
	View         SessionView `json:"view"`
}

// Envelope is what travels over the push channel.
type Envelope struct {
	EventID      string          `json:"eventId"`
	EventType    EventType       `json:"eventType"`
	SessionID    string          `json:"sessionId"`
	StateVersion int64           `json:"stateVersion"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      json.RawMessage `json:"payload"`
}

// NewEnvelope wraps an outbox row for publishing.
func NewEnvelope(e models.OutboxEvent, now time.Time) Envelope {
	return Envelope{
		EventID:      e.ID.String(),
		EventType:    EventType(e.EventType),
		SessionID:    e.SessionID.String(),
		StateVersion: e.StateVersion,
		Timestamp:    now.UTC(),
		Payload:      e.Payload,
	}
}

// Delta decodes the envelope payload.
func (e Envelope) Delta() (*Delta, error) {
	var d Delta
	if err := json.Unmarshal(e.Payload, &d); err != nil {
		return nil, fmt.Errorf("decode delta %s: %w", e.EventID, err)
	}
	return &d, nil
}

// Stale reports whether a client that last saw lastSeen should drop this event.
// Clock ticks repeat the current version, so only older ticks are stale.
func (e Envelope) Stale(lastSeen int64) bool {
	if e.EventType == EventTypeClockTick {
		return e.StateVersion < lastSeen
	}
	return e.StateVersion <= lastSeen
}

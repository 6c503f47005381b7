// Package fanout turns session transitions into versioned deltas written to the
// outbox in the caller's transaction.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stakechess/go/internal/match/events"
	"github.com/mcdev12/stakechess/go/internal/models"
)

// Writer is satisfied by repository.Tx.
type Writer interface {
	InsertOutboxEvent(ctx context.Context, e *models.OutboxEvent) error
}

type Fanout struct {
	clock clockwork.Clock
}

func New(clock clockwork.Clock) *Fanout {
	return &Fanout{clock: clock}
}

// Publish records one delta for s at its current version.
func (f *Fanout) Publish(ctx context.Context, w Writer, kind events.EventType, s *models.MatchSession, p *models.WagerProposal, detail string) error {
	now := f.clock.Now()
	delta := events.Delta{
		SessionID:    s.ID,
		StateVersion: s.Version,
		Type:         kind,
		Detail:       detail,
		View:         events.NewSessionView(s, p, now),
	}
	payload, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("failed to marshal %s delta: %w", kind, err)
	}

	event := &models.OutboxEvent{
		ID:           uuid.New(),
		SessionID:    s.ID,
		StateVersion: s.Version,
		EventType:    string(kind),
		Payload:      payload,
		CreatedAt:    now,
	}
	if err := w.InsertOutboxEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to write %s delta: %w", kind, err)
	}

	log.Debug().
		Str("session_id", s.ID.String()).
		Str("event_type", string(kind)).
		Int64("state_version", s.Version).
		Msg("delta queued")
	return nil
}

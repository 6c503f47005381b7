package outbox

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/stakechess/go/internal/match/events"
	"github.com/mcdev12/stakechess/go/internal/models"
)

// LocalPublisher hands envelopes straight to an in-process sink. It is used
// when the relay and the gateway run in the same binary.
type LocalPublisher struct {
	sink  func(events.Envelope) error
	clock clockwork.Clock
}

func NewLocalPublisher(sink func(events.Envelope) error, clock clockwork.Clock) *LocalPublisher {
	return &LocalPublisher{sink: sink, clock: clock}
}

func (p *LocalPublisher) Publish(ctx context.Context, event models.OutboxEvent) error {
	if err := p.sink(events.NewEnvelope(event, p.clock.Now())); err != nil {
		return fmt.Errorf("local delivery of %s: %w", event.ID, err)
	}
	return nil
}

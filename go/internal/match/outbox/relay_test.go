package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/stakechess/go/internal/match"
	"github.com/mcdev12/stakechess/go/internal/match/events"
	"github.com/mcdev12/stakechess/go/internal/match/repository"
	"github.com/mcdev12/stakechess/go/internal/models"
	"github.com/mcdev12/stakechess/go/internal/rules/rulestest"
)

type recordingPublisher struct {
	mu        sync.Mutex
	failFirst int
	always    bool
	calls     int
	published []models.OutboxEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event models.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.always || p.calls <= p.failFirst {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, event)
	return nil
}

func (p *recordingPublisher) Published() []models.OutboxEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.OutboxEvent(nil), p.published...)
}

func testConfig() Config {
	return Config{PollInterval: 10 * time.Millisecond, BatchSize: 50, MaxRetries: 2, RetryDelay: time.Millisecond}
}

// seed plays a short no-stake game so the store holds a handful of deltas.
func seed(t *testing.T) (*repository.MemoryStore, uuid.UUID) {
	clock := clockwork.NewFakeClock()
	store := repository.NewMemoryStore(clock)
	coord := match.NewCoordinator(store, rulestest.New(), clock, match.DefaultPolicy())
	ctx := context.Background()

	white, black := uuid.New(), uuid.New()
	view, err := coord.CreateSession(ctx, white, match.CreateSessionRequest{Opponent: &black})
	require.NoError(t, err)
	id := view.Session.ID
	_, err = coord.SetWager(ctx, white, match.SetWagerRequest{SessionID: id, Type: models.WagerTypeNone})
	require.NoError(t, err)
	_, err = coord.SubmitMove(ctx, white, match.MoveRequest{SessionID: id, Move: "e2e4"})
	require.NoError(t, err)
	_, err = coord.Resign(ctx, black, match.SessionRequest{SessionID: id})
	require.NoError(t, err)
	return store, id
}

func TestProcessBatch_PublishesInOrder(t *testing.T) {
	store, id := seed(t)
	pub := &recordingPublisher{}
	counters := NewCounters()
	relay := NewRelay(store, pub, clockwork.NewRealClock(), testConfig(), counters)

	sent, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sent)

	published := pub.Published()
	require.Len(t, published, 4)
	for i, e := range published {
		assert.Equal(t, id, e.SessionID)
		assert.Equal(t, int64(i+1), e.StateVersion)
	}
	assert.Equal(t, string(events.EventTypeSessionFinished), published[3].EventType)

	for _, e := range store.Outbox() {
		assert.NotNil(t, e.SentAt)
	}
	sent, err = relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)

	snap := counters.Snapshot()
	assert.Equal(t, uint64(4), snap.Published)
	assert.Equal(t, uint64(1), snap.ByType[string(events.EventTypeMoveMade)])
}

func TestProcessBatch_RetriesThenSucceeds(t *testing.T) {
	store, _ := seed(t)
	pub := &recordingPublisher{failFirst: 2}
	counters := NewCounters()
	relay := NewRelay(store, pub, clockwork.NewRealClock(), testConfig(), counters)

	sent, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sent)
	// attempts two and three of the first event
	assert.Equal(t, uint64(2), counters.Snapshot().Retries)
}

func TestProcessBatch_RecordsFailure(t *testing.T) {
	store, _ := seed(t)
	pub := &recordingPublisher{always: true}
	relay := NewRelay(store, pub, clockwork.NewRealClock(), testConfig(), nil)

	sent, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Equal(t, 4*3, pub.calls)

	for _, e := range store.Outbox() {
		assert.Nil(t, e.SentAt)
		assert.Equal(t, 1, e.Attempts)
		require.NotNil(t, e.LastError)
		assert.Contains(t, *e.LastError, "broker unavailable")
	}
}

func TestHandle_SkipsSentEvents(t *testing.T) {
	store, _ := seed(t)
	pub := &recordingPublisher{}
	relay := NewRelay(store, pub, clockwork.NewRealClock(), testConfig(), nil)
	first := store.Outbox()[0]

	require.NoError(t, relay.Handle(context.Background(), first.ID))
	require.NoError(t, relay.Handle(context.Background(), first.ID))
	require.NoError(t, relay.Handle(context.Background(), uuid.New()))
	assert.Len(t, pub.Published(), 1)
}

func TestLocalPublisher(t *testing.T) {
	store, id := seed(t)
	var got []events.Envelope
	pub := NewLocalPublisher(func(env events.Envelope) error {
		got = append(got, env)
		return nil
	}, clockwork.NewFakeClock())
	relay := NewRelay(store, pub, clockwork.NewRealClock(), testConfig(), nil)

	_, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, id.String(), got[0].SessionID)
	assert.Equal(t, events.EventTypeSessionCreated, got[0].EventType)

	delta, err := got[3].Delta()
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFinished, delta.View.Session.Status)
}

func TestRelay_StartStop(t *testing.T) {
	store, _ := seed(t)
	pub := &recordingPublisher{}
	relay := NewRelay(store, pub, clockwork.NewRealClock(), testConfig(), nil)

	require.NoError(t, relay.Start(context.Background()))
	assert.Error(t, relay.Start(context.Background()))
	assert.True(t, relay.Running())

	assert.Eventually(t, func() bool { return len(pub.Published()) == 4 }, time.Second, 5*time.Millisecond)

	require.NoError(t, relay.Stop())
	assert.False(t, relay.Running())
	assert.Error(t, relay.Stop())
}

package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/stakechess/go/internal/match"
	"github.com/mcdev12/stakechess/go/internal/match/repository"
	"github.com/mcdev12/stakechess/go/internal/models"
	"github.com/mcdev12/stakechess/go/internal/rules/rulestest"
)

type fixture struct {
	ctx   context.Context
	clock *clockwork.FakeClock
	store *repository.MemoryStore
	coord *match.Coordinator
}

func newFixture() *fixture {
	fc := clockwork.NewFakeClock()
	store := repository.NewMemoryStore(fc)
	policy := match.DefaultPolicy()
	policy.DefaultTimeControl = models.TimeControl{InitialMs: 60_000}
	return &fixture{
		ctx:   context.Background(),
		clock: fc,
		store: store,
		coord: match.NewCoordinator(store, rulestest.New(), fc, policy),
	}
}

// session creates a paired session; staked ones stop at pending_wager_acceptance.
func (f *fixture) session(t *testing.T, staked bool) uuid.UUID {
	white, black := uuid.New(), uuid.New()
	view, err := f.coord.CreateSession(f.ctx, white, match.CreateSessionRequest{Opponent: &black})
	require.NoError(t, err)
	id := view.Session.ID

	req := match.SetWagerRequest{SessionID: id, Type: models.WagerTypeNone}
	if staked {
		req = match.SetWagerRequest{SessionID: id, Type: models.WagerTypeStaked, Amount: decimal.NewFromInt(10)}
	}
	_, err = f.coord.SetWager(f.ctx, white, req)
	require.NoError(t, err)
	return id
}

// status reads the stored session without applying any pending timeout.
func (f *fixture) status(t *testing.T, id uuid.UUID) models.SessionStatus {
	var status models.SessionStatus
	err := f.store.InTx(f.ctx, func(tx repository.Tx) error {
		s, err := tx.GetSession(f.ctx, id)
		if err != nil {
			return err
		}
		status = s.Status
		return nil
	})
	require.NoError(t, err)
	return status
}

func TestRunOnce(t *testing.T) {
	f := newFixture()
	overtime := f.session(t, false)
	setup := f.session(t, true)
	f.clock.Advance(61 * time.Second)
	live := f.session(t, false)

	s := New(f.coord, f.store, f.clock, DefaultConfig())
	stats, err := s.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Flagged: 1, Ticks: 1}, stats)
	assert.Equal(t, models.SessionStatusFinished, f.status(t, overtime))
	assert.Equal(t, models.SessionStatusActive, f.status(t, live))
	assert.Equal(t, models.SessionStatusPendingWagerAcceptance, f.status(t, setup))

	// broadcast is not due again yet
	stats, err = s.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	f.clock.Advance(5 * time.Minute)
	stats, err = s.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Expired: 1, Flagged: 1}, stats)
	assert.Equal(t, models.SessionStatusAborted, f.status(t, setup))
	assert.Equal(t, models.SessionStatusFinished, f.status(t, live))
}

func TestRunOnce_TickKeepsVersion(t *testing.T) {
	f := newFixture()
	id := f.session(t, false)
	before, err := f.coord.GetSnapshot(f.ctx, uuid.Nil, id)
	require.NoError(t, err)

	s := New(f.coord, f.store, f.clock, DefaultConfig())
	stats, err := s.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ticks)

	after, err := f.coord.GetSnapshot(f.ctx, uuid.Nil, id)
	require.NoError(t, err)
	assert.Equal(t, before.Session.Version, after.Session.Version)
}

func TestEnqueue_Dedupes(t *testing.T) {
	f := newFixture()
	s := New(f.coord, f.store, f.clock, Config{Workers: 1, BatchSize: 10})
	id := uuid.New()

	assert.True(t, s.enqueue(task{kind: taskFlag, id: id}))
	assert.False(t, s.enqueue(task{kind: taskTick, id: id}))

	<-s.workCh
	s.release(id)
	assert.True(t, s.enqueue(task{kind: taskTick, id: id}))
}

func TestRun_FlagsInBackground(t *testing.T) {
	f := newFixture()
	id := f.session(t, false)
	f.clock.Advance(2 * time.Minute)

	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	s := New(f.coord, f.store, f.clock, cfg)

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return f.status(t, id) == models.SessionStatusFinished
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

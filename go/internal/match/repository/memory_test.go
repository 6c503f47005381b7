package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/stakechess/go/internal/models"
)

func newSession(now time.Time) *models.MatchSession {
	return &models.MatchSession{
		ID:        uuid.New(),
		WhiteID:   uuid.New(),
		Status:    models.SessionStatusOpen,
		Moves:     []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStore_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	store := NewMemoryStore(fc)
	s := newSession(fc.Now())
	key := models.WalletKey{UserID: s.WhiteID, Currency: "USD"}

	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertSession(ctx, s))
		wallets, err := tx.LockWallets(ctx, key)
		require.NoError(t, err)
		w := wallets[key]
		w.Available = decimal.NewFromInt(50)
		require.NoError(t, tx.UpdateWallet(ctx, w))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = store.InTx(ctx, func(tx Tx) error {
		_, err := tx.GetSession(ctx, s.ID)
		return err
	})
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, store.Wallet(key).IsZero())
}

func TestMemoryStore_CommitAndReadBack(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	store := NewMemoryStore(fc)
	s := newSession(fc.Now())

	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		return tx.InsertSession(ctx, s)
	}))

	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		got, err := tx.GetSession(ctx, s.ID)
		require.NoError(t, err)
		got.Status = models.SessionStatusPendingWagerSetup
		got.Moves = append(got.Moves, "e2e4")
		return tx.UpdateSession(ctx, got)
	}))

	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		got, err := tx.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusPendingWagerSetup, got.Status)
		assert.Equal(t, []string{"e2e4"}, got.Moves)
		return nil
	}))

	err := store.InTx(ctx, func(tx Tx) error { return tx.InsertSession(ctx, s) })
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStore_LockWalletsSerializesOverlappingTx(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(clockwork.NewRealClock())
	a := models.WalletKey{UserID: uuid.New(), Currency: "USD"}
	b := models.WalletKey{UserID: uuid.New(), Currency: "USD"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		// alternate the requested order; locks are still taken ascending
		keys := []models.WalletKey{a, b}
		if i%2 == 1 {
			keys = []models.WalletKey{b, a}
		}
		go func() {
			defer wg.Done()
			err := store.InTx(ctx, func(tx Tx) error {
				wallets, err := tx.LockWallets(ctx, keys...)
				if err != nil {
					return err
				}
				for _, w := range wallets {
					w.Available = w.Available.Add(decimal.NewFromInt(1))
					if err := tx.UpdateWallet(ctx, w); err != nil {
						return err
					}
				}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.True(t, store.Wallet(a).Equal(decimal.NewFromInt(50)))
	assert.True(t, store.Wallet(b).Equal(decimal.NewFromInt(50)))
}

func TestMemoryStore_UpdateWalletRequiresLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(clockwork.NewFakeClock())
	err := store.InTx(ctx, func(tx Tx) error {
		return tx.UpdateWallet(ctx, &models.WalletAccount{UserID: uuid.New(), Currency: "USD"})
	})
	require.Error(t, err)
}

func TestMemoryStore_Outbox(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	store := NewMemoryStore(fc)
	sessionID := uuid.New()

	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		for v := int64(1); v <= 3; v++ {
			if err := tx.InsertOutboxEvent(ctx, &models.OutboxEvent{
				ID: uuid.New(), SessionID: sessionID, StateVersion: v, EventType: "session_created",
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	unsent, err := store.FetchUnsentOutbox(ctx, 2)
	require.NoError(t, err)
	require.Len(t, unsent, 2)
	assert.Equal(t, int64(1), unsent[0].StateVersion)

	require.NoError(t, store.MarkOutboxSent(ctx, unsent[0].ID))
	_, err = store.FetchOutboxByID(ctx, unsent[0].ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.MarkOutboxFailed(ctx, unsent[1].ID, "nats down"))
	ev, err := store.FetchOutboxByID(ctx, unsent[1].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Attempts)

	unsent, err = store.FetchUnsentOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, unsent, 2)
}

func TestMemoryStore_ListExpiredSetups(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	store := NewMemoryStore(fc)

	expired := newSession(fc.Now())
	past := fc.Now().Add(-time.Second)
	expired.Status = models.SessionStatusPendingDeposits
	expired.ExpiresAt = &past

	fresh := newSession(fc.Now())
	future := fc.Now().Add(time.Minute)
	fresh.Status = models.SessionStatusPendingWagerSetup
	fresh.ExpiresAt = &future

	done := newSession(fc.Now())
	done.Status = models.SessionStatusAborted
	done.ExpiresAt = &past

	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		for _, s := range []*models.MatchSession{expired, fresh, done} {
			if err := tx.InsertSession(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}))

	ids, err := store.ListExpiredSetups(ctx, fc.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{expired.ID}, ids)
}

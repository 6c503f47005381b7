package escrow

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/stakechess/go/internal/match/repository"
	"github.com/mcdev12/stakechess/go/internal/models"
)

type fixture struct {
	ctx     context.Context
	store   *repository.MemoryStore
	ledger  *Ledger
	session *models.MatchSession
	p       *models.WagerProposal
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T, stake string, fund string) *fixture {
	t.Helper()
	fc := clockwork.NewFakeClock()
	f := &fixture{
		ctx:    context.Background(),
		store:  repository.NewMemoryStore(fc),
		ledger: NewLedger(fc),
	}
	black := uuid.New()
	f.session = &models.MatchSession{
		ID:      uuid.New(),
		WhiteID: uuid.New(),
		BlackID: &black,
		Status:  models.SessionStatusPendingDeposits,
		Moves:   []string{},
	}
	f.p = &models.WagerProposal{
		ID:         uuid.New(),
		SessionID:  f.session.ID,
		Type:       models.WagerTypeStaked,
		Stake:      dec(stake),
		Currency:   "USD",
		FeePct:     dec("0.10"),
		DrawFeePct: dec("0.05"),
		Accepted:   models.SideFlags{White: true, Black: true},
		Deposits:   models.SideDeposits{White: models.DepositUnlocked, Black: models.DepositUnlocked},
		Status:     models.ProposalStatusAccepted,
	}

	f.tx(t, func(tx repository.Tx) error {
		if err := tx.InsertSession(f.ctx, f.session); err != nil {
			return err
		}
		if err := tx.InsertProposal(f.ctx, f.p); err != nil {
			return err
		}
		if fund == "" {
			return nil
		}
		for _, key := range []models.WalletKey{f.key(models.SideWhite), f.key(models.SideBlack)} {
			if _, err := f.ledger.Fund(f.ctx, tx, key, dec(fund)); err != nil {
				return err
			}
		}
		return nil
	})
	return f
}

func (f *fixture) key(side models.Side) models.WalletKey {
	user, _ := f.session.Participant(side)
	return models.WalletKey{UserID: user, Currency: "USD"}
}

func (f *fixture) balance(side models.Side) decimal.Decimal {
	return f.store.Wallet(f.key(side))
}

func (f *fixture) tx(t *testing.T, fn func(tx repository.Tx) error) {
	t.Helper()
	require.NoError(t, f.store.InTx(f.ctx, fn))
}

func (f *fixture) lockBoth(t *testing.T) {
	t.Helper()
	for _, side := range []models.Side{models.SideWhite, models.SideBlack} {
		f.tx(t, func(tx repository.Tx) error { return f.ledger.Lock(f.ctx, tx, f.session, f.p, side) })
	}
}

func (f *fixture) finish(result models.Result) {
	f.session.Status = models.SessionStatusFinished
	f.session.Result = &result
}

func (f *fixture) sessionEntries() []models.LedgerEntry {
	var out []models.LedgerEntry
	for _, e := range f.store.Entries() {
		if e.SessionID != nil && *e.SessionID == f.session.ID {
			out = append(out, e)
		}
	}
	return out
}

// debits out of the two wallets equal credits back plus fees collected.
func assertConserved(t *testing.T, entries []models.LedgerEntry) {
	t.Helper()
	debits, credits, fees := decimal.Zero, decimal.Zero, decimal.Zero
	for _, e := range entries {
		switch {
		case e.Kind == models.EntryKindFee:
			fees = fees.Add(e.Amount)
		case e.Direction == models.DirectionDebit:
			debits = debits.Add(e.Amount)
		default:
			credits = credits.Add(e.Amount)
		}
	}
	assert.True(t, debits.Equal(credits.Add(fees)), "debits %s credits %s fees %s", debits, credits, fees)
}

func TestSettle_DecisiveResult(t *testing.T) {
	f := newFixture(t, "100", "100")
	f.lockBoth(t)
	assert.Equal(t, models.ProposalStatusDeposited, f.p.Status)
	assert.True(t, f.balance(models.SideWhite).IsZero())

	f.finish(models.ResultWhiteWins)
	f.tx(t, func(tx repository.Tx) error { return f.ledger.Settle(f.ctx, tx, f.session, f.p) })

	assert.True(t, f.balance(models.SideWhite).Equal(dec("180")), f.balance(models.SideWhite).String())
	assert.True(t, f.balance(models.SideBlack).IsZero())
	assert.Equal(t, models.ProposalStatusSettled, f.p.Status)

	var payouts, fees int
	for _, e := range f.sessionEntries() {
		switch e.Kind {
		case models.EntryKindPayout:
			payouts++
		case models.EntryKindFee:
			fees++
			assert.Nil(t, e.UserID)
			assert.True(t, e.Amount.Equal(dec("20")))
		}
	}
	assert.Equal(t, 1, payouts)
	assert.Equal(t, 1, fees)
	assertConserved(t, f.sessionEntries())
}

func TestSettle_Draw(t *testing.T) {
	f := newFixture(t, "100", "100")
	f.lockBoth(t)
	f.finish(models.ResultDraw)
	f.tx(t, func(tx repository.Tx) error { return f.ledger.Settle(f.ctx, tx, f.session, f.p) })

	assert.True(t, f.balance(models.SideWhite).Equal(dec("95")))
	assert.True(t, f.balance(models.SideBlack).Equal(dec("95")))
	assertConserved(t, f.sessionEntries())
}

func TestSettle_Idempotent(t *testing.T) {
	f := newFixture(t, "100", "100")
	f.lockBoth(t)
	f.finish(models.ResultBlackWins)
	f.tx(t, func(tx repository.Tx) error { return f.ledger.Settle(f.ctx, tx, f.session, f.p) })
	n := len(f.store.Entries())

	err := f.store.InTx(f.ctx, func(tx repository.Tx) error { return f.ledger.Settle(f.ctx, tx, f.session, f.p) })
	require.ErrorIs(t, err, ErrAlreadySettled)
	assert.Len(t, f.store.Entries(), n)
	assert.True(t, f.balance(models.SideBlack).Equal(dec("180")))
}

func TestSettle_RequiresBothLocks(t *testing.T) {
	f := newFixture(t, "100", "100")
	f.tx(t, func(tx repository.Tx) error { return f.ledger.Lock(f.ctx, tx, f.session, f.p, models.SideWhite) })
	f.finish(models.ResultWhiteWins)

	err := f.store.InTx(f.ctx, func(tx repository.Tx) error { return f.ledger.Settle(f.ctx, tx, f.session, f.p) })
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSettle_FeeTruncatesToCents(t *testing.T) {
	f := newFixture(t, "0.33", "1")
	f.lockBoth(t)
	f.finish(models.ResultWhiteWins)
	f.tx(t, func(tx repository.Tx) error { return f.ledger.Settle(f.ctx, tx, f.session, f.p) })

	// pot 0.66, fee 0.066 truncated to 0.06
	assert.True(t, f.balance(models.SideWhite).Equal(dec("1.27")), f.balance(models.SideWhite).String())
	assertConserved(t, f.sessionEntries())
}

func TestSettle_NoStakeWritesNothing(t *testing.T) {
	f := newFixture(t, "0", "")
	f.p.Type = models.WagerTypeNone
	f.finish(models.ResultDraw)

	f.tx(t, func(tx repository.Tx) error { return f.ledger.Settle(f.ctx, tx, f.session, f.p) })
	assert.Equal(t, models.ProposalStatusSettled, f.p.Status)
	assert.Empty(t, f.store.Entries())
}

func TestLock_NoDoubleLock(t *testing.T) {
	f := newFixture(t, "100", "300")
	f.tx(t, func(tx repository.Tx) error { return f.ledger.Lock(f.ctx, tx, f.session, f.p, models.SideWhite) })

	err := f.store.InTx(f.ctx, func(tx repository.Tx) error {
		return f.ledger.Lock(f.ctx, tx, f.session, f.p, models.SideWhite)
	})
	require.ErrorIs(t, err, ErrAlreadyLocked)
	assert.True(t, f.balance(models.SideWhite).Equal(dec("200")))

	var locks int
	for _, e := range f.sessionEntries() {
		if e.Kind == models.EntryKindLock {
			locks++
		}
	}
	assert.Equal(t, 1, locks)
}

func TestLock_InsufficientFundsLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, "100", "99.99")

	err := f.store.InTx(f.ctx, func(tx repository.Tx) error {
		return f.ledger.Lock(f.ctx, tx, f.session, f.p, models.SideBlack)
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, models.DepositUnlocked, f.p.Deposits.Black)
	assert.True(t, f.balance(models.SideBlack).Equal(dec("99.99")))
	assert.Empty(t, f.sessionEntries())
}

func TestLock_RequiresAcceptance(t *testing.T) {
	f := newFixture(t, "100", "100")
	f.p.Status = models.ProposalStatusProposed
	f.p.Accepted.Black = false

	err := f.store.InTx(f.ctx, func(tx repository.Tx) error {
		return f.ledger.Lock(f.ctx, tx, f.session, f.p, models.SideWhite)
	})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCancel(t *testing.T) {
	t.Run("nothing locked", func(t *testing.T) {
		f := newFixture(t, "100", "100")
		var refunds int
		f.tx(t, func(tx repository.Tx) error {
			var err error
			refunds, err = f.ledger.Cancel(f.ctx, tx, f.session, f.p)
			return err
		})
		assert.Equal(t, 0, refunds)
		assert.Equal(t, models.ProposalStatusCancelled, f.p.Status)
		assert.Empty(t, f.sessionEntries())
	})

	t.Run("one side locked", func(t *testing.T) {
		f := newFixture(t, "100", "100")
		f.tx(t, func(tx repository.Tx) error { return f.ledger.Lock(f.ctx, tx, f.session, f.p, models.SideBlack) })

		var refunds int
		f.tx(t, func(tx repository.Tx) error {
			var err error
			refunds, err = f.ledger.Cancel(f.ctx, tx, f.session, f.p)
			return err
		})
		assert.Equal(t, 1, refunds)
		assert.Equal(t, models.DepositUnlocked, f.p.Deposits.Black)
		assert.True(t, f.balance(models.SideBlack).Equal(dec("100")))
		assertConserved(t, f.sessionEntries())
	})

	t.Run("settled proposal", func(t *testing.T) {
		f := newFixture(t, "100", "100")
		f.p.Status = models.ProposalStatusSettled
		err := f.store.InTx(f.ctx, func(tx repository.Tx) error {
			_, err := f.ledger.Cancel(f.ctx, tx, f.session, f.p)
			return err
		})
		require.ErrorIs(t, err, ErrAlreadySettled)
	})
}

func TestConservationAcrossSequences(t *testing.T) {
	results := []models.Result{models.ResultWhiteWins, models.ResultBlackWins, models.ResultDraw}
	for _, stake := range []string{"1", "17.35", "100", "250.01"} {
		for _, r := range results {
			f := newFixture(t, stake, "500")
			f.lockBoth(t)
			f.finish(r)
			f.tx(t, func(tx repository.Tx) error { return f.ledger.Settle(f.ctx, tx, f.session, f.p) })
			assertConserved(t, f.sessionEntries())

			total := f.balance(models.SideWhite).Add(f.balance(models.SideBlack))
			fee := ComputePayout(f.p, r).Fee
			assert.True(t, total.Add(fee).Equal(dec("1000")), "stake %s result %s", stake, r)
		}
	}
}

func TestFundWithdrawAndAudit(t *testing.T) {
	f := newFixture(t, "100", "200")
	key := f.key(models.SideWhite)

	err := f.store.InTx(f.ctx, func(tx repository.Tx) error {
		_, err := f.ledger.Withdraw(f.ctx, tx, key, dec("200.01"))
		return err
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	err = f.store.InTx(f.ctx, func(tx repository.Tx) error {
		_, err := f.ledger.Fund(f.ctx, tx, key, dec("-5"))
		return err
	})
	require.ErrorIs(t, err, ErrInvalidAmount)

	f.tx(t, func(tx repository.Tx) error {
		_, err := f.ledger.Withdraw(f.ctx, tx, key, dec("40"))
		return err
	})
	f.lockBoth(t)
	f.finish(models.ResultWhiteWins)
	f.tx(t, func(tx repository.Tx) error { return f.ledger.Settle(f.ctx, tx, f.session, f.p) })

	var report *AuditReport
	f.tx(t, func(tx repository.Tx) error {
		var err error
		report, err = f.ledger.Audit(f.ctx, tx, key)
		return err
	})
	assert.True(t, report.Consistent)
	assert.True(t, report.Stored.Equal(dec("240")), report.Stored.String())
	assert.Equal(t, 4, report.Entries)
}

// Package escrow moves money between wallets and wager proposals. Every operation
// runs inside the caller's transaction, takes wallet locks in key order and
// checks conservation before returning.
package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/stakechess/go/internal/match/repository"
	"github.com/mcdev12/stakechess/go/internal/models"
)

// Precision is the number of decimal places amounts are kept at. Fees truncate to it.
const Precision = 2

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidState      = errors.New("invalid escrow state")
	ErrAlreadyLocked     = errors.New("deposit already locked")
	ErrAlreadySettled    = errors.New("proposal already settled")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvariantViolated = errors.New("ledger conservation violated")
)

// Tx is the part of a repository transaction the ledger touches.
type Tx interface {
	LockWallets(ctx context.Context, keys ...models.WalletKey) (map[models.WalletKey]*models.WalletAccount, error)
	UpdateWallet(ctx context.Context, w *models.WalletAccount) error
	AppendEntries(ctx context.Context, entries ...models.LedgerEntry) error
	ListEntries(ctx context.Context, f repository.EntryFilter) ([]models.LedgerEntry, error)
	UpdateProposal(ctx context.Context, p *models.WagerProposal) error
}

type Ledger struct {
	clock clockwork.Clock
}

func NewLedger(clock clockwork.Clock) *Ledger {
	return &Ledger{clock: clock}
}

// Payout describes how a settlement distributes the pot.
type Payout struct {
	Pot     decimal.Decimal
	Fee     decimal.Decimal
	Credits map[models.Side]decimal.Decimal
}

// ComputePayout applies the fee schedule to a staked proposal and result.
func ComputePayout(p *models.WagerProposal, result models.Result) Payout {
	pot := p.Stake.Mul(decimal.NewFromInt(2))
	out := Payout{Pot: pot, Credits: make(map[models.Side]decimal.Decimal, 2)}

	if winner, ok := result.Winner(); ok {
		out.Fee = pot.Mul(p.FeePct).Truncate(Precision)
		out.Credits[winner] = pot.Sub(out.Fee)
		return out
	}

	perSide := pot.Mul(p.DrawFeePct).Div(decimal.NewFromInt(2)).Truncate(Precision)
	out.Fee = perSide.Mul(decimal.NewFromInt(2))
	out.Credits[models.SideWhite] = p.Stake.Sub(perSide)
	out.Credits[models.SideBlack] = p.Stake.Sub(perSide)
	return out
}

// Lock escrows the stake for side. The proposal moves to deposited once both
// sides are locked.
func (l *Ledger) Lock(ctx context.Context, tx Tx, session *models.MatchSession, p *models.WagerProposal, side models.Side) error {
	user, ok := session.Participant(side)
	if !ok {
		return fmt.Errorf("%w: no participant for %s", ErrInvalidState, side)
	}
	if p.Deposits.Get(side) == models.DepositLocked {
		return ErrAlreadyLocked
	}
	if !p.Staked() || p.Status != models.ProposalStatusAccepted || !p.Accepted.Both() {
		return fmt.Errorf("%w: cannot lock proposal in status %s", ErrInvalidState, p.Status)
	}

	wallets, err := tx.LockWallets(ctx, l.keys(session, p)...)
	if err != nil {
		return err
	}
	before := holdings(wallets, p)

	key := models.WalletKey{UserID: user, Currency: p.Currency}
	w := wallets[key]
	if w.Available.LessThan(p.Stake) {
		return fmt.Errorf("%w: available %s, stake %s", ErrInsufficientFunds, w.Available, p.Stake)
	}

	now := l.clock.Now()
	w.Available = w.Available.Sub(p.Stake)
	w.UpdatedAt = now
	p.Deposits.Set(side, models.DepositLocked)
	if p.Deposits.BothLocked() {
		p.Status = models.ProposalStatusDeposited
	}
	p.UpdatedAt = now

	if err := checkConservation(before, holdings(wallets, p), decimal.Zero, decimal.Zero); err != nil {
		return err
	}
	if err := tx.UpdateWallet(ctx, w); err != nil {
		return err
	}
	if err := tx.AppendEntries(ctx, l.entry(&user, p, models.EntryKindLock, models.DirectionDebit, p.Stake)); err != nil {
		return err
	}
	if err := tx.UpdateProposal(ctx, p); err != nil {
		return err
	}

	log.Info().
		Str("session_id", session.ID.String()).
		Str("side", string(side)).
		Str("stake", p.Stake.String()).
		Msg("stake locked")
	return nil
}

// Settle distributes the pot according to session.Result. Settling twice returns
// ErrAlreadySettled and writes nothing.
func (l *Ledger) Settle(ctx context.Context, tx Tx, session *models.MatchSession, p *models.WagerProposal) error {
	if p.Status == models.ProposalStatusSettled {
		return ErrAlreadySettled
	}
	if session.Result == nil {
		return fmt.Errorf("%w: session has no result", ErrInvalidState)
	}

	now := l.clock.Now()
	if !p.Staked() {
		p.Status = models.ProposalStatusSettled
		p.SettledAt = &now
		p.UpdatedAt = now
		return tx.UpdateProposal(ctx, p)
	}
	if p.Status != models.ProposalStatusDeposited || !p.Deposits.BothLocked() {
		return fmt.Errorf("%w: cannot settle proposal in status %s", ErrInvalidState, p.Status)
	}

	wallets, err := tx.LockWallets(ctx, l.keys(session, p)...)
	if err != nil {
		return err
	}
	before := holdings(wallets, p)

	payout := ComputePayout(p, *session.Result)
	var entries []models.LedgerEntry
	for _, side := range []models.Side{models.SideWhite, models.SideBlack} {
		amount, ok := payout.Credits[side]
		if !ok || !amount.IsPositive() {
			continue
		}
		user, _ := session.Participant(side)
		w := wallets[models.WalletKey{UserID: user, Currency: p.Currency}]
		w.Available = w.Available.Add(amount)
		w.UpdatedAt = now
		entries = append(entries, l.entry(&user, p, models.EntryKindPayout, models.DirectionCredit, amount))
	}
	if payout.Fee.IsPositive() {
		entries = append(entries, l.entry(nil, p, models.EntryKindFee, models.DirectionCredit, payout.Fee))
	}

	p.Status = models.ProposalStatusSettled
	p.SettledAt = &now
	p.UpdatedAt = now

	maxFee := payout.Pot.Mul(p.FeePct)
	if err := checkConservation(before, holdings(wallets, p), payout.Fee, maxFee); err != nil {
		return err
	}
	for _, w := range wallets {
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
	}
	if err := tx.AppendEntries(ctx, entries...); err != nil {
		return err
	}
	if err := tx.UpdateProposal(ctx, p); err != nil {
		return err
	}

	log.Info().
		Str("session_id", session.ID.String()).
		Str("result", string(*session.Result)).
		Str("pot", payout.Pot.String()).
		Str("fee", payout.Fee.String()).
		Msg("proposal settled")
	return nil
}

// Cancel refunds every locked side in full and marks the proposal cancelled.
// It returns the number of refunds written.
func (l *Ledger) Cancel(ctx context.Context, tx Tx, session *models.MatchSession, p *models.WagerProposal) (int, error) {
	switch p.Status {
	case models.ProposalStatusSettled:
		return 0, ErrAlreadySettled
	case models.ProposalStatusCancelled:
		return 0, nil
	}

	now := l.clock.Now()
	var locked []models.Side
	for _, side := range []models.Side{models.SideWhite, models.SideBlack} {
		if p.Deposits.Get(side) == models.DepositLocked {
			locked = append(locked, side)
		}
	}

	if len(locked) == 0 {
		p.Status = models.ProposalStatusCancelled
		p.UpdatedAt = now
		return 0, tx.UpdateProposal(ctx, p)
	}

	wallets, err := tx.LockWallets(ctx, l.keys(session, p)...)
	if err != nil {
		return 0, err
	}
	before := holdings(wallets, p)

	var entries []models.LedgerEntry
	for _, side := range locked {
		user, _ := session.Participant(side)
		w := wallets[models.WalletKey{UserID: user, Currency: p.Currency}]
		w.Available = w.Available.Add(p.Stake)
		w.UpdatedAt = now
		p.Deposits.Set(side, models.DepositUnlocked)
		entries = append(entries, l.entry(&user, p, models.EntryKindRefund, models.DirectionCredit, p.Stake))
	}
	p.Status = models.ProposalStatusCancelled
	p.UpdatedAt = now

	if err := checkConservation(before, holdings(wallets, p), decimal.Zero, decimal.Zero); err != nil {
		return 0, err
	}
	for _, w := range wallets {
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return 0, err
		}
	}
	if err := tx.AppendEntries(ctx, entries...); err != nil {
		return 0, err
	}
	if err := tx.UpdateProposal(ctx, p); err != nil {
		return 0, err
	}

	log.Info().
		Str("session_id", session.ID.String()).
		Int("refunds", len(entries)).
		Msg("proposal cancelled")
	return len(entries), nil
}

// Fund credits a wallet from the external funding source.
func (l *Ledger) Fund(ctx context.Context, tx Tx, key models.WalletKey, amount decimal.Decimal) (*models.WalletAccount, error) {
	return l.fund(ctx, tx, key, amount, models.EntryKindFundingCredit)
}

// Withdraw debits a wallet back to the external funding source.
func (l *Ledger) Withdraw(ctx context.Context, tx Tx, key models.WalletKey, amount decimal.Decimal) (*models.WalletAccount, error) {
	return l.fund(ctx, tx, key, amount, models.EntryKindFundingDebit)
}

func (l *Ledger) fund(ctx context.Context, tx Tx, key models.WalletKey, amount decimal.Decimal, kind models.EntryKind) (*models.WalletAccount, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	amount = amount.Truncate(Precision)
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}

	wallets, err := tx.LockWallets(ctx, key)
	if err != nil {
		return nil, err
	}
	w := wallets[key]

	dir := models.DirectionCredit
	if kind == models.EntryKindFundingDebit {
		if w.Available.LessThan(amount) {
			return nil, fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, w.Available, amount)
		}
		dir = models.DirectionDebit
		w.Available = w.Available.Sub(amount)
	} else {
		w.Available = w.Available.Add(amount)
	}
	w.UpdatedAt = l.clock.Now()

	if err := tx.UpdateWallet(ctx, w); err != nil {
		return nil, err
	}
	entry := l.entry(&key.UserID, nil, kind, dir, amount)
	entry.Currency = key.Currency
	if err := tx.AppendEntries(ctx, entry); err != nil {
		return nil, err
	}
	return w, nil
}

// AuditReport compares a stored balance with the one rebuilt from the ledger.
type AuditReport struct {
	Key        models.WalletKey `json:"key"`
	Stored     decimal.Decimal  `json:"stored"`
	Derived    decimal.Decimal  `json:"derived"`
	Entries    int              `json:"entries"`
	Consistent bool             `json:"consistent"`
}

// Audit rebuilds the available balance of key from its ledger entries.
func (l *Ledger) Audit(ctx context.Context, tx Tx, key models.WalletKey) (*AuditReport, error) {
	wallets, err := tx.LockWallets(ctx, key)
	if err != nil {
		return nil, err
	}
	entries, err := tx.ListEntries(ctx, repository.EntryFilter{UserID: &key.UserID, Currency: key.Currency})
	if err != nil {
		return nil, err
	}

	derived := decimal.Zero
	for _, e := range entries {
		derived = derived.Add(e.Signed())
	}
	stored := wallets[key].Available
	return &AuditReport{
		Key:        key,
		Stored:     stored,
		Derived:    derived,
		Entries:    len(entries),
		Consistent: stored.Equal(derived),
	}, nil
}

func (l *Ledger) keys(session *models.MatchSession, p *models.WagerProposal) []models.WalletKey {
	keys := []models.WalletKey{{UserID: session.WhiteID, Currency: p.Currency}}
	if session.BlackID != nil {
		keys = append(keys, models.WalletKey{UserID: *session.BlackID, Currency: p.Currency})
	}
	return keys
}

func (l *Ledger) entry(user *uuid.UUID, p *models.WagerProposal, kind models.EntryKind, dir models.Direction, amount decimal.Decimal) models.LedgerEntry {
	e := models.LedgerEntry{
		ID:        uuid.New(),
		UserID:    user,
		Kind:      kind,
		Direction: dir,
		Amount:    amount,
		CreatedAt: l.clock.Now(),
	}
	if p != nil {
		proposalID, sessionID := p.ID, p.SessionID
		e.Currency = p.Currency
		e.ProposalID = &proposalID
		e.SessionID = &sessionID
	}
	return e
}

// escrowed is what the proposal still holds on behalf of its two sides.
func escrowed(p *models.WagerProposal) decimal.Decimal {
	if p.Status == models.ProposalStatusSettled || p.Status == models.ProposalStatusCancelled {
		return decimal.Zero
	}
	n := int64(0)
	if p.Deposits.White == models.DepositLocked {
		n++
	}
	if p.Deposits.Black == models.DepositLocked {
		n++
	}
	return p.Stake.Mul(decimal.NewFromInt(n))
}

func holdings(wallets map[models.WalletKey]*models.WalletAccount, p *models.WagerProposal) decimal.Decimal {
	total := escrowed(p)
	for _, w := range wallets {
		total = total.Add(w.Available)
	}
	return total
}

// checkConservation requires before == after + fees and fees <= maxFee.
func checkConservation(before, after, fees, maxFee decimal.Decimal) error {
	if !before.Equal(after.Add(fees)) {
		return fmt.Errorf("%w: before %s, after %s, fees %s", ErrInvariantViolated, before, after, fees)
	}
	if fees.GreaterThan(maxFee) {
		return fmt.Errorf("%w: fee %s exceeds %s", ErrInvariantViolated, fees, maxFee)
	}
	return nil
}

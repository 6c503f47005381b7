// Package match coordinates the lifecycle of staked chess matches: setup,
// escrow, play and settlement. Every operation on a session is linearized by a
// per-session lock and runs in a single repository transaction.
package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/stakechess/go/internal/match/adjudicator"
	"github.com/mcdev12/stakechess/go/internal/match/clock"
	"github.com/mcdev12/stakechess/go/internal/match/escrow"
	"github.com/mcdev12/stakechess/go/internal/match/events"
	"github.com/mcdev12/stakechess/go/internal/match/fanout"
	"github.com/mcdev12/stakechess/go/internal/match/repository"
	"github.com/mcdev12/stakechess/go/internal/models"
	"github.com/mcdev12/stakechess/go/internal/rules"
)

// TerminalObserver is called after a session reaches finished or aborted.
type TerminalObserver func(ctx context.Context, view events.SessionView)

// Coordinator owns every state transition of every session.
type Coordinator struct {
	store    repository.Store
	ledger   *escrow.Ledger
	judge    *adjudicator.Adjudicator
	fanout   *fanout.Fanout
	clock    clockwork.Clock
	policy   Policy
	locks    *sessionLocks
	validate *validator.Validate

	observers []TerminalObserver
}

func NewCoordinator(store repository.Store, engine rules.Engine, clk clockwork.Clock, policy Policy) *Coordinator {
	return &Coordinator{
		store:    store,
		ledger:   escrow.NewLedger(clk),
		judge:    adjudicator.New(engine),
		fanout:   fanout.New(clk),
		clock:    clk,
		policy:   policy,
		locks:    newSessionLocks(),
		validate: validator.New(),
	}
}

// Observe registers fn to run after every terminal transition commits.
func (c *Coordinator) Observe(fn TerminalObserver) {
	c.observers = append(c.observers, fn)
}

func (c *Coordinator) Policy() Policy {
	return c.policy
}

// op is the working state of one serialized operation.
type op struct {
	c        *Coordinator
	ctx      context.Context
	tx       repository.Tx
	now      time.Time
	session  *models.MatchSession
	proposal *models.WagerProposal

	ended    bool
	rejected error
}

func (o *op) side(user uuid.UUID) (models.Side, error) {
	side, ok := o.session.SideOf(user)
	if !ok {
		return "", fmt.Errorf("%w: user %s in session %s", ErrNotAParticipant, user, o.session.ID)
	}
	return side, nil
}

// advance validates and applies a status change. Entering a pre-active state
// starts its expiry window.
func (o *op) advance(to models.SessionStatus) error {
	if err := validateTransition(o.session.Status, to); err != nil {
		return err
	}
	if o.session.Status != to {
		o.session.ExpiresAt = o.c.expiry(to, o.now)
	}
	o.session.Status = to
	return nil
}

// emit bumps the version, persists the session and queues one delta.
func (o *op) emit(kind events.EventType, detail string) error {
	o.session.Version++
	o.session.UpdatedAt = o.now
	if err := o.tx.UpdateSession(o.ctx, o.session); err != nil {
		return err
	}
	if err := o.c.fanout.Publish(o.ctx, o.tx, kind, o.session, o.proposal, detail); err != nil {
		return err
	}

	log.Info().
		Str("session_id", o.session.ID.String()).
		Str("event_type", string(kind)).
		Str("status", string(o.session.Status)).
		Int64("state_version", o.session.Version).
		Msg("session transition")
	return nil
}

// start moves the session to active and starts the clock.
func (o *op) start() error {
	if err := o.advance(models.SessionStatusActive); err != nil {
		return err
	}
	o.session.Clock = clock.Start(o.session.TimeControl, o.now)
	o.session.StartedAt = &o.now
	return o.emit(events.EventTypeSessionStarted, "")
}

// finish records the verdict, freezes the clock and settles the wager.
func (o *op) finish(v *adjudicator.Verdict) error {
	if err := o.advance(models.SessionStatusFinished); err != nil {
		return err
	}
	result, reason := v.Result, v.Reason
	o.session.Result = &result
	o.session.EndReason = &reason
	o.session.Clock = clock.Freeze(o.session.Clock, o.now)
	o.session.DrawOffers = models.DrawOffers{}
	o.session.FinishedAt = &o.now

	if o.proposal != nil {
		err := o.c.ledger.Settle(o.ctx, o.tx, o.session, o.proposal)
		if err != nil && !errors.Is(err, escrow.ErrAlreadySettled) {
			return fmt.Errorf("failed to settle session %s: %w", o.session.ID, err)
		}
	}
	o.ended = true
	return o.emit(events.EventTypeSessionFinished, string(reason))
}

// abort ends a session that never started and refunds any locked stake.
func (o *op) abort(reason models.EndReason) error {
	if err := o.advance(models.SessionStatusAborted); err != nil {
		return err
	}
	o.session.EndReason = &reason
	o.session.FinishedAt = &o.now

	if o.proposal != nil {
		refunds, err := o.c.ledger.Cancel(o.ctx, o.tx, o.session, o.proposal)
		if err != nil {
			return fmt.Errorf("failed to cancel wager for session %s: %w", o.session.ID, err)
		}
		log.Info().
			Str("session_id", o.session.ID.String()).
			Int("refunds", refunds).
			Msg("wager cancelled")
	}
	o.ended = true
	return o.emit(events.EventTypeSessionAborted, string(reason))
}

// flagIfExpired applies a pending loss on time. The caller's own request is then
// rejected but the timeout still commits.
func (o *op) flagIfExpired() (bool, error) {
	v, flagged := o.c.judge.Timeout(o.session, o.now)
	if !flagged {
		return false, nil
	}
	if err := o.finish(v); err != nil {
		return false, err
	}
	o.rejected = fmt.Errorf("%w: clock expired before the request arrived", ErrInvalidTransition)
	return true, nil
}

// expiry is the deadline for a session entering status at now. Sessions waiting
// for an opponent get OpenTimeout, the wager setup states get SetupTimeout.
func (c *Coordinator) expiry(status models.SessionStatus, now time.Time) *time.Time {
	var window time.Duration
	switch {
	case status == models.SessionStatusOpen:
		window = c.policy.OpenTimeout
	case status.PreActive():
		window = c.policy.SetupTimeout
	default:
		return nil
	}
	exp := now.Add(window)
	return &exp
}

// mutate runs fn under the session lock inside one transaction. Observers run
// after the lock is released.
func (c *Coordinator) mutate(ctx context.Context, id uuid.UUID, expected int64, fn func(o *op) error) (*events.SessionView, error) {
	o, view, err := c.apply(ctx, id, expected, fn)
	if err != nil {
		return nil, translate(err)
	}
	if o.ended {
		c.notifyTerminal(ctx, view)
	}
	if o.rejected != nil {
		return nil, o.rejected
	}
	return &view, nil
}

func (c *Coordinator) apply(ctx context.Context, id uuid.UUID, expected int64, fn func(o *op) error) (*op, events.SessionView, error) {
	unlock := c.locks.lock(id)
	defer unlock()

	var (
		o    *op
		view events.SessionView
	)
	err := c.store.InTx(ctx, func(tx repository.Tx) error {
		s, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if expected > 0 && expected != s.Version {
			return fmt.Errorf("%w: expected %d, session %s is at %d", ErrStaleVersion, expected, id, s.Version)
		}
		p, err := tx.GetProposalBySession(ctx, id)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		o = &op{c: c, ctx: ctx, tx: tx, now: c.clock.Now(), session: s, proposal: p}
		if err := fn(o); err != nil {
			return err
		}
		view = events.NewSessionView(o.session, o.proposal, o.now)
		return nil
	})
	return o, view, err
}

func (c *Coordinator) notifyTerminal(ctx context.Context, view events.SessionView) {
	for _, fn := range c.observers {
		fn(ctx, view)
	}
}

func (c *Coordinator) check(req any) error {
	if err := c.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// CreateSession opens a session with creator as white and proposer.
func (c *Coordinator) CreateSession(ctx context.Context, creator uuid.UUID, req CreateSessionRequest) (*events.SessionView, error) {
	tc := c.policy.DefaultTimeControl
	if req.TimeControl != nil {
		tc = *req.TimeControl
	}
	if err := c.check(tc); err != nil {
		return nil, err
	}
	if creator == uuid.Nil {
		return nil, fmt.Errorf("%w: missing creator", ErrInvalidArgument)
	}
	if req.Opponent != nil && (*req.Opponent == creator || *req.Opponent == uuid.Nil) {
		return nil, fmt.Errorf("%w: opponent must be another user", ErrInvalidArgument)
	}

	now := c.clock.Now()
	s := &models.MatchSession{
		ID:           uuid.New(),
		WhiteID:      creator,
		ProposerSide: models.SideWhite,
		Status:       models.SessionStatusOpen,
		StartFEN:     rules.StandardFEN,
		FEN:          rules.StandardFEN,
		Moves:        []string{},
		TimeControl:  tc,
		Clock:        models.ClockState{WhiteMs: tc.InitialMs, BlackMs: tc.InitialMs},
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Opponent != nil {
		opponent := *req.Opponent
		s.BlackID = &opponent
		s.Status = models.SessionStatusPendingWagerSetup
	}
	s.ExpiresAt = c.expiry(s.Status, now)

	err := c.store.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.InsertSession(ctx, s); err != nil {
			return err
		}
		return c.fanout.Publish(ctx, tx, events.EventTypeSessionCreated, s, nil, "")
	})
	if err != nil {
		return nil, translate(err)
	}

	log.Info().
		Str("session_id", s.ID.String()).
		Str("creator", creator.String()).
		Str("status", string(s.Status)).
		Msg("session created")

	view := events.NewSessionView(s, nil, now)
	return &view, nil
}

// JoinSession seats user as black in an open session.
func (c *Coordinator) JoinSession(ctx context.Context, user uuid.UUID, req SessionRequest) (*events.SessionView, error) {
	if err := c.check(req); err != nil {
		return nil, err
	}
	return c.mutate(ctx, req.SessionID, req.ExpectedVersion, func(o *op) error {
		if o.session.Status != models.SessionStatusOpen {
			return fmt.Errorf("%w: session is %s", ErrInvalidTransition, o.session.Status)
		}
		if user == o.session.WhiteID {
			return fmt.Errorf("%w: cannot join your own session", ErrInvalidArgument)
		}
		if err := o.advance(models.SessionStatusPendingWagerSetup); err != nil {
			return err
		}
		o.session.BlackID = &user
		return o.emit(events.EventTypePlayerJoined, user.String())
	})
}

// SetWager records the proposer's wager. A no-stake wager starts the game at once.
func (c *Coordinator) SetWager(ctx context.Context, user uuid.UUID, req SetWagerRequest) (*events.SessionView, error) {
	if err := c.check(req); err != nil {
		return nil, err
	}
	currency := req.Currency
	if currency == "" {
		currency = c.policy.DefaultCurrency
	}
	if req.Type == models.WagerTypeStaked {
		if err := c.checkStake(req.Amount, currency); err != nil {
			return nil, err
		}
	}

	return c.mutate(ctx, req.SessionID, req.ExpectedVersion, func(o *op) error {
		side, err := o.side(user)
		if err != nil {
			return err
		}
		if side != o.session.ProposerSide {
			return ErrNotProposer
		}
		if o.session.Status != models.SessionStatusPendingWagerSetup || o.proposal != nil {
			return fmt.Errorf("%w: wager cannot be set while %s", ErrInvalidTransition, o.session.Status)
		}

		p := &models.WagerProposal{
			ID:         uuid.New(),
			SessionID:  o.session.ID,
			Type:       req.Type,
			Stake:      decimal.Zero,
			Currency:   currency,
			FeePct:     c.policy.FeePct,
			DrawFeePct: c.policy.DrawFeePct,
			Deposits:   models.SideDeposits{White: models.DepositUnlocked, Black: models.DepositUnlocked},
			CreatedAt:  o.now,
			UpdatedAt:  o.now,
		}

		if req.Type == models.WagerTypeNone {
			p.Accepted = models.SideFlags{White: true, Black: true}
			p.Status = models.ProposalStatusAccepted
			if err := o.tx.InsertProposal(o.ctx, p); err != nil {
				return err
			}
			o.proposal = p
			return o.start()
		}

		p.Stake = req.Amount
		p.Accepted.Set(side, true)
		p.Status = models.ProposalStatusProposed
		if err := o.tx.InsertProposal(o.ctx, p); err != nil {
			return err
		}
		o.proposal = p
		if err := o.advance(models.SessionStatusPendingWagerAcceptance); err != nil {
			return err
		}
		return o.emit(events.EventTypeWagerSet, p.Stake.String()+" "+p.Currency)
	})
}

func (c *Coordinator) checkStake(amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: stake must be positive", ErrInvalidArgument)
	}
	if !amount.Equal(amount.Truncate(escrow.Precision)) {
		return fmt.Errorf("%w: stake has more than %d decimal places", ErrInvalidArgument, escrow.Precision)
	}
	if amount.LessThan(c.policy.MinStake) || amount.GreaterThan(c.policy.MaxStake) {
		return fmt.Errorf("%w: stake must be between %s and %s", ErrInvalidArgument, c.policy.MinStake, c.policy.MaxStake)
	}
	if !c.policy.currencyAllowed(currency) {
		return fmt.Errorf("%w: currency %s not supported", ErrInvalidArgument, currency)
	}
	return nil
}

// AcceptTerms sets user's acceptance flag. The second flag moves the session to
// pending_deposits.
func (c *Coordinator) AcceptTerms(ctx context.Context, user uuid.UUID, req SessionRequest) (*events.SessionView, error) {
	if err := c.check(req); err != nil {
		return nil, err
	}
	return c.mutate(ctx, req.SessionID, req.ExpectedVersion, func(o *op) error {
		side, err := o.side(user)
		if err != nil {
			return err
		}
		if o.session.Status != models.SessionStatusPendingWagerAcceptance || o.proposal == nil {
			return fmt.Errorf("%w: terms cannot be accepted while %s", ErrInvalidTransition, o.session.Status)
		}
		if o.proposal.Accepted.Get(side) {
			return nil
		}

		o.proposal.Accepted.Set(side, true)
		o.proposal.UpdatedAt = o.now
		next := models.SessionStatusPendingWagerAcceptance
		if o.proposal.Accepted.Both() {
			o.proposal.Status = models.ProposalStatusAccepted
			next = models.SessionStatusPendingDeposits
		}
		if err := o.tx.UpdateProposal(o.ctx, o.proposal); err != nil {
			return err
		}
		if err := o.advance(next); err != nil {
			return err
		}
		return o.emit(events.EventTypeTermsAccepted, string(side))
	})
}

// Deposit locks user's stake. Repeating it is a no-op; the lock that completes
// the second side starts the game.
func (c *Coordinator) Deposit(ctx context.Context, user uuid.UUID, req SessionRequest) (*events.SessionView, error) {
	if err := c.check(req); err != nil {
		return nil, err
	}
	return c.mutate(ctx, req.SessionID, req.ExpectedVersion, func(o *op) error {
		side, err := o.side(user)
		if err != nil {
			return err
		}
		if o.proposal != nil && o.proposal.Deposits.Get(side) == models.DepositLocked {
			return nil
		}
		if o.session.Status != models.SessionStatusPendingDeposits || o.proposal == nil {
			return fmt.Errorf("%w: deposits are not open while %s", ErrInvalidTransition, o.session.Status)
		}

		err = o.c.ledger.Lock(o.ctx, o.tx, o.session, o.proposal, side)
		if errors.Is(err, escrow.ErrAlreadyLocked) {
			return nil
		}
		if err != nil {
			return err
		}

		if o.proposal.Deposits.BothLocked() {
			return o.start()
		}
		if err := o.advance(models.SessionStatusPendingDeposits); err != nil {
			return err
		}
		return o.emit(events.EventTypeDepositLocked, string(side))
	})
}

// Cancel aborts a session that has not started. Only the proposer may cancel.
func (c *Coordinator) Cancel(ctx context.Context, user uuid.UUID, req SessionRequest) (*events.SessionView, error) {
	if err := c.check(req); err != nil {
		return nil, err
	}
	return c.mutate(ctx, req.SessionID, req.ExpectedVersion, func(o *op) error {
		side, err := o.side(user)
		if err != nil {
			return err
		}
		if side != o.session.ProposerSide {
			return ErrNotProposer
		}
		if !o.session.Status.PreActive() {
			return fmt.Errorf("%w: cannot cancel a session that is %s", ErrInvalidTransition, o.session.Status)
		}
		return o.abort(models.EndReasonCancelled)
	})
}

// Expire aborts a setup that outlived its window. It reports whether it did.
func (c *Coordinator) Expire(ctx context.Context, id uuid.UUID) (bool, error) {
	var expired bool
	_, err := c.mutate(ctx, id, 0, func(o *op) error {
		exp := o.session.ExpiresAt
		if !o.session.Status.PreActive() || exp == nil || exp.After(o.now) {
			return nil
		}
		expired = true
		return o.abort(models.EndReasonExpired)
	})
	return expired, err
}

// SubmitMove plays move for user. A move arriving after the mover's clock ran
// out commits the timeout and is rejected.
func (c *Coordinator) SubmitMove(ctx context.Context, user uuid.UUID, req MoveRequest) (*events.SessionView, error) {
	if err := c.check(req); err != nil {
		return nil, err
	}
	return c.mutate(ctx, req.SessionID, req.ExpectedVersion, func(o *op) error {
		side, err := o.side(user)
		if err != nil {
			return err
		}
		if o.session.Status != models.SessionStatusActive {
			return fmt.Errorf("%w: session is %s", ErrInvalidTransition, o.session.Status)
		}
		if flagged, err := o.flagIfExpired(); flagged || err != nil {
			return err
		}

		v, err := o.c.judge.Move(o.session, side, req.Move, o.now)
		if err != nil {
			return err
		}
		if v != nil {
			return o.finish(v)
		}
		if err := o.advance(models.SessionStatusActive); err != nil {
			return err
		}
		return o.emit(events.EventTypeMoveMade, o.session.Moves[len(o.session.Moves)-1])
	})
}

// OfferDraw sets user's draw offer. A matching offer ends the game drawn.
func (c *Coordinator) OfferDraw(ctx context.Context, user uuid.UUID, req SessionRequest) (*events.SessionView, error) {
	if err := c.check(req); err != nil {
		return nil, err
	}
	return c.mutate(ctx, req.SessionID, req.ExpectedVersion, func(o *op) error {
		side, err := o.side(user)
		if err != nil {
			return err
		}
		if o.session.Status != models.SessionStatusActive {
			return fmt.Errorf("%w: session is %s", ErrInvalidTransition, o.session.Status)
		}
		if flagged, err := o.flagIfExpired(); flagged || err != nil {
			return err
		}
		if o.session.DrawOffers.Get(side) {
			return nil
		}

		v, err := o.c.judge.OfferDraw(o.session, side)
		if err != nil {
			return err
		}
		if v != nil {
			return o.finish(v)
		}
		if err := o.advance(models.SessionStatusActive); err != nil {
			return err
		}
		return o.emit(events.EventTypeDrawOffered, string(side))
	})
}

// DeclineDraw rejects the opponent's pending offer.
func (c *Coordinator) DeclineDraw(ctx context.Context, user uuid.UUID, req SessionRequest) (*events.SessionView, error) {
	if err := c.check(req); err != nil {
		return nil, err
	}
	return c.mutate(ctx, req.SessionID, req.ExpectedVersion, func(o *op) error {
		side, err := o.side(user)
		if err != nil {
			return err
		}
		if o.session.Status != models.SessionStatusActive {
			return fmt.Errorf("%w: session is %s", ErrInvalidTransition, o.session.Status)
		}
		if flagged, err := o.flagIfExpired(); flagged || err != nil {
			return err
		}
		if err := o.c.judge.DeclineDraw(o.session, side); err != nil {
			return err
		}
		if err := o.advance(models.SessionStatusActive); err != nil {
			return err
		}
		return o.emit(events.EventTypeDrawDeclined, string(side))
	})
}

// Resign concedes the game regardless of the clock.
func (c *Coordinator) Resign(ctx context.Context, user uuid.UUID, req SessionRequest) (*events.SessionView, error) {
	if err := c.check(req); err != nil {
		return nil, err
	}
	return c.mutate(ctx, req.SessionID, req.ExpectedVersion, func(o *op) error {
		side, err := o.side(user)
		if err != nil {
			return err
		}
		v, err := o.c.judge.Resign(o.session, side)
		if err != nil {
			return err
		}
		return o.finish(v)
	})
}

// ReportAbandonment is called by the presence service when a side has been
// disconnected past its grace period.
func (c *Coordinator) ReportAbandonment(ctx context.Context, req AbandonRequest) (*events.SessionView, error) {
	if err := c.check(req); err != nil {
		return nil, err
	}
	return c.mutate(ctx, req.SessionID, 0, func(o *op) error {
		v, err := o.c.judge.Abandon(o.session, req.AbsentSide)
		if err != nil {
			return err
		}
		return o.finish(v)
	})
}

// SweepClock applies a loss on time if the running side is out. It reports
// whether the session was flagged.
func (c *Coordinator) SweepClock(ctx context.Context, id uuid.UUID) (bool, error) {
	var flagged bool
	_, err := c.mutate(ctx, id, 0, func(o *op) error {
		v, ok := o.c.judge.Timeout(o.session, o.now)
		if !ok {
			return nil
		}
		flagged = true
		return o.finish(v)
	})
	return flagged, err
}

// BroadcastClock queues a clock_tick delta at the current version so clients
// can resynchronize their displays. A side already out of time is flagged
// instead of being shown a dead clock.
func (c *Coordinator) BroadcastClock(ctx context.Context, id uuid.UUID) error {
	_, err := c.mutate(ctx, id, 0, func(o *op) error {
		if o.session.Status != models.SessionStatusActive {
			return nil
		}
		if v, ok := o.c.judge.Timeout(o.session, o.now); ok {
			return o.finish(v)
		}
		return o.c.fanout.Publish(o.ctx, o.tx, events.EventTypeClockTick, o.session, o.proposal, "")
	})
	return err
}

// GetSnapshot returns the session with its live clock. A clock that has run out
// is flagged before the snapshot is taken. Spectators may read any session.
func (c *Coordinator) GetSnapshot(ctx context.Context, viewer uuid.UUID, id uuid.UUID) (*events.SessionView, error) {
	return c.mutate(ctx, id, 0, func(o *op) error {
		if v, ok := o.c.judge.Timeout(o.session, o.now); ok {
			return o.finish(v)
		}
		return nil
	})
}

// LegalMoves lists the moves available in the current position.
func (c *Coordinator) LegalMoves(ctx context.Context, id uuid.UUID) ([]string, error) {
	var moves []string
	err := c.store.InTx(ctx, func(tx repository.Tx) error {
		s, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		moves, err = c.judge.LegalMoves(s)
		return err
	})
	if err != nil {
		return nil, translate(err)
	}
	return moves, nil
}

// GetWallet returns user's balance in currency, audited against the ledger.
func (c *Coordinator) GetWallet(ctx context.Context, user uuid.UUID, currency string) (*WalletView, error) {
	if currency == "" {
		currency = c.policy.DefaultCurrency
	}
	key := models.WalletKey{UserID: user, Currency: currency}

	var view WalletView
	err := c.store.InTx(ctx, func(tx repository.Tx) error {
		report, err := c.ledger.Audit(ctx, tx, key)
		if err != nil {
			return err
		}
		wallets, err := tx.LockWallets(ctx, key)
		if err != nil {
			return err
		}
		view = WalletView{Account: wallets[key], Audit: report}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	if !view.Audit.Consistent {
		log.Error().
			Str("user_id", user.String()).
			Str("currency", currency).
			Str("stored", view.Audit.Stored.String()).
			Str("derived", view.Audit.Derived.String()).
			Msg("wallet does not match ledger")
	}
	return &view, nil
}

// Fund credits a wallet on behalf of the external funding source.
func (c *Coordinator) Fund(ctx context.Context, req FundRequest) (*models.WalletAccount, error) {
	return c.funding(ctx, req, c.ledger.Fund)
}

// Withdraw debits a wallet on behalf of the external funding source.
func (c *Coordinator) Withdraw(ctx context.Context, req FundRequest) (*models.WalletAccount, error) {
	return c.funding(ctx, req, c.ledger.Withdraw)
}

type fundingFunc func(ctx context.Context, tx escrow.Tx, key models.WalletKey, amount decimal.Decimal) (*models.WalletAccount, error)

func (c *Coordinator) funding(ctx context.Context, req FundRequest, fn fundingFunc) (*models.WalletAccount, error) {
	if err := c.check(req); err != nil {
		return nil, err
	}
	if !c.policy.currencyAllowed(req.Currency) {
		return nil, fmt.Errorf("%w: currency %s not supported", ErrInvalidArgument, req.Currency)
	}

	var account *models.WalletAccount
	err := c.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		account, err = fn(ctx, tx, models.WalletKey{UserID: req.UserID, Currency: req.Currency}, req.Amount)
		return err
	})
	if err != nil {
		return nil, translate(err)
	}
	return account, nil
}

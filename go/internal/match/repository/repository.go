// Package repository persists match sessions, wager proposals, wallets, the ledger
// and the outbox. Every mutation of a session happens inside a Tx.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/stakechess/go/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store opens transactions and serves the read paths used outside of one.
type Store interface {
	// InTx runs fn in a transaction. A non-nil error from fn rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// ListActiveSessions returns every session whose status is active.
	ListActiveSessions(ctx context.Context) ([]*models.MatchSession, error)
	// ListExpiredSetups returns pre-active sessions whose setup window closed before now.
	ListExpiredSetups(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	OutboxSource
}

// OutboxSource is what the relay needs to drain undelivered deltas.
type OutboxSource interface {
	FetchUnsentOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	FetchOutboxByID(ctx context.Context, id uuid.UUID) (*models.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id uuid.UUID) error
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// Tx is the transactional view of the store. Reads of a session or proposal
// return copies; changes become visible to others only on commit.
type Tx interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.MatchSession, error)
	InsertSession(ctx context.Context, s *models.MatchSession) error
	UpdateSession(ctx context.Context, s *models.MatchSession) error

	GetProposalBySession(ctx context.Context, sessionID uuid.UUID) (*models.WagerProposal, error)
	InsertProposal(ctx context.Context, p *models.WagerProposal) error
	UpdateProposal(ctx context.Context, p *models.WagerProposal) error

	// LockWallets locks the wallets in ascending key order, creating empty ones as
	// needed, and holds them until the transaction ends.
	LockWallets(ctx context.Context, keys ...models.WalletKey) (map[models.WalletKey]*models.WalletAccount, error)
	UpdateWallet(ctx context.Context, w *models.WalletAccount) error

	AppendEntries(ctx context.Context, entries ...models.LedgerEntry) error
	ListEntries(ctx context.Context, f EntryFilter) ([]models.LedgerEntry, error)

	InsertOutboxEvent(ctx context.Context, e *models.OutboxEvent) error
}

// EntryFilter narrows ListEntries. Zero fields match everything.
type EntryFilter struct {
	UserID     *uuid.UUID
	Currency   string
	ProposalID *uuid.UUID
	SessionID  *uuid.UUID
}

func (f EntryFilter) match(e models.LedgerEntry) bool {
	if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
		return false
	}
	if f.Currency != "" && e.Currency != f.Currency {
		return false
	}
	if f.ProposalID != nil && (e.ProposalID == nil || *e.ProposalID != *f.ProposalID) {
		return false
	}
	if f.SessionID != nil && (e.SessionID == nil || *e.SessionID != *f.SessionID) {
		return false
	}
	return true
}

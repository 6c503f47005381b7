package match

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/stakechess/go/internal/match/escrow"
	"github.com/mcdev12/stakechess/go/internal/models"
)

// CreateSessionRequest opens a session. With an opponent the session skips the
// open state and waits for the wager.
type CreateSessionRequest struct {
	Opponent    *uuid.UUID          `json:"opponent,omitempty"`
	TimeControl *models.TimeControl `json:"time_control,omitempty"`
}

// SessionRequest addresses an existing session. ExpectedVersion 0 skips the
// stale check.
type SessionRequest struct {
	SessionID       uuid.UUID `json:"session_id" validate:"required"`
	ExpectedVersion int64     `json:"expected_version" validate:"gte=0"`
}

// SetWagerRequest is the proposer's choice of wager.
type SetWagerRequest struct {
	SessionID       uuid.UUID        `json:"session_id" validate:"required"`
	ExpectedVersion int64            `json:"expected_version" validate:"gte=0"`
	Type            models.WagerType `json:"type" validate:"required,oneof=none staked"`
	Amount          decimal.Decimal  `json:"amount"`
	Currency        string           `json:"currency" validate:"omitempty,len=3"`
}

// MoveRequest submits one move in UCI notation.
type MoveRequest struct {
	SessionID       uuid.UUID `json:"session_id" validate:"required"`
	ExpectedVersion int64     `json:"expected_version" validate:"gte=0"`
	Move            string    `json:"move" validate:"required,min=4,max=5,alphanum"`
}

// AbandonRequest is reported by the presence service when a side stays away.
type AbandonRequest struct {
	SessionID  uuid.UUID   `json:"session_id" validate:"required"`
	AbsentSide models.Side `json:"absent_side" validate:"required,oneof=white black"`
}

// FundRequest credits or debits a wallet on behalf of the funding source.
type FundRequest struct {
	UserID   uuid.UUID       `json:"user_id" validate:"required"`
	Currency string          `json:"currency" validate:"required,len=3"`
	Amount   decimal.Decimal `json:"amount"`
}

// WalletView is a balance with its ledger audit.
type WalletView struct {
	Account *models.WalletAccount `json:"account"`
	Audit   *escrow.AuditReport   `json:"audit"`
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WalletKey identifies one wallet: a user's balance in one currency.
type WalletKey struct {
	UserID   uuid.UUID `json:"user_id"`
	Currency string    `json:"currency"`
}

// Less orders wallet keys for lock acquisition.
func (k WalletKey) Less(o WalletKey) bool {
	if c := compareUUID(k.UserID, o.UserID); c != 0 {
		return c < 0
	}
	return k.Currency < o.Currency
}

func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// WalletAccount holds a user's available balance. Escrowed funds are not stored here.
type WalletAccount struct {
	UserID    uuid.UUID       `json:"user_id"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (w *WalletAccount) Key() WalletKey {
	return WalletKey{UserID: w.UserID, Currency: w.Currency}
}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryKindLock          EntryKind = "lock"
	EntryKindRefund        EntryKind = "refund"
	EntryKindPayout        EntryKind = "payout"
	EntryKindFee           EntryKind = "fee"
	EntryKindFundingCredit EntryKind = "funding_credit"
	EntryKindFundingDebit  EntryKind = "funding_debit"
)

// Direction is relative to the user's available balance. Fee entries are platform credits.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// LedgerEntry is an immutable record of a balance mutation.
type LedgerEntry struct {
	ID         uuid.UUID       `json:"id"`
	UserID     *uuid.UUID      `json:"user_id,omitempty"` // nil for platform fees
	Currency   string          `json:"currency"`
	Kind       EntryKind       `json:"kind"`
	Direction  Direction       `json:"direction"`
	Amount     decimal.Decimal `json:"amount"`
	ProposalID *uuid.UUID      `json:"proposal_id,omitempty"`
	SessionID  *uuid.UUID      `json:"session_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Signed returns the amount as seen by the user's available balance.
func (e LedgerEntry) Signed() decimal.Decimal {
	if e.Direction == DirectionDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

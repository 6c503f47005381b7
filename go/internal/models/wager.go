package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WagerType is chosen by the proposer during setup.
type WagerType string

const (
	WagerTypeNone   WagerType = "none"
	WagerTypeStaked WagerType = "staked"
)

// DepositStatus tracks whether a side's stake is escrowed.
type DepositStatus string

const (
	DepositUnlocked DepositStatus = "unlocked"
	DepositLocked   DepositStatus = "locked"
)

// ProposalStatus defines the lifecycle of a wager proposal.
type ProposalStatus string

const (
	ProposalStatusProposed  ProposalStatus = "proposed"
	ProposalStatusAccepted  ProposalStatus = "accepted"
	ProposalStatusDeposited ProposalStatus = "deposited"
	ProposalStatusSettled   ProposalStatus = "settled"
	ProposalStatusCancelled ProposalStatus = "cancelled"
)

// SideFlags is a pair of per-side acceptance flags.
type SideFlags struct {
	White bool `json:"white"`
	Black bool `json:"black"`
}

func (f SideFlags) Get(side Side) bool {
	if side == SideWhite {
		return f.White
	}
	return f.Black
}

func (f *SideFlags) Set(side Side, v bool) {
	if side == SideWhite {
		f.White = v
		return
	}
	f.Black = v
}

// Both reports whether both sides are set.
func (f SideFlags) Both() bool { return f.White && f.Black }

// SideDeposits is a pair of per-side deposit states.
type SideDeposits struct {
	White DepositStatus `json:"white"`
	Black DepositStatus `json:"black"`
}

func (d SideDeposits) Get(side Side) DepositStatus {
	if side == SideWhite {
		return d.White
	}
	return d.Black
}

func (d *SideDeposits) Set(side Side, v DepositStatus) {
	if side == SideWhite {
		d.White = v
		return
	}
	d.Black = v
}

// BothLocked reports whether both stakes are escrowed.
func (d SideDeposits) BothLocked() bool {
	return d.White == DepositLocked && d.Black == DepositLocked
}

// WagerProposal is the locked-funds agreement tied to a session.
type WagerProposal struct {
	ID         uuid.UUID       `json:"id"`
	SessionID  uuid.UUID       `json:"session_id"`
	Type       WagerType       `json:"type"`
	Stake      decimal.Decimal `json:"stake"`
	Currency   string          `json:"currency"`
	FeePct     decimal.Decimal `json:"fee_pct"`
	DrawFeePct decimal.Decimal `json:"draw_fee_pct"`
	Accepted   SideFlags       `json:"accepted"`
	Deposits   SideDeposits    `json:"deposits"`
	Status     ProposalStatus  `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	SettledAt  *time.Time      `json:"settled_at,omitempty"`
}

// Staked reports whether money changes hands for this proposal.
func (p *WagerProposal) Staked() bool {
	return p.Type == WagerTypeStaked && p.Stake.IsPositive()
}

// Clone returns a copy safe to mutate.
func (p *WagerProposal) Clone() *WagerProposal {
	c := *p
	c.SettledAt = cloneTime(p.SettledAt)
	return &c
}

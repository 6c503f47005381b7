package models

import (
	"time"

	"github.com/google/uuid"
)

// Side is one of the two colors in a match.
type Side string

const (
	SideWhite Side = "white"
	SideBlack Side = "black"
)

// Opponent returns the other side.
func (s Side) Opponent() Side {
	if s == SideWhite {
		return SideBlack
	}
	return SideWhite
}

// Valid reports whether s names a real side.
func (s Side) Valid() bool {
	return s == SideWhite || s == SideBlack
}

// SessionStatus defines the lifecycle state of a match session.
type SessionStatus string

const (
	SessionStatusOpen                   SessionStatus = "open"
	SessionStatusPendingWagerSetup      SessionStatus = "pending_wager_setup"
	SessionStatusPendingWagerAcceptance SessionStatus = "pending_wager_acceptance"
	SessionStatusPendingDeposits        SessionStatus = "pending_deposits"
	SessionStatusActive                 SessionStatus = "active"
	SessionStatusFinished               SessionStatus = "finished"
	SessionStatusAborted                SessionStatus = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusFinished || s == SessionStatusAborted
}

// PreActive reports whether the session has not started play yet.
func (s SessionStatus) PreActive() bool {
	switch s {
	case SessionStatusOpen, SessionStatusPendingWagerSetup,
		SessionStatusPendingWagerAcceptance, SessionStatusPendingDeposits:
		return true
	}
	return false
}

// Result is the outcome of a finished match.
type Result string

const (
	ResultWhiteWins Result = "white"
	ResultBlackWins Result = "black"
	ResultDraw      Result = "draw"
)

// WinnerResult maps a winning side to its result.
func WinnerResult(winner Side) Result {
	if winner == SideWhite {
		return ResultWhiteWins
	}
	return ResultBlackWins
}

// Winner returns the winning side, or false on a draw.
func (r Result) Winner() (Side, bool) {
	switch r {
	case ResultWhiteWins:
		return SideWhite, true
	case ResultBlackWins:
		return SideBlack, true
	}
	return "", false
}

// EndReason records why a session reached a terminal state.
type EndReason string

const (
	EndReasonCheckmate            EndReason = "checkmate"
	EndReasonStalemate            EndReason = "stalemate"
	EndReasonInsufficientMaterial EndReason = "insufficient_material"
	EndReasonRepetition           EndReason = "repetition"
	EndReasonFiftyMove            EndReason = "fifty_move"
	EndReasonResignation          EndReason = "resignation"
	EndReasonDrawAgreement        EndReason = "draw_agreement"
	EndReasonTimeout              EndReason = "timeout"
	EndReasonDisconnectTimeout    EndReason = "disconnect_timeout"

	// aborted sessions
	EndReasonCancelled EndReason = "cancelled"
	EndReasonExpired   EndReason = "expired"
)

// TimeControl is the configured clock for a session. Both fields are capped at one day.
type TimeControl struct {
	InitialMs   int64 `json:"initial_ms" yaml:"initial_ms" validate:"gt=0,lte=86400000"`
	IncrementMs int64 `json:"increment_ms" yaml:"increment_ms" validate:"gte=0,lte=86400000"`
}

// ClockState is the server-side clock of an active session. Remaining times are as of
// TurnStartedAt; the running side's live value is derived from it.
type ClockState struct {
	WhiteMs       int64      `json:"white_ms"`
	BlackMs       int64      `json:"black_ms"`
	Running       *Side      `json:"running,omitempty"`
	TurnStartedAt *time.Time `json:"turn_started_at,omitempty"`
}

// DrawOffers holds the per-side draw offer flags.
type DrawOffers struct {
	White bool `json:"white"`
	Black bool `json:"black"`
}

// Get returns the flag for side.
func (d DrawOffers) Get(side Side) bool {
	if side == SideWhite {
		return d.White
	}
	return d.Black
}

// Set updates the flag for side.
func (d *DrawOffers) Set(side Side, v bool) {
	if side == SideWhite {
		d.White = v
		return
	}
	d.Black = v
}

// MatchSession is one chess match instance, staked or not.
type MatchSession struct {
	ID           uuid.UUID     `json:"id"`
	WhiteID      uuid.UUID     `json:"white_id"`
	BlackID      *uuid.UUID    `json:"black_id,omitempty"`
	ProposerSide Side          `json:"proposer_side"`
	Status       SessionStatus `json:"status"`

	StartFEN    string      `json:"start_fen"`
	FEN         string      `json:"fen"`
	Moves       []string    `json:"moves"`
	MoveNumber  int         `json:"move_number"`
	TimeControl TimeControl `json:"time_control"`
	Clock       ClockState  `json:"clock"`
	DrawOffers  DrawOffers  `json:"draw_offers"`

	Result    *Result    `json:"result,omitempty"`
	EndReason *EndReason `json:"end_reason,omitempty"`

	Version   int64      `json:"state_version"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	LastMoveAt *time.Time `json:"last_move_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SideOf returns the side user plays, if any.
func (m *MatchSession) SideOf(user uuid.UUID) (Side, bool) {
	if m.WhiteID == user {
		return SideWhite, true
	}
	if m.BlackID != nil && *m.BlackID == user {
		return SideBlack, true
	}
	return "", false
}

// Participant returns the user playing side.
func (m *MatchSession) Participant(side Side) (uuid.UUID, bool) {
	if side == SideWhite {
		return m.WhiteID, true
	}
	if m.BlackID == nil {
		return uuid.Nil, false
	}
	return *m.BlackID, true
}

// SideToMove derives the side to move from the number of plies played.
func (m *MatchSession) SideToMove() Side {
	if m.MoveNumber%2 == 0 {
		return SideWhite
	}
	return SideBlack
}

// Clone returns a deep copy safe to mutate.
func (m *MatchSession) Clone() *MatchSession {
	c := *m
	if m.Moves != nil {
		c.Moves = append(make([]string, 0, len(m.Moves)), m.Moves...)
	}
	c.BlackID = cloneUUID(m.BlackID)
	c.Clock.Running = cloneSide(m.Clock.Running)
	c.Clock.TurnStartedAt = cloneTime(m.Clock.TurnStartedAt)
	if m.Result != nil {
		r := *m.Result
		c.Result = &r
	}
	if m.EndReason != nil {
		e := *m.EndReason
		c.EndReason = &e
	}
	c.ExpiresAt = cloneTime(m.ExpiresAt)
	c.StartedAt = cloneTime(m.StartedAt)
	c.LastMoveAt = cloneTime(m.LastMoveAt)
	c.FinishedAt = cloneTime(m.FinishedAt)
	return &c
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneSide(s *Side) *Side {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

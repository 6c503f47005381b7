// Package adjudicator applies gameplay actions to an active session and decides
// when the game is over. It never changes the session status; it returns a
// Verdict for the coordinator to act on.
package adjudicator

import (
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/stakechess/go/internal/match/clock"
	"github.com/mcdev12/stakechess/go/internal/models"
	"github.com/mcdev12/stakechess/go/internal/rules"
)

var (
	ErrNotActive     = errors.New("session is not active")
	ErrNotYourTurn   = errors.New("not your turn")
	ErrClockExpired  = errors.New("clock expired")
	ErrNoDrawOffered = errors.New("no draw offer to decline")
)

// Verdict is a terminal outcome.
type Verdict struct {
	Result models.Result
	Reason models.EndReason
}

func win(side models.Side, reason models.EndReason) *Verdict {
	return &Verdict{Result: models.WinnerResult(side), Reason: reason}
}

func draw(reason models.EndReason) *Verdict {
	return &Verdict{Result: models.ResultDraw, Reason: reason}
}

type Adjudicator struct {
	engine rules.Engine
}

func New(engine rules.Engine) *Adjudicator {
	return &Adjudicator{engine: engine}
}

// Move validates and applies a move for side. An illegal move leaves s untouched.
// A non-nil Verdict means the position is terminal.
func (a *Adjudicator) Move(s *models.MatchSession, side models.Side, move string, now time.Time) (*Verdict, error) {
	if s.Status != models.SessionStatusActive {
		return nil, ErrNotActive
	}
	if s.SideToMove() != side {
		return nil, fmt.Errorf("%w: %s to move", ErrNotYourTurn, s.SideToMove())
	}
	if _, expired := clock.Expired(s.Clock, now); expired {
		return nil, ErrClockExpired
	}

	applied, err := a.engine.ApplyMove(position(s), move)
	if err != nil {
		return nil, err
	}
	nextClock, err := clock.ApplyMove(s.Clock, side, s.TimeControl.IncrementMs, now)
	if err != nil {
		return nil, err
	}

	s.FEN = applied.FEN
	s.Moves = append(s.Moves, applied.Move)
	s.MoveNumber++
	s.Clock = nextClock
	s.DrawOffers.Set(side, false)
	s.LastMoveAt = &now

	if !applied.Terminal {
		return nil, nil
	}
	return terminalVerdict(applied.Termination, side), nil
}

func terminalVerdict(t rules.Termination, mover models.Side) *Verdict {
	switch t {
	case rules.TerminationCheckmate:
		return win(mover, models.EndReasonCheckmate)
	case rules.TerminationStalemate:
		return draw(models.EndReasonStalemate)
	case rules.TerminationInsufficientMaterial:
		return draw(models.EndReasonInsufficientMaterial)
	case rules.TerminationRepetition:
		return draw(models.EndReasonRepetition)
	case rules.TerminationFiftyMove:
		return draw(models.EndReasonFiftyMove)
	}
	return nil
}

// OfferDraw sets side's offer. When both sides have offered the game is drawn.
func (a *Adjudicator) OfferDraw(s *models.MatchSession, side models.Side) (*Verdict, error) {
	if s.Status != models.SessionStatusActive {
		return nil, ErrNotActive
	}
	s.DrawOffers.Set(side, true)
	if s.DrawOffers.White && s.DrawOffers.Black {
		return draw(models.EndReasonDrawAgreement), nil
	}
	return nil, nil
}

// DeclineDraw clears the opponent's pending offer along with side's own.
func (a *Adjudicator) DeclineDraw(s *models.MatchSession, side models.Side) error {
	if s.Status != models.SessionStatusActive {
		return ErrNotActive
	}
	if !s.DrawOffers.Get(side.Opponent()) {
		return ErrNoDrawOffered
	}
	s.DrawOffers = models.DrawOffers{}
	return nil
}

// Resign ends the game in the opponent's favour regardless of the clock.
func (a *Adjudicator) Resign(s *models.MatchSession, side models.Side) (*Verdict, error) {
	if s.Status != models.SessionStatusActive {
		return nil, ErrNotActive
	}
	return win(side.Opponent(), models.EndReasonResignation), nil
}

// Timeout reports a loss on time for the running side if its clock is out.
func (a *Adjudicator) Timeout(s *models.MatchSession, now time.Time) (*Verdict, bool) {
	if s.Status != models.SessionStatusActive {
		return nil, false
	}
	flagged, expired := clock.Expired(s.Clock, now)
	if !expired {
		return nil, false
	}
	return win(flagged.Opponent(), models.EndReasonTimeout), true
}

// Abandon awards the game to the side that stayed connected.
func (a *Adjudicator) Abandon(s *models.MatchSession, absent models.Side) (*Verdict, error) {
	if s.Status != models.SessionStatusActive {
		return nil, ErrNotActive
	}
	return win(absent.Opponent(), models.EndReasonDisconnectTimeout), nil
}

// LegalMoves lists the moves available to the side to move.
func (a *Adjudicator) LegalMoves(s *models.MatchSession) ([]string, error) {
	if s.Status != models.SessionStatusActive {
		return nil, ErrNotActive
	}
	return a.engine.LegalMoves(position(s))
}

func position(s *models.MatchSession) rules.Position {
	return rules.Position{StartFEN: s.StartFEN, Moves: s.Moves}
}

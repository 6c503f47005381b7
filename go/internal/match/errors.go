package match

import (
	"errors"
	"fmt"

	"github.com/mcdev12/stakechess/go/internal/match/adjudicator"
	"github.com/mcdev12/stakechess/go/internal/match/escrow"
	"github.com/mcdev12/stakechess/go/internal/match/repository"
	"github.com/mcdev12/stakechess/go/internal/rules"
)

// Errors reported to callers. A request failing with any of them left the
// session exactly as it was.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInsufficientFunds = escrow.ErrInsufficientFunds
	ErrIllegalMove       = rules.ErrIllegalMove
	ErrNotAParticipant   = errors.New("not a participant")
	ErrStaleVersion      = errors.New("stale version")
	ErrAlreadySettled    = escrow.ErrAlreadySettled
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")

	ErrNotProposer = fmt.Errorf("%w: only the proposer may do this", ErrNotAParticipant)
)

// translate maps collaborator errors onto the caller-facing set.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, adjudicator.ErrNotActive),
		errors.Is(err, adjudicator.ErrClockExpired),
		errors.Is(err, adjudicator.ErrNoDrawOffered):
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	case errors.Is(err, adjudicator.ErrNotYourTurn):
		return fmt.Errorf("%w: %v", ErrIllegalMove, err)
	case errors.Is(err, escrow.ErrInvalidAmount):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return err
}

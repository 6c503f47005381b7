package match

import (
	"fmt"

	"github.com/mcdev12/stakechess/go/internal/models"
)

// transitions lists every allowed status change. Self-loops are the steps that
// change a session without moving it forward (one acceptance, one deposit, a move).
var transitions = map[models.SessionStatus][]models.SessionStatus{
	models.SessionStatusOpen: {
		models.SessionStatusPendingWagerSetup,
		models.SessionStatusAborted,
	},
	models.SessionStatusPendingWagerSetup: {
		models.SessionStatusPendingWagerAcceptance,
		models.SessionStatusActive,
		models.SessionStatusAborted,
	},
	models.SessionStatusPendingWagerAcceptance: {
		models.SessionStatusPendingWagerAcceptance,
		models.SessionStatusPendingDeposits,
		models.SessionStatusAborted,
	},
	models.SessionStatusPendingDeposits: {
		models.SessionStatusPendingDeposits,
		models.SessionStatusActive,
		models.SessionStatusAborted,
	},
	models.SessionStatusActive: {
		models.SessionStatusActive,
		models.SessionStatusFinished,
	},
}

func validateTransition(from, to models.SessionStatus) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

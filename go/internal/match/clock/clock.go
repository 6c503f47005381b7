// Package clock implements the server-authoritative chess clock. Nothing here runs a
// timer: remaining time is derived from the last turn stamp whenever it is needed.
package clock

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mcdev12/stakechess/go/internal/models"
)

var (
	// ErrNotRunning is returned when a side acts while its clock is not running.
	ErrNotRunning = errors.New("clock not running for side")
	// ErrStopped is returned for operations on a frozen clock.
	ErrStopped = errors.New("clock stopped")
)

// Start initializes both sides from the time control with white to move at now.
func Start(tc models.TimeControl, now time.Time) models.ClockState {
	running := models.SideWhite
	stamp := now
	return models.ClockState{
		WhiteMs:       tc.InitialMs,
		BlackMs:       tc.InitialMs,
		Running:       &running,
		TurnStartedAt: &stamp,
	}
}

// Remaining returns the authoritative remaining time for side at now. It never
// returns a negative value and never increases while side is running.
func Remaining(state models.ClockState, side models.Side, now time.Time) int64 {
	stored := stored(state, side)
	if state.Running == nil || *state.Running != side || state.TurnStartedAt == nil {
		return stored
	}

	left := stored - elapsedMs(*state.TurnStartedAt, now)
	if left < 0 {
		return 0
	}
	return left
}

// ApplyMove charges the elapsed turn time to mover, adds the increment and hands
// the clock to the opponent.
func ApplyMove(state models.ClockState, mover models.Side, incrementMs int64, now time.Time) (models.ClockState, error) {
	if state.Running == nil || state.TurnStartedAt == nil {
		return state, ErrStopped
	}
	if *state.Running != mover {
		return state, fmt.Errorf("%w: %s", ErrNotRunning, mover)
	}

	left := Remaining(state, mover, now)
	if incrementMs > 0 {
		if left > math.MaxInt64-incrementMs {
			left = math.MaxInt64
		} else {
			left += incrementMs
		}
	}
	next := state
	setStored(&next, mover, left)

	running := mover.Opponent()
	stamp := now
	next.Running = &running
	next.TurnStartedAt = &stamp
	return next, nil
}

// Expired reports the running side when its remaining time has reached zero.
func Expired(state models.ClockState, now time.Time) (models.Side, bool) {
	if state.Running == nil {
		return "", false
	}
	side := *state.Running
	if Remaining(state, side, now) > 0 {
		return "", false
	}
	return side, true
}

// Freeze charges the running side up to now and stops the clock.
func Freeze(state models.ClockState, now time.Time) models.ClockState {
	if state.Running == nil {
		return state
	}
	next := state
	setStored(&next, *state.Running, Remaining(state, *state.Running, now))
	next.Running = nil
	next.TurnStartedAt = nil
	return next
}

// Snapshot is the clock view sent to clients. ServerTime lets them correct drift.
type Snapshot struct {
	WhiteMs    int64        `json:"white_ms"`
	BlackMs    int64        `json:"black_ms"`
	Running    *models.Side `json:"running,omitempty"`
	ServerTime time.Time    `json:"server_time"`
}

// Snap computes the live clock at now.
func Snap(state models.ClockState, now time.Time) Snapshot {
	return Snapshot{
		WhiteMs:    Remaining(state, models.SideWhite, now),
		BlackMs:    Remaining(state, models.SideBlack, now),
		Running:    state.Running,
		ServerTime: now,
	}
}

func stored(state models.ClockState, side models.Side) int64 {
	if side == models.SideWhite {
		return state.WhiteMs
	}
	return state.BlackMs
}

func setStored(state *models.ClockState, side models.Side, ms int64) {
	if side == models.SideWhite {
		state.WhiteMs = ms
		return
	}
	state.BlackMs = ms
}

// elapsedMs is clamped at zero so a stamp in the future never adds time.
func elapsedMs(from, to time.Time) int64 {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

// Package rulestest provides a scripted rules.Engine for tests.
package rulestest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mcdev12/stakechess/go/internal/rules"
)

// Engine accepts every move except those in Illegal. A move listed in Terminal
// ends the game with the given termination.
type Engine struct {
	mu       sync.Mutex
	Illegal  map[string]bool
	Terminal map[string]rules.Termination
	Legal    []string
}

func New() *Engine {
	return &Engine{
		Illegal:  make(map[string]bool),
		Terminal: make(map[string]rules.Termination),
		Legal:    []string{"e2e4", "d2d4", "g1f3"},
	}
}

func (e *Engine) LegalMoves(pos rules.Position) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.Legal...), nil
}

func (e *Engine) ApplyMove(pos rules.Position, move string) (rules.Applied, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	move = strings.ToLower(strings.TrimSpace(move))
	if move == "" || e.Illegal[move] {
		return rules.Applied{}, fmt.Errorf("%w: %q", rules.ErrIllegalMove, move)
	}
	out := rules.Applied{
		FEN:  fmt.Sprintf("fake/%d", len(pos.Moves)+1),
		Move: move,
	}
	if t, ok := e.Terminal[move]; ok {
		out.Terminal = true
		out.Termination = t
	}
	return out, nil
}

package rules

import (
	"fmt"
	"strings"

	"github.com/notnil/chess"
)

// NotnilEngine adapts github.com/notnil/chess to Engine using UCI move notation.
type NotnilEngine struct{}

// NewNotnilEngine creates the default rules engine.
func NewNotnilEngine() *NotnilEngine {
	return &NotnilEngine{}
}

var _ Engine = (*NotnilEngine)(nil)

func (e *NotnilEngine) LegalMoves(pos Position) ([]string, error) {
	game, err := replay(pos)
	if err != nil {
		return nil, err
	}
	if game.Outcome() != chess.NoOutcome {
		return nil, nil
	}

	notation := chess.UCINotation{}
	valid := game.ValidMoves()
	moves := make([]string, 0, len(valid))
	for _, m := range valid {
		moves = append(moves, notation.Encode(game.Position(), m))
	}
	return moves, nil
}

func (e *NotnilEngine) ApplyMove(pos Position, move string) (Applied, error) {
	game, err := replay(pos)
	if err != nil {
		return Applied{}, err
	}
	if game.Outcome() != chess.NoOutcome {
		return Applied{}, fmt.Errorf("%w: game already over", ErrIllegalMove)
	}

	move = strings.ToLower(strings.TrimSpace(move))
	if err := game.MoveStr(move); err != nil {
		return Applied{}, fmt.Errorf("%w: %s", ErrIllegalMove, move)
	}

	applied := Applied{
		FEN:  game.FEN(),
		Move: move,
	}
	if term := termination(game); term != TerminationNone {
		applied.Terminal = true
		applied.Termination = term
	}
	return applied, nil
}

func replay(pos Position) (*chess.Game, error) {
	start := pos.StartFEN
	if start == "" {
		start = StandardFEN
	}
	fen, err := chess.FEN(start)
	if err != nil {
		return nil, fmt.Errorf("invalid start position: %w", err)
	}

	game := chess.NewGame(fen, chess.UseNotation(chess.UCINotation{}))
	for i, m := range pos.Moves {
		if err := game.MoveStr(m); err != nil {
			return nil, fmt.Errorf("corrupt move history at ply %d (%s): %w", i+1, m, err)
		}
	}
	return game, nil
}

// termination maps automatic outcomes and claimable draws to a Termination.
// Threefold repetition and the fifty-move rule are claimable in notnil/chess;
// the match treats them as automatic.
func termination(game *chess.Game) Termination {
	switch game.Method() {
	case chess.Checkmate:
		return TerminationCheckmate
	case chess.Stalemate:
		return TerminationStalemate
	case chess.InsufficientMaterial:
		return TerminationInsufficientMaterial
	case chess.FivefoldRepetition, chess.ThreefoldRepetition:
		return TerminationRepetition
	case chess.SeventyFiveMoveRule, chess.FiftyMoveRule:
		return TerminationFiftyMove
	}

	for _, m := range game.EligibleDraws() {
		switch m {
		case chess.ThreefoldRepetition:
			return TerminationRepetition
		case chess.FiftyMoveRule:
			return TerminationFiftyMove
		}
	}
	return TerminationNone
}

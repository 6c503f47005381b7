package rules

import "errors"

// StandardFEN is the initial position of a standard game.
const StandardFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// ErrIllegalMove is returned when a move is not legal in the given position.
var ErrIllegalMove = errors.New("illegal move")

// Termination names the rule that ended the game.
type Termination string

const (
	TerminationNone                 Termination = ""
	TerminationCheckmate            Termination = "checkmate"
	TerminationStalemate            Termination = "stalemate"
	TerminationInsufficientMaterial Termination = "insufficient_material"
	TerminationRepetition           Termination = "repetition"
	TerminationFiftyMove            Termination = "fifty_move"
)

// Position is a game reached by playing Moves (UCI) from StartFEN. Carrying the
// history lets the engine detect repetitions.
type Position struct {
	StartFEN string
	Moves    []string
}

// Applied is the outcome of applying one move.
type Applied struct {
	FEN         string
	Move        string // normalized UCI
	Terminal    bool
	Termination Termination
}

// Engine is the external chess-rules collaborator. Implementations must be pure.
type Engine interface {
	LegalMoves(pos Position) ([]string, error)
	ApplyMove(pos Position, move string) (Applied, error)
}

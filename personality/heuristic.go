package personality

import (
	"cmp"
	"errors"
	"slices"

	"github.com/notnil/chess"
)

var errNoLegalMoves = errors.New("no legal moves")

// Material values in centipawns, indexed by the captured piece.
var pieceValue = map[chess.PieceType]int{
	chess.Pawn:   100,
	chess.Knight: 320,
	chess.Bishop: 330,
	chess.Rook:   500,
	chess.Queen:  900,
}

const (
	checkBonus   = 50
	centerBonus  = 20
	developBonus = 15
)

var centerSquares = map[chess.Square]bool{
	chess.D4: true, chess.E4: true, chess.D5: true, chess.E5: true,
}

type scoredMove struct {
	move  *chess.Move
	score int
}

// scoreMoves rates every legal move statically, best first.
func scoreMoves(pos *chess.Position, legal []*chess.Move) []scoredMove {
	board := pos.Board()
	scored := make([]scoredMove, 0, len(legal))
	for _, m := range legal {
		scored = append(scored, scoredMove{move: m, score: scoreMove(board, m)})
	}
	slices.SortStableFunc(scored, func(a, b scoredMove) int {
		return cmp.Compare(b.score, a.score)
	})
	return scored
}

func scoreMove(board *chess.Board, m *chess.Move) int {
	score := 0
	switch {
	case m.HasTag(chess.EnPassant):
		score += pieceValue[chess.Pawn]
	case m.HasTag(chess.Capture):
		score += pieceValue[board.Piece(m.S2()).Type()]
	}
	if m.HasTag(chess.Check) {
		score += checkBonus
	}
	if centerSquares[m.S2()] {
		score += centerBonus
	}

	piece := board.Piece(m.S1())
	if t := piece.Type(); t == chess.Knight || t == chess.Bishop {
		if m.S1().Rank() == homeRank(piece.Color()) {
			score += developBonus
		}
	}
	return score
}

func homeRank(c chess.Color) chess.Rank {
	if c == chess.Black {
		return chess.Rank8
	}
	return chess.Rank1
}

// topCount is how many of the best heuristic moves are in play.
func topCount(blunder float64) int {
	switch {
	case blunder < 0.2:
		return 2
	case blunder < 0.5:
		return 3
	default:
		return 4
	}
}

// Heuristic picks a move for pos without an engine, or nil when there is no
// legal move.
func (s *Selector) Heuristic(pos *chess.Position, blunder float64) *chess.Move {
	m, err := s.heuristic(pos, pos.ValidMoves(), blunder)
	if err != nil {
		return nil
	}
	return m
}

// heuristic picks a move without an engine. With probability blunder it
// plays a random move, leaning towards the worst-scoring ones at higher
// levels; otherwise it draws from the top few moves, favouring the best.
func (s *Selector) heuristic(pos *chess.Position, legal []*chess.Move, blunder float64) (*chess.Move, error) {
	if len(legal) == 0 {
		return nil, errNoLegalMoves
	}
	scored := scoreMoves(pos, legal)

	if s.float() < blunder {
		if blunder >= 0.3 && s.float() < 0.5 {
			portion := 3
			if blunder >= 0.6 {
				portion = 2
			}
			n := max(1, len(scored)/portion)
			worst := scored[len(scored)-n:]
			return worst[s.intn(n)].move, nil
		}
		return scored[s.intn(len(scored))].move, nil
	}

	k := min(topCount(blunder), len(scored))
	// weights k, k-1, ..., 1
	r := s.intn(k * (k + 1) / 2)
	for i := 0; i < k; i++ {
		w := k - i
		if r < w {
			return scored[i].move, nil
		}
		r -= w
	}
	return scored[0].move, nil
}

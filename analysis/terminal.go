package analysis

import (
	"github.com/notnil/chess"

	"github.com/jacokyle01/sparring/models"
)

// Terminal scores checkmate and stalemate without searching. A mated side
// to move gets a mate-in-one against it, from White's perspective.
func Terminal(pos *chess.Position) (models.EvaluationResult, bool) {
	switch pos.Status() {
	case chess.Checkmate:
		mate := 1
		if pos.Turn() == chess.White {
			mate = -1
		}
		return models.EvaluationResult{
			Lines: []models.EvaluationLine{{Rank: 1, Mate: models.IntPtr(mate)}},
		}, true
	case chess.Stalemate:
		return models.EvaluationResult{
			Lines: []models.EvaluationLine{{Rank: 1, Score: models.IntPtr(0)}},
		}, true
	}
	return models.EvaluationResult{}, false
}

package personality

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/notnil/chess"
	"go.uber.org/zap"

	"github.com/jacokyle01/sparring/models"
)

const (
	defaultFlavorTimeout = 3 * time.Second
	openingPlies         = 20
	endgameMaterial      = 13
)

// FlavorRequest is what a flavor source gets to work with.
type FlavorRequest struct {
	Personality models.PersonalityConfig
	Phase       models.Phase
	History     []AnnotatedMove
}

// AnnotatedMove is one move of the game in SAN with its mover.
type AnnotatedMove struct {
	Ply   int
	Color chess.Color
	SAN   string
}

// FlavorSource produces a short in-character remark.
type FlavorSource interface {
	Flavor(ctx context.Context, req FlavorRequest) (string, error)
}

var cannedFlavor = map[models.Phase][]string{
	models.PhaseOpening: {
		"Let's see what you've prepared.",
		"A familiar start. Or is it?",
		"I know this one.",
	},
	models.PhaseMiddlegame: {
		"Things are getting interesting.",
		"Careful, the position is sharp.",
		"I have a plan. Do you?",
	},
	models.PhaseEndgame: {
		"Every tempo counts now.",
		"Kings to the center.",
		"The endgame never lies.",
	},
	models.PhaseWin: {
		"Good game. I'll take that one.",
		"Checkmate. Want a rematch?",
	},
	models.PhaseLoss: {
		"Well played. You got me.",
		"I'll remember that.",
	},
	models.PhaseDraw: {
		"A hard-fought draw.",
		"Neither of us could break through.",
	},
}

// Commentator picks flavor text for a personality, preferring the remote
// source and falling back to the personality's own bank, then the canned one.
type Commentator struct {
	source  FlavorSource
	timeout time.Duration
	log     *zap.Logger
}

func NewCommentator(source FlavorSource, log *zap.Logger) *Commentator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Commentator{source: source, timeout: defaultFlavorTimeout, log: log}
}

// Comment never fails; remote errors are only logged.
func (c *Commentator) Comment(ctx context.Context, cfg models.PersonalityConfig, phase models.Phase, history []AnnotatedMove) string {
	if c.source != nil {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		text, err := c.source.Flavor(ctx, FlavorRequest{Personality: cfg, Phase: phase, History: history})
		text = strings.TrimSpace(text)
		if err == nil && text != "" {
			return text
		}
		c.log.Debug("flavor source failed", zap.String("personality", cfg.Name), zap.Error(err))
	}

	bank := cfg.Flavor[phase]
	if len(bank) == 0 {
		bank = cannedFlavor[phase]
	}
	if len(bank) == 0 {
		return ""
	}
	return bank[rand.IntN(len(bank))]
}

// PhaseOf classifies a position from the point of view of self. ply is the
// number of half-moves already played.
func PhaseOf(pos *chess.Position, ply int, self chess.Color) models.Phase {
	switch pos.Status() {
	case chess.Checkmate:
		if pos.Turn() == self {
			return models.PhaseLoss
		}
		return models.PhaseWin
	case chess.Stalemate, chess.InsufficientMaterial, chess.FiftyMoveRule, chess.ThreefoldRepetition:
		return models.PhaseDraw
	}
	if ply < openingPlies {
		return models.PhaseOpening
	}
	if material(pos) <= endgameMaterial {
		return models.PhaseEndgame
	}
	return models.PhaseMiddlegame
}

// material counts non-pawn material in pawn units for both sides.
func material(pos *chess.Position) int {
	weight := map[chess.PieceType]int{chess.Knight: 3, chess.Bishop: 3, chess.Rook: 5, chess.Queen: 9}
	total := 0
	for _, p := range pos.Board().SquareMap() {
		total += weight[p.Type()]
	}
	return total
}

// AnnotateGame lists the game's moves in SAN.
func AnnotateGame(g *chess.Game) []AnnotatedMove {
	positions := g.Positions()
	moves := g.Moves()
	out := make([]AnnotatedMove, 0, len(moves))
	for i, m := range moves {
		pos := positions[i]
		out = append(out, AnnotatedMove{
			Ply:   i + 1,
			Color: pos.Turn(),
			SAN:   chess.AlgebraicNotation{}.Encode(pos, m),
		})
	}
	return out
}

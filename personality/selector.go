// Package personality picks moves the way a configured opponent would: an
// engine-backed choice with deliberate, probabilistic mistakes, degrading to
// a static heuristic and finally to a random legal move.
package personality

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/notnil/chess"
	"go.uber.org/zap"

	"github.com/jacokyle01/sparring/models"
)

const mateValue = 100000

var (
	errNoEngine     = errors.New("no engine available")
	errNoCandidates = errors.New("engine reported no legal candidate")
)

// Evaluator is the part of the engine pool the selector needs.
type Evaluator interface {
	Ready() bool
	SetBreadth(ctx context.Context, n int) error
	EvaluatePosition(ctx context.Context, pos *chess.Position, depth int) (models.EvaluationResult, error)
}

type source int

const (
	sourceEngine source = iota
	sourceHeuristic
	sourceRandom
)

func (s source) String() string {
	switch s {
	case sourceEngine:
		return "engine"
	case sourceHeuristic:
		return "heuristic"
	default:
		return "random"
	}
}

// decision is a chosen move tagged with the path that produced it.
type decision struct {
	move   *chess.Move
	source source
}

type candidate struct {
	models.Candidate
	move *chess.Move
}

// Selector chooses moves for personalities. It is safe for concurrent use.
type Selector struct {
	log *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

type SelectorOption func(*Selector)

// WithRand fixes the random source, mostly for tests.
func WithRand(rng *rand.Rand) SelectorOption {
	return func(s *Selector) {
		s.rng = rng
	}
}

func WithLogger(log *zap.Logger) SelectorOption {
	return func(s *Selector) {
		if log != nil {
			s.log = log
		}
	}
}

func NewSelector(opts ...SelectorOption) *Selector {
	s := &Selector{log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(seed(), seed()))
	}
	return s
}

func seed() uint64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return rand.Uint64()
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (s *Selector) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Selector) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// ChooseMove returns a legal move for pos as played by cfg, or nil when the
// position has no legal moves. ev may be nil; any failure on the engine path
// falls back to the static heuristic.
func (s *Selector) ChooseMove(ctx context.Context, pos *chess.Position, cfg models.PersonalityConfig, ev Evaluator) *chess.Move {
	legal := pos.ValidMoves()
	if len(legal) == 0 {
		return nil
	}

	d, err := s.fromEngine(ctx, pos, legal, cfg, ev)
	if err != nil {
		s.log.Debug("engine path failed, using heuristic", zap.String("personality", cfg.Name), zap.Error(err))
		d = s.degrade(pos, legal, cfg.BlunderLevel)
	}

	s.log.Debug("move chosen",
		zap.String("personality", cfg.Name),
		zap.String("move", d.move.String()),
		zap.Stringer("source", d.source),
	)
	return d.move
}

func (s *Selector) fromEngine(ctx context.Context, pos *chess.Position, legal []*chess.Move, cfg models.PersonalityConfig, ev Evaluator) (decision, error) {
	if ev == nil || !ev.Ready() {
		return decision{}, errNoEngine
	}

	if err := ev.SetBreadth(ctx, BreadthFor(cfg.BlunderLevel)); err != nil {
		return decision{}, fmt.Errorf("set breadth: %w", err)
	}
	res, err := ev.EvaluatePosition(ctx, pos, SearchDepth(cfg))
	if err != nil {
		return decision{}, fmt.Errorf("evaluate: %w", err)
	}

	cands := candidates(pos, legal, res)
	if len(cands) == 0 {
		return decision{}, errNoCandidates
	}
	return s.decide(pos, legal, cands, cfg.BlunderLevel), nil
}

// Chance of playing the second line when playing well.
const (
	steadyVariety = 0.05
	looseVariety  = 0.08
)

// decide applies the two-stage policy to candidates ordered best first.
func (s *Selector) decide(pos *chess.Position, legal []*chess.Move, cands []candidate, blunder float64) decision {
	if s.float() > blunder || len(cands) == 1 {
		variety := steadyVariety
		if blunder >= 0.2 {
			variety = looseVariety
		}
		if len(cands) > 1 && s.float() < variety {
			return decision{move: cands[1].move, source: sourceEngine}
		}
		return decision{move: cands[0].move, source: sourceEngine}
	}

	r := s.float()
	switch {
	case r < 0.5:
		// mild: one of the next best
		alts := cands[1:min(3, len(cands))]
		return decision{move: alts[s.intn(len(alts))].move, source: sourceEngine}
	case r < 0.75:
		return s.degrade(pos, legal, math.Min(0.3, blunder*1.5))
	default:
		if blunder > 0.3 && s.float() < 0.5 {
			return s.random(legal)
		}
		return s.degrade(pos, legal, math.Min(0.5, blunder*2))
	}
}

// degrade tries the heuristic at the given blunder level, then a random move.
func (s *Selector) degrade(pos *chess.Position, legal []*chess.Move, blunder float64) decision {
	m, err := s.heuristic(pos, legal, blunder)
	if err != nil {
		s.log.Debug("heuristic failed", zap.Error(err))
		return s.random(legal)
	}
	return decision{move: m, source: sourceHeuristic}
}

func (s *Selector) random(legal []*chess.Move) decision {
	return decision{move: legal[s.intn(len(legal))], source: sourceRandom}
}

// SearchDepth is the fixed depth when set, else the think time translated to
// a depth between 8 and 14.
func SearchDepth(cfg models.PersonalityConfig) int {
	if cfg.FixedSearchDepth > 0 {
		return cfg.FixedSearchDepth
	}
	d := int(math.Round(float64(cfg.MaxThinkTimeMs) / 25))
	return min(max(d, 8), 14)
}

// BreadthFor widens the engine's candidate list for more fallible players.
func BreadthFor(blunder float64) int {
	switch {
	case blunder < 0.2:
		return 3
	case blunder < 0.5:
		return 4
	default:
		return 5
	}
}

// Candidates intersects the engine's lines with the legal moves. Reported
// moves that are not legal are dropped.
func Candidates(pos *chess.Position, res models.EvaluationResult) []models.Candidate {
	cands := candidates(pos, pos.ValidMoves(), res)
	out := make([]models.Candidate, len(cands))
	for i, c := range cands {
		out[i] = c.Candidate
	}
	return out
}

func candidates(pos *chess.Position, legal []*chess.Move, res models.EvaluationResult) []candidate {
	var (
		out  []candidate
		seen = make(map[*chess.Move]bool)
	)
	for _, line := range res.Lines {
		m := matchLegal(pos, legal, line.Head())
		if m == nil || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, candidate{
			Candidate: models.Candidate{Move: encode(pos, m), Score: moverScore(pos, line)},
			move:      m,
		})
	}
	if len(out) > 0 {
		return out
	}

	if m := matchLegal(pos, legal, res.BestMove); m != nil {
		out = append(out, candidate{Candidate: models.Candidate{Move: encode(pos, m)}, move: m})
	}
	return out
}

// matchLegal finds the legal move for a UCI token. A bare from-to token that
// only matches promotions is read as a queen promotion.
func matchLegal(pos *chess.Position, legal []*chess.Move, token string) *chess.Move {
	if token == "" {
		return nil
	}
	for _, m := range legal {
		if encode(pos, m) == token {
			return m
		}
	}
	if len(token) != 4 {
		return nil
	}
	for _, m := range legal {
		if m.Promo() == chess.Queen && m.S1().String()+m.S2().String() == token {
			return m
		}
	}
	return nil
}

func encode(pos *chess.Position, m *chess.Move) string {
	return chess.UCINotation{}.Encode(pos, m)
}

// moverScore converts a White-perspective line score to the side to move.
func moverScore(pos *chess.Position, line models.EvaluationLine) int {
	var v int
	switch {
	case line.Mate != nil && *line.Mate > 0:
		v = mateValue - *line.Mate
	case line.Mate != nil:
		v = -mateValue - *line.Mate
	case line.Score != nil:
		v = *line.Score
	}
	if pos.Turn() == chess.Black {
		v = -v
	}
	return v
}

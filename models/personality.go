package models

import "fmt"

// Phase keys a flavor-text bank.
type Phase string

const (
	PhaseOpening    Phase = "opening"
	PhaseMiddlegame Phase = "middlegame"
	PhaseEndgame    Phase = "endgame"
	PhaseWin        Phase = "win"
	PhaseLoss       Phase = "loss"
	PhaseDraw       Phase = "draw"
)

// PersonalityConfig describes how strong and how fallible an opponent plays.
type PersonalityConfig struct {
	Name             string             `json:"name" yaml:"name"`
	Description      string             `json:"description,omitempty" yaml:"description"`
	RatingTarget     int                `json:"rating_target" yaml:"rating_target"`
	BlunderLevel     float64            `json:"blunder_level" yaml:"blunder_level"`
	FixedSearchDepth int                `json:"fixed_search_depth" yaml:"fixed_search_depth"`
	MaxThinkTimeMs   int                `json:"max_think_time_ms" yaml:"max_think_time_ms"`
	Flavor           map[Phase][]string `json:"flavor,omitempty" yaml:"flavor"`
}

// Validate checks the numeric ranges of the configuration.
func (c PersonalityConfig) Validate() error {
	if c.BlunderLevel < 0 || c.BlunderLevel > 1 {
		return fmt.Errorf("personality %q: blunder level %v outside [0,1]", c.Name, c.BlunderLevel)
	}
	if c.FixedSearchDepth < 0 {
		return fmt.Errorf("personality %q: negative search depth %d", c.Name, c.FixedSearchDepth)
	}
	if c.MaxThinkTimeMs < 0 {
		return fmt.Errorf("personality %q: negative think time %d", c.Name, c.MaxThinkTimeMs)
	}
	return nil
}

// Candidate is an engine line intersected with the legal-move set.
type Candidate struct {
	Move  string `json:"move"`
	Score int    `json:"score"`
}

package models

// EvaluationLine is one ranked candidate line reported by an engine.
// Score and Mate are always from White's perspective; at most one is set.
type EvaluationLine struct {
	PV    []string `json:"pv"`
	Depth int      `json:"depth"`
	Rank  int      `json:"multipv"` // 1 = best
	Score *int     `json:"cp,omitempty"`
	Mate  *int     `json:"mate,omitempty"`
}

// Head returns the first move of the principal variation, or "".
func (l EvaluationLine) Head() string {
	if len(l.PV) == 0 {
		return ""
	}
	return l.PV[0]
}

// EvaluationResult is the structured outcome of one evaluation job.
// Lines are ordered best-first for the side to move.
type EvaluationResult struct {
	BestMove string           `json:"best_move,omitempty"`
	Lines    []EvaluationLine `json:"lines"`
}

// Best returns the first line, or nil if there are none.
func (r EvaluationResult) Best() *EvaluationLine {
	if len(r.Lines) == 0 {
		return nil
	}
	return &r.Lines[0]
}

// Result represents the analysis result a worker submits for a Job.
type Result struct {
	JobID    string           `json:"job_id"`
	FEN      string           `json:"fen"`
	BestMove string           `json:"best_move"`
	Lines    []EvaluationLine `json:"lines"`
	Depth    int              `json:"depth"`
	Time     int              `json:"time_ms"`
	Error    string           `json:"error,omitempty"`
}

// IntPtr is a small helper for optional scores.
func IntPtr(v int) *int {
	return &v
}

package models

// Job represents a chess position analysis job handed out to remote workers.
// Jobs are a single FEN; a game is split into one job per position and tied
// together by BatchID.
type Job struct {
	ID      string `json:"id"`
	BatchID string `json:"batch_id,omitempty"`
	Ply     int    `json:"ply,omitempty"`
	FEN     string `json:"fen"`
	Depth   int    `json:"depth"`
	MultiPV int    `json:"multipv"`
}

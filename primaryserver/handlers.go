package primaryserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/notnil/chess"
	"go.uber.org/zap"

	"github.com/jacokyle01/sparring/models"
	"github.com/jacokyle01/sparring/personality"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) queueError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrQueueFull) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Error("enqueue", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// HTTP handlers
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	job, ok := s.GetJob(r.Context())
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, job)
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var result models.Result
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if result.JobID == "" {
		http.Error(w, "Missing job_id", http.StatusBadRequest)
		return
	}

	if err := s.SubmitResult(r.Context(), result); err != nil {
		s.log.Error("store result", zap.String("job", result.JobID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var job models.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if _, err := chess.FEN(job.FEN); err != nil {
		http.Error(w, "invalid FEN: "+err.Error(), http.StatusBadRequest)
		return
	}

	job, err := s.AddJob(job)
	if err != nil {
		s.queueError(w, err)
		return
	}
	writeJSON(w, map[string]string{"job_id": job.ID})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		http.Error(w, "Missing job_id parameter", http.StatusBadRequest)
		return
	}

	result, exists, err := s.GetResult(r.Context(), jobID)
	if err != nil {
		s.log.Error("load result", zap.String("job", jobID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleViewQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pending := s.PendingJobs()
	writeJSON(w, map[string]any{
		"queue_length": len(pending),
		"pending_jobs": pending,
	})
}

type analysisRequest struct {
	PGN     string `json:"pgn"`
	Depth   int    `json:"depth"`
	MultiPV int    `json:"multipv"`
}

// handleRequestForAnalysis replays a PGN and queues every position of the
// game as one batch.
func (s *Server) handleRequestForAnalysis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req analysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.PGN) == "" {
		http.Error(w, "missing pgn", http.StatusBadRequest)
		return
	}

	pgn, err := chess.PGN(strings.NewReader(req.PGN))
	if err != nil {
		http.Error(w, "invalid PGN: "+err.Error(), http.StatusBadRequest)
		return
	}
	game := chess.NewGame(pgn)

	batch, err := s.AddGame(r.Context(), game, req.Depth, req.MultiPV)
	if err != nil {
		s.queueError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"batch_id": batch.ID,
		"job_ids":  batch.JobIDs,
		"total":    batch.Total,
	})
}

type batchStatus struct {
	ID        string                   `json:"id"`
	Completed int                      `json:"completed"`
	Total     int                      `json:"total"`
	Progress  float64                  `json:"progress"`
	Done      bool                     `json:"done"`
	JobIDs    []string                 `json:"job_ids"`
	Results   map[string]models.Result `json:"results"`
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing id parameter", http.StatusBadRequest)
		return
	}
	b, ok := s.Batch(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, batchStatus{
		ID:        b.ID,
		Completed: b.Completed,
		Total:     b.Total,
		Progress:  b.Progress(),
		Done:      b.Done(),
		JobIDs:    b.JobIDs,
		Results:   b.Results,
	})
}

type moveRequest struct {
	FEN         string `json:"fen"`
	Personality string `json:"personality"`
	Ply         int    `json:"ply"`
}

type moveResponse struct {
	Move     string       `json:"move,omitempty"`
	SAN      string       `json:"san,omitempty"`
	GameOver bool         `json:"game_over"`
	Phase    models.Phase `json:"phase"`
	Flavor   string       `json:"flavor,omitempty"`
}

// handleMove answers with the move the named personality would play.
func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	fen, err := chess.FEN(req.FEN)
	if err != nil {
		http.Error(w, "invalid FEN: "+err.Error(), http.StatusBadRequest)
		return
	}
	cfg, ok := personality.Lookup(s.profiles, req.Personality)
	if !ok {
		http.Error(w, "unknown personality: "+req.Personality, http.StatusNotFound)
		return
	}

	pos := chess.NewGame(fen).Position()
	self := pos.Turn()
	m := s.selector.ChooseMove(r.Context(), pos, cfg, s.engine)
	if m == nil {
		phase := personality.PhaseOf(pos, req.Ply, self)
		writeJSON(w, moveResponse{
			GameOver: true,
			Phase:    phase,
			Flavor:   s.commentator.Comment(r.Context(), cfg, phase, nil),
		})
		return
	}

	next := pos.Update(m)
	phase := personality.PhaseOf(next, req.Ply+1, self)
	san := chess.AlgebraicNotation{}.Encode(pos, m)
	writeJSON(w, moveResponse{
		Move:   chess.UCINotation{}.Encode(pos, m),
		SAN:    san,
		Phase:  phase,
		Flavor: s.commentator.Comment(r.Context(), cfg, phase, []personality.AnnotatedMove{{Ply: req.Ply + 1, Color: self, SAN: san}}),
	})
}

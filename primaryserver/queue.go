package primaryserver

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/notnil/chess"
	"go.uber.org/zap"

	"github.com/jacokyle01/sparring/analysis"
	"github.com/jacokyle01/sparring/models"
)

const (
	defaultDepth   = 15
	defaultMultiPV = 1
)

var ErrQueueFull = errors.New("job queue full")

func newJobID() string {
	return "job_" + uuid.NewString()
}

// AddJob adds a new analysis job to the queue
func (s *Server) AddJob(job models.Job) (models.Job, error) {
	if job.ID == "" {
		job.ID = newJobID()
	}
	if job.Depth <= 0 {
		job.Depth = defaultDepth
	}
	if job.MultiPV <= 0 {
		job.MultiPV = defaultMultiPV
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enqueueLocked(job); err != nil {
		s.log.Warn("job queue full, rejecting job", zap.String("job", job.ID))
		return job, err
	}
	return job, nil
}

// enqueueLocked pushes job without blocking. Producers hold s.mu, so a
// capacity check made under the same lock stays valid.
func (s *Server) enqueueLocked(job models.Job) error {
	select {
	case s.jobs <- job:
		s.jobMap[job.ID] = job
		s.log.Debug("added job to queue", zap.String("job", job.ID))
		return nil
	default:
		return ErrQueueFull
	}
}

// GetJob returns the next job for a worker, waiting up to the poll window.
func (s *Server) GetJob(ctx context.Context) (models.Job, bool) {
	t := time.NewTimer(s.pollWait)
	defer t.Stop()
	select {
	case job := <-s.jobs:
		return job, true
	case <-t.C:
	case <-ctx.Done():
	}
	return models.Job{}, false
}

// PendingJobs lists jobs handed to the queue that have no result yet.
func (s *Server) PendingJobs() []models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := make([]models.Job, 0, len(s.jobMap))
	for _, job := range s.jobMap {
		pending = append(pending, job)
	}
	return pending
}

// AddGame splits a game into one job per position under a new batch.
// Finished positions are scored directly and count as complete. Nothing is
// queued unless every job fits.
func (s *Server) AddGame(ctx context.Context, game *chess.Game, depth, multiPV int) (models.Batch, error) {
	batch := &models.Batch{
		ID:      "batch_" + uuid.NewString(),
		Results: make(map[string]models.Result),
	}

	var jobs []models.Job
	var scored []models.Result
	for ply, pos := range game.Positions() {
		id := newJobID()
		batch.JobIDs = append(batch.JobIDs, id)
		if res, ok := analysis.Terminal(pos); ok {
			scored = append(scored, models.Result{JobID: id, FEN: pos.String(), Lines: res.Lines, Depth: depth})
			continue
		}
		jobs = append(jobs, models.Job{
			ID:      id,
			BatchID: batch.ID,
			Ply:     ply,
			FEN:     pos.String(),
			Depth:   depth,
			MultiPV: multiPV,
		})
	}
	batch.Total = len(batch.JobIDs)

	s.mu.Lock()
	if cap(s.jobs)-len(s.jobs) < len(jobs) {
		s.mu.Unlock()
		return models.Batch{}, ErrQueueFull
	}
	s.batches[batch.ID] = batch
	for _, id := range batch.JobIDs {
		s.owner[id] = batch.ID
	}
	for _, job := range jobs {
		if err := s.enqueueLocked(job); err != nil {
			s.mu.Unlock()
			return models.Batch{}, err
		}
	}
	s.mu.Unlock()
	for _, res := range scored {
		if err := s.SubmitResult(ctx, res); err != nil {
			return models.Batch{}, err
		}
	}

	s.log.Info("queued game for analysis",
		zap.String("batch", batch.ID),
		zap.Int("positions", batch.Total),
		zap.Int("jobs", len(jobs)),
	)
	b, _ := s.Batch(batch.ID)
	return b, nil
}

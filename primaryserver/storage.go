package primaryserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/jacokyle01/sparring/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS results (
	job_id     TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL
)`

// Store persists worker results in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// OpenStore opens (or creates) the result database at path. ":memory:" keeps
// everything in process.
func OpenStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := ":memory:"
	if path != dsn {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// every connection to :memory: is its own database
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Put stores result, replacing any earlier result for the same job.
func (s *Store) Put(ctx context.Context, result models.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if result.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO results (job_id, body, created_at) VALUES (?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET body = excluded.body, created_at = excluded.created_at
`, result.JobID, string(body), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("put result: %w", err)
	}
	return nil
}

// Get returns the stored result for jobID; ok is false if there is none.
func (s *Store) Get(ctx context.Context, jobID string) (result models.Result, ok bool, err error) {
	var body string
	err = s.sqlDB.QueryRowContext(ctx, `SELECT body FROM results WHERE job_id = ?`, jobID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Result{}, false, nil
	}
	if err != nil {
		return models.Result{}, false, fmt.Errorf("get result: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return models.Result{}, false, fmt.Errorf("decode result %s: %w", jobID, err)
	}
	return result, true, nil
}

// SubmitResult stores a completed analysis result
func (s *Server) SubmitResult(ctx context.Context, result models.Result) error {
	if err := s.store.Put(ctx, result); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Remove from pending jobs
	delete(s.jobMap, result.JobID)

	if batch, ok := s.batches[s.owner[result.JobID]]; ok {
		if _, seen := batch.Results[result.JobID]; !seen {
			batch.Completed++
		}
		batch.Results[result.JobID] = result
		s.log.Info("batch progress",
			zap.String("batch", batch.ID),
			zap.Int("completed", batch.Completed),
			zap.Int("total", batch.Total),
		)
	}

	s.log.Debug("received result",
		zap.String("job", result.JobID),
		zap.String("bestmove", result.BestMove),
		zap.String("error", result.Error),
	)
	return nil
}

// GetResult retrieves a result by job ID
func (s *Server) GetResult(ctx context.Context, jobID string) (models.Result, bool, error) {
	return s.store.Get(ctx, jobID)
}

// Batch returns a snapshot of a batch.
func (s *Server) Batch(id string) (models.Batch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return models.Batch{}, false
	}
	snap := *b
	snap.JobIDs = append([]string(nil), b.JobIDs...)
	snap.Results = maps.Clone(b.Results)
	return snap, true
}

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/notnil/chess"
	"go.uber.org/zap"

	"github.com/jacokyle01/sparring/analysis"
	"github.com/jacokyle01/sparring/models"
)

// Client represents a remote worker: it pulls jobs from the primary server
// and evaluates them on its local pool.
type Client struct {
	serverURL string
	pool      *Pool
	http      *http.Client
	log       *zap.Logger
	idle      time.Duration
	maxRetry  time.Duration
}

// NewClient creates a new worker client around a started pool.
func NewClient(serverURL string, pool *Pool, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		serverURL: serverURL,
		pool:      pool,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       log,
		idle:      2 * time.Second,
		maxRetry:  time.Minute,
	}
}

// WorkLoop runs the main worker loop until ctx is done.
func (c *Client) WorkLoop(ctx context.Context) error {
	c.log.Info("starting worker", zap.String("server", c.serverURL))

	for {
		processed, err := c.processJob(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.log.Error("process job", zap.Error(err))
		}
		if processed {
			continue
		}

		c.log.Debug("no jobs available, waiting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.idle):
		}
	}
}

// processJob handles at most one job. It reports whether a job was taken.
func (c *Client) processJob(ctx context.Context) (bool, error) {
	job, err := c.fetchJob(ctx)
	if err != nil || job == nil {
		return false, err
	}

	c.log.Info("processing job", zap.String("job", job.ID), zap.String("fen", job.FEN))

	start := time.Now()
	result := c.analyze(ctx, *job)
	result.JobID = job.ID
	result.FEN = job.FEN
	result.Depth = job.Depth
	result.Time = int(time.Since(start).Milliseconds())

	if err := c.submitResult(ctx, result); err != nil {
		return true, fmt.Errorf("submit result %s: %w", job.ID, err)
	}
	return true, nil
}

func (c *Client) analyze(ctx context.Context, job models.Job) models.Result {
	opt, err := chess.FEN(job.FEN)
	if err != nil {
		return models.Result{Error: fmt.Sprintf("invalid fen: %v", err)}
	}
	pos := chess.NewGame(opt).Position()
	if res, ok := analysis.Terminal(pos); ok {
		return models.Result{Lines: res.Lines}
	}

	if job.MultiPV >= MinBreadth && job.MultiPV != c.pool.Breadth() {
		if err := c.pool.SetBreadth(ctx, job.MultiPV); err != nil {
			return models.Result{Error: err.Error()}
		}
	}

	res, err := c.pool.EvaluatePosition(ctx, pos, job.Depth)
	if err != nil {
		c.log.Warn("analyze position", zap.String("job", job.ID), zap.Error(err))
		return models.Result{Error: err.Error()}
	}
	return models.Result{BestMove: res.BestMove, Lines: res.Lines}
}

// fetchJob returns nil when the server has no work.
func (c *Client) fetchJob(ctx context.Context) (*models.Job, error) {
	op := func() (*models.Job, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/job", nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusNoContent:
			return nil, nil
		case http.StatusOK:
		default:
			return nil, fmt.Errorf("get job: status %d", resp.StatusCode)
		}

		var job models.Job
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decode job: %w", err))
		}
		return &job, nil
	}

	job, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(c.maxRetry),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("get job failed, retrying", zap.Error(err), zap.Duration("in", next))
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return job, nil
}

func (c *Client) submitResult(ctx context.Context, result models.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/result", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("submit result: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) Close() {
	c.pool.Shutdown()
}

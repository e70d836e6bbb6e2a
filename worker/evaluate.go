package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/notnil/chess"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacokyle01/sparring/analysis"
	"github.com/jacokyle01/sparring/models"
)

var tracer = otel.Tracer("github.com/jacokyle01/sparring/worker")

// ProgressFunc receives batch progress as a percentage.
type ProgressFunc func(percent float64)

// EvaluatePosition searches pos to depth on the next free channel.
func (p *Pool) EvaluatePosition(ctx context.Context, pos *chess.Position, depth int) (models.EvaluationResult, error) {
	if depth < 1 {
		return models.EvaluationResult{}, &ValidationError{Field: "depth", Value: depth, Reason: "must be positive"}
	}
	fen := pos.String()

	ctx, span := tracer.Start(ctx, "worker.EvaluatePosition", trace.WithAttributes(
		attribute.String("chess.fen", fen),
		attribute.Int("chess.depth", depth),
	))
	defer span.End()

	start := time.Now()
	j := newJob(markerBestMove, "position fen "+fen, fmt.Sprintf("go depth %d", depth))
	lines, err := p.exec(ctx, j)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.EvaluationResult{}, err
	}

	res := analysis.Parse(pos, lines)
	span.SetAttributes(attribute.String("chess.bestmove", res.BestMove), attribute.Int("chess.lines", len(res.Lines)))
	p.log.Debug("position evaluated",
		zap.String("fen", fen),
		zap.Int("depth", depth),
		zap.String("bestmove", res.BestMove),
		zap.Duration("took", time.Since(start)),
	)
	return res, nil
}

// EvaluateBatch evaluates every position with breadth lines on workerCount
// channels and shrinks the pool back to one channel afterwards. Checkmate
// and stalemate positions are scored without an engine. Results are in input
// order.
func (p *Pool) EvaluateBatch(ctx context.Context, positions []*chess.Position, depth, breadth, workerCount int, onProgress ProgressFunc) ([]models.EvaluationResult, error) {
	if err := validateBreadth(breadth); err != nil {
		return nil, err
	}
	if err := validateWorkers(workerCount); err != nil {
		return nil, err
	}
	if !p.Ready() {
		return nil, ErrNotReady
	}

	ctx, span := tracer.Start(ctx, "worker.EvaluateBatch", trace.WithAttributes(
		attribute.Int("chess.positions", len(positions)),
		attribute.Int("chess.depth", depth),
		attribute.Int("chess.breadth", breadth),
		attribute.Int("pool.workers", workerCount),
	))
	defer span.End()

	defer func() {
		if err := p.SetWorkerCount(context.WithoutCancel(ctx), 1); err != nil {
			p.log.Warn("shrink after batch", zap.Error(err))
		}
	}()

	if err := p.SetWorkerCount(ctx, workerCount); err != nil {
		return nil, err
	}
	if err := p.SetBreadth(ctx, breadth); err != nil {
		return nil, err
	}
	if p.settle > 0 {
		select {
		case <-time.After(p.settle):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var (
		mu   sync.Mutex
		done int
	)
	report := func() {
		mu.Lock()
		defer mu.Unlock()
		done++
		if onProgress != nil {
			onProgress(models.SaturatingProgress(done, len(positions)))
		}
	}

	results := make([]models.EvaluationResult, len(positions))
	g, gctx := errgroup.WithContext(ctx)
	for i, pos := range positions {
		if res, ok := analysis.Terminal(pos); ok {
			results[i] = res
			report()
			continue
		}
		g.Go(func() error {
			res, err := p.EvaluatePosition(gctx, pos, depth)
			if err != nil {
				return fmt.Errorf("position %d: %w", i, err)
			}
			results[i] = res
			report()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if onProgress != nil {
		onProgress(100)
	}
	return results, nil
}

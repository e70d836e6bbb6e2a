package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	MinBreadth = 2
	MaxBreadth = 6

	MinRating = 1350
	MaxRating = 2850
)

func validateBreadth(n int) error {
	if n < MinBreadth || n > MaxBreadth {
		return &ValidationError{Field: "breadth", Value: n, Reason: fmt.Sprintf("must be in [%d,%d]", MinBreadth, MaxBreadth)}
	}
	return nil
}

func validateStrength(limit bool, rating int) error {
	if limit && (rating < MinRating || rating > MaxRating) {
		return &ValidationError{Field: "rating", Value: rating, Reason: fmt.Sprintf("must be in [%d,%d] when limiting strength", MinRating, MaxRating)}
	}
	return nil
}

func validateWorkers(n int) error {
	if n < 1 {
		return &ValidationError{Field: "workers", Value: n, Reason: "pool needs at least one channel"}
	}
	return nil
}

func breadthCommand(n int) string {
	return fmt.Sprintf("setoption name MultiPV value %d", n)
}

func strengthCommands(s Strength) []string {
	cmds := []string{fmt.Sprintf("setoption name UCI_LimitStrength value %t", s.Limit)}
	if s.Limit {
		cmds = append(cmds, fmt.Sprintf("setoption name UCI_Elo value %d", s.Rating))
	}
	return cmds
}

// optionCommands replays the pool's current options onto a new channel.
func optionCommands(breadth int, s Strength) []string {
	var cmds []string
	if breadth > 0 {
		cmds = append(cmds, breadthCommand(breadth))
	}
	if s.Limit {
		cmds = append(cmds, strengthCommands(s)...)
	}
	return cmds
}

// SetBreadth sets how many candidate lines every channel reports.
func (p *Pool) SetBreadth(ctx context.Context, n int) error {
	if err := validateBreadth(n); err != nil {
		return err
	}
	if err := p.broadcast(ctx, breadthCommand(n)); err != nil {
		return fmt.Errorf("set breadth: %w", err)
	}
	p.mu.Lock()
	p.breadth = n
	p.mu.Unlock()
	return nil
}

// SetStrength turns engine strength limiting on or off.
func (p *Pool) SetStrength(ctx context.Context, limit bool, rating int) error {
	if err := validateStrength(limit, rating); err != nil {
		return err
	}
	s := Strength{Limit: limit, Rating: rating}
	if !limit {
		s.Rating = 0
	}
	if err := p.broadcast(ctx, strengthCommands(s)...); err != nil {
		return fmt.Errorf("set strength: %w", err)
	}
	p.mu.Lock()
	p.strength = s
	p.mu.Unlock()
	return nil
}

// broadcast runs cmds followed by isready on every channel and returns once
// each one answered readyok. A busy channel takes the broadcast before any
// queued job.
func (p *Pool) broadcast(ctx context.Context, cmds ...string) error {
	p.mu.Lock()
	if !p.ready {
		p.mu.Unlock()
		return ErrNotReady
	}
	var targets []*slot
	for _, s := range p.slots {
		if !s.retired {
			targets = append(targets, s)
		}
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range targets {
		j := newJob(markerReadyOk, append(append([]string(nil), cmds...), "isready")...)
		j.pinned = s
		g.Go(func() error {
			_, err := p.exec(gctx, j)
			return err
		})
	}
	return g.Wait()
}

// SetWorkerCount grows or shrinks the pool to n channels. Shrinking retires
// free channels first; busy ones are terminated once their job finishes.
func (p *Pool) SetWorkerCount(ctx context.Context, n int) error {
	if err := validateWorkers(n); err != nil {
		return err
	}
	if !p.Ready() {
		return ErrNotReady
	}

	size := p.Size()
	switch {
	case n > size:
		return p.grow(ctx, n-size)
	case n < size:
		return p.shrink(ctx, size-n)
	}
	return nil
}

func (p *Pool) grow(ctx context.Context, count int) error {
	g, gctx := errgroup.WithContext(ctx)
	for range count {
		g.Go(func() error {
			s, err := p.spawn(gctx)
			if err != nil {
				return err
			}
			p.attach(s)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("grow pool: %w", err)
	}
	p.log.Debug("pool grown", zap.Int("added", count), zap.Int("size", p.Size()))
	return nil
}

func (p *Pool) shrink(ctx context.Context, count int) error {
	p.mu.Lock()
	var idle, busy []*slot
	for _, s := range p.free {
		if len(idle) == count {
			break
		}
		idle = append(idle, s)
	}
	for _, s := range idle {
		s.retired = true
		p.dropLocked(s)
	}
	for i := len(p.slots) - 1; i >= 0 && len(idle)+len(busy) < count; i-- {
		s := p.slots[i]
		if s.retired {
			continue
		}
		s.retired = true
		busy = append(busy, s)
	}
	p.mu.Unlock()

	for _, s := range idle {
		p.retire(s)
	}

	for _, s := range append(idle, busy...) {
		select {
		case <-s.gone:
		case <-ctx.Done():
			return fmt.Errorf("shrink pool: %w", ctx.Err())
		}
	}
	p.log.Debug("pool shrunk", zap.Int("removed", count), zap.Int("size", p.Size()))
	return nil
}

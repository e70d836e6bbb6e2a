package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	markerBestMove = "bestmove"
	markerUCIOk    = "uciok"
	markerReadyOk  = "readyok"
)

// job is one command sequence bound to at most one channel at a time.
type job struct {
	commands []string
	terminal string
	onLine   func(string)

	// pinned jobs must run on this slot; used for broadcasts and handshakes.
	pinned *slot

	// guarded by Pool.mu
	slot *slot

	// written by the channel's reader before settled is closed
	lines   []string
	err     error
	settled chan struct{}
}

func newJob(terminal string, commands ...string) *job {
	return &job{
		commands: commands,
		terminal: terminal,
		settled:  make(chan struct{}),
	}
}

// slot is the pool's record of one channel.
type slot struct {
	conn Conn

	// guarded by Pool.mu
	job      *job
	pinned   []*job
	attached bool
	retired  bool

	gone     chan struct{}
	goneOnce sync.Once
}

func (s *slot) markGone() {
	s.goneOnce.Do(func() { close(s.gone) })
}

// Strength is the engine's strength-limit setting.
type Strength struct {
	Limit  bool
	Rating int
}

// Pool owns every engine channel. Callers never touch a channel directly:
// each request becomes a job which is bound to a free channel or queued in
// arrival order, and a channel that frees up takes the oldest queued job
// before it is marked free again.
type Pool struct {
	spawner      Spawner
	log          *zap.Logger
	settle       time.Duration
	respawnTries uint

	// life is cancelled by Shutdown and bounds channel replacement.
	life   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ready    bool
	closed   bool
	slots    []*slot
	free     []*slot
	queue    []*job
	breadth  int
	strength Strength
	// replacements in flight
	respawning int

	startMu sync.Mutex
	wg      sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(log *zap.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// WithSettleDelay sets the pause between option changes and batch dispatch.
func WithSettleDelay(d time.Duration) Option {
	return func(p *Pool) {
		p.settle = d
	}
}

// WithRespawnTries bounds the attempts to replace a crashed channel.
func WithRespawnTries(n uint) Option {
	return func(p *Pool) {
		if n > 0 {
			p.respawnTries = n
		}
	}
}

// NewPool creates a pool that is not ready until Start succeeds.
func NewPool(spawner Spawner, opts ...Option) *Pool {
	p := &Pool{
		spawner:      spawner,
		log:          zap.NewNop(),
		settle:       100 * time.Millisecond,
		respawnTries: 5,
	}
	p.life, p.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start spawns the first channel and runs the UCI handshake on it.
func (p *Pool) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.mu.Lock()
	if p.ready {
		p.mu.Unlock()
		return nil
	}
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	s, err := p.spawn(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	p.attach(s)

	p.log.Info("engine pool ready", zap.String("channel", s.conn.ID()))
	return nil
}

// Ready reports whether the pool finished its handshake and is not shut down.
func (p *Pool) Ready() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Size returns the number of live, non-retiring channels.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveLocked()
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Breadth returns the configured multi-line count, 0 when never set.
func (p *Pool) Breadth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.breadth
}

func (p *Pool) Strength() Strength {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strength
}

// exec runs j and returns every line the engine emitted for it, the terminal
// line included. Channel failures are returned as they are.
func (p *Pool) exec(ctx context.Context, j *job) ([]string, error) {
	if err := p.submit(j); err != nil {
		return nil, err
	}

	select {
	case <-j.settled:
		return j.lines, j.err
	case <-ctx.Done():
	}

	p.mu.Lock()
	if j.slot == nil {
		p.unqueueLocked(j)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
	s := j.slot
	if s.job != j {
		// finished while we were waiting for the lock
		p.mu.Unlock()
		<-j.settled
		return j.lines, j.err
	}
	attached := s.attached
	p.mu.Unlock()

	if !attached {
		// A handshake may never answer; the channel is dropped and the job
		// settles through watch.
		if err := s.conn.Terminate(); err != nil {
			p.log.Debug("terminate after cancel", zap.Error(err))
		}
		<-j.settled
		return nil, ctx.Err()
	}

	// The channel stays bound until the engine answers the interrupt.
	if err := s.conn.Send("stop"); err != nil {
		p.log.Debug("stop after cancel", zap.Error(err))
	}
	<-j.settled
	return nil, ctx.Err()
}

// submit binds j to a channel or queues it.
func (p *Pool) submit(j *job) error {
	p.mu.Lock()

	var target *slot
	switch {
	case j.pinned != nil && !j.pinned.attached:
		// handshake on a channel nobody else can see yet
		target = j.pinned
	case !p.ready:
		p.mu.Unlock()
		return ErrNotReady
	case j.pinned != nil:
		if p.takeFreeLocked(j.pinned) {
			target = j.pinned
		} else {
			j.pinned.pinned = append(j.pinned.pinned, j)
		}
	case len(p.free) > 0:
		target = p.free[0]
		p.free = p.free[1:]
	default:
		p.queue = append(p.queue, j)
	}

	if target != nil {
		p.bindLocked(target, j)
	}
	p.mu.Unlock()

	if target != nil {
		p.dispatch(target, j)
	}
	return nil
}

func (p *Pool) takeFreeLocked(s *slot) bool {
	i := slices.Index(p.free, s)
	if i < 0 {
		return false
	}
	p.free = slices.Delete(p.free, i, i+1)
	return true
}

func (p *Pool) unqueueLocked(j *job) {
	if i := slices.Index(p.queue, j); i >= 0 {
		p.queue = slices.Delete(p.queue, i, i+1)
		return
	}
	if j.pinned != nil {
		if i := slices.Index(j.pinned.pinned, j); i >= 0 {
			j.pinned.pinned = slices.Delete(j.pinned.pinned, i, i+1)
		}
	}
}

func (p *Pool) bindLocked(s *slot, j *job) {
	s.job = j
	j.slot = s
}

// dispatch sends j's commands to its channel. Must be called without p.mu.
func (p *Pool) dispatch(s *slot, j *job) {
	var mu sync.Mutex
	finished := false
	s.conn.OnLine(func(line string) {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		if j.onLine != nil {
			j.onLine(line)
		}
		j.lines = append(j.lines, line)
		if strings.HasPrefix(line, j.terminal) {
			finished = true
			p.finish(s, j, nil)
		}
	})
	for _, cmd := range j.commands {
		if err := s.conn.Send(cmd); err != nil {
			mu.Lock()
			done := finished
			finished = true
			mu.Unlock()
			if !done {
				p.finish(s, j, err)
			}
			return
		}
	}
}

// finish settles j and releases its channel: the channel takes the next
// pinned or queued job straight away and is only marked free when there is
// none.
func (p *Pool) finish(s *slot, j *job, err error) {
	p.mu.Lock()
	if s.job != j {
		p.mu.Unlock()
		return
	}
	s.job = nil
	next, retire := p.releaseLocked(s)
	p.mu.Unlock()

	j.err = err
	close(j.settled)

	if retire {
		p.retire(s)
		return
	}
	if next != nil {
		p.dispatch(s, next)
	}
}

// releaseLocked picks the next job for a freed channel.
func (p *Pool) releaseLocked(s *slot) (next *job, retire bool) {
	if !s.attached {
		return nil, false
	}
	if s.retired {
		p.dropLocked(s)
		for _, pj := range s.pinned {
			settleLocked(pj, nil)
		}
		s.pinned = nil
		return nil, true
	}
	if len(s.pinned) > 0 {
		next = s.pinned[0]
		s.pinned = s.pinned[1:]
	} else if len(p.queue) > 0 {
		next = p.queue[0]
		p.queue = p.queue[1:]
	}
	if next != nil {
		p.bindLocked(s, next)
		return next, false
	}
	p.free = append(p.free, s)
	return nil, false
}

// settleLocked completes a job that never reached a channel.
func settleLocked(j *job, err error) {
	j.err = err
	close(j.settled)
}

func (p *Pool) dropLocked(s *slot) {
	if i := slices.Index(p.slots, s); i >= 0 {
		p.slots = slices.Delete(p.slots, i, i+1)
	}
	p.takeFreeLocked(s)
}

// retire terminates a channel off the caller's goroutine, since the caller
// may be the channel's own reader.
func (p *Pool) retire(s *slot) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer s.markGone()
		if err := s.conn.Terminate(); err != nil {
			p.log.Warn("terminate engine", zap.String("channel", s.conn.ID()), zap.Error(err))
		}
	}()
}

// spawn starts a channel and runs the handshake and current options on it.
// The channel is not visible to other jobs until attach.
func (p *Pool) spawn(ctx context.Context) (*slot, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.life, cancel)
	defer stop()

	conn, err := p.spawner.Spawn(ctx)
	if err != nil {
		return nil, fmt.Errorf("spawn engine: %w", err)
	}
	s := &slot{conn: conn, gone: make(chan struct{})}
	p.watch(s)

	hello := newJob(markerUCIOk, "uci")
	hello.pinned = s
	if _, err := p.exec(ctx, hello); err != nil {
		_ = conn.Terminate()
		return nil, fmt.Errorf("uci handshake: %w", err)
	}

	p.mu.Lock()
	cmds := optionCommands(p.breadth, p.strength)
	p.mu.Unlock()

	ready := newJob(markerReadyOk, append(cmds, "isready")...)
	ready.pinned = s
	if _, err := p.exec(ctx, ready); err != nil {
		_ = conn.Terminate()
		return nil, fmt.Errorf("engine ready: %w", err)
	}
	return s, nil
}

// attach publishes a handshaken channel, handing it queued work at once.
func (p *Pool) attach(s *slot) {
	p.mu.Lock()
	next, ok := p.attachLocked(s)
	p.mu.Unlock()
	p.handOff(s, next, ok)
}

func (p *Pool) attachLocked(s *slot) (next *job, ok bool) {
	if p.closed || !p.ready {
		return nil, false
	}
	s.attached = true
	p.slots = append(p.slots, s)
	next, _ = p.releaseLocked(s)
	return next, true
}

// handOff finishes attachLocked without p.mu.
func (p *Pool) handOff(s *slot, next *job, ok bool) {
	if !ok {
		p.retire(s)
		return
	}
	if next != nil {
		p.dispatch(s, next)
	}
}

// watch settles the bound job when the channel dies and replaces channels
// that crash while the pool is running.
func (p *Pool) watch(s *slot) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		<-s.conn.Done()
		defer s.markGone()

		p.mu.Lock()
		j := s.job
		s.job = nil
		pinned := s.pinned
		s.pinned = nil
		wasLive := s.attached && !s.retired && !p.closed
		if s.attached {
			p.dropLocked(s)
		}
		if wasLive {
			p.respawning++
		}
		p.mu.Unlock()

		err := s.conn.Err()
		if err == nil {
			err = &ProtocolError{Channel: s.conn.ID(), Op: "read", Err: ErrClosed}
		}
		if j != nil {
			j.err = err
			close(j.settled)
		}
		for _, pj := range pinned {
			pj.err = err
			close(pj.settled)
		}

		if !wasLive {
			return
		}
		p.log.Warn("engine channel died, replacing", zap.String("channel", s.conn.ID()), zap.Error(err))
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.replace(s.conn.ID())
		}()
	}()
}

// replace spawns a channel in place of a dead one, retrying with backoff. When
// it gives up and no channel is left the pool stops being ready and queued
// jobs fail instead of waiting for a channel that will never come.
func (p *Pool) replace(dead string) {
	ns, err := backoff.Retry(p.life, func() (*slot, error) {
		return p.spawn(p.life)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(p.respawnTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.Warn("replace engine channel failed, retrying", zap.Error(err), zap.Duration("in", next))
		}),
	)

	p.mu.Lock()
	p.respawning--
	if err == nil {
		next, ok := p.attachLocked(ns)
		p.mu.Unlock()
		p.handOff(ns, next, ok)
		return
	}
	abandon := !p.closed && p.respawning == 0 && p.liveLocked() == 0
	var queued []*job
	if abandon {
		p.ready = false
		queued = p.queue
		p.queue = nil
		perr := &ProtocolError{Channel: dead, Op: "respawn", Err: err}
		for _, j := range queued {
			settleLocked(j, perr)
		}
	}
	p.mu.Unlock()

	p.log.Error("replace engine channel", zap.String("channel", dead), zap.Error(err))
	if abandon {
		p.log.Error("engine pool has no channels left", zap.Int("failed", len(queued)))
	}
}

func (p *Pool) liveLocked() int {
	n := 0
	for _, s := range p.slots {
		if !s.retired {
			n++
		}
	}
	return n
}

// Stop interrupts every job: queued jobs fail with ErrStopped and every busy
// channel is told to stop and reclaimed once it answers.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.ready {
		p.mu.Unlock()
		return ErrNotReady
	}
	queued := p.queue
	p.queue = nil
	type running struct {
		conn Conn
		job  *job
	}
	var busy []running
	for _, s := range p.slots {
		if s.job != nil {
			busy = append(busy, running{conn: s.conn, job: s.job})
		}
	}
	for _, j := range queued {
		settleLocked(j, ErrStopped)
	}
	p.mu.Unlock()

	g := new(errgroup.Group)
	for _, r := range busy {
		g.Go(func() error {
			if err := r.conn.Send("stop"); err != nil {
				return err
			}
			select {
			case <-r.job.settled:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("stop jobs: %w", err)
	}
	p.log.Info("stopped all jobs", zap.Int("queued", len(queued)), zap.Int("running", len(busy)))
	return nil
}

// Shutdown clears the queue, terminates every channel and marks the pool not
// ready. It waits for the pool's goroutines to exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.ready = false
	p.closed = true
	queued := p.queue
	p.queue = nil
	slots := p.slots
	p.slots = nil
	p.free = nil
	for _, j := range queued {
		settleLocked(j, ErrClosed)
	}
	for _, s := range slots {
		s.retired = true
	}
	p.mu.Unlock()
	p.cancel()

	var errs []error
	for _, s := range slots {
		if err := s.conn.Terminate(); err != nil {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()

	if err := errors.Join(errs...); err != nil {
		p.log.Warn("shutdown", zap.Error(err))
	}
	p.log.Info("engine pool shut down", zap.Int("channels", len(slots)))
}

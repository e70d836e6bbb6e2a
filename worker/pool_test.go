package worker

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/notnil/chess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	startFEN     = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	afterE4FEN   = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"
	afterNf3FEN  = "rnbqkbnr/pppppppp/8/8/8/5N2/PPPPPPPP/RNBQKB1R b KQkq - 1 1"
	foolsMateFEN = "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w KQkq - 1 3"
	stalemateFEN = "7k/5Q2/6K1/8/8/8/8/8 b - - 0 1"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func position(t *testing.T, fen string) *chess.Position {
	t.Helper()
	opt, err := chess.FEN(fen)
	require.NoError(t, err)
	return chess.NewGame(opt).Position()
}

func startPool(t *testing.T, sp *fakeSpawner) *Pool {
	t.Helper()
	p := NewPool(sp, WithSettleDelay(0))
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Shutdown)
	return p
}

func TestPoolNotReadyBeforeStart(t *testing.T) {
	sp := &fakeSpawner{}
	p := NewPool(sp)
	ctx := context.Background()

	assert.False(t, p.Ready())

	_, err := p.EvaluatePosition(ctx, position(t, startFEN), 10)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, p.SetBreadth(ctx, 3), ErrNotReady)
	assert.ErrorIs(t, p.SetStrength(ctx, true, 1500), ErrNotReady)
	assert.ErrorIs(t, p.SetWorkerCount(ctx, 2), ErrNotReady)
	_, err = p.EvaluateBatch(ctx, nil, 10, 3, 2, nil)
	assert.ErrorIs(t, err, ErrNotReady)

	assert.Empty(t, sp.Engines())
}

func TestPoolStartHandshake(t *testing.T) {
	sp := &fakeSpawner{}
	p := startPool(t, sp)

	assert.True(t, p.Ready())
	assert.Equal(t, 1, p.Size())
	require.Len(t, sp.Engines(), 1)
	assert.Equal(t, []string{"uci", "isready"}, sp.Engine(0).Commands())
}

func TestPoolStartSpawnFailure(t *testing.T) {
	sp := &fakeSpawner{fail: errors.New("no such binary")}
	p := NewPool(sp)

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such binary")
	assert.False(t, p.Ready())
}

func TestPoolEvaluatePosition(t *testing.T) {
	pos := position(t, startFEN)
	sp := &fakeSpawner{analysis: map[string][]string{
		pos.String(): {
			"info depth 12 multipv 1 score cp 35 pv d2d4 d7d5",
			"info depth 12 multipv 2 score cp 28 pv e2e4 e7e5",
		},
	}}
	p := startPool(t, sp)

	res, err := p.EvaluatePosition(context.Background(), pos, 12)
	require.NoError(t, err)

	assert.Equal(t, "d2d4", res.BestMove)
	require.Len(t, res.Lines, 2)
	assert.Equal(t, "d2d4", res.Lines[0].Head())
	assert.Equal(t, 35, *res.Lines[0].Score)
	assert.Contains(t, sp.Engine(0).Commands(), "position fen "+pos.String())
	assert.Contains(t, sp.Engine(0).Commands(), "go depth 12")
}

func TestPoolEvaluatePositionRejectsDepth(t *testing.T) {
	p := startPool(t, &fakeSpawner{})

	_, err := p.EvaluatePosition(context.Background(), position(t, startFEN), 0)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "depth", verr.Field)
}

func TestPoolQueueIsFIFO(t *testing.T) {
	hold := make(chan struct{})
	sp := &fakeSpawner{hold: hold}
	p := startPool(t, sp)
	eng := sp.Engine(0)
	ctx := context.Background()

	a, b, c := position(t, startFEN), position(t, afterE4FEN), position(t, afterNf3FEN)

	var wg sync.WaitGroup
	evaluate := func(pos *chess.Position) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.EvaluatePosition(ctx, pos, 6)
			assert.NoError(t, err)
		}()
	}

	evaluate(a)
	require.Eventually(t, func() bool { return len(eng.Searched()) == 1 }, waitFor, tick)
	evaluate(b)
	require.Eventually(t, func() bool { return p.Pending() == 1 }, waitFor, tick)
	evaluate(c)
	require.Eventually(t, func() bool { return p.Pending() == 2 }, waitFor, tick)

	// nothing else reached the busy engine while its job was running
	assert.Len(t, eng.Searched(), 1)

	close(hold)
	wg.Wait()

	assert.Equal(t, []string{a.String(), b.String(), c.String()}, eng.Searched())
	assert.Equal(t, 1, eng.MaxInFlight())
	assert.Zero(t, p.Pending())
}

func TestPoolSetBreadthValidation(t *testing.T) {
	sp := &fakeSpawner{}
	p := startPool(t, sp)
	ctx := context.Background()

	require.NoError(t, p.SetBreadth(ctx, 4))

	for _, n := range []int{1, 7} {
		err := p.SetBreadth(ctx, n)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "breadth %d", n)
		assert.Equal(t, "breadth", verr.Field)
	}

	assert.Equal(t, 4, p.Breadth())
	cmds := sp.Engine(0).Commands()
	assert.Contains(t, cmds, "setoption name MultiPV value 4")
	assert.NotContains(t, cmds, "setoption name MultiPV value 1")
	assert.NotContains(t, cmds, "setoption name MultiPV value 7")
}

func TestPoolSetStrength(t *testing.T) {
	sp := &fakeSpawner{}
	p := startPool(t, sp)
	ctx := context.Background()

	for _, rating := range []int{1349, 2851} {
		var verr *ValidationError
		require.ErrorAs(t, p.SetStrength(ctx, true, rating), &verr)
	}
	assert.Equal(t, Strength{}, p.Strength())

	require.NoError(t, p.SetStrength(ctx, true, 2000))
	assert.Equal(t, Strength{Limit: true, Rating: 2000}, p.Strength())
	cmds := sp.Engine(0).Commands()
	assert.Contains(t, cmds, "setoption name UCI_LimitStrength value true")
	assert.Contains(t, cmds, "setoption name UCI_Elo value 2000")

	// rating is ignored when not limiting
	require.NoError(t, p.SetStrength(ctx, false, 0))
	assert.Equal(t, Strength{}, p.Strength())
}

func TestPoolSetWorkerCount(t *testing.T) {
	sp := &fakeSpawner{}
	p := startPool(t, sp)
	ctx := context.Background()

	require.NoError(t, p.SetBreadth(ctx, 3))
	require.NoError(t, p.SetWorkerCount(ctx, 3))
	assert.Equal(t, 3, p.Size())

	engines := sp.Engines()
	require.Len(t, engines, 3)
	for _, e := range engines[1:] {
		// new channels get the handshake and the current options
		cmds := e.Commands()
		assert.Equal(t, "uci", cmds[0])
		assert.Contains(t, cmds, "setoption name MultiPV value 3")
	}

	require.NoError(t, p.SetBreadth(ctx, 5))
	for _, e := range engines {
		assert.Contains(t, e.Commands(), "setoption name MultiPV value 5")
	}

	require.NoError(t, p.SetWorkerCount(ctx, 1))
	assert.Equal(t, 1, p.Size())
	terminated := 0
	for _, e := range engines {
		if e.terminated() {
			terminated++
		}
	}
	assert.Equal(t, 2, terminated)

	var verr *ValidationError
	require.ErrorAs(t, p.SetWorkerCount(ctx, 0), &verr)
	assert.Equal(t, 1, p.Size())
}

func TestPoolShrinkWaitsForBusyChannel(t *testing.T) {
	hold := make(chan struct{})
	sp := &fakeSpawner{hold: hold}
	p := startPool(t, sp)
	ctx := context.Background()

	require.NoError(t, p.SetWorkerCount(ctx, 2))

	done := make(chan error, 2)
	for _, fen := range []string{startFEN, afterE4FEN} {
		pos := position(t, fen)
		go func() {
			_, err := p.EvaluatePosition(ctx, pos, 4)
			done <- err
		}()
	}
	require.Eventually(t, func() bool {
		n := 0
		for _, e := range sp.Engines() {
			n += len(e.Searched())
		}
		return n == 2
	}, waitFor, tick)

	shrunk := make(chan error, 1)
	go func() { shrunk <- p.SetWorkerCount(ctx, 1) }()

	select {
	case <-shrunk:
		t.Fatal("shrink returned while both channels were busy")
	case <-time.After(50 * time.Millisecond):
	}

	close(hold)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	require.NoError(t, <-shrunk)
	assert.Equal(t, 1, p.Size())
}

func TestPoolEvaluateBatch(t *testing.T) {
	sp := &fakeSpawner{}
	p := startPool(t, sp)

	positions := []*chess.Position{
		position(t, startFEN),
		position(t, afterE4FEN),
		position(t, foolsMateFEN),
		position(t, stalemateFEN),
	}

	var progress []float64
	results, err := p.EvaluateBatch(context.Background(), positions, 8, 3, 3, func(pct float64) {
		progress = append(progress, pct)
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, "e2e4", results[0].BestMove)

	require.Len(t, results[2].Lines, 1)
	require.NotNil(t, results[2].Lines[0].Mate)
	assert.Equal(t, -1, *results[2].Lines[0].Mate, "white is mated")

	require.Len(t, results[3].Lines, 1)
	require.NotNil(t, results[3].Lines[0].Score)
	assert.Equal(t, 0, *results[3].Lines[0].Score)

	for _, e := range sp.Engines() {
		assert.NotContains(t, e.Searched(), positions[2].String())
		assert.NotContains(t, e.Searched(), positions[3].String())
	}

	require.Len(t, progress, 5)
	assert.Greater(t, progress[0], 25.0)
	assert.True(t, slices.IsSorted(progress))
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1])
	}
	assert.Less(t, progress[3], 100.0)
	assert.Greater(t, progress[3], 97.0)
	assert.Equal(t, 100.0, progress[4])

	assert.Len(t, sp.Engines(), 3)
	assert.Equal(t, 1, p.Size())
	assert.Equal(t, 3, p.Breadth())
}

func TestPoolEvaluateBatchValidation(t *testing.T) {
	sp := &fakeSpawner{}
	p := startPool(t, sp)
	ctx := context.Background()

	var verr *ValidationError
	_, err := p.EvaluateBatch(ctx, []*chess.Position{position(t, startFEN)}, 8, 7, 2, nil)
	require.ErrorAs(t, err, &verr)
	_, err = p.EvaluateBatch(ctx, []*chess.Position{position(t, startFEN)}, 8, 3, 0, nil)
	require.ErrorAs(t, err, &verr)

	assert.Equal(t, 1, p.Size())
	assert.Len(t, sp.Engines(), 1)
}

func TestPoolProtocolErrorPropagates(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	sp := &fakeSpawner{hold: hold}
	p := startPool(t, sp)
	eng := sp.Engine(0)

	errc := make(chan error, 1)
	go func() {
		_, err := p.EvaluatePosition(context.Background(), position(t, startFEN), 10)
		errc <- err
	}()
	require.Eventually(t, func() bool { return len(eng.Searched()) == 1 }, waitFor, tick)

	eng.crash()

	err := <-errc
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, eng.ID(), perr.Channel)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// the dead channel is replaced so the pool keeps at least one
	require.Eventually(t, func() bool {
		return len(sp.Engines()) == 2 && p.Size() == 1
	}, waitFor, tick)
}

func TestPoolStopClearsQueue(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	sp := &fakeSpawner{hold: hold}
	p := startPool(t, sp)
	ctx := context.Background()

	running := make(chan error, 1)
	go func() {
		_, err := p.EvaluatePosition(ctx, position(t, startFEN), 10)
		running <- err
	}()
	require.Eventually(t, func() bool { return len(sp.Engine(0).Searched()) == 1 }, waitFor, tick)

	queued := make(chan error, 1)
	go func() {
		_, err := p.EvaluatePosition(ctx, position(t, afterE4FEN), 10)
		queued <- err
	}()
	require.Eventually(t, func() bool { return p.Pending() == 1 }, waitFor, tick)

	require.NoError(t, p.Stop(ctx))

	assert.ErrorIs(t, <-queued, ErrStopped)
	assert.NoError(t, <-running)
	assert.Zero(t, p.Pending())
	assert.Contains(t, sp.Engine(0).Commands(), "stop")
}

func TestPoolCancelQueuedJob(t *testing.T) {
	hold := make(chan struct{})
	sp := &fakeSpawner{hold: hold}
	p := startPool(t, sp)

	running := make(chan error, 1)
	go func() {
		_, err := p.EvaluatePosition(context.Background(), position(t, startFEN), 10)
		running <- err
	}()
	require.Eventually(t, func() bool { return len(sp.Engine(0).Searched()) == 1 }, waitFor, tick)

	ctx, cancel := context.WithCancel(context.Background())
	queued := make(chan error, 1)
	go func() {
		_, err := p.EvaluatePosition(ctx, position(t, afterE4FEN), 10)
		queued <- err
	}()
	require.Eventually(t, func() bool { return p.Pending() == 1 }, waitFor, tick)

	cancel()
	assert.ErrorIs(t, <-queued, context.Canceled)
	assert.Zero(t, p.Pending())

	close(hold)
	assert.NoError(t, <-running)
	assert.Equal(t, []string{position(t, startFEN).String()}, sp.Engine(0).Searched())
}

func TestPoolShutdown(t *testing.T) {
	sp := &fakeSpawner{}
	p := startPool(t, sp)
	ctx := context.Background()
	require.NoError(t, p.SetWorkerCount(ctx, 2))

	p.Shutdown()

	assert.False(t, p.Ready())
	_, err := p.EvaluatePosition(ctx, position(t, startFEN), 5)
	assert.ErrorIs(t, err, ErrNotReady)
	for _, e := range sp.Engines() {
		assert.True(t, e.terminated())
	}
}

func TestPoolGivesUpWhenEngineCannotRestart(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	sp := &fakeSpawner{hold: hold}
	p := NewPool(sp, WithSettleDelay(0), WithRespawnTries(1))
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Shutdown)
	eng := sp.Engine(0)
	ctx := context.Background()

	running := make(chan error, 1)
	go func() {
		_, err := p.EvaluatePosition(ctx, position(t, startFEN), 10)
		running <- err
	}()
	require.Eventually(t, func() bool { return len(eng.Searched()) == 1 }, waitFor, tick)

	queued := make(chan error, 1)
	go func() {
		_, err := p.EvaluatePosition(ctx, position(t, afterE4FEN), 10)
		queued <- err
	}()
	require.Eventually(t, func() bool { return p.Pending() == 1 }, waitFor, tick)

	sp.setFail(errors.New("binary gone"))
	eng.crash()

	var perr *ProtocolError
	require.ErrorAs(t, <-running, &perr)
	assert.Equal(t, eng.ID(), perr.Channel)

	// the queued job fails instead of waiting for a channel
	err := <-queued
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "respawn", perr.Op)
	assert.ErrorContains(t, err, "binary gone")

	assert.False(t, p.Ready())
	assert.Zero(t, p.Size())
	assert.Zero(t, p.Pending())
	_, err = p.EvaluatePosition(ctx, position(t, startFEN), 10)
	assert.ErrorIs(t, err, ErrNotReady)

	sp.setFail(nil)
	require.NoError(t, p.Start(ctx))
	assert.True(t, p.Ready())
	assert.Equal(t, 1, p.Size())
}

func TestPoolSendFailureSettlesJob(t *testing.T) {
	eng := newFakeEngine(nil, nil)
	conn := brokenPipeConn{fakeEngine: eng, prefix: "go"}
	p := NewPool(spawnFunc(func(context.Context) (Conn, error) { return conn, nil }), WithSettleDelay(0))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	t.Cleanup(p.Shutdown)

	j := newJob(markerBestMove, "position fen "+startFEN, "go depth 5")
	_, err := p.exec(ctx, j)
	require.ErrorIs(t, err, io.ErrClosedPipe)

	// a line arriving after the job settled is not recorded
	eng.emit("bestmove e2e4")
	assert.Empty(t, j.lines)

	lines, err := p.exec(ctx, newJob(markerReadyOk, "isready"))
	require.NoError(t, err)
	assert.Equal(t, []string{"readyok"}, lines)
}

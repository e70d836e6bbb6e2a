package worker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// fakeEngine answers the UCI commands the pool sends, in-process.
type fakeEngine struct {
	id string

	// analysis maps a FEN to the info lines emitted for it; a default single
	// line is used otherwise.
	analysis map[string][]string
	// hold, when set, delays every search until it is closed or stop arrives.
	hold chan struct{}

	in   chan string
	stop chan struct{}
	done chan struct{}

	mu          sync.Mutex
	handler     func(string)
	commands    []string
	searched    []string
	fen         string
	inFlight    int
	maxInFlight int
	err         error
	closeOnce   sync.Once
}

func newFakeEngine(analysis map[string][]string, hold chan struct{}) *fakeEngine {
	f := &fakeEngine{
		id:       uuid.NewString(),
		analysis: analysis,
		hold:     hold,
		in:       make(chan string, 128),
		stop:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go f.loop()
	return f
}

func (f *fakeEngine) ID() string { return f.id }

func (f *fakeEngine) Send(cmd string) error {
	select {
	case <-f.done:
		return &ProtocolError{Channel: f.id, Op: "send", Err: ErrClosed}
	default:
	}

	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	// a second search sent before the first answered means two jobs share
	// this engine
	if strings.HasPrefix(cmd, "go") {
		f.inFlight++
		if f.inFlight > f.maxInFlight {
			f.maxInFlight = f.inFlight
		}
	}
	f.mu.Unlock()

	if cmd == "stop" {
		select {
		case f.stop <- struct{}{}:
		default:
		}
		return nil
	}

	select {
	case f.in <- cmd:
		return nil
	case <-f.done:
		return &ProtocolError{Channel: f.id, Op: "send", Err: ErrClosed}
	}
}

func (f *fakeEngine) OnLine(handler func(string)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeEngine) Terminate() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeEngine) Done() <-chan struct{} { return f.done }

func (f *fakeEngine) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// crash simulates the process dying unexpectedly.
func (f *fakeEngine) crash() {
	f.mu.Lock()
	f.err = &ProtocolError{Channel: f.id, Op: "read", Err: io.ErrUnexpectedEOF}
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *fakeEngine) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeEngine) Searched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.searched...)
}

func (f *fakeEngine) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *fakeEngine) emit(line string) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(line)
	}
}

func (f *fakeEngine) loop() {
	for {
		select {
		case <-f.done:
			return
		case cmd := <-f.in:
			f.handle(cmd)
		}
	}
}

func (f *fakeEngine) handle(cmd string) {
	switch {
	case cmd == "uci":
		f.emit("id name Fake")
		f.emit("option name MultiPV type spin default 1 min 1 max 500")
		f.emit("uciok")
	case cmd == "isready":
		f.emit("readyok")
	case strings.HasPrefix(cmd, "position fen "):
		f.mu.Lock()
		f.fen = strings.TrimPrefix(cmd, "position fen ")
		f.mu.Unlock()
	case strings.HasPrefix(cmd, "go"):
		f.search(cmd)
	}
}

func (f *fakeEngine) search(cmd string) {
	var depth int
	fmt.Sscanf(cmd, "go depth %d", &depth)

	// drain a stop left over from an earlier search before the search is
	// visible to the test
	select {
	case <-f.stop:
	default:
	}

	f.mu.Lock()
	fen := f.fen
	f.searched = append(f.searched, fen)
	f.mu.Unlock()

	if f.hold != nil {
		select {
		case <-f.hold:
		case <-f.stop:
		case <-f.done:
			return
		}
	}

	lines, ok := f.analysis[fen]
	if !ok {
		lines = []string{fmt.Sprintf("info depth %d multipv 1 score cp 20 pv e2e4", depth)}
	}
	for _, l := range lines {
		f.emit(l)
	}

	best := "e2e4"
	if len(lines) > 0 {
		if i := strings.Index(lines[0], " pv "); i >= 0 {
			best = strings.Fields(lines[0][i+4:])[0]
		}
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	f.emit("bestmove " + best)
}

// fakeSpawner hands out fake engines and remembers them.
type fakeSpawner struct {
	analysis map[string][]string
	hold     chan struct{}
	fail     error

	mu      sync.Mutex
	engines []*fakeEngine
}

func (s *fakeSpawner) Spawn(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	e := newFakeEngine(s.analysis, s.hold)
	s.engines = append(s.engines, e)
	return e, nil
}

func (s *fakeSpawner) Engines() []*fakeEngine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeEngine(nil), s.engines...)
}

func (s *fakeSpawner) Engine(i int) *fakeEngine {
	return s.Engines()[i]
}

func (f *fakeEngine) terminated() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (s *fakeSpawner) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

type spawnFunc func(context.Context) (Conn, error)

func (f spawnFunc) Spawn(ctx context.Context) (Conn, error) { return f(ctx) }

// brokenPipeConn fails every command starting with prefix and otherwise
// behaves like the wrapped engine.
type brokenPipeConn struct {
	*fakeEngine
	prefix string
}

func (c brokenPipeConn) Send(cmd string) error {
	if strings.HasPrefix(cmd, c.prefix) {
		return &ProtocolError{Channel: c.id, Op: "send", Err: io.ErrClosedPipe}
	}
	return c.fakeEngine.Send(cmd)
}

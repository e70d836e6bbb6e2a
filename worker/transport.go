package worker

import (
	"context"

	"go.uber.org/zap"
)

// Conn is a line-oriented handle to one engine process. Implementations carry
// no protocol knowledge.
type Conn interface {
	ID() string
	// Send writes one command line.
	Send(cmd string) error
	// OnLine registers the listener for received lines, replacing any prior one.
	OnLine(handler func(line string))
	// Terminate releases the process. Callers own any pending waiters.
	Terminate() error
	// Done is closed once the process is gone.
	Done() <-chan struct{}
	// Err reports why Done was closed; nil after a clean Terminate.
	Err() error
}

// Spawner starts engine processes.
type Spawner interface {
	Spawn(ctx context.Context) (Conn, error)
}

// ExecSpawner starts one process per channel from an executable path.
type ExecSpawner struct {
	Path   string
	Args   []string
	Logger *zap.Logger
}

func (s ExecSpawner) Spawn(ctx context.Context) (Conn, error) {
	return NewChannel(ctx, s.Path, s.Args, s.Logger)
}

package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const terminateGrace = 2 * time.Second

// Channel wraps a UCI chess engine process.
type Channel struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *bufio.Writer
	log    *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	handler func(string)

	done    chan struct{}
	err     error
	closing atomic.Bool
}

// NewChannel starts the engine at path. The context only bounds process start.
func NewChannel(ctx context.Context, path string, args []string, log *zap.Logger) (*Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	cmd := exec.Command(path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine %s: %w", path, err)
	}

	c := &Channel{
		id:     uuid.NewString(),
		cmd:    cmd,
		stdin:  stdin,
		writer: bufio.NewWriter(stdin),
		done:   make(chan struct{}),
	}
	c.log = log.With(zap.String("channel", c.id))
	c.log.Debug("engine started", zap.String("path", path), zap.Int("pid", cmd.Process.Pid))

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	go c.readLoop(scanner)

	return c, nil
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) Send(cmd string) error {
	select {
	case <-c.done:
		return &ProtocolError{Channel: c.id, Op: "send", Err: ErrClosed}
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.log.Debug("engine <", zap.String("cmd", cmd))
	if _, err := c.writer.WriteString(cmd + "\n"); err != nil {
		return &ProtocolError{Channel: c.id, Op: "send", Err: err}
	}
	if err := c.writer.Flush(); err != nil {
		return &ProtocolError{Channel: c.id, Op: "send", Err: err}
	}
	return nil
}

func (c *Channel) OnLine(handler func(string)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Terminate asks the engine to quit and kills it if it does not exit in time.
func (c *Channel) Terminate() error {
	if !c.closing.CompareAndSwap(false, true) {
		<-c.done
		return nil
	}

	select {
	case <-c.done:
		return nil
	default:
	}

	_ = c.Send("quit")
	c.writeMu.Lock()
	_ = c.stdin.Close()
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(terminateGrace):
		c.log.Warn("engine did not quit, killing")
		if err := c.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill engine %s: %w", c.id, err)
		}
		<-c.done
	}
	return nil
}

func (c *Channel) readLoop(scanner *bufio.Scanner) {
	for scanner.Scan() {
		line := scanner.Text()

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()

		if handler != nil {
			handler(line)
		}
	}

	scanErr := scanner.Err()
	waitErr := c.cmd.Wait()

	if !c.closing.Load() {
		cause := scanErr
		if cause == nil {
			cause = waitErr
		}
		if cause == nil {
			cause = io.ErrUnexpectedEOF
		}
		c.err = &ProtocolError{Channel: c.id, Op: "read", Err: cause}
		c.log.Error("engine exited unexpectedly", zap.Error(c.err))
	}
	close(c.done)
}

package worker

import (
	"errors"
	"fmt"
)

var (
	ErrNotReady = errors.New("engine pool is not ready")
	ErrStopped  = errors.New("engine pool stopped all jobs")
	ErrClosed   = errors.New("engine channel is closed")
)

// ValidationError reports an out-of-range option. Nothing is changed when it
// is returned.
type ValidationError struct {
	Field  string
	Value  int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %d: %s", e.Field, e.Value, e.Reason)
}

// ProtocolError reports a channel failure while talking to an engine.
type ProtocolError struct {
	Channel string
	Op      string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("engine %s: %s: %v", e.Channel, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolSaturated is returned by Submit when every slot is busy. Callers back off and retry.
	ErrPoolSaturated = errors.New("pool saturated")

	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrTimeout is the result error of a task that exceeded the per-task timeout.
	ErrTimeout = errors.New("task timed out")

	// ErrCancelled is the result error of a task cancelled by shutdown.
	ErrCancelled = errors.New("task was cancelled")
)

// HandlerError is a handler failure caught at the slot boundary, including panics.
type HandlerError struct {
	TaskID string
	Err    error
	Panic  any
	Stack  []byte
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("task %s panicked: %v", e.TaskID, e.Panic)
	}
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsHandlerError checks if an error is a HandlerError.
func IsHandlerError(err error) bool {
	var he *HandlerError
	return errors.As(err, &he)
}

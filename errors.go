package coord

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-stack/stack"
)

// Sentinel errors. Use errors.Is to match them.
var (
	// ErrMisuse is matched by every *MisuseError.
	ErrMisuse = errors.New("libqd/coord: misuse")

	// ErrTimedOut is returned by the context-bearing waits when the deadline
	// elapses before the awaited condition holds.
	ErrTimedOut = errors.New("libqd/coord: timed out")

	// ErrResourceExhausted is returned by Spawn when a Group has used up its
	// worker budget.
	ErrResourceExhausted = errors.New("libqd/coord: resource exhausted")
)

// MisuseError reports a call that breaks the contract of a primitive, along
// with the call site that made it.
type MisuseError struct {
	Op     string
	Msg    string
	Caller stack.Call
}

func newMisuseError(op, format string, args ...interface{}) *MisuseError {
	return &MisuseError{
		Op:     op,
		Msg:    fmt.Sprintf(format, args...),
		Caller: stack.Caller(2),
	}
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("libqd/coord: %s: %s (called from %v)", e.Op, e.Msg, e.Caller)
}

// Is makes errors.Is(err, ErrMisuse) hold for any MisuseError.
func (e *MisuseError) Is(target error) bool {
	return target == ErrMisuse
}

// PanicError is recorded on a Handle when its task panics.
type PanicError struct {
	Worker int
	Value  interface{}
	Trace  stack.CallStack
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("libqd/coord: worker %d panicked: %v", e.Worker, e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// waitError turns the error of a finished context into the error returned by
// a context-bearing wait.
func waitError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("libqd/coord: %s: %w: %w", op, ErrTimedOut, err)
	}
	return fmt.Errorf("libqd/coord: %s: %w", op, err)
}

package hostbridge

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrInvalidThreadAccess indicates an engine-affecting operation was
	// attempted without a current Scope on the calling goroutine, or from a
	// goroutine other than the engine goroutine. It is never returned, only
	// raised, via a panic with a [*FatalError].
	ErrInvalidThreadAccess = errors.New("hostbridge: invalid thread access")

	// ErrClosing is returned by dispatch queue operations once the queue has
	// been closed, or its underlying primitive has been finalized.
	ErrClosing = errors.New("hostbridge: dispatch queue is closing")

	// ErrInstanceTornDown is returned by operations attempted after the
	// engine instance has begun teardown.
	ErrInstanceTornDown = errors.New("hostbridge: engine instance has been torn down")

	// ErrDoubleCompletion is returned when a single-shot completion is
	// settled more than once.
	ErrDoubleCompletion = errors.New("hostbridge: completion settled more than once")

	// ErrCancelled is matched (via [errors.Is]) by all [*CancellationError]
	// values.
	ErrCancelled = errors.New("hostbridge: cancelled")

	// ErrQueueFull is returned by non-blocking calls to a dispatch queue at
	// its maximum depth.
	ErrQueueFull = errors.New("hostbridge: dispatch queue is full")

	// ErrScopeExited is returned when a transient handle is used after the
	// Scope that created it has exited.
	ErrScopeExited = errors.New("hostbridge: handle used after its scope exited")

	// ErrHandleReleased is returned when a released handle is used.
	ErrHandleReleased = errors.New("hostbridge: handle has been released")

	// ErrNoAffinity is returned when a context carries no dispatch queue.
	ErrNoAffinity = errors.New("hostbridge: context has no dispatch queue")

	// ErrWouldDeadlock is returned by [Run] when called on the engine
	// goroutine outside of any Scope, where waiting for the engine goroutine
	// could never finish.
	ErrWouldDeadlock = errors.New("hostbridge: run would wait on the calling goroutine")

	// ErrEscapedHandle indicates a handle outlived an unmanaged Scope,
	// detected by escape verification. Raised via a panic with a
	// [*FatalError].
	ErrEscapedHandle = errors.New("hostbridge: handle escaped unmanaged scope")

	// ErrScopeOrder indicates Scopes were exited out of stack order. Raised
	// via a panic with a [*FatalError].
	ErrScopeOrder = errors.New("hostbridge: scope exited out of order")

	// ErrInstanceDataSlot is returned when the engine's per-instance data
	// slot is occupied by something other than an [*Instance].
	ErrInstanceDataSlot = errors.New("hostbridge: engine instance data slot in use")
)

// FatalError is the panic value for unrecoverable programmer errors. Entry
// points never recover it.
type FatalError struct {
	Err     error
	Message string
}

func (e *FatalError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Message
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal reports true, marking the value as one that task runners, such as
// the eventloop package, must not recover.
func (e *FatalError) Fatal() bool { return true }

// fatal panics with a [*FatalError].
func fatal(err error, format string, args ...any) {
	var msg string
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	panic(&FatalError{Err: err, Message: msg})
}

// CancellationError indicates a bridged call was cancelled before its body
// started running.
type CancellationError struct {
	// Cause is typically [context.Canceled] or [context.DeadlineExceeded].
	Cause error
}

func (e *CancellationError) Error() string {
	if e.Cause == nil {
		return ErrCancelled.Error()
	}
	return ErrCancelled.Error() + ": " + e.Cause.Error()
}

func (e *CancellationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrCancelled}
	}
	return []error{ErrCancelled, e.Cause}
}

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("hostbridge: callback panicked: %v", e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

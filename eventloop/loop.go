// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-hostbridge/goroutineid"
	"github.com/joeycumines/logiface"
)

// Loop runs submitted functions, one at a time, on a single goroutine.
//
// The goroutine that calls [Loop.Run] becomes the loop goroutine, and is
// locked to its OS thread for the duration, which makes it suitable as the
// owning thread of a single-threaded engine. [Loop.Submit] may be called from
// any goroutine.
//
// The loop also carries a keep-alive reference count, see [Loop.Ref]. When
// configured with [WithExitWhenIdle], Run returns once there are no queued
// tasks and no outstanding references.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	logger *logiface.Logger[logiface.Event]

	state stateCell

	// wake is buffered (cap 1), sends never block
	wake chan struct{}

	loopDone chan struct{}

	queue []func()
	buf   []func()

	id uint64

	loopGoroutineID atomic.Uint64

	// in-flight Submit calls, for shutdown synchronization
	inflight atomic.Int64

	refs atomic.Int64

	tickCount atomic.Uint64

	stopOnce sync.Once

	mu sync.Mutex

	exitWhenIdle bool
}

var loopIDCounter atomic.Uint64

// New creates a new loop, which must be started using [Loop.Run].
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}
	l := &Loop{
		id:           loopIDCounter.Add(1),
		wake:         make(chan struct{}, 1),
		loopDone:     make(chan struct{}),
		exitWhenIdle: cfg.exitWhenIdle,
	}
	l.logger = cfg.logger.Clone().
		Uint64(`loop_id`, l.id).
		Logger()
	return l, nil
}

// ID returns a process-unique identifier for the loop.
func (l *Loop) ID() uint64 { return l.id }

// State returns the current state of the loop.
func (l *Loop) State() LoopState { return l.state.load() }

// Run runs the loop on the calling goroutine, blocking until it terminates,
// via Shutdown, Close, ctx cancellation, or (if configured) going idle.
//
// A nil error is returned on graceful termination, or ctx.Err() if the
// context was cancelled. A task panicking with a [Fatal] value terminates
// the loop, and the panic propagates out of Run.
func (l *Loop) Run(ctx context.Context) error {
	if l.IsLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.tryTransition(StateAwake, StateRunning) {
		if l.state.load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	return l.run(ctx)
}

func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(goroutineid.Get())
	defer l.loopGoroutineID.Store(0)

	l.logger.Debug().Log(`eventloop: running`)

	for {
		select {
		case <-ctx.Done():
			l.beginTermination()
			l.shutdown()
			return ctx.Err()
		default:
		}

		if l.state.done() {
			l.shutdown()
			return nil
		}

		if !l.tick() && l.exitWhenIdle && l.refs.Load() <= 0 && l.inflight.Load() == 0 && l.queueLen() == 0 {
			l.logger.Debug().Log(`eventloop: idle, exiting`)
			l.beginTermination()
			continue
		}

		l.sleep(ctx)
	}
}

// tick runs all tasks queued at the start of the tick, returning true if
// there were any.
func (l *Loop) tick() bool {
	l.mu.Lock()
	if len(l.queue) == 0 {
		l.mu.Unlock()
		return false
	}
	tasks := l.queue
	l.queue = l.buf[:0]
	l.buf = tasks[:0]
	l.mu.Unlock()

	l.tickCount.Add(1)

	for i, fn := range tasks {
		l.safeExecute(fn)
		tasks[i] = nil
	}

	return true
}

func (l *Loop) sleep(ctx context.Context) {
	if !l.state.tryTransition(StateRunning, StateSleeping) {
		return
	}
	defer l.state.tryTransition(StateSleeping, StateRunning)

	// tasks may have been submitted after the tick swapped the queue
	if l.queueLen() != 0 {
		return
	}
	if l.exitWhenIdle && l.refs.Load() <= 0 && l.inflight.Load() == 0 {
		return
	}

	select {
	case <-l.wake:
	case <-ctx.Done():
	}
}

func (l *Loop) queueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) beginTermination() {
	for {
		current := l.state.load()
		if current == StateTerminating || current == StateTerminated {
			return
		}
		if l.state.tryTransition(current, StateTerminating) {
			l.signal()
			return
		}
	}
}

// shutdown drains the queue, then marks the loop terminated. Tasks submitted
// while terminating still run.
func (l *Loop) shutdown() {
	l.state.store(StateTerminated)

	// both conditions are required: a Submit may be between the state check
	// and the push, or may have just finished pushing
	emptyChecks := 0
	const requiredEmptyChecks = 3
	for emptyChecks < requiredEmptyChecks {
		spinCount := 0
		for l.inflight.Load() > 0 {
			spinCount++
			if spinCount > 1000 {
				time.Sleep(100 * time.Microsecond)
			} else {
				runtime.Gosched()
			}
		}

		if l.tick() || l.inflight.Load() > 0 {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched()
		}
	}

	l.logger.Debug().
		Uint64(`ticks`, l.tickCount.Load()).
		Log(`eventloop: terminated`)
}

// Submit queues fn to run on the loop goroutine. Tasks run in submission
// order. Submit may be called from any goroutine, including the loop itself.
//
// Submission is permitted while the loop is terminating (queued work is
// drained), but fails with [ErrLoopTerminated] once it has terminated.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return nil
	}

	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.load() == StateTerminated {
		return ErrLoopTerminated
	}

	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	l.signal()

	return nil
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Ref increments the keep-alive reference count. While it is positive, a loop
// configured with [WithExitWhenIdle] will not exit when idle. Safe to call
// from any goroutine.
func (l *Loop) Ref() {
	l.refs.Add(1)
}

// Unref decrements the keep-alive reference count, see [Loop.Ref].
func (l *Loop) Unref() {
	if l.refs.Add(-1) <= 0 {
		l.signal()
	}
}

// RefCount returns the current keep-alive reference count.
func (l *Loop) RefCount() int64 {
	return l.refs.Load()
}

// Shutdown terminates the loop gracefully, waiting for queued tasks to run.
// It blocks until termination completes or ctx expires.
func (l *Loop) Shutdown(ctx context.Context) error {
	var result error
	l.stopOnce.Do(func() {
		result = l.shutdownImpl(ctx)
	})
	if result == nil && l.state.load() != StateTerminated && !l.IsLoopThread() {
		return ErrLoopTerminated
	}
	return result
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	for {
		currentState := l.state.load()
		if currentState == StateTerminated || currentState == StateTerminating {
			return ErrLoopTerminated
		}
		if l.state.tryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				l.state.store(StateTerminated)
				close(l.loopDone)
				return nil
			}
			l.signal()
			break
		}
	}

	if l.IsLoopThread() {
		// the loop can't finish while we block it
		return nil
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the loop without waiting. Queued tasks still run, on the
// loop goroutine, before Run returns.
func (l *Loop) Close() error {
	for {
		currentState := l.state.load()
		if currentState == StateTerminated {
			return ErrLoopTerminated
		}
		if currentState == StateTerminating {
			return nil
		}
		if l.state.tryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				l.state.store(StateTerminated)
				close(l.loopDone)
				return nil
			}
			l.signal()
			return nil
		}
	}
}

// Done returns a channel that is closed once the loop has terminated.
func (l *Loop) Done() <-chan struct{} {
	return l.loopDone
}

// IsLoopThread reports whether the caller is running on the loop goroutine.
func (l *Loop) IsLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return goroutineid.Get() == loopID
}

// Fatal is implemented by panic values that the loop must not recover, such
// as programmer errors that are meant to abort the process.
type Fatal interface {
	Fatal() bool
}

// safeExecute runs fn, recovering and logging any panic, other than a
// [Fatal] one, which terminates the loop and is re-raised.
func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if f, ok := r.(Fatal); ok && f.Fatal() {
				l.logger.Crit().
					Err(PanicError{Value: r}).
					Log(`eventloop: fatal task panic`)
				l.state.store(StateTerminated)
				panic(r)
			}
			l.logger.Err().
				Err(PanicError{Value: r}).
				Log(`eventloop: task panicked`)
		}
	}()
	fn()
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("eventloop: task panicked: %v", e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

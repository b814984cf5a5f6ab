// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"sync/atomic"
)

// LoopState is the lifecycle state of a [Loop].
//
//	Awake -> Running               Run
//	Running <-> Sleeping           idle wait, wake
//	Running|Sleeping -> Terminating  Shutdown, Close, ctx, idle exit
//	Terminating -> Terminated      drained
//	Awake -> Terminated            Shutdown or Close before Run
type LoopState uint32

const (
	// StateAwake is the state of a loop that has not been started.
	StateAwake LoopState = iota
	// StateRunning is the state of a loop processing tasks.
	StateRunning
	// StateSleeping is the state of a running loop waiting for work.
	StateSleeping
	// StateTerminating is the state of a loop that has been asked to stop,
	// but is still draining its queue.
	StateTerminating
	// StateTerminated is the final state. No more tasks are accepted.
	StateTerminated
)

func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// stateCell holds a LoopState. Transitions between the transient states use
// tryTransition. Only StateTerminated is ever stored unconditionally.
type stateCell struct {
	v atomic.Uint32
}

func (x *stateCell) load() LoopState {
	return LoopState(x.v.Load())
}

func (x *stateCell) store(s LoopState) {
	x.v.Store(uint32(s))
}

func (x *stateCell) tryTransition(from, to LoopState) bool {
	return x.v.CompareAndSwap(uint32(from), uint32(to))
}

// done reports whether the loop is stopping or stopped.
func (x *stateCell) done() bool {
	s := x.load()
	return s == StateTerminating || s == StateTerminated
}

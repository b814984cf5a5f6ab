// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package hostbridge

import (
	"runtime"
	"sync/atomic"
)

// LiveHandle is a counted interest in a [DispatchQueue]. While at least one
// is outstanding, the queue's dispatcher keeps the engine loop alive, e.g.
// for the duration of some asynchronous work that will call back into the
// engine.
//
// A LiveHandle may be released on any goroutine, explicitly or by garbage
// collection. The keep-alive is dropped on the engine goroutine, once the
// last live handle has been released, unless a newer one exists by then.
type LiveHandle struct {
	token   *liveToken
	cleanup runtime.Cleanup
}

type liveToken struct {
	q        *DispatchQueue
	released atomic.Bool
}

// NewLiveHandle registers a new interest in the queue. Must be called within
// s, which must be a current Scope of the queue's instance.
func (q *DispatchQueue) NewLiveHandle(s *Scope) (*LiveHandle, error) {
	s.checkCurrent()
	if s.inst != q.inst {
		fatal(ErrInvalidThreadAccess, "scope belongs to instance %d, queue to %d", s.inst.id, q.inst.id)
	}
	if q.IsClosed() {
		return nil, ErrClosing
	}

	q.live.Add(1)
	q.syncRef()

	tok := &liveToken{q: q}
	h := &LiveHandle{token: tok}
	h.cleanup = runtime.AddCleanup(h, func(t *liveToken) { t.release() }, tok)
	return h, nil
}

// Queue returns the queue the handle keeps alive.
func (h *LiveHandle) Queue() *DispatchQueue { return h.token.q }

// Release gives up the interest. Safe to call from any goroutine, more than
// once.
func (h *LiveHandle) Release() {
	h.cleanup.Stop()
	h.token.release()
}

func (t *liveToken) release() {
	if !t.released.CompareAndSwap(false, true) {
		return
	}
	q := t.q
	if q.live.Add(-1) != 0 {
		return
	}
	if err := q.callInternal(func(*Scope) error {
		q.syncRef()
		return nil
	}); err != nil {
		// closed, the dispatcher no longer keeps anything alive
		q.logger.Debug().
			Err(err).
			Log(`hostbridge: live handle released after close`)
	}
}

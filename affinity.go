// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package hostbridge

import (
	"context"

	"github.com/joeycumines/go-hostbridge/goroutineid"
)

type queueContextKey struct{}

// WithQueue returns a copy of ctx carrying q as the ambient dispatch queue.
func WithQueue(ctx context.Context, q *DispatchQueue) context.Context {
	return context.WithValue(ctx, queueContextKey{}, q)
}

// QueueFrom returns the ambient dispatch queue of ctx, if any.
func QueueFrom(ctx context.Context) (*DispatchQueue, bool) {
	q, ok := ctx.Value(queueContextKey{}).(*DispatchQueue)
	return q, ok && q != nil
}

// Detach returns a context that keeps the values of ctx, including the
// ambient queue, but is never cancelled.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// Go runs fn on a new goroutine, with a detached copy of ctx, so that it
// inherits the ambient queue, but not the caller's cancellation.
func Go(ctx context.Context, fn func(ctx context.Context)) {
	ctx = Detach(ctx)
	go fn(ctx)
}

// Run runs fn on the engine goroutine of the ambient queue of ctx, within a
// managed Scope, waiting for the result. If the calling goroutine is already
// within a Scope of the queue's instance, fn runs inline.
//
// If ctx is done before fn starts, fn never runs, and a [*CancellationError]
// is returned. Once fn has started, cancellation is cooperative: fn receives
// ctx. Fails with [ErrNoAffinity] if ctx carries no queue, or with
// [ErrWouldDeadlock] if called on the engine goroutine outside of any Scope.
//
// Errors from fn are returned, not thrown into the engine.
func Run[T any](ctx context.Context, fn func(ctx context.Context, s *Scope) (T, error)) (result T, err error) {
	q, ok := QueueFrom(ctx)
	if !ok {
		return result, ErrNoAffinity
	}

	if err := ctx.Err(); err != nil {
		return result, &CancellationError{Cause: err}
	}

	if s := q.inst.activeScope(); s != nil {
		return fn(ctx, s)
	}

	if owner := q.inst.owner.Load(); owner != 0 && owner == goroutineid.Get() {
		return result, ErrWouldDeadlock
	}

	var value T
	ch := make(chan error, 1)
	job := &dispatchJob{
		fn: func(s *Scope) error {
			var err error
			value, err = fn(ctx, s)
			return err
		},
		done: func(err error) { ch <- err },
	}

	if err := q.submit(ctx, job, true, true); err != nil {
		return result, err
	}

	select {
	case err := <-ch:
		return value, err
	case <-ctx.Done():
		if q.cancel(job) {
			return result, &CancellationError{Cause: ctx.Err()}
		}
		// started, or failed, already
		err := <-ch
		return value, err
	}
}

// AssumeAffinity runs fn synchronously, within the current Scope, asserting
// that the caller is on the engine goroutine of the ambient queue of ctx,
// within a Scope of its instance. It panics with a [*FatalError] otherwise.
// Fails with [ErrNoAffinity] if ctx carries no queue.
func AssumeAffinity[T any](ctx context.Context, fn func(s *Scope) (T, error)) (T, error) {
	q, ok := QueueFrom(ctx)
	if !ok {
		var zero T
		return zero, ErrNoAffinity
	}
	return fn(q.inst.currentScope())
}

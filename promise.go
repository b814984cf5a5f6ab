// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package hostbridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Deferred is a pending engine promise, and the means to settle it, once.
type Deferred struct {
	inst    *Instance
	promise *Handle
	resolve func(RawValue) error
	reject  func(RawValue) error
	settled atomic.Bool
}

// NewDeferred creates a pending promise. Must be called within s, which must
// be current. The engine must implement [PromiseEngine].
func NewDeferred(s *Scope) (*Deferred, error) {
	s.checkCurrent()
	engine, ok := s.inst.engine.(PromiseEngine)
	if !ok {
		return nil, fmt.Errorf("hostbridge: promises: %w", errors.ErrUnsupported)
	}
	promise, resolve, reject, err := engine.NewPromise()
	if err != nil {
		return nil, fmt.Errorf("hostbridge: new promise: %w", err)
	}
	return &Deferred{
		inst:    s.inst,
		promise: NewHandle(s, promise),
		resolve: resolve,
		reject:  reject,
	}, nil
}

// Promise returns the promise, as a handle in the Scope that created it.
func (d *Deferred) Promise() *Handle { return d.promise }

// Resolve fulfils the promise with value. It must be called on the engine
// goroutine, within a Scope of the instance, and fails with
// [ErrDoubleCompletion] if the promise has already been settled.
func (d *Deferred) Resolve(value RawValue) error {
	d.inst.currentScope()
	if !d.settled.CompareAndSwap(false, true) {
		return ErrDoubleCompletion
	}
	return d.resolve(value)
}

// Reject rejects the promise with reason, converted as if thrown from an
// entry. See [Deferred.Resolve].
func (d *Deferred) Reject(reason error) error {
	d.inst.currentScope()
	if !d.settled.CompareAndSwap(false, true) {
		return ErrDoubleCompletion
	}
	value, err := d.inst.errorValue(reason)
	if err != nil {
		return fmt.Errorf("hostbridge: convert rejection: %w", err)
	}
	return d.reject(value)
}

// Async runs body on a new goroutine, returning a promise settled with its
// result, on the engine goroutine, via the instance's default queue. The
// engine loop is kept alive until then. Must be called within s, which must
// be current, and the engine must implement [PromiseEngine].
//
// The context passed to body carries the default queue, see [Run].
func Async[T any](s *Scope, ctx context.Context, body func(ctx context.Context) (T, error)) (*Handle, error) {
	engine, ok := s.inst.engine.(PromiseEngine)
	if !ok {
		return nil, fmt.Errorf("hostbridge: promises: %w", errors.ErrUnsupported)
	}

	d, err := NewDeferred(s)
	if err != nil {
		return nil, err
	}

	q, err := s.inst.DispatchQueue()
	if err != nil {
		return nil, err
	}

	live, err := q.NewLiveHandle(s)
	if err != nil {
		return nil, err
	}

	ctx = WithQueue(ctx, q)

	go func() {
		defer live.Release()

		value, bodyErr := body(ctx)

		settle := func(*Scope) error {
			if bodyErr != nil {
				return d.Reject(bodyErr)
			}
			raw, err := engine.ToValue(value)
			if err != nil {
				return d.Reject(err)
			}
			return d.Resolve(raw)
		}

		if err := q.CallContext(context.Background(), settle, true, func(err error) {
			if err != nil {
				q.logger.Err().
					Err(err).
					Log(`hostbridge: failed to settle promise`)
			}
		}); err != nil {
			q.logger.Warning().
				Err(err).
				Log(`hostbridge: promise abandoned`)
		}
	}()

	return d.Promise(), nil
}

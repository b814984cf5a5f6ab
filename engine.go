// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package hostbridge

type (
	// RawValue is an opaque engine value. Unless documented otherwise, raw
	// values are only meaningful on the engine goroutine, and only while the
	// Scope that produced them is on the stack. A nil RawValue is the
	// engine's undefined.
	RawValue any

	// Reference is an opaque token identifying a durable engine reference,
	// as returned by [Engine.NewReference].
	Reference any

	// Engine is the host engine, as consumed by this package. Implementations
	// are provided for goja (package gojaengine), and for tests (package
	// enginetest).
	//
	// Unless stated otherwise, methods are only called on the engine
	// goroutine.
	Engine interface {
		// InstanceData returns the value of the engine's single opaque
		// per-instance data slot, or nil.
		InstanceData() any

		// SetInstanceData sets the per-instance data slot.
		SetInstanceData(data any)

		// AddTeardownHook registers a hook, invoked once, on the engine
		// goroutine, when the engine instance is destroyed.
		AddTeardownHook(hook func()) error

		// IsObject reports whether the value may be the target of a durable
		// reference, as-is.
		IsObject(value RawValue) bool

		// Box wraps a non-object value in an object, for referencing.
		Box(value RawValue) (RawValue, error)

		// Unbox reverses Box.
		Unbox(box RawValue) (RawValue, error)

		// NewReference creates a durable reference to an object value, with
		// a reference count of 1.
		NewReference(value RawValue) (Reference, error)

		// ReferenceValue resolves a durable reference.
		ReferenceValue(ref Reference) (RawValue, error)

		// DeleteReference deletes a durable reference.
		DeleteReference(ref Reference) error

		// NewError converts a Go error into an engine error value.
		NewError(err error) (RawValue, error)

		// Throw sets value as the pending engine exception, to be raised
		// when control returns to the engine.
		Throw(value RawValue) error

		// NewDispatcher creates a thread-safe dispatcher bound to the
		// instance. The caller holds one acquisition of the result.
		NewDispatcher(config DispatcherConfig) (Dispatcher, error)
	}

	// PromiseEngine is implemented by engines that support promises.
	PromiseEngine interface {
		Engine

		// NewPromise returns a pending promise, and functions to settle it.
		NewPromise() (promise RawValue, resolve, reject func(RawValue) error, err error)

		// ToValue converts a Go value to an engine value.
		ToValue(value any) (RawValue, error)
	}

	// DispatcherConfig models the parameters of [Engine.NewDispatcher].
	DispatcherConfig struct {
		// Token must be strongly retained by the dispatcher until it
		// finalizes, then dropped. Nothing else holds it strongly.
		Token any

		// Deliver is called on the engine goroutine, once per payload
		// accepted by [Dispatcher.Call], in order of acceptance.
		Deliver func(payload any)

		// Discard is called, on any goroutine, once per accepted payload
		// that will never be delivered, e.g. after an abort.
		Discard func(payload any)

		// Finalize is called once, when the dispatcher has torn itself down,
		// after all payloads have been delivered or discarded. It may be
		// called without a prior release, e.g. on engine teardown.
		Finalize func()

		// Label identifies the dispatcher in diagnostics.
		Label string
	}

	// Dispatcher is the engine's thread-safe cross-goroutine call primitive.
	Dispatcher interface {
		// Call enqueues payload for delivery on the engine goroutine. It may
		// be called from any goroutine, and must fail with an error
		// matching [ErrClosing] once the dispatcher is aborted or finalized.
		Call(payload any, blocking bool) error

		// Acquire registers an additional user of the dispatcher, from any
		// goroutine.
		Acquire() error

		// Release unregisters a user. The dispatcher finalizes once the last
		// user has released.
		Release() error

		// Abort releases the caller's acquisition and permanently closes the
		// dispatcher, discarding undelivered payloads.
		Abort() error

		// Ref marks the dispatcher as keeping the engine loop alive. New
		// dispatchers are not referenced. Only called on the engine
		// goroutine. Idempotent.
		Ref() error

		// Unref reverses Ref. Only called on the engine goroutine.
		// Idempotent.
		Unref() error
	}
)

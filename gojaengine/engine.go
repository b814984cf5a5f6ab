// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package gojaengine implements [hostbridge.Engine] for the goja JavaScript
// runtime, running on an [eventloop.Loop].
//
// All use of the runtime happens on the loop goroutine. Native functions
// exposed to JavaScript (see [Engine.Function]) run within
// [hostbridge.WithEntry], so handles, dispatch queues, and promises from
// package hostbridge work as documented there.
//
//	loop, _ := eventloop.New(eventloop.WithExitWhenIdle(true))
//	engine, _ := gojaengine.New(loop)
//	go loop.Run(ctx)
//	result, err := engine.RunScript(ctx, "main.js", `1 + 2`)
package gojaengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/go-hostbridge"
	"github.com/joeycumines/go-hostbridge/eventloop"
	"github.com/joeycumines/logiface"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("gojaengine: engine closed")

// Engine is a goja runtime, bound to a loop.
type Engine struct {
	// Prevent copying
	_ [0]func()

	loop     *eventloop.Loop
	runtime  *goja.Runtime
	registry *require.Registry
	logger   *logiface.Logger[logiface.Event]
	inst     *hostbridge.Instance

	data  any
	hooks []func()

	// loop goroutine only
	refs map[*reference]struct{}

	dispatchers map[*dispatcher]struct{}

	// loop goroutine only, the innermost native function call, nil outside
	// of one, or within an entry from Go
	frame *nativeFrame

	referencesCreated atomic.Int64
	referencesDeleted atomic.Int64

	mu sync.Mutex

	closed atomic.Bool
}

type reference struct {
	value *goja.Object
}

var (
	_ hostbridge.PromiseEngine = (*Engine)(nil)
)

// New creates a runtime bound to loop, and its [hostbridge.Instance]. The
// loop may or may not be running. The runtime must not be used until then,
// other than via the methods of Engine.
func New(loop *eventloop.Loop, opts ...Option) (*Engine, error) {
	if loop == nil {
		return nil, errors.New("gojaengine: nil loop")
	}

	cfg, err := resolveEngineOptions(opts)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		loop:        loop,
		runtime:     goja.New(),
		registry:    require.NewRegistry(),
		logger:      cfg.logger,
		refs:        make(map[*reference]struct{}),
		dispatchers: make(map[*dispatcher]struct{}),
	}

	e.registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(&consolePrinter{
		logger: e.logger.Clone().Str(`source`, `console`).Logger(),
	}))
	for name, loader := range cfg.modules {
		e.registry.RegisterNativeModule(name, loader)
	}
	e.registry.Enable(e.runtime)
	console.Enable(e.runtime)

	instanceOptions := append([]hostbridge.Option{hostbridge.WithLogger(e.logger)}, cfg.instanceOptions...)
	if e.inst, err = hostbridge.NewInstance(e, instanceOptions...); err != nil {
		return nil, err
	}

	return e, nil
}

// Loop returns the loop the engine runs on.
func (e *Engine) Loop() *eventloop.Loop { return e.loop }

// Runtime returns the underlying runtime. It must only be used on the loop
// goroutine.
func (e *Engine) Runtime() *goja.Runtime { return e.runtime }

// Instance returns the engine's instance state.
func (e *Engine) Instance() *hostbridge.Instance { return e.inst }

// References returns the number of durable references created and deleted,
// over the lifetime of the engine.
func (e *Engine) References() (created, deleted int64) {
	return e.referencesCreated.Load(), e.referencesDeleted.Load()
}

func (e *Engine) InstanceData() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data
}

func (e *Engine) SetInstanceData(data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = data
}

func (e *Engine) AddTeardownHook(hook func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}
	e.hooks = append(e.hooks, hook)
	return nil
}

func (e *Engine) IsObject(value hostbridge.RawValue) bool {
	_, ok := value.(*goja.Object)
	return ok
}

func (e *Engine) Box(value hostbridge.RawValue) (hostbridge.RawValue, error) {
	return e.runtime.NewArray(e.toValue(value)), nil
}

func (e *Engine) Unbox(box hostbridge.RawValue) (hostbridge.RawValue, error) {
	obj, ok := box.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("gojaengine: invalid box: %T", box)
	}
	return obj.Get(`0`), nil
}

func (e *Engine) NewReference(value hostbridge.RawValue) (hostbridge.Reference, error) {
	obj, ok := value.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("gojaengine: cannot reference non-object: %T", value)
	}
	ref := &reference{value: obj}
	e.refs[ref] = struct{}{}
	e.referencesCreated.Add(1)
	return ref, nil
}

func (e *Engine) ReferenceValue(ref hostbridge.Reference) (hostbridge.RawValue, error) {
	r, ok := ref.(*reference)
	if !ok {
		return nil, fmt.Errorf("gojaengine: invalid reference: %T", ref)
	}
	if _, ok := e.refs[r]; !ok {
		return nil, errors.New("gojaengine: reference deleted")
	}
	return r.value, nil
}

func (e *Engine) DeleteReference(ref hostbridge.Reference) error {
	r, ok := ref.(*reference)
	if !ok {
		return fmt.Errorf("gojaengine: invalid reference: %T", ref)
	}
	if _, ok := e.refs[r]; !ok {
		return errors.New("gojaengine: reference deleted")
	}
	delete(e.refs, r)
	e.referencesDeleted.Add(1)
	return nil
}

// NewError converts err to a JavaScript error. Values thrown from JavaScript
// (via [*goja.Exception]), or panicked with by native functions, are
// returned as-is.
func (e *Engine) NewError(err error) (hostbridge.RawValue, error) {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exc.Value(), nil
	}
	var pe *hostbridge.PanicError
	if errors.As(err, &pe) {
		if value, ok := pe.Value.(goja.Value); ok {
			return value, nil
		}
	}
	return e.runtime.NewGoError(err), nil
}

// Throw raises value when the innermost native function returns. Outside
// a native function there is no JavaScript frame to throw to, and the value
// is logged, as an error.
func (e *Engine) Throw(value hostbridge.RawValue) error {
	v := e.toValue(value)
	if e.frame != nil {
		e.frame.thrown = v
		e.frame.throwing = true
		return nil
	}
	e.logger.Err().
		Str(`exception`, v.String()).
		Log(`gojaengine: uncaught exception outside of a native function`)
	return nil
}

func (e *Engine) NewPromise() (promise hostbridge.RawValue, resolve, reject func(hostbridge.RawValue) error, err error) {
	p, resolveFunc, rejectFunc := e.runtime.NewPromise()
	resolve = func(value hostbridge.RawValue) error {
		return resolveFunc(e.toValue(value))
	}
	reject = func(value hostbridge.RawValue) error {
		return rejectFunc(e.toValue(value))
	}
	return e.runtime.ToValue(p), resolve, reject, nil
}

func (e *Engine) ToValue(value any) (hostbridge.RawValue, error) {
	return e.toValue(value), nil
}

func (e *Engine) toValue(value any) goja.Value {
	switch v := value.(type) {
	case nil:
		return goja.Undefined()
	case goja.Value:
		return v
	default:
		return e.runtime.ToValue(v)
	}
}

// Do runs fn on the loop goroutine, within [hostbridge.WithHostEntry],
// waiting for it to return. If called on the loop goroutine, fn runs inline,
// and its error is returned to the caller, never raised by an enclosing
// native function. A [*hostbridge.FatalError] raised by fn is re-raised on
// the caller's goroutine.
func (e *Engine) Do(ctx context.Context, fn func(s *hostbridge.Scope) error) error {
	return e.submitWait(ctx, func() (err error) {
		e.detached(func() {
			_, err = hostbridge.WithHostEntry(e, func(s *hostbridge.Scope) (struct{}, error) {
				return struct{}{}, fn(s)
			})
		})
		return
	})
}

// RunScript evaluates src on the loop goroutine, returning the exported
// result.
func (e *Engine) RunScript(ctx context.Context, name, src string) (result any, err error) {
	err = e.Do(ctx, func(s *hostbridge.Scope) error {
		h, err := e.Eval(s, name, src)
		if err != nil {
			return err
		}
		value, err := h.RawValue()
		if err != nil {
			return err
		}
		if v, ok := value.(goja.Value); ok {
			result = v.Export()
		}
		h.Release()
		return nil
	})
	return result, err
}

// Eval evaluates src within s. A JavaScript exception is returned as a
// [*hostbridge.Exception], wrapping the [*goja.Exception].
func (e *Engine) Eval(s *hostbridge.Scope, name, src string) (*hostbridge.Handle, error) {
	value, err := e.runtime.RunScript(name, src)
	if err != nil {
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return nil, &hostbridge.Exception{
				Value:   hostbridge.NewHandle(s, exc.Value()),
				Message: exc.Error(),
				Err:     exc,
			}
		}
		return nil, err
	}
	return hostbridge.NewHandle(s, value), nil
}

// Close tears down the engine's instance, on the loop goroutine, waiting
// for it to complete. The loop is not stopped. Safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.submitWait(ctx, func() error {
		e.teardown()
		return nil
	})
}

func (e *Engine) teardown() {
	e.mu.Lock()
	hooks := e.hooks
	e.hooks = nil
	e.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}

	e.mu.Lock()
	dispatchers := make([]*dispatcher, 0, len(e.dispatchers))
	for d := range e.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	e.mu.Unlock()

	for _, d := range dispatchers {
		d.abandon()
	}

	clear(e.refs)

	e.logger.Debug().Log(`gojaengine: engine closed`)
}

// submitWait runs fn on the loop goroutine, waiting for the result.
func (e *Engine) submitWait(ctx context.Context, fn func() error) error {
	type outcome struct {
		err   error
		fatal *hostbridge.FatalError
	}

	run := func() (o outcome) {
		defer func() {
			if r := recover(); r != nil {
				if fe, ok := r.(*hostbridge.FatalError); ok {
					o.fatal = fe
					return
				}
				o.err = &hostbridge.PanicError{Value: r}
			}
		}()
		return outcome{err: fn()}
	}

	var o outcome
	if e.loop.IsLoopThread() {
		o = run()
	} else {
		ch := make(chan outcome, 1)
		if err := e.loop.Submit(func() { ch <- run() }); err != nil {
			return err
		}
		select {
		case o = <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if o.fatal != nil {
		panic(o.fatal)
	}
	return o.err
}

// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package hostbridge

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-hostbridge/goroutineid"
	"github.com/joeycumines/logiface"
)

const defaultQueueLabel = "hostbridge.default"

const (
	instanceAlive int32 = iota
	instanceTearingDown
	instanceTornDown
)

// Instance is the Go-side state of one engine instance. It is stored in the
// engine's per-instance data slot, created on first entry (see [InstanceFor]),
// and torn down by the engine's teardown hook.
type Instance struct {
	// Prevent copying
	_ [0]func()

	engine  Engine
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter

	// durable references awaiting deletion on the engine goroutine
	deadRefs deferList[Reference]

	// open queues, failed on teardown
	queues map[*DispatchQueue]struct{}

	defaultQueue *DispatchQueue

	cleanupHooks []*cleanupHook

	id uint64

	// the engine goroutine, set by the first Scope entry
	owner atomic.Uint64

	state atomic.Int32

	// set while a drain of deadRefs has been requested via the default queue
	drainPending atomic.Bool

	mu sync.Mutex

	defaultQueueDepth  int
	escapeVerification bool
}

type cleanupHook struct {
	fn func()
}

var instanceIDCounter atomic.Uint64

// NewInstance creates the instance state for engine, storing it in the
// engine's per-instance data slot, and registering its teardown hook. It must
// be called on the engine goroutine, before any entry, and fails if the slot
// is already occupied. Use it to configure the instance; otherwise
// [InstanceFor] creates one with default options.
func NewInstance(engine Engine, opts ...Option) (*Instance, error) {
	if engine == nil {
		return nil, fmt.Errorf("hostbridge: nil engine")
	}
	if engine.InstanceData() != nil {
		return nil, ErrInstanceDataSlot
	}

	cfg, err := resolveInstanceOptions(opts)
	if err != nil {
		return nil, err
	}

	limiter, err := newWarningLimiter(cfg.warningRates)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		engine:             engine,
		limiter:            limiter,
		queues:             make(map[*DispatchQueue]struct{}),
		id:                 instanceIDCounter.Add(1),
		defaultQueueDepth:  cfg.defaultQueueDepth,
		escapeVerification: cfg.escapeVerification,
	}
	inst.logger = cfg.logger.Clone().
		Uint64(`instance`, inst.id).
		Logger()

	if err := engine.AddTeardownHook(inst.teardown); err != nil {
		return nil, fmt.Errorf("hostbridge: add teardown hook: %w", err)
	}
	engine.SetInstanceData(inst)

	inst.logger.Debug().Log(`hostbridge: instance created`)

	return inst, nil
}

// InstanceFor returns the instance state stored in the engine's data slot,
// creating it (with default options) if necessary. Must be called on the
// engine goroutine.
func InstanceFor(engine Engine) (*Instance, error) {
	if engine == nil {
		return nil, fmt.Errorf("hostbridge: nil engine")
	}
	switch data := engine.InstanceData().(type) {
	case *Instance:
		return data, nil
	case nil:
		return NewInstance(engine)
	default:
		return nil, ErrInstanceDataSlot
	}
}

// ID returns the locally generated, process-unique id of the instance.
func (i *Instance) ID() uint64 { return i.id }

// Engine returns the engine the instance belongs to.
func (i *Instance) Engine() Engine { return i.engine }

// Logger returns the instance's logger, which may be nil.
func (i *Instance) Logger() *logiface.Logger[logiface.Event] { return i.logger }

func (i *Instance) isTornDown() bool {
	return i.state.Load() != instanceAlive
}

// DispatchQueue returns the instance's default dispatch queue, creating it
// on first use. The default queue does not keep the engine loop alive. Must
// be called on the engine goroutine, within a Scope of this instance.
func (i *Instance) DispatchQueue() (*DispatchQueue, error) {
	s := i.currentScope()

	i.mu.Lock()
	q := i.defaultQueue
	i.mu.Unlock()
	if q != nil {
		return q, nil
	}

	if i.isTornDown() {
		return nil, ErrInstanceTornDown
	}

	opts := []QueueOption{WithKeepAlive(false)}
	if i.defaultQueueDepth > 0 {
		opts = append(opts, WithMaxQueueDepth(i.defaultQueueDepth))
	}
	q, err := NewDispatchQueue(s, defaultQueueLabel, opts...)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	i.defaultQueue = q
	i.mu.Unlock()

	return q, nil
}

func (i *Instance) loadDefaultQueue() *DispatchQueue {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.defaultQueue
}

// AddCleanupHook registers fn to run, on the engine goroutine, when the
// instance is torn down. Hooks run in reverse order of registration. The
// returned function unregisters the hook, and is safe to call more than
// once. Fails with [ErrInstanceTornDown] if teardown has begun.
func (i *Instance) AddCleanupHook(fn func()) (remove func(), err error) {
	if fn == nil {
		return nil, fmt.Errorf("hostbridge: nil cleanup hook")
	}
	hook := &cleanupHook{fn: fn}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.isTornDown() {
		return nil, ErrInstanceTornDown
	}
	i.cleanupHooks = append(i.cleanupHooks, hook)
	return func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		if idx := slices.Index(i.cleanupHooks, hook); idx >= 0 {
			i.cleanupHooks = slices.Delete(i.cleanupHooks, idx, idx+1)
		}
	}, nil
}

func (i *Instance) trackQueue(q *DispatchQueue) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.isTornDown() {
		return false
	}
	i.queues[q] = struct{}{}
	return true
}

func (i *Instance) untrackQueue(q *DispatchQueue) {
	i.mu.Lock()
	delete(i.queues, q)
	if i.defaultQueue == q {
		i.defaultQueue = nil
	}
	i.mu.Unlock()
}

// deferDelete queues ref for deletion on the engine goroutine. Safe to call
// from any goroutine, never blocks on the engine.
func (i *Instance) deferDelete(ref Reference) {
	if !i.deadRefs.push(ref) {
		// torn down, the engine has released everything
		return
	}
	i.requestDrain()
}

// requestDrain asks the default queue (if it exists) for a Scope entry, which
// drains deadRefs. Coalesced, at most one request is pending.
func (i *Instance) requestDrain() {
	if !i.drainPending.CompareAndSwap(false, true) {
		return
	}
	q := i.loadDefaultQueue()
	if q == nil || q.callInternal(func(*Scope) error { return nil }) != nil {
		i.drainPending.Store(false)
	}
}

// drainDeadRefs deletes all pending references. Engine goroutine only.
func (i *Instance) drainDeadRefs() {
	i.drainPending.Store(false)
	i.deadRefs.drain(func(ref Reference) {
		if err := i.engine.DeleteReference(ref); err != nil {
			i.logger.Err().
				Err(err).
				Log(`hostbridge: failed to delete reference`)
		}
	})
}

// currentScope returns the current Scope, which must belong to this
// instance, panicking with a FatalError otherwise.
func (i *Instance) currentScope() *Scope {
	s := lookupScope(goroutineid.Get())
	if s == nil {
		fatal(ErrInvalidThreadAccess, "no current scope on this goroutine (instance %d)", i.id)
	}
	if s.inst != i {
		fatal(ErrInvalidThreadAccess, "current scope belongs to instance %d, not %d", s.inst.id, i.id)
	}
	return s
}

// activeScope returns the current Scope if it belongs to this instance, or
// nil.
func (i *Instance) activeScope() *Scope {
	if s := lookupScope(goroutineid.Get()); s != nil && s.inst == i {
		return s
	}
	return nil
}

// teardown is registered as the engine's teardown hook.
func (i *Instance) teardown() {
	if !i.state.CompareAndSwap(instanceAlive, instanceTearingDown) {
		return
	}

	i.logger.Debug().Log(`hostbridge: instance tearing down`)

	i.mu.Lock()
	queues := make([]*DispatchQueue, 0, len(i.queues))
	for q := range i.queues {
		queues = append(queues, q)
	}
	hooks := i.cleanupHooks
	i.cleanupHooks = nil
	i.mu.Unlock()

	for _, q := range queues {
		q.shutdown(`instance teardown`)
	}

	for _, hook := range slices.Backward(hooks) {
		i.runCleanupHook(hook.fn)
	}

	removeDataStore(i.id)

	if n := len(i.deadRefs.close()); n != 0 {
		i.logger.Debug().
			Int(`references`, n).
			Log(`hostbridge: dropped pending reference deletions on teardown`)
	}

	i.state.Store(instanceTornDown)

	i.logger.Debug().Log(`hostbridge: instance torn down`)
}

func (i *Instance) runCleanupHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*FatalError); ok {
				panic(fe)
			}
			i.logger.Err().
				Err(&PanicError{Value: r}).
				Log(`hostbridge: cleanup hook panicked`)
		}
	}()
	fn()
}

// Package enginetest provides an instrumented, in-memory implementation of
// [hostbridge.Engine], for tests.
//
// The engine goroutine is the goroutine that called [New]. Dispatched
// payloads are queued, and only delivered when that goroutine calls
// [Engine.Drain] (or [Engine.DrainUntil]), which makes delivery order fully
// deterministic. Calls that must happen on the engine goroutine, but did
// not, are recorded as violations, rather than panicking, see
// [Engine.Violations].
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/joeycumines/go-hostbridge"
	"github.com/joeycumines/go-hostbridge/goroutineid"
)

type (
	// Object is an engine object. Only objects may be referenced directly.
	Object struct {
		Name string
	}

	// Box wraps a non-object value, see [hostbridge.Engine.Box].
	Box struct {
		Value hostbridge.RawValue
	}

	// ErrorValue is the engine value created from a Go error.
	ErrorValue struct {
		Err error
	}

	// Promise is the engine value created by [Engine.NewPromise].
	Promise struct {
		settled  bool
		rejected bool
		value    hostbridge.RawValue
	}

	// Engine is an instrumented [hostbridge.PromiseEngine].
	Engine struct {
		data        any
		hooks       []func()
		refs        map[*reference]struct{}
		pending     []delivery
		dispatchers []*Dispatcher
		thrown      []hostbridge.RawValue
		violations  []string

		// signals new pending deliveries, buffered (cap 1)
		notify chan struct{}

		owner uint64

		referencesCreated int
		referencesDeleted int

		mu sync.Mutex

		tornDown bool
	}

	// Dispatcher is the [hostbridge.Dispatcher] of an [Engine].
	Dispatcher struct {
		engine *Engine
		config hostbridge.DispatcherConfig

		// dropped on finalize
		token any

		acquisitions int
		refCalls     int
		unrefCalls   int

		referenced bool
		aborted    bool
		finalized  bool
	}

	reference struct {
		value   hostbridge.RawValue
		deleted bool
	}

	delivery struct {
		dispatcher *Dispatcher
		payload    any
	}
)

var (
	_ hostbridge.PromiseEngine = (*Engine)(nil)
	_ hostbridge.Dispatcher    = (*Dispatcher)(nil)
)

// ErrTornDown is returned by engine operations after [Engine.Teardown].
var ErrTornDown = errors.New("enginetest: engine torn down")

// New returns a new engine, owned by the calling goroutine.
func New() *Engine {
	return &Engine{
		refs:   make(map[*reference]struct{}),
		notify: make(chan struct{}, 1),
		owner:  goroutineid.Get(),
	}
}

// NewObject returns a new engine object.
func NewObject(name string) *Object {
	return &Object{Name: name}
}

func (e *ErrorValue) Error() string {
	return e.Err.Error()
}

// Settled returns the state of the promise.
func (p *Promise) Settled() (settled, rejected bool, value hostbridge.RawValue) {
	return p.settled, p.rejected, p.value
}

func (e *Engine) checkOwner(op string) {
	if gid := goroutineid.Get(); gid != e.owner {
		e.mu.Lock()
		e.violations = append(e.violations, fmt.Sprintf("%s called on goroutine %d, owner is %d", op, gid, e.owner))
		e.mu.Unlock()
	}
}

// Violations returns a description of every engine-goroutine-only operation
// that was called from another goroutine.
func (e *Engine) Violations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.violations)
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
	if e.tornDown {
		return ErrTornDown
	}
	e.hooks = append(e.hooks, hook)
	return nil
}

func (e *Engine) IsObject(value hostbridge.RawValue) bool {
	switch value.(type) {
	case *Object, *Box, *ErrorValue, *Promise:
		return true
	default:
		return false
	}
}

func (e *Engine) Box(value hostbridge.RawValue) (hostbridge.RawValue, error) {
	e.checkOwner(`Box`)
	return &Box{Value: value}, nil
}

func (e *Engine) Unbox(box hostbridge.RawValue) (hostbridge.RawValue, error) {
	e.checkOwner(`Unbox`)
	b, ok := box.(*Box)
	if !ok {
		return nil, fmt.Errorf("enginetest: not a box: %T", box)
	}
	return b.Value, nil
}

func (e *Engine) NewReference(value hostbridge.RawValue) (hostbridge.Reference, error) {
	e.checkOwner(`NewReference`)
	if !e.IsObject(value) {
		return nil, fmt.Errorf("enginetest: cannot reference non-object: %T", value)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tornDown {
		return nil, ErrTornDown
	}
	ref := &reference{value: value}
	e.refs[ref] = struct{}{}
	e.referencesCreated++
	return ref, nil
}

func (e *Engine) ReferenceValue(ref hostbridge.Reference) (hostbridge.RawValue, error) {
	e.checkOwner(`ReferenceValue`)
	r, ok := ref.(*reference)
	if !ok {
		return nil, fmt.Errorf("enginetest: invalid reference: %T", ref)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.deleted {
		return nil, errors.New("enginetest: reference deleted")
	}
	return r.value, nil
}

func (e *Engine) DeleteReference(ref hostbridge.Reference) error {
	e.checkOwner(`DeleteReference`)
	r, ok := ref.(*reference)
	if !ok {
		return fmt.Errorf("enginetest: invalid reference: %T", ref)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.deleted {
		return errors.New("enginetest: reference deleted twice")
	}
	r.deleted = true
	delete(e.refs, r)
	e.referencesDeleted++
	return nil
}

func (e *Engine) NewError(err error) (hostbridge.RawValue, error) {
	e.checkOwner(`NewError`)
	return &ErrorValue{Err: err}, nil
}

func (e *Engine) Throw(value hostbridge.RawValue) error {
	e.checkOwner(`Throw`)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thrown = append(e.thrown, value)
	return nil
}

func (e *Engine) NewPromise() (promise hostbridge.RawValue, resolve, reject func(hostbridge.RawValue) error, err error) {
	e.checkOwner(`NewPromise`)
	p := new(Promise)
	settle := func(rejected bool) func(hostbridge.RawValue) error {
		return func(value hostbridge.RawValue) error {
			e.checkOwner(`settle promise`)
			e.mu.Lock()
			defer e.mu.Unlock()
			if p.settled {
				return errors.New("enginetest: promise already settled")
			}
			p.settled, p.rejected, p.value = true, rejected, value
			return nil
		}
	}
	return p, settle(false), settle(true), nil
}

func (e *Engine) ToValue(value any) (hostbridge.RawValue, error) {
	return value, nil
}

// PromiseState returns the state of p, safely.
func (e *Engine) PromiseState(p *Promise) (settled, rejected bool, value hostbridge.RawValue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return p.Settled()
}

func (e *Engine) NewDispatcher(config hostbridge.DispatcherConfig) (hostbridge.Dispatcher, error) {
	e.checkOwner(`NewDispatcher`)
	if config.Deliver == nil || config.Discard == nil || config.Finalize == nil {
		return nil, errors.New("enginetest: incomplete dispatcher config")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tornDown {
		return nil, ErrTornDown
	}
	d := &Dispatcher{
		engine:       e,
		config:       config,
		token:        config.Token,
		acquisitions: 1,
	}
	e.dispatchers = append(e.dispatchers, d)
	return d, nil
}

// Dispatchers returns every dispatcher created, in order.
func (e *Engine) Dispatchers() []*Dispatcher {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.dispatchers)
}

// ReferencesCreated returns the number of durable references created.
func (e *Engine) ReferencesCreated() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.referencesCreated
}

// ReferencesDeleted returns the number of durable references deleted.
func (e *Engine) ReferencesDeleted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.referencesDeleted
}

// LiveReferences returns the number of durable references not yet deleted.
func (e *Engine) LiveReferences() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.refs)
}

// Thrown returns every value thrown, in order.
func (e *Engine) Thrown() []hostbridge.RawValue {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.thrown)
}

// Pending returns the number of undelivered payloads.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Drain delivers pending payloads, in order, on the calling goroutine, until
// there are none, returning the number delivered. Must be called on the
// engine goroutine.
func (e *Engine) Drain() int {
	e.checkOwner(`Drain`)
	var n int
	for {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.mu.Unlock()
			return n
		}
		next := e.pending[0]
		e.pending[0] = delivery{}
		e.pending = e.pending[1:]
		e.mu.Unlock()

		next.dispatcher.config.Deliver(next.payload)
		n++

		next.dispatcher.maybeFinalize()
	}
}

// DrainUntil repeatedly drains, waiting for new payloads between drains,
// until cond returns true, or ctx is done. Must be called on the engine
// goroutine.
func (e *Engine) DrainUntil(ctx context.Context, cond func() bool) error {
	for {
		e.Drain()
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.notify:
		}
	}
}

// Teardown destroys the engine: teardown hooks run, in registration order,
// then every remaining dispatcher is finalized, discarding undelivered
// payloads. Must be called on the engine goroutine.
func (e *Engine) Teardown() {
	e.checkOwner(`Teardown`)

	e.mu.Lock()
	if e.tornDown {
		e.mu.Unlock()
		return
	}
	e.tornDown = true
	hooks := e.hooks
	e.hooks = nil
	dispatchers := slices.Clone(e.dispatchers)
	e.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}

	for _, d := range dispatchers {
		d.shutdown(true)
	}
}

// TornDown reports whether Teardown has been called.
func (e *Engine) TornDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tornDown
}

func (d *Dispatcher) Call(payload any, blocking bool) error {
	e := d.engine
	e.mu.Lock()
	if d.aborted || d.finalized {
		e.mu.Unlock()
		return fmt.Errorf("enginetest: dispatcher %q: %w", d.config.Label, hostbridge.ErrClosing)
	}
	e.pending = append(e.pending, delivery{dispatcher: d, payload: payload})
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}

	return nil
}

func (d *Dispatcher) Acquire() error {
	e := d.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if d.aborted || d.finalized {
		return hostbridge.ErrClosing
	}
	d.acquisitions++
	return nil
}

func (d *Dispatcher) Release() error {
	e := d.engine
	e.mu.Lock()
	if d.acquisitions <= 0 {
		e.mu.Unlock()
		return errors.New("enginetest: dispatcher released too many times")
	}
	d.acquisitions--
	e.mu.Unlock()
	d.maybeFinalize()
	return nil
}

func (d *Dispatcher) Abort() error {
	e := d.engine
	e.mu.Lock()
	if d.aborted || d.finalized {
		e.mu.Unlock()
		return hostbridge.ErrClosing
	}
	d.aborted = true
	if d.acquisitions > 0 {
		d.acquisitions--
	}
	e.mu.Unlock()
	d.shutdown(false)
	return nil
}

func (d *Dispatcher) Ref() error {
	d.engine.checkOwner(`Ref`)
	e := d.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	d.refCalls++
	d.referenced = true
	return nil
}

func (d *Dispatcher) Unref() error {
	d.engine.checkOwner(`Unref`)
	e := d.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	d.unrefCalls++
	d.referenced = false
	return nil
}

// Label returns the label the dispatcher was configured with.
func (d *Dispatcher) Label() string { return d.config.Label }

// Referenced reports whether the dispatcher currently keeps the engine
// alive.
func (d *Dispatcher) Referenced() bool {
	d.engine.mu.Lock()
	defer d.engine.mu.Unlock()
	return d.referenced && !d.finalized
}

// RefCalls returns the number of calls to Ref.
func (d *Dispatcher) RefCalls() int {
	d.engine.mu.Lock()
	defer d.engine.mu.Unlock()
	return d.refCalls
}

// UnrefCalls returns the number of calls to Unref.
func (d *Dispatcher) UnrefCalls() int {
	d.engine.mu.Lock()
	defer d.engine.mu.Unlock()
	return d.unrefCalls
}

// Aborted reports whether Abort has been called.
func (d *Dispatcher) Aborted() bool {
	d.engine.mu.Lock()
	defer d.engine.mu.Unlock()
	return d.aborted
}

// Finalized reports whether the dispatcher has finalized.
func (d *Dispatcher) Finalized() bool {
	d.engine.mu.Lock()
	defer d.engine.mu.Unlock()
	return d.finalized
}

// Finalize finalizes the dispatcher, as the engine would once it is no
// longer usable, discarding undelivered payloads.
func (d *Dispatcher) Finalize() {
	d.shutdown(true)
}

// shutdown discards every undelivered payload, then finalizes, if forced or
// no longer acquired.
func (d *Dispatcher) shutdown(force bool) {
	e := d.engine
	e.mu.Lock()
	if d.finalized {
		e.mu.Unlock()
		return
	}
	var discarded []any
	e.pending = slices.DeleteFunc(e.pending, func(v delivery) bool {
		if v.dispatcher == d {
			discarded = append(discarded, v.payload)
			return true
		}
		return false
	})
	if force {
		d.aborted = true
	}
	e.mu.Unlock()

	for _, payload := range discarded {
		d.config.Discard(payload)
	}

	if force {
		d.finalize()
	} else {
		d.maybeFinalize()
	}
}

func (d *Dispatcher) maybeFinalize() {
	e := d.engine
	e.mu.Lock()
	ready := !d.finalized && (d.acquisitions <= 0 || d.aborted) &&
		!slices.ContainsFunc(e.pending, func(v delivery) bool { return v.dispatcher == d })
	e.mu.Unlock()
	if ready {
		d.finalize()
	}
}

func (d *Dispatcher) finalize() {
	e := d.engine
	e.mu.Lock()
	if d.finalized {
		e.mu.Unlock()
		return
	}
	d.finalized = true
	d.token = nil
	e.mu.Unlock()
	d.config.Finalize()
}

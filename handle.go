package hostbridge

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

type handleKind uint32

const (
	handleTransient handleKind = iota
	handleDurable
	handleReleased
)

func (k handleKind) String() string {
	switch k {
	case handleTransient:
		return "transient"
	case handleDurable:
		return "durable"
	case handleReleased:
		return "released"
	default:
		return fmt.Sprintf("handleKind(%d)", uint32(k))
	}
}

// Handle wraps one engine value.
//
// A Handle starts transient: valid only while the Scope that created it is
// on the stack. [Handle.Promote] converts it to durable, backed by a counted
// engine reference, valid until released. Unlike the raw value, a durable
// Handle may be held by, and passed between, any goroutines, though it may
// only be resolved on the engine goroutine.
//
// Durable references are released by [Handle.Release], or when the Handle is
// garbage collected. Release never calls the engine off the engine
// goroutine: the reference is queued, and deleted on the next Scope entry.
type Handle struct {
	// Prevent copying
	_ [0]func()

	inst *Instance

	// transient state, cleared on promotion
	scope *Scope
	raw   RawValue

	// durable state
	token   *refToken
	cleanup runtime.Cleanup

	kind atomic.Uint32
}

// refToken owns one durable reference. It must not reference its Handle, as
// it is the argument of the Handle's cleanup.
type refToken struct {
	inst     *Instance
	ref      Reference
	boxed    bool
	released atomic.Bool
}

func (t *refToken) release() {
	if !t.released.CompareAndSwap(false, true) {
		return
	}
	if t.inst.activeScope() != nil && !t.inst.isTornDown() {
		if err := t.inst.engine.DeleteReference(t.ref); err != nil {
			t.inst.logger.Err().
				Err(err).
				Log(`hostbridge: failed to delete reference`)
		}
		return
	}
	t.inst.deferDelete(t.ref)
}

// NewHandle wraps raw as a transient Handle, registered with s, which must be
// the current Scope.
func NewHandle(s *Scope, raw RawValue) *Handle {
	s.checkCurrent()
	h := &Handle{
		inst:  s.inst,
		scope: s,
		raw:   raw,
	}
	s.register(h)
	return h
}

// Instance returns the instance the handle belongs to.
func (h *Handle) Instance() *Instance { return h.inst }

// IsDurable reports whether the handle has been promoted, and not released.
func (h *Handle) IsDurable() bool {
	return handleKind(h.kind.Load()) == handleDurable
}

// RawValue returns the wrapped engine value. It must be called on the engine
// goroutine, within a Scope of the handle's instance. Fails with
// [ErrScopeExited] for a transient handle whose Scope has exited,
// [ErrHandleReleased] after release, or [ErrInstanceTornDown].
func (h *Handle) RawValue() (RawValue, error) {
	h.inst.currentScope()

	switch kind := handleKind(h.kind.Load()); kind {
	case handleTransient:
		if h.scope.exited.Load() {
			return nil, ErrScopeExited
		}
		return h.raw, nil

	case handleDurable:
		if h.inst.isTornDown() {
			return nil, ErrInstanceTornDown
		}
		value, err := h.inst.engine.ReferenceValue(h.token.ref)
		if err != nil {
			return nil, err
		}
		if h.token.boxed {
			if value, err = h.inst.engine.Unbox(value); err != nil {
				return nil, err
			}
		}
		return value, nil

	case handleReleased:
		return nil, ErrHandleReleased

	default:
		panic(fmt.Sprintf("hostbridge: unexpected handle kind: %s", kind))
	}
}

// Promote converts the handle to durable. It is idempotent, and must be
// called on the engine goroutine, within a Scope of the handle's instance.
func (h *Handle) Promote() error {
	h.inst.currentScope()
	return h.promote()
}

func (h *Handle) promote() error {
	switch kind := handleKind(h.kind.Load()); kind {
	case handleDurable:
		return nil
	case handleReleased:
		return ErrHandleReleased
	case handleTransient:
	default:
		panic(fmt.Sprintf("hostbridge: unexpected handle kind: %s", kind))
	}

	if h.inst.isTornDown() {
		return ErrInstanceTornDown
	}
	if h.scope.exited.Load() {
		return ErrScopeExited
	}

	// dead reference deletion is driven by the default queue
	if _, err := h.inst.DispatchQueue(); err != nil {
		h.inst.logger.Err().
			Err(err).
			Log(`hostbridge: failed to create default dispatch queue`)
	}

	engine := h.inst.engine
	value := h.raw
	var boxed bool
	if !engine.IsObject(value) {
		var err error
		if value, err = engine.Box(value); err != nil {
			return fmt.Errorf("hostbridge: box value: %w", err)
		}
		boxed = true
	}

	ref, err := engine.NewReference(value)
	if err != nil {
		return fmt.Errorf("hostbridge: create reference: %w", err)
	}

	token := &refToken{inst: h.inst, ref: ref, boxed: boxed}
	h.token = token
	h.cleanup = runtime.AddCleanup(h, func(t *refToken) { t.release() }, token)

	if !h.kind.CompareAndSwap(uint32(handleTransient), uint32(handleDurable)) {
		// released concurrently, on another goroutine
		h.cleanup.Stop()
		token.release()
		return ErrHandleReleased
	}

	h.scope = nil
	h.raw = nil

	return nil
}

// Release gives up the handle, deleting its durable reference (if any).
// Safe to call from any goroutine, more than once. Subsequent use of the
// handle fails with [ErrHandleReleased].
func (h *Handle) Release() {
	for {
		switch kind := handleKind(h.kind.Load()); kind {
		case handleReleased:
			return
		case handleTransient:
			if h.kind.CompareAndSwap(uint32(handleTransient), uint32(handleReleased)) {
				return
			}
		case handleDurable:
			if h.kind.CompareAndSwap(uint32(handleDurable), uint32(handleReleased)) {
				h.cleanup.Stop()
				h.token.release()
				return
			}
		}
	}
}

func (h *Handle) String() string {
	return fmt.Sprintf("hostbridge.Handle(%s)", handleKind(h.kind.Load()))
}

package hostbridge

import (
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/joeycumines/go-hostbridge/goroutineid"
)

// ScopeMode selects what happens to a Scope's handles when it exits.
type ScopeMode uint8

const (
	// ScopeManaged promotes the result on exit, and throws errors into the
	// engine. Used for top-level entries, see [WithEntry].
	ScopeManaged ScopeMode = iota

	// ScopeUnmanaged promotes the result on exit, and optionally verifies
	// that nothing else escaped. See [WithUnmanaged].
	ScopeUnmanaged
)

func (m ScopeMode) String() string {
	switch m {
	case ScopeManaged:
		return "managed"
	case ScopeUnmanaged:
		return "unmanaged"
	default:
		return "unknown"
	}
}

// Scope tracks the handles created during one entry from the engine into Go.
// Scopes form a strict per-goroutine stack, and only the innermost is
// current. A Scope is only valid on the goroutine that entered it, until it
// exits.
type Scope struct {
	// Prevent copying
	_ [0]func()

	inst   *Instance
	parent *Scope

	// registered handles, weak so that registration doesn't keep them alive
	handles []weak.Pointer[Handle]

	goroutine uint64

	exited atomic.Bool

	mode ScopeMode

	// whether handles are registered at all, for escape verification
	tracking bool
}

// scopes maps goroutine id to the innermost Scope on that goroutine.
var scopes sync.Map // map[uint64]*Scope

func lookupScope(gid uint64) *Scope {
	if v, ok := scopes.Load(gid); ok {
		return v.(*Scope)
	}
	return nil
}

// Current returns the innermost Scope of the calling goroutine. It panics
// with a [*FatalError] wrapping [ErrInvalidThreadAccess] if there is none.
func Current() *Scope {
	s := lookupScope(goroutineid.Get())
	if s == nil {
		fatal(ErrInvalidThreadAccess, "no current scope on this goroutine")
	}
	return s
}

// Instance returns the instance the Scope is bound to.
func (s *Scope) Instance() *Instance { return s.inst }

// Engine returns the engine of the instance the Scope is bound to.
func (s *Scope) Engine() Engine { return s.inst.engine }

// Mode returns the mode the Scope was entered with.
func (s *Scope) Mode() ScopeMode { return s.mode }

// enter pushes a new Scope for inst onto the calling goroutine's stack,
// then drains the instance's dead references.
func enter(inst *Instance, mode ScopeMode) (*Scope, error) {
	gid := goroutineid.Get()

	if inst.isTornDown() {
		return nil, ErrInstanceTornDown
	}

	if !inst.owner.CompareAndSwap(0, gid) {
		if owner := inst.owner.Load(); owner != gid {
			fatal(ErrInvalidThreadAccess, "instance %d is owned by goroutine %d, entered on %d", inst.id, owner, gid)
		}
	}

	s := &Scope{
		inst:      inst,
		parent:    lookupScope(gid),
		goroutine: gid,
		mode:      mode,
		tracking:  mode == ScopeUnmanaged && inst.escapeVerification,
	}
	scopes.Store(gid, s)

	inst.drainDeadRefs()

	return s, nil
}

// pop removes s from the top of its goroutine's stack.
func (s *Scope) pop() {
	if s.exited.Swap(true) {
		fatal(ErrScopeOrder, "scope exited twice")
	}
	if cur := lookupScope(s.goroutine); cur != s {
		fatal(ErrScopeOrder, "scope is not the innermost on goroutine %d", s.goroutine)
	}
	s.unwind()
}

// unwind restores the goroutine's stack to the parent of s, without order
// checks. Used on fatal paths.
func (s *Scope) unwind() {
	s.exited.Store(true)
	if s.parent == nil {
		scopes.Delete(s.goroutine)
	} else {
		scopes.Store(s.goroutine, s.parent)
	}
	s.handles = nil
}

// checkCurrent panics unless s is the current Scope of the calling
// goroutine.
func (s *Scope) checkCurrent() {
	if s == nil {
		fatal(ErrInvalidThreadAccess, "nil scope")
	}
	if s.exited.Load() {
		fatal(ErrInvalidThreadAccess, "scope has exited")
	}
	gid := goroutineid.Get()
	if gid != s.goroutine {
		fatal(ErrInvalidThreadAccess, "scope entered on goroutine %d, used on %d", s.goroutine, gid)
	}
}

func (s *Scope) register(h *Handle) {
	if s.tracking {
		s.handles = append(s.handles, weak.Make(h))
	}
}

// promoteResult promotes result, if it is a non-nil [*Handle], returning it.
// Any other value is ignored.
func (s *Scope) promoteResult(result any) (*Handle, error) {
	h, ok := result.(*Handle)
	if !ok || h == nil {
		return nil, nil
	}

	if err := h.promote(); err != nil {
		return nil, err
	}
	return h, nil
}

// verifyNoEscapes forces a GC, then panics if any registered handle other
// than sanctioned is still alive and transient.
func (s *Scope) verifyNoEscapes(sanctioned *Handle) {
	runtime.GC()
	escaped := 0
	for _, wp := range s.handles {
		h := wp.Value()
		if h == nil || h == sanctioned || handleKind(h.kind.Load()) != handleTransient {
			continue
		}
		escaped++
	}
	if escaped == 0 {
		return
	}
	s.inst.logger.Crit().
		Int(`escaped`, escaped).
		Log(`hostbridge: handles escaped unmanaged scope`)
	s.unwind()
	fatal(ErrEscapedHandle, "%d handle(s) outlived unmanaged scope", escaped)
}

package hostbridge

// WithEntry runs body within a managed Scope of the engine's instance,
// creating the instance on first use. It is the entry point for every call
// from the engine into Go, and must be called on the engine goroutine.
//
// On exit, the result is promoted if it is a [*Handle]. Other handles created
// within the Scope are only valid until it exits, unless explicitly promoted
// via [Handle.Promote], after which they fail with [ErrScopeExited]. An error
// returned by body (or a recovered panic, as a [*PanicError]) is thrown into
// the engine, then returned, along with the zero value of T. A [*FatalError]
// panic is never recovered.
func WithEntry[T any](engine Engine, body func(s *Scope) (T, error)) (T, error) {
	inst, err := InstanceFor(engine)
	if err != nil {
		var zero T
		return zero, err
	}
	return withManaged(inst, body, true)
}

// WithHostEntry is [WithEntry], for entries that originate from Go rather
// than the engine, e.g. evaluating a script. Errors are returned to the
// caller, never thrown into the engine.
func WithHostEntry[T any](engine Engine, body func(s *Scope) (T, error)) (T, error) {
	inst, err := InstanceFor(engine)
	if err != nil {
		var zero T
		return zero, err
	}
	return withManaged(inst, body, false)
}

// WithUnmanaged runs body within an unmanaged Scope of inst, for nested,
// performance sensitive entries. Only the result escapes: if it is a
// [*Handle], it is promoted on exit. Every other handle created within the
// Scope must be unreachable once body returns, or explicitly promoted or
// released. This is verified (fatally) only if escape verification is
// enabled, see [WithEscapeVerification]. Without verification, using an
// escaped handle fails with [ErrScopeExited].
//
// Errors are returned, not thrown.
func WithUnmanaged[T any](inst *Instance, body func(s *Scope) (T, error)) (result T, err error) {
	s, err := enter(inst, ScopeUnmanaged)
	if err != nil {
		return result, err
	}

	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*FatalError); ok {
				s.unwind()
				panic(fe)
			}
			var zero T
			result, err = zero, &PanicError{Value: r}
		}

		var sanctioned *Handle
		if err == nil {
			if sanctioned, err = s.promoteResult(result); err != nil {
				var zero T
				result = zero
			}
		}

		if s.tracking {
			s.verifyNoEscapes(sanctioned)
		}

		s.pop()
	}()

	return body(s)
}

// withManaged runs body within a managed Scope. If throw is true, errors are
// thrown into the engine before the Scope exits.
func withManaged[T any](inst *Instance, body func(s *Scope) (T, error), throw bool) (result T, err error) {
	s, err := enter(inst, ScopeManaged)
	if err != nil {
		return result, err
	}

	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*FatalError); ok {
				inst.logger.Crit().
					Err(fe).
					Log(`hostbridge: fatal error`)
				s.unwind()
				panic(fe)
			}
			err = &PanicError{Value: r}
		}

		if err == nil {
			_, err = s.promoteResult(result)
		}

		if err != nil {
			var zero T
			result = zero
			if throw {
				inst.throw(err)
			}
		}

		s.pop()
	}()

	return body(s)
}

package gojaengine

import (
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/go-hostbridge"
	"github.com/joeycumines/logiface"
)

// Func implements a native JavaScript function. It runs within a managed
// Scope. A returned error is thrown, as a JavaScript exception, once the
// Scope has exited. A nil value is undefined.
type Func func(s *hostbridge.Scope, call goja.FunctionCall) (goja.Value, error)

// nativeFrame holds the exception thrown by the entry of one native
// function call.
type nativeFrame struct {
	thrown   goja.Value
	throwing bool
}

// Function adapts fn for use with the runtime, e.g. via
// [goja.Runtime.Set].
func (e *Engine) Function(fn Func) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var frame nativeFrame
		result, err := e.enter(&frame, call, fn)

		if frame.throwing {
			panic(frame.thrown)
		}
		if err != nil {
			// not converted, e.g. the instance was torn down
			panic(e.runtime.NewGoError(err))
		}
		if result == nil {
			return goja.Undefined()
		}
		return result
	}
}

func (e *Engine) enter(frame *nativeFrame, call goja.FunctionCall, fn Func) (goja.Value, error) {
	parent := e.frame
	e.frame = frame
	defer func() { e.frame = parent }()
	return hostbridge.WithEntry(e, func(s *hostbridge.Scope) (goja.Value, error) {
		return fn(s, call)
	})
}

// detached runs fn outside of any native function frame, so that nothing
// fn throws is raised by an enclosing native function.
func (e *Engine) detached(fn func()) {
	parent := e.frame
	e.frame = nil
	defer func() { e.frame = parent }()
	fn()
}

// Set defines a global native function. It must be called on the loop
// goroutine, or before the loop starts.
func (e *Engine) Set(name string, fn Func) error {
	return e.runtime.Set(name, e.Function(fn))
}

// Require returns a module loader exporting the given native functions,
// for use with [WithModule].
func (e *Engine) Require(exports map[string]Func) require.ModuleLoader {
	return func(runtime *goja.Runtime, module *goja.Object) {
		obj := module.Get(`exports`).(*goja.Object)
		for name, fn := range exports {
			if err := obj.Set(name, e.Function(fn)); err != nil {
				panic(runtime.NewGoError(err))
			}
		}
	}
}

// RegisterModule registers a native module exporting the given functions,
// loadable via require(name).
func (e *Engine) RegisterModule(name string, exports map[string]Func) {
	e.registry.RegisterNativeModule(name, e.Require(exports))
}

// consolePrinter routes console output to a logger.
type consolePrinter struct {
	logger *logiface.Logger[logiface.Event]
}

func (p *consolePrinter) Log(s string) { p.logger.Info().Log(s) }

func (p *consolePrinter) Warn(s string) { p.logger.Warning().Log(s) }

func (p *consolePrinter) Error(s string) { p.logger.Err().Log(s) }

package gojaengine_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/go-hostbridge"
	"github.com/joeycumines/go-hostbridge/eventloop"
	"github.com/joeycumines/go-hostbridge/gojaengine"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *logBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *logBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func newTestLogger(w *logBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startEngine returns an engine on a running loop, closed on cleanup.
func startEngine(t *testing.T, opts ...gojaengine.Option) *gojaengine.Engine {
	t.Helper()

	loop, err := eventloop.New()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = loop.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error(`loop did not stop`)
		}
	})

	engine, err := gojaengine.New(loop, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, engine.Close(context.Background()))
	})

	return engine
}

func TestNew_nilLoop(t *testing.T) {
	_, err := gojaengine.New(nil)
	assert.Error(t, err)
}

func TestEngine_RunScript(t *testing.T) {
	engine := startEngine(t)
	ctx := testContext(t)

	result, err := engine.RunScript(ctx, `main.js`, `1 + 2`)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result)

	result, err = engine.RunScript(ctx, `main.js`, `undefined`)
	require.NoError(t, err)
	assert.Nil(t, result)

	created, deleted := engine.References()
	assert.Equal(t, created, deleted)
}

func TestEngine_RunScript_exception(t *testing.T) {
	engine := startEngine(t)

	_, err := engine.RunScript(testContext(t), `main.js`, `throw new Error('boom')`)
	require.Error(t, err)

	var exc *hostbridge.Exception
	require.ErrorAs(t, err, &exc)
	assert.Contains(t, exc.Error(), `boom`)

	var gojaExc *goja.Exception
	assert.ErrorAs(t, err, &gojaExc)
}

func TestEngine_Set_nativeFunction(t *testing.T) {
	engine := startEngine(t)
	ctx := testContext(t)

	require.NoError(t, engine.Do(ctx, func(s *hostbridge.Scope) error {
		return engine.Set(`add`, func(s *hostbridge.Scope, call goja.FunctionCall) (goja.Value, error) {
			assert.Equal(t, hostbridge.ScopeManaged, s.Mode())
			return engine.Runtime().ToValue(call.Argument(0).ToInteger() + call.Argument(1).ToInteger()), nil
		})
	}))

	result, err := engine.RunScript(ctx, `main.js`, `add(2, 40)`)
	require.NoError(t, err)
	assert.Equal(t, int64(42), result)
}

func TestEngine_Function_errorThrown(t *testing.T) {
	engine := startEngine(t)
	ctx := testContext(t)

	require.NoError(t, engine.Do(ctx, func(s *hostbridge.Scope) error {
		if err := engine.Set(`fail`, func(*hostbridge.Scope, goja.FunctionCall) (goja.Value, error) {
			return nil, errors.New(`native failure`)
		}); err != nil {
			return err
		}
		return engine.Set(`boom`, func(*hostbridge.Scope, goja.FunctionCall) (goja.Value, error) {
			panic(`native panic`)
		})
	}))

	result, err := engine.RunScript(ctx, `main.js`, `
		let caught;
		try {
			fail();
		} catch (e) {
			caught = e.message;
		}
		caught;
	`)
	require.NoError(t, err)
	assert.Equal(t, `native failure`, result)

	result, err = engine.RunScript(ctx, `main.js`, `
		let caught2;
		try {
			boom();
		} catch (e) {
			caught2 = String(e);
		}
		caught2;
	`)
	require.NoError(t, err)
	assert.Contains(t, result, `native panic`)
}

func TestEngine_Function_exceptionRethrown(t *testing.T) {
	engine := startEngine(t)
	ctx := testContext(t)

	require.NoError(t, engine.Do(ctx, func(s *hostbridge.Scope) error {
		return engine.Set(`evalInner`, func(s *hostbridge.Scope, call goja.FunctionCall) (goja.Value, error) {
			h, err := engine.Eval(s, `inner.js`, call.Argument(0).String())
			if err != nil {
				return nil, err
			}
			raw, err := h.RawValue()
			if err != nil {
				return nil, err
			}
			return raw.(goja.Value), nil
		})
	}))

	result, err := engine.RunScript(ctx, `main.js`, `
		const thrown = {tag: 'inner'};
		globalThis.thrown = thrown;
		let same;
		try {
			evalInner('throw globalThis.thrown');
		} catch (e) {
			same = e === thrown;
		}
		same;
	`)
	require.NoError(t, err)
	assert.Equal(t, true, result)

	result, err = engine.RunScript(ctx, `main.js`, `evalInner('6 * 7')`)
	require.NoError(t, err)
	assert.Equal(t, int64(42), result)
}

func TestEngine_RegisterModule(t *testing.T) {
	engine := startEngine(t)
	ctx := testContext(t)

	engine.RegisterModule(`calc`, map[string]gojaengine.Func{
		`double`: func(s *hostbridge.Scope, call goja.FunctionCall) (goja.Value, error) {
			return engine.Runtime().ToValue(call.Argument(0).ToInteger() * 2), nil
		},
	})

	result, err := engine.RunScript(ctx, `main.js`, `require('calc').double(21)`)
	require.NoError(t, err)
	assert.Equal(t, int64(42), result)
}

func TestEngine_WithModule(t *testing.T) {
	engine := startEngine(t, gojaengine.WithModule(`greeting`, func(runtime *goja.Runtime, module *goja.Object) {
		_ = module.Get(`exports`).(*goja.Object).Set(`text`, `hello`)
	}))

	result, err := engine.RunScript(testContext(t), `main.js`, `require('greeting').text`)
	require.NoError(t, err)
	assert.Equal(t, `hello`, result)
}

func TestEngine_durableHandleAcrossEntries(t *testing.T) {
	engine := startEngine(t)
	ctx := testContext(t)

	var kept *hostbridge.Handle
	require.NoError(t, engine.Do(ctx, func(s *hostbridge.Scope) error {
		if err := engine.Set(`keep`, func(s *hostbridge.Scope, call goja.FunctionCall) (goja.Value, error) {
			kept = hostbridge.NewHandle(s, call.Argument(0))
			return nil, kept.Promote()
		}); err != nil {
			return err
		}
		return engine.Set(`get`, func(s *hostbridge.Scope, call goja.FunctionCall) (goja.Value, error) {
			raw, err := kept.RawValue()
			if err != nil {
				return nil, err
			}
			return raw.(goja.Value), nil
		})
	}))

	_, err := engine.RunScript(ctx, `main.js`, `keep({a: 1})`)
	require.NoError(t, err)

	result, err := engine.RunScript(ctx, `main.js`, `get().a`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result)

	require.NoError(t, engine.Do(ctx, func(s *hostbridge.Scope) error {
		assert.True(t, kept.IsDurable())
		kept.Release()
		return nil
	}))

	created, deleted := engine.References()
	assert.Equal(t, int64(1), created)
	assert.Equal(t, int64(1), deleted)
}

func TestEngine_consoleLogged(t *testing.T) {
	var buf logBuffer
	engine := startEngine(t, gojaengine.WithLogger(newTestLogger(&buf)))

	_, err := engine.RunScript(testContext(t), `main.js`, `console.log('hello from js'); console.error('bad thing')`)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `hello from js`)
	assert.Contains(t, out, `bad thing`)
	assert.Contains(t, out, `"source":"console"`)
}

func TestEngine_Close(t *testing.T) {
	engine := startEngine(t)
	ctx := testContext(t)

	require.NoError(t, engine.Close(ctx))
	require.NoError(t, engine.Close(ctx))

	_, err := engine.RunScript(ctx, `main.js`, `1`)
	assert.ErrorIs(t, err, hostbridge.ErrInstanceTornDown)
}

func TestEngine_Async(t *testing.T) {
	loop, err := eventloop.New(eventloop.WithExitWhenIdle(true))
	require.NoError(t, err)

	engine, err := gojaengine.New(loop)
	require.NoError(t, err)

	reported := make(chan any, 1)
	require.NoError(t, engine.Set(`report`, func(s *hostbridge.Scope, call goja.FunctionCall) (goja.Value, error) {
		reported <- call.Argument(0).Export()
		return nil, nil
	}))
	require.NoError(t, engine.Set(`asyncDouble`, func(s *hostbridge.Scope, call goja.FunctionCall) (goja.Value, error) {
		n := call.Argument(0).ToInteger()
		h, err := hostbridge.Async(s, context.Background(), func(ctx context.Context) (int64, error) {
			time.Sleep(time.Millisecond)
			return n * 2, nil
		})
		if err != nil {
			return nil, err
		}
		raw, err := h.RawValue()
		if err != nil {
			return nil, err
		}
		return raw.(goja.Value), nil
	}))

	scriptErr := make(chan error, 1)
	require.NoError(t, loop.Submit(func() {
		_, err := engine.RunScript(context.Background(), `main.js`, `asyncDouble(21).then(report)`)
		scriptErr <- err
	}))

	// the pending promise keeps the loop alive, until it settles
	ctx := testContext(t)
	require.NoError(t, loop.Run(ctx))
	require.NoError(t, <-scriptErr)

	select {
	case v := <-reported:
		assert.Equal(t, int64(42), v)
	default:
		t.Fatal(`promise not settled before the loop went idle`)
	}
}

func TestEngine_nestedEntryErrorHandled(t *testing.T) {
	engine := startEngine(t)
	ctx := testContext(t)

	require.NoError(t, engine.Do(ctx, func(s *hostbridge.Scope) error {
		if err := engine.Set(`safe`, func(s *hostbridge.Scope, call goja.FunctionCall) (goja.Value, error) {
			_, err := engine.RunScript(ctx, `inner.js`, `throw new Error('inner')`)
			if err == nil {
				return nil, errors.New(`expected an error`)
			}
			return engine.Runtime().ToValue(`ok`), nil
		}); err != nil {
			return err
		}
		return engine.Set(`safeDo`, func(s *hostbridge.Scope, call goja.FunctionCall) (goja.Value, error) {
			if err := engine.Do(ctx, func(*hostbridge.Scope) error { return errors.New(`handled`) }); err == nil {
				return nil, errors.New(`expected an error`)
			}
			return engine.Runtime().ToValue(`ok`), nil
		})
	}))

	result, err := engine.RunScript(ctx, `main.js`, `safe()`)
	require.NoError(t, err)
	assert.Equal(t, `ok`, result)

	result, err = engine.RunScript(ctx, `main.js`, `safeDo()`)
	require.NoError(t, err)
	assert.Equal(t, `ok`, result)
}

func TestEngine_nestedNativeErrorStaysInner(t *testing.T) {
	engine := startEngine(t)
	ctx := testContext(t)

	require.NoError(t, engine.Do(ctx, func(s *hostbridge.Scope) error {
		if err := engine.Set(`fail`, func(*hostbridge.Scope, goja.FunctionCall) (goja.Value, error) {
			return nil, errors.New(`inner failure`)
		}); err != nil {
			return err
		}
		return engine.Set(`callCaught`, func(s *hostbridge.Scope, call goja.FunctionCall) (goja.Value, error) {
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				return nil, errors.New(`not a function`)
			}
			if _, err := fn(goja.Undefined()); err == nil {
				return nil, errors.New(`expected an error`)
			}
			return engine.Runtime().ToValue(`recovered`), nil
		})
	}))

	result, err := engine.RunScript(ctx, `main.js`, `callCaught(fail)`)
	require.NoError(t, err)
	assert.Equal(t, `recovered`, result)
}

func TestEngine_uncaughtQueueErrorLogged(t *testing.T) {
	var buf logBuffer
	engine := startEngine(t, gojaengine.WithLogger(newTestLogger(&buf)))
	ctx := testContext(t)

	var q *hostbridge.DispatchQueue
	require.NoError(t, engine.Do(ctx, func(s *hostbridge.Scope) (err error) {
		q, err = hostbridge.NewDispatchQueue(s, `test`)
		return
	}))
	t.Cleanup(func() { _ = q.Close() })

	require.NoError(t, q.Call(func(*hostbridge.Scope) error { return errors.New(`lost error`) }, false))

	const msg = `"msg":"gojaengine: uncaught exception outside of a native function"`
	require.Eventually(t, func() bool { return strings.Contains(buf.String(), msg) }, 5*time.Second, time.Millisecond)

	for line := range strings.Lines(buf.String()) {
		if strings.Contains(line, msg) {
			assert.Contains(t, line, `"lvl":"err"`)
			assert.Contains(t, line, `lost error`)
		}
	}
}

func TestEngine_fatalErrorStopsLoop(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)

	recovered := make(chan any, 1)
	go func() {
		defer func() { recovered <- recover() }()
		_ = loop.Run(context.Background())
	}()

	engine, err := gojaengine.New(loop)
	require.NoError(t, err)
	ctx := testContext(t)

	var q *hostbridge.DispatchQueue
	require.NoError(t, engine.Do(ctx, func(s *hostbridge.Scope) (err error) {
		q, err = hostbridge.NewDispatchQueue(s, `test`)
		return
	}))

	require.NoError(t, q.Call(func(*hostbridge.Scope) error {
		// a nil scope is never current
		hostbridge.NewHandle(nil, nil)
		return nil
	}, false))

	select {
	case r := <-recovered:
		require.IsType(t, (*hostbridge.FatalError)(nil), r)
		assert.ErrorIs(t, r.(*hostbridge.FatalError), hostbridge.ErrInvalidThreadAccess)
	case <-time.After(5 * time.Second):
		t.Fatal(`fatal error did not propagate`)
	}

	assert.Equal(t, eventloop.StateTerminated, loop.State())
	_, err = engine.RunScript(ctx, `main.js`, `1`)
	assert.ErrorIs(t, err, eventloop.ErrLoopTerminated)
}

package hostbridge_test

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/joeycumines/go-hostbridge"
	"github.com/joeycumines/go-hostbridge/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//go:noinline
func createUnreachableHandle(s *hostbridge.Scope) {
	hostbridge.NewHandle(s, enginetest.NewObject(`garbage`))
}

//go:noinline
func createUnreachableDurableHandle(t *testing.T, s *hostbridge.Scope) {
	require.NoError(t, hostbridge.NewHandle(s, enginetest.NewObject(`garbage`)).Promote())
}

func TestHandle_notPromotedNoReferences(t *testing.T) {
	t.Run(`released`, func(t *testing.T) {
		engine, _ := newTestInstance(t)
		entry(t, engine, func(s *hostbridge.Scope) {
			h := hostbridge.NewHandle(s, enginetest.NewObject(`a`))
			h.Release()
		})
		assert.Zero(t, engine.ReferencesCreated())
	})

	t.Run(`dropped`, func(t *testing.T) {
		engine, _ := newTestInstance(t)
		entry(t, engine, func(s *hostbridge.Scope) {
			h := hostbridge.NewHandle(s, enginetest.NewObject(`a`))
			_ = h
			for range 100 {
				createUnreachableHandle(s)
			}
		})
		assert.Zero(t, engine.ReferencesCreated())
	})

	t.Run(`held`, func(t *testing.T) {
		engine, _ := newTestInstance(t)
		var held *hostbridge.Handle
		entry(t, engine, func(s *hostbridge.Scope) {
			held = hostbridge.NewHandle(s, enginetest.NewObject(`a`))
		})
		assert.Zero(t, engine.ReferencesCreated())
		assert.False(t, held.IsDurable())

		entry(t, engine, func(s *hostbridge.Scope) {
			_, err := held.RawValue()
			assert.ErrorIs(t, err, hostbridge.ErrScopeExited)
			assert.ErrorIs(t, held.Promote(), hostbridge.ErrScopeExited)
		})
		assert.Zero(t, engine.ReferencesCreated())
	})

	t.Run(`error result`, func(t *testing.T) {
		engine, _ := newTestInstance(t)
		cause := errors.New(`some error`)
		h, err := hostbridge.WithEntry(engine, func(s *hostbridge.Scope) (*hostbridge.Handle, error) {
			return hostbridge.NewHandle(s, enginetest.NewObject(`a`)), cause
		})
		assert.ErrorIs(t, err, cause)
		assert.Nil(t, h)
		assert.Zero(t, engine.ReferencesCreated())
		assert.Len(t, engine.Thrown(), 1)
	})
}

func TestHandle_resultPromotedOnManagedExit(t *testing.T) {
	engine, _ := newTestInstance(t)
	obj := enginetest.NewObject(`kept`)

	h, err := hostbridge.WithEntry(engine, func(s *hostbridge.Scope) (*hostbridge.Handle, error) {
		h := hostbridge.NewHandle(s, obj)
		assert.False(t, h.IsDurable())
		return h, nil
	})
	require.NoError(t, err)

	assert.True(t, h.IsDurable())
	assert.Equal(t, 1, engine.ReferencesCreated())

	entry(t, engine, func(s *hostbridge.Scope) {
		value, err := h.RawValue()
		require.NoError(t, err)
		assert.Same(t, obj, value)
	})
}

func TestHandle_afterTeardown(t *testing.T) {
	engine, _ := newTestInstance(t)

	var durable *hostbridge.Handle
	entry(t, engine, func(s *hostbridge.Scope) {
		durable = hostbridge.NewHandle(s, enginetest.NewObject(`durable`))
		require.NoError(t, durable.Promote())
	})

	entry(t, engine, func(s *hostbridge.Scope) {
		transient := hostbridge.NewHandle(s, enginetest.NewObject(`transient`))

		engine.Teardown()

		assert.ErrorIs(t, transient.Promote(), hostbridge.ErrInstanceTornDown)
		_, err := durable.RawValue()
		assert.ErrorIs(t, err, hostbridge.ErrInstanceTornDown)
	})

	assert.Equal(t, 1, engine.ReferencesCreated())
}

func TestHandle_Promote_idempotent(t *testing.T) {
	engine, _ := newTestInstance(t)
	obj := enginetest.NewObject(`a`)

	var h *hostbridge.Handle
	entry(t, engine, func(s *hostbridge.Scope) {
		h = hostbridge.NewHandle(s, obj)
		require.NoError(t, h.Promote())
		require.NoError(t, h.Promote())
		assert.True(t, h.IsDurable())

		value, err := h.RawValue()
		require.NoError(t, err)
		assert.Same(t, obj, value)
	})
	require.NoError(t, func() (err error) {
		entry(t, engine, func(s *hostbridge.Scope) { err = h.Promote() })
		return
	}())

	assert.Equal(t, 1, engine.ReferencesCreated())
	assert.Equal(t, 1, engine.LiveReferences())
}

func TestHandle_boxesNonObjects(t *testing.T) {
	engine, _ := newTestInstance(t)

	var h *hostbridge.Handle
	entry(t, engine, func(s *hostbridge.Scope) {
		h = hostbridge.NewHandle(s, 42)
		require.NoError(t, h.Promote())
	})

	entry(t, engine, func(s *hostbridge.Scope) {
		value, err := h.RawValue()
		require.NoError(t, err)
		assert.Equal(t, 42, value)
	})

	assert.Equal(t, 1, engine.ReferencesCreated())
}

func TestHandle_Release_offGoroutineDeferred(t *testing.T) {
	engine, _ := newTestInstance(t)

	var h *hostbridge.Handle
	entry(t, engine, func(s *hostbridge.Scope) {
		h = hostbridge.NewHandle(s, enginetest.NewObject(`a`))
		require.NoError(t, h.Promote())
	})
	require.True(t, h.IsDurable())
	require.Equal(t, 1, engine.LiveReferences())

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Release()
		h.Release()
	}()
	<-done

	// nothing deleted until the engine goroutine enters a scope
	assert.Equal(t, 1, engine.LiveReferences())
	assert.Equal(t, 1, engine.Pending())

	engine.Drain()

	assert.Zero(t, engine.LiveReferences())
	assert.Equal(t, 1, engine.ReferencesDeleted())

	entry(t, engine, func(s *hostbridge.Scope) {
		_, err := h.RawValue()
		assert.ErrorIs(t, err, hostbridge.ErrHandleReleased)
		assert.ErrorIs(t, h.Promote(), hostbridge.ErrHandleReleased)
	})
}

func TestHandle_Release_onEngineGoroutine(t *testing.T) {
	engine, _ := newTestInstance(t)

	entry(t, engine, func(s *hostbridge.Scope) {
		h := hostbridge.NewHandle(s, enginetest.NewObject(`a`))
		require.NoError(t, h.Promote())
		require.Equal(t, 1, engine.LiveReferences())
		h.Release()
		assert.Zero(t, engine.LiveReferences())
	})

	assert.Equal(t, 1, engine.ReferencesDeleted())
}

func TestHandle_RawValue_scopeExited(t *testing.T) {
	engine, inst := newTestInstance(t, hostbridge.WithEscapeVerification(false))

	entry(t, engine, func(s *hostbridge.Scope) {
		var escaped *hostbridge.Handle
		_, err := hostbridge.WithUnmanaged(inst, func(s *hostbridge.Scope) (struct{}, error) {
			escaped = hostbridge.NewHandle(s, enginetest.NewObject(`a`))
			return struct{}{}, nil
		})
		require.NoError(t, err)

		_, err = escaped.RawValue()
		assert.ErrorIs(t, err, hostbridge.ErrScopeExited)
		assert.ErrorIs(t, escaped.Promote(), hostbridge.ErrScopeExited)
	})

	assert.Zero(t, engine.ReferencesCreated())
}

func TestHandle_RawValue_noScopeFatal(t *testing.T) {
	engine, _ := newTestInstance(t)

	var h *hostbridge.Handle
	entry(t, engine, func(s *hostbridge.Scope) {
		h = hostbridge.NewHandle(s, enginetest.NewObject(`a`))
	})

	fe := recoverFatal(func() { _, _ = h.RawValue() })
	require.NotNil(t, fe)
	assert.ErrorIs(t, fe, hostbridge.ErrInvalidThreadAccess)

	fe = recoverFatal(func() { _ = h.Promote() })
	require.NotNil(t, fe)
	assert.ErrorIs(t, fe, hostbridge.ErrInvalidThreadAccess)
}

func TestHandle_collectedDurableReleased(t *testing.T) {
	engine, _ := newTestInstance(t)

	entry(t, engine, func(s *hostbridge.Scope) {
		createUnreachableDurableHandle(t, s)
	})
	require.Equal(t, 1, engine.ReferencesCreated())

	// drained on this goroutine, the cleanup runs on another
	deadline := time.Now().Add(5 * time.Second)
	for engine.LiveReferences() != 0 {
		require.True(t, time.Now().Before(deadline), `reference not released`)
		runtime.GC()
		time.Sleep(time.Millisecond)
		engine.Drain()
	}

	assert.Equal(t, 1, engine.ReferencesDeleted())
}

func TestHandle_String(t *testing.T) {
	engine, _ := newTestInstance(t)
	entry(t, engine, func(s *hostbridge.Scope) {
		h := hostbridge.NewHandle(s, enginetest.NewObject(`a`))
		assert.Equal(t, `hostbridge.Handle(transient)`, h.String())
		require.NoError(t, h.Promote())
		assert.Equal(t, `hostbridge.Handle(durable)`, h.String())
		h.Release()
		assert.Equal(t, `hostbridge.Handle(released)`, h.String())
	})
}

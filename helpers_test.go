package hostbridge_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/joeycumines/go-hostbridge"
	"github.com/joeycumines/go-hostbridge/enginetest"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInstance(t *testing.T, opts ...hostbridge.Option) (*enginetest.Engine, *hostbridge.Instance) {
	t.Helper()
	engine := enginetest.New()
	inst, err := hostbridge.NewInstance(engine, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		engine.Teardown()
		assert.Empty(t, engine.Violations())
	})
	return engine, inst
}

// entry runs body in a managed scope, failing the test on error.
func entry(t *testing.T, engine hostbridge.Engine, body func(s *hostbridge.Scope)) {
	t.Helper()
	_, err := hostbridge.WithEntry(engine, func(s *hostbridge.Scope) (struct{}, error) {
		body(s)
		return struct{}{}, nil
	})
	require.NoError(t, err)
}

// recoverFatal runs fn, returning the FatalError it panicked with, if any.
// Any other panic is propagated.
func recoverFatal(fn func()) (fe *hostbridge.FatalError) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if fe, ok = r.(*hostbridge.FatalError); !ok {
				panic(r)
			}
		}
	}()
	fn()
	return nil
}

func hasCurrentScope() bool {
	return recoverFatal(func() { hostbridge.Current() }) == nil
}

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

package gojaengine

import (
	"fmt"
	"sync"

	"github.com/joeycumines/go-hostbridge"
)

// dispatcher delivers payloads by submitting them to the loop. While
// referenced, it holds one loop reference.
type dispatcher struct {
	engine *Engine
	config hostbridge.DispatcherConfig

	// dropped on finalize
	token any

	// payloads submitted to the loop, not yet delivered or discarded
	inflight int

	acquisitions int

	mu sync.Mutex

	referenced bool
	aborted    bool
	finalized  bool
}

func (e *Engine) NewDispatcher(config hostbridge.DispatcherConfig) (hostbridge.Dispatcher, error) {
	if config.Deliver == nil || config.Discard == nil || config.Finalize == nil {
		return nil, fmt.Errorf("gojaengine: dispatcher %q: incomplete config", config.Label)
	}
	if e.closed.Load() {
		return nil, ErrClosed
	}
	d := &dispatcher{
		engine:       e,
		config:       config,
		token:        config.Token,
		acquisitions: 1,
	}
	e.mu.Lock()
	e.dispatchers[d] = struct{}{}
	e.mu.Unlock()
	return d, nil
}

func (d *dispatcher) Call(payload any, blocking bool) error {
	d.mu.Lock()
	if d.aborted || d.finalized {
		d.mu.Unlock()
		return fmt.Errorf("gojaengine: dispatcher %q: %w", d.config.Label, hostbridge.ErrClosing)
	}
	d.inflight++
	d.mu.Unlock()

	if err := d.engine.loop.Submit(func() { d.deliver(payload) }); err != nil {
		d.mu.Lock()
		d.inflight--
		d.mu.Unlock()
		d.maybeFinalize()
		return fmt.Errorf("gojaengine: dispatcher %q: %w: %w", d.config.Label, hostbridge.ErrClosing, err)
	}

	return nil
}

func (d *dispatcher) deliver(payload any) {
	d.mu.Lock()
	d.inflight--
	discard := d.aborted || d.finalized
	d.mu.Unlock()

	d.engine.detached(func() {
		if discard {
			d.config.Discard(payload)
		} else {
			d.config.Deliver(payload)
		}
	})

	d.maybeFinalize()
}

func (d *dispatcher) Acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.aborted || d.finalized {
		return hostbridge.ErrClosing
	}
	d.acquisitions++
	return nil
}

func (d *dispatcher) Release() error {
	d.mu.Lock()
	if d.acquisitions <= 0 {
		d.mu.Unlock()
		return fmt.Errorf("gojaengine: dispatcher %q: released too many times", d.config.Label)
	}
	d.acquisitions--
	d.mu.Unlock()
	d.maybeFinalize()
	return nil
}

// Abort closes the dispatcher. Payloads already submitted to the loop are
// discarded when they come up.
func (d *dispatcher) Abort() error {
	d.mu.Lock()
	if d.aborted || d.finalized {
		d.mu.Unlock()
		return hostbridge.ErrClosing
	}
	d.aborted = true
	if d.acquisitions > 0 {
		d.acquisitions--
	}
	d.mu.Unlock()
	d.maybeFinalize()
	return nil
}

func (d *dispatcher) Ref() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.referenced || d.finalized {
		return nil
	}
	d.referenced = true
	d.engine.loop.Ref()
	return nil
}

func (d *dispatcher) Unref() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.referenced {
		return nil
	}
	d.referenced = false
	d.engine.loop.Unref()
	return nil
}

// abandon is called on engine teardown.
func (d *dispatcher) abandon() {
	d.mu.Lock()
	d.aborted = true
	d.mu.Unlock()
	d.maybeFinalize()
}

func (d *dispatcher) maybeFinalize() {
	d.mu.Lock()
	if d.finalized || d.inflight != 0 || (d.acquisitions > 0 && !d.aborted) {
		d.mu.Unlock()
		return
	}
	d.finalized = true
	d.token = nil
	if d.referenced {
		d.referenced = false
		d.engine.loop.Unref()
	}
	d.mu.Unlock()

	d.engine.mu.Lock()
	delete(d.engine.dispatchers, d)
	d.engine.mu.Unlock()

	d.config.Finalize()
}

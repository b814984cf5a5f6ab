package hostbridge

import (
	"sync"
)

// deferList is a goroutine-safe list of deferred work items, appended to
// from any goroutine and drained in bulk by a single consumer (the engine
// goroutine). The backing arrays are swapped on drain, so that steady-state
// appends don't allocate.
type deferList[T any] struct {
	items  []T
	spare  []T
	mu     sync.Mutex
	closed bool
}

// push appends v, returning false if the list has been closed.
func (x *deferList[T]) push(v T) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return false
	}
	x.items = append(x.items, v)
	return true
}

// drain calls fn for each pending item, in append order, returning the
// number of items drained. Items appended during the drain are left for the
// next call. Must not be called concurrently with itself.
func (x *deferList[T]) drain(fn func(T)) int {
	x.mu.Lock()
	if len(x.items) == 0 {
		x.mu.Unlock()
		return 0
	}
	batch := x.items
	x.items = x.spare[:0]
	x.spare = nil
	x.mu.Unlock()

	for _, v := range batch {
		fn(v)
	}

	clear(batch)

	x.mu.Lock()
	if x.spare == nil && !x.closed {
		x.spare = batch[:0]
	}
	x.mu.Unlock()

	return len(batch)
}

// close rejects further pushes, returning (and forgetting) any pending items.
func (x *deferList[T]) close() []T {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	items := x.items
	x.items = nil
	x.spare = nil
	return items
}

func (x *deferList[T]) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.items)
}

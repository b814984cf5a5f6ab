package hostbridge

import (
	"sync"
)

// DataKey identifies a value in an instance's data store. Keys compare by
// identity: two keys created with the same name are distinct.
type DataKey[T any] struct {
	name string
}

// NewDataKey returns a new, unique key. The name is used only for
// diagnostics.
func NewDataKey[T any](name string) *DataKey[T] {
	return &DataKey[T]{name: name}
}

func (k *DataKey[T]) String() string {
	return k.name
}

// dataStore is the data store of a single instance.
type dataStore struct {
	values map[any]any
	mu     sync.RWMutex
}

// instanceData maps instance id to data store. Entries are created lazily,
// and removed by the instance's teardown.
var instanceData = struct {
	stores map[uint64]*dataStore
	mu     sync.RWMutex
}{stores: make(map[uint64]*dataStore)}

// dataStoreFor returns the store for inst, creating it if create is true.
// Returns a nil store (and no error) if it doesn't exist and create is false.
func dataStoreFor(inst *Instance, create bool) (*dataStore, error) {
	instanceData.mu.RLock()
	store := instanceData.stores[inst.id]
	instanceData.mu.RUnlock()
	if store != nil || !create {
		if store == nil && inst.isTornDown() {
			return nil, ErrInstanceTornDown
		}
		return store, nil
	}

	instanceData.mu.Lock()
	defer instanceData.mu.Unlock()
	if inst.isTornDown() {
		// teardown removes the store under this lock, so this check is final
		return nil, ErrInstanceTornDown
	}
	if store = instanceData.stores[inst.id]; store == nil {
		store = &dataStore{values: make(map[any]any)}
		instanceData.stores[inst.id] = store
	}
	return store, nil
}

func removeDataStore(id uint64) {
	instanceData.mu.Lock()
	delete(instanceData.stores, id)
	instanceData.mu.Unlock()
}

// Data returns the value stored for key, if any. Safe to call from any
// goroutine.
func Data[T any](inst *Instance, key *DataKey[T]) (value T, ok bool) {
	store, err := dataStoreFor(inst, false)
	if err != nil || store == nil {
		return value, false
	}
	store.mu.RLock()
	v, ok := store.values[key]
	store.mu.RUnlock()
	if ok {
		value = v.(T)
	}
	return value, ok
}

// SetData stores value for key, replacing any existing value. Safe to call
// from any goroutine. Fails with [ErrInstanceTornDown] after teardown.
func SetData[T any](inst *Instance, key *DataKey[T], value T) error {
	store, err := dataStoreFor(inst, true)
	if err != nil {
		return err
	}
	store.mu.Lock()
	store.values[key] = value
	store.mu.Unlock()
	return nil
}

// LoadOrStoreData returns the value stored for key, initializing it using
// create if absent. The create function is called at most once per key (per
// successful initialization), while holding the store's write lock, so it
// must not access the same instance's data store. Safe to call from any
// goroutine.
func LoadOrStoreData[T any](inst *Instance, key *DataKey[T], create func() (T, error)) (value T, err error) {
	store, err := dataStoreFor(inst, true)
	if err != nil {
		return value, err
	}

	store.mu.RLock()
	v, ok := store.values[key]
	store.mu.RUnlock()
	if ok {
		return v.(T), nil
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if v, ok := store.values[key]; ok {
		return v.(T), nil
	}
	if value, err = create(); err != nil {
		return value, err
	}
	store.values[key] = value
	return value, nil
}

// DeleteData removes the value stored for key, if any.
func DeleteData[T any](inst *Instance, key *DataKey[T]) {
	store, _ := dataStoreFor(inst, false)
	if store == nil {
		return
	}
	store.mu.Lock()
	delete(store.values, key)
	store.mu.Unlock()
}

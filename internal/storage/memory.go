// Package storage defines the key-value contract every State Store backend
// satisfies, plus an in-memory implementation for tests and local runs.
package storage

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned by every backend when a key is absent, so callers
	// can compare with errors.Is regardless of the driver underneath.
	ErrNotFound = errors.New("key not found")
)

// KV is the whole-value get/set surface the presence protocol relies on. A
// single Get or Set is assumed atomic; there are no cross-key transactions.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Creator is implemented by backends that can write a key only when it is
// absent. created is false when another writer got there first.
type Creator interface {
	SetIfAbsent(ctx context.Context, key string, value []byte) (created bool, err error)
}

// Closer is implemented by backends holding connections.
type Closer interface {
	Close() error
}

// MemoryStore keeps values in a map guarded by an RWMutex. Values do not
// survive a restart, so it is only suitable for tests and local development.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	// failWith, when set, is returned from every call. Tests use it to
	// simulate an unreachable store.
	failWith error
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
	}
}

// Get returns a copy of the stored bytes.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	// Returning a copy prevents callers from mutating internal state.
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set inserts or replaces the value at key.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.values[key] = stored
	return nil
}

// SetIfAbsent stores value only when key has no value yet.
func (m *MemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return false, m.failWith
	}
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.values[key] = stored
	return true, nil
}

// Ping reports the injected failure, if any.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failWith
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

package cache

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process cache. It is the default backend for
// single-node deployments and for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore creates an empty in-memory cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Get returns the entry for key, or ErrMiss.
func (m *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrMiss)
	}
	return entry, nil
}

// Put stores an entry for key.
func (m *MemoryStore) Put(ctx context.Context, key string, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry
	return nil
}

// Delete removes the entry for key.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Keys returns all stored keys.
func (m *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	return keys, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error { return nil }

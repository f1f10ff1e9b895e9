package kv

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. It backs single-process deployments and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]string

	// OnUpdate, when set, runs inside Update after fn has produced the next value
	// and before it is written. Tests use it to force interleavings.
	OnUpdate func(key string)
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.data[key]
	next, keep, err := fn(current, exists)
	if err != nil {
		return err
	}

	if m.OnUpdate != nil {
		m.OnUpdate(key)
	}

	if keep {
		m.data[key] = next
	} else {
		delete(m.data, key)
	}
	return nil
}

// Keys returns a copy of the stored keys
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

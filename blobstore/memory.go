package blobstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store implementation for testing.
// Thread-safe for concurrent reads and writes.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[Hash][]byte
}

// NewMemoryStore creates a new in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[Hash][]byte),
	}
}

// Put stores data under its content address.
func (m *MemoryStore) Put(_ context.Context, data []byte) (Hash, error) {
	h := Sum(data)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blobs[h]; ok {
		return h, nil
	}

	// Copy to prevent external mutation
	copied := make([]byte, len(data))
	copy(copied, data)
	m.blobs[h] = copied
	return h, nil
}

// Get returns a copy of the blob content.
func (m *MemoryStore) Get(_ context.Context, h Hash) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.blobs[h]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	copied := make([]byte, len(data))
	copy(copied, data)

	if Sum(copied) != h {
		return nil, &ErrCorrupt{Hash: h}
	}
	return copied, nil
}

// Stat returns the size of the blob.
func (m *MemoryStore) Stat(_ context.Context, h Hash) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[h]
	if !ok {
		return 0, ErrNotFound
	}
	return int64(len(data)), nil
}

// List returns the addresses of all stored blobs.
func (m *MemoryStore) List(_ context.Context) ([]Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hashes := make([]Hash, 0, len(m.blobs))
	for h := range m.blobs {
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// Delete removes a blob.
func (m *MemoryStore) Delete(_ context.Context, h Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, h)
	return nil
}

// Corrupt overwrites the stored content for h without changing its
// address. Test helper for exercising corruption handling.
func (m *MemoryStore) Corrupt(h Hash, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blobs[h]; ok {
		m.blobs[h] = data
	}
}

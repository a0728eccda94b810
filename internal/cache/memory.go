package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore is a bounded in-process LRU.
type MemoryStore struct {
	lru *lru.Cache[string, []byte]
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an LRU holding at most size shards.
func NewMemoryStore(size int) (*MemoryStore, error) {
	c, err := lru.NewWithEvict[string, []byte](size, func(hash string, _ []byte) {
		log.Debugf("evicted %s", hash)
	})
	if err != nil {
		return nil, err
	}
	return &MemoryStore{lru: c}, nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, hash string) ([]byte, error) {
	data, ok := m.lru.Get(hash)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, hash string, data []byte) error {
	m.lru.Add(hash, append([]byte(nil), data...))
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, hash string) error {
	m.lru.Remove(hash)
	return nil
}

// Keys implements Store, oldest first.
func (m *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	return m.lru.Keys(), nil
}

// Len returns the number of cached shards.
func (m *MemoryStore) Len() int {
	return m.lru.Len()
}

// Close implements io.Closer.
func (m *MemoryStore) Close() error {
	m.lru.Purge()
	return nil
}

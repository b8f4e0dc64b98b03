package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/jmylchreest/segswarm/internal/models"
)

// ErrNotFound is returned by a Backend for keys it does not hold.
var ErrNotFound = errors.New("segment data not found")

// Backend persists segment bytes. SegmentStorage owns the index and the
// eviction decisions; a backend only moves bytes.
type Backend interface {
	Put(ctx context.Context, key models.SegmentKey, data []byte) error
	Get(ctx context.Context, key models.SegmentKey) ([]byte, error)
	Delete(ctx context.Context, keys ...models.SegmentKey) error
	Close() error
}

// MemoryBackend keeps segment bytes in a map.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[models.SegmentKey][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[models.SegmentKey][]byte)}
}

// Put stores data under key, replacing any previous value.
func (b *MemoryBackend) Put(_ context.Context, key models.SegmentKey, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = data
	return nil
}

// Get returns the bytes stored under key.
func (b *MemoryBackend) Get(_ context.Context, key models.SegmentKey) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// Delete removes keys. Unknown keys are ignored.
func (b *MemoryBackend) Delete(_ context.Context, keys ...models.SegmentKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.data, k)
	}
	return nil
}

// Close drops all data.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = make(map[models.SegmentKey][]byte)
	return nil
}

// Len returns the number of stored segments.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend is a process-local backend for tests and demos. It is not
// durable across restarts of the process, but a single instance can be shared
// by successive Store values to simulate one.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]map[string][]byte)}
}

func (b *MemoryBackend) Get(_ context.Context, collection, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	value, ok := b.data[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *MemoryBackend) Keys(_ context.Context, collection string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.data[collection]))
	for k := range b.data[collection] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) Commit(_ context.Context, ops []Op) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, op := range ops {
		coll, ok := b.data[op.Collection]
		if !ok {
			coll = make(map[string][]byte)
			b.data[op.Collection] = coll
		}
		if op.Delete {
			delete(coll, op.Key)
			continue
		}
		coll[op.Key] = append([]byte(nil), op.Value...)
	}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

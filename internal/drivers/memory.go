package drivers

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// MemoryStore is the in-process fallback backend. It holds everything in a
// mutex-guarded map and never fails, which is exactly what a degraded system
// needs from it.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	logger *zap.Logger
}

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		data:   make(map[string]map[string][]byte),
		logger: logger,
	}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Get(_ context.Context, collection, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records, ok := m.data[collection]
	if !ok {
		return nil, ErrNotFound
	}
	value, ok := records[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, collection, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, ok := m.data[collection]
	if !ok {
		records = make(map[string][]byte)
		m.data[collection] = records
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	records[key] = stored
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if records, ok := m.data[collection]; ok {
		delete(records, key)
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, collection, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records, ok := m.data[collection]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(records))
	for k := range records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Exists(_ context.Context, collection, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records, ok := m.data[collection]
	if !ok {
		return false, nil
	}
	_, ok = records[key]
	return ok, nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Truncate implements Maintainer.
func (m *MemoryStore) Truncate(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, collection)
	return nil
}

// Stats implements Maintainer.
func (m *MemoryStore) Stats(_ context.Context) (StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := StoreStats{Collections: len(m.data)}
	for _, records := range m.data {
		stats.Records += int64(len(records))
		for _, v := range records {
			stats.Bytes += int64(len(v))
		}
	}
	return stats, nil
}

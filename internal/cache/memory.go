package cache

import (
	"context"
	"sync"
)

// MemorySnapshotStore is the in-process fallback when redis is absent or
// down. Snapshots do not survive a restart.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[string][]byte)}
}

func (m *MemorySnapshotStore) GetSnapshot(_ context.Context, resourceType string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.snapshots[resourceType]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (m *MemorySnapshotStore) SetSnapshot(_ context.Context, resourceType string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[resourceType] = append([]byte(nil), data...)
	return nil
}

func (m *MemorySnapshotStore) ClearSnapshot(_ context.Context, resourceType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, resourceType)
	return nil
}

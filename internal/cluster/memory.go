// ABOUTME: In-memory TrackingStore for single-node deployments and tests
// ABOUTME: Map of tracking cookie to cluster user guarded by a RWMutex

package cluster

import (
	"context"
	"sync"
)

// MemoryStore is a TrackingStore held in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]User)}
}

// GetTrackedUser returns the user tracked under cookie.
func (m *MemoryStore) GetTrackedUser(_ context.Context, cookie string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[cookie]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

// TrackUser records user under cookie, replacing any previous mapping.
func (m *MemoryStore) TrackUser(_ context.Context, cookie string, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[cookie] = *user
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

package memory

import (
	"context"
	"sync"
)

// SyncStore is an in-memory implementation of domain.SyncStore.
type SyncStore struct {
	mu     sync.RWMutex
	height uint64
	set    bool
}

// NewSyncStore creates an in-memory cursor store with no cursor set.
func NewSyncStore() *SyncStore {
	return &SyncStore{}
}

// Height returns the stored cursor, or 0 when unset.
func (s *SyncStore) Height(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return 0, nil
	}
	return s.height, nil
}

// SetHeight unconditionally overwrites the cursor.
func (s *SyncStore) SetHeight(_ context.Context, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height = height
	s.set = true
	return nil
}

package memory

import (
	"context"
	"sort"
	"sync"

	"quizlive/internal/domain"
)

// SnapshotStore keeps session snapshots in process memory. Snapshots survive
// a Store being rebuilt but not a process restart.
type SnapshotStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{blobs: make(map[string][]byte)}
}

func (s *SnapshotStore) Put(_ context.Context, code string, blob []byte) error {
	cp := append([]byte(nil), blob...)
	s.mu.Lock()
	s.blobs[code] = cp
	s.mu.Unlock()
	return nil
}

func (s *SnapshotStore) Get(_ context.Context, code string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[code]
	if !ok {
		return nil, domain.ErrSnapshotNotFound
	}
	return append([]byte(nil), blob...), nil
}

func (s *SnapshotStore) Delete(_ context.Context, code string) error {
	s.mu.Lock()
	delete(s.blobs, code)
	s.mu.Unlock()
	return nil
}

func (s *SnapshotStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.blobs))
	for code := range s.blobs {
		keys = append(keys, code)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

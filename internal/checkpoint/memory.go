package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a process-local Store for tests and dry runs. Reusing one
// MemoryStore across Manager instances simulates a restart.
type MemoryStore struct {
	mu      sync.Mutex
	offsets map[int]int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offsets: make(map[int]int64)}
}

func (s *MemoryStore) Load(ctx context.Context, partition int) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.offsets[partition]
	return off, ok, nil
}

func (s *MemoryStore) Save(ctx context.Context, partition int, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.offsets[partition]; ok && cur >= offset {
		return nil
	}
	s.offsets[partition] = offset
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, partition int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offsets, partition)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Checkpoint, 0, len(s.offsets))
	for p, off := range s.offsets {
		out = append(out, Checkpoint{Partition: p, Offset: off})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

package stream

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process stream with a fixed number of partitions. It serves
// as Producer and Source for tests and dry runs.
type Memory struct {
	mu         sync.Mutex
	partitions [][]Message
	committed  map[int]int64
}

var (
	_ Producer = (*Memory)(nil)
	_ Source   = (*Memory)(nil)
)

// NewMemory creates a stream with n partitions
func NewMemory(n int) *Memory {
	if n < 1 {
		n = 1
	}
	return &Memory{
		partitions: make([][]Message, n),
		committed:  make(map[int]int64),
	}
}

// Publish appends records to their key's partition
func (m *Memory) Publish(ctx context.Context, records ...Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, r := range records {
		p := PartitionFor(r.Key, len(m.partitions))
		m.partitions[p] = append(m.partitions[p], Message{
			Partition: p,
			Offset:    int64(len(m.partitions[p])),
			Key:       []byte(r.Key),
			Value:     append([]byte(nil), r.Value...),
			Time:      now,
		})
	}
	return nil
}

// Partitions lists partition ids
func (m *Memory) Partitions(ctx context.Context) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, len(m.partitions))
	for i := range ids {
		ids[i] = i
	}
	return ids, nil
}

// Bounds returns 0 and the partition length
func (m *Memory) Bounds(ctx context.Context, partition int) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if partition < 0 || partition >= len(m.partitions) {
		return 0, 0, fmt.Errorf("unknown partition %d", partition)
	}
	return 0, int64(len(m.partitions[partition])), nil
}

// Fetch returns up to max messages from offset without blocking
func (m *Memory) Fetch(ctx context.Context, partition int, from int64, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if partition < 0 || partition >= len(m.partitions) {
		return nil, fmt.Errorf("unknown partition %d", partition)
	}

	log := m.partitions[partition]
	if from < 0 || from >= int64(len(log)) {
		return nil, nil
	}
	end := from + int64(max)
	if end > int64(len(log)) {
		end = int64(len(log))
	}
	return append([]Message(nil), log[from:end]...), nil
}

// CommitOffset records the mirrored offset
func (m *Memory) CommitOffset(ctx context.Context, partition int, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed[partition] = offset
	return nil
}

// Committed returns the last mirrored offset for a partition
func (m *Memory) Committed(partition int) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, ok := m.committed[partition]
	return off, ok
}

// Len returns the number of messages in a partition
func (m *Memory) Len(partition int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.partitions[partition])
}

// Close is a no-op
func (m *Memory) Close() error { return nil }

// Package checkpoint persists per-partition stream positions.
//
// A checkpoint is the next offset a partition worker should fetch. Stores keep
// checkpoints monotonic: a Save with a lower offset than the stored one is
// ignored, so a slow or replayed commit can never move a partition backwards.
package checkpoint

import (
	"context"
	"log/slog"

	"github.com/rohankatakam/retailgraph/internal/errors"
	"github.com/rohankatakam/retailgraph/internal/logging"
)

// Checkpoint is the durable position of one partition
type Checkpoint struct {
	Partition int   `json:"partition"`
	Offset    int64 `json:"offset"`
}

// Store is the persistence surface behind the Manager
type Store interface {
	// Load returns the stored offset, or ok=false if the partition has none
	Load(ctx context.Context, partition int) (offset int64, ok bool, err error)
	// Save stores offset unless a greater one is already stored
	Save(ctx context.Context, partition int, offset int64) error
	// Clear forgets a partition's checkpoint
	Clear(ctx context.Context, partition int) error
	// List returns every stored checkpoint
	List(ctx context.Context) ([]Checkpoint, error)
	Close() error
}

// Manager owns checkpoints for one consumer. Workers call it directly; it holds
// no offsets in memory.
type Manager struct {
	store  Store
	logger *slog.Logger
}

// NewManager wraps a store
func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		logger: logging.Component("checkpoint"),
	}
}

// Load returns the partition's checkpoint. Store failures are transient so the
// worker retries rather than starting from the wrong position.
func (m *Manager) Load(ctx context.Context, partition int) (Checkpoint, bool, error) {
	offset, ok, err := m.store.Load(ctx, partition)
	if err != nil {
		return Checkpoint{}, false, errors.TransientErrorf(err, "load checkpoint for partition %d", partition)
	}
	return Checkpoint{Partition: partition, Offset: offset}, ok, nil
}

// Commit durably advances the partition to offset
func (m *Manager) Commit(ctx context.Context, cp Checkpoint) error {
	if cp.Offset < 0 {
		return errors.InternalErrorf("negative checkpoint %d for partition %d", cp.Offset, cp.Partition)
	}
	if err := m.store.Save(ctx, cp.Partition, cp.Offset); err != nil {
		return errors.TransientErrorf(err, "save checkpoint for partition %d", cp.Partition)
	}
	m.logger.Debug("checkpoint committed", "partition", cp.Partition, "offset", cp.Offset)
	return nil
}

// Clear forgets checkpoints for the given partitions, so the next run starts
// from the configured start position
func (m *Manager) Clear(ctx context.Context, partitions ...int) error {
	for _, p := range partitions {
		if err := m.store.Clear(ctx, p); err != nil {
			return errors.TransientErrorf(err, "clear checkpoint for partition %d", p)
		}
		m.logger.Info("checkpoint cleared", "partition", p)
	}
	return nil
}

// List returns every stored checkpoint ordered by partition
func (m *Manager) List(ctx context.Context) ([]Checkpoint, error) {
	cps, err := m.store.List(ctx)
	if err != nil {
		return nil, errors.TransientError(err, "list checkpoints")
	}
	return cps, nil
}

// Close closes the store
func (m *Manager) Close() error {
	return m.store.Close()
}

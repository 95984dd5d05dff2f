package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankatakam/retailgraph/internal/errors"
)

func stores(t *testing.T) map[string]func() Store {
	dir := t.TempDir()
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"bolt": func() Store {
			s, err := OpenBolt(filepath.Join(dir, t.Name()+".db"), "retail-events")
			require.NoError(t, err)
			return s
		},
	}
}

func TestManager_Monotonic(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := NewManager(open())
			defer m.Close()

			_, ok, err := m.Load(ctx, 0)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, m.Commit(ctx, Checkpoint{Partition: 0, Offset: 10}))
			require.NoError(t, m.Commit(ctx, Checkpoint{Partition: 0, Offset: 4}))
			require.NoError(t, m.Commit(ctx, Checkpoint{Partition: 1, Offset: 0}))

			cp, ok, err := m.Load(ctx, 0)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(10), cp.Offset, "a lower commit never moves the checkpoint back")

			list, err := m.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []Checkpoint{{Partition: 0, Offset: 10}, {Partition: 1, Offset: 0}}, list)

			require.NoError(t, m.Clear(ctx, 0))
			_, ok, err = m.Load(ctx, 0)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestManager_RejectsNegative(t *testing.T) {
	m := NewManager(NewMemoryStore())
	err := m.Commit(context.Background(), Checkpoint{Partition: 0, Offset: -1})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestBolt_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	s, err := OpenBolt(path, "retail-events")
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, 3, 1234))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path, "retail-events")
	require.NoError(t, err)
	defer s.Close()

	off, ok, err := s.Load(ctx, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1234), off)
}

func TestBolt_NamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	a, err := OpenBolt(path, "topic-a")
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, 0, 5))
	require.NoError(t, a.Close())

	b, err := OpenBolt(path, "topic-b")
	require.NoError(t, err)
	defer b.Close()

	_, ok, err := b.Load(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

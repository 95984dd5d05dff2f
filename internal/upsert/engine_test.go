package upsert

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankatakam/retailgraph/internal/dlq"
	"github.com/rohankatakam/retailgraph/internal/errors"
	"github.com/rohankatakam/retailgraph/internal/graph"
	"github.com/rohankatakam/retailgraph/internal/models"
	"github.com/rohankatakam/retailgraph/internal/retry"
)

// faultyStore wraps a MemoryStore. Writes touching a rejected id fail with a
// schema error; writes touching a flaky id fail transiently until its budget
// runs out; a fatal error fails every write.
type faultyStore struct {
	*graph.MemoryStore
	mu          sync.Mutex
	rejected    map[string]bool
	flaky       map[string]int
	fatal       error
	batchWrites int
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		MemoryStore: graph.NewMemoryStore(),
		rejected:    map[string]bool{},
		flaky:       map[string]int{},
	}
}

func (s *faultyStore) check(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal != nil {
		return s.fatal
	}
	for _, id := range ids {
		if s.rejected[id] {
			return errors.SchemaErrorf("store rejected %s", id)
		}
	}
	for _, id := range ids {
		if s.flaky[id] > 0 {
			s.flaky[id]--
			return errors.TransientErrorf(fmt.Errorf("deadlock"), "write %s", id)
		}
	}
	return nil
}

func (s *faultyStore) UpsertVertices(ctx context.Context, batch []graph.VertexUpsert) error {
	s.mu.Lock()
	s.batchWrites++
	s.mu.Unlock()
	ids := make([]string, len(batch))
	for i, v := range batch {
		ids[i] = v.ID
	}
	if err := s.check(ids...); err != nil {
		return err
	}
	return s.MemoryStore.UpsertVertices(ctx, batch)
}

func (s *faultyStore) UpsertVertex(ctx context.Context, v graph.VertexUpsert) (models.Vertex, error) {
	if err := s.check(v.ID); err != nil {
		return models.Vertex{}, err
	}
	return s.MemoryStore.UpsertVertex(ctx, v)
}

func (s *faultyStore) UpsertEdges(ctx context.Context, batch []graph.EdgeUpsert) error {
	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.From.ID
	}
	if err := s.check(ids...); err != nil {
		return err
	}
	return s.MemoryStore.UpsertEdges(ctx, batch)
}

func (s *faultyStore) UpsertEdge(ctx context.Context, e graph.EdgeUpsert) (models.Edge, error) {
	if err := s.check(e.From.ID); err != nil {
		return models.Edge{}, err
	}
	return s.MemoryStore.UpsertEdge(ctx, e)
}

func testConfig() Config {
	return Config{
		Batches:   graph.SmallBatchConfig(),
		Retry:     retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond},
		OpTimeout: time.Second,
	}
}

func userItem(offset int64, id string, props models.Properties) Item {
	ev := models.NewVertexUpsert(models.LabelUser, id, props)
	ev.ID = fmt.Sprintf("ev-%d", offset)
	ev.PartitionKey = id
	return Item{Event: ev, Partition: 0, Offset: offset, Payload: []byte(ev.ID)}
}

func purchaseItem(offset int64, user, article string) Item {
	ev := models.NewEdgeUpsert(
		models.VertexRef{Label: models.LabelUser, ID: user},
		models.EdgePurchased,
		models.VertexRef{Label: models.LabelArticle, ID: article},
		models.Properties{"price": 0.05},
	)
	ev.ID = fmt.Sprintf("ev-%d", offset)
	ev.PartitionKey = user
	return Item{Event: ev, Partition: 0, Offset: offset}
}

func TestEngine_AppliesAll(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	e := NewEngine(store, &dlq.MemorySink{}, testConfig())

	items := []Item{
		userItem(0, "c1", models.Properties{"age": int64(30)}),
		purchaseItem(1, "c1", "a1"),
		userItem(2, "c2", nil),
		purchaseItem(3, "c2", "a1"),
	}
	out, err := e.Apply(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Applied)
	assert.Empty(t, out.Pending)

	vertices, edges := store.Snapshot()
	assert.Len(t, vertices, 3)
	assert.Len(t, edges, 2)
}

func TestEngine_PurchaseCountIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	e := NewEngine(store, &dlq.MemorySink{}, testConfig())

	var items []Item
	for i := int64(0); i < 5; i++ {
		items = append(items, purchaseItem(i, "c1", "a1"))
	}

	for run := 0; run < 3; run++ {
		out, err := e.Apply(ctx, items)
		require.NoError(t, err)
		assert.Equal(t, 5, out.Applied)
	}

	edge, ok := store.Edge(
		models.VertexRef{Label: models.LabelUser, ID: "c1"},
		models.EdgePurchased,
		models.VertexRef{Label: models.LabelArticle, ID: "a1"},
	)
	require.True(t, ok)
	assert.Equal(t, int64(5), edge.Properties[models.PropCount], "five purchases replayed three times")
}

func TestEngine_LastWriteWinsWithinBatch(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	e := NewEngine(store, &dlq.MemorySink{}, testConfig())

	_, err := e.Apply(ctx, []Item{
		userItem(0, "c1", models.Properties{"age": int64(30), "postal_code": "p1"}),
		purchaseItem(1, "c1", "a1"),
		userItem(2, "c1", models.Properties{"age": int64(31)}),
	})
	require.NoError(t, err)

	v, ok := store.Vertex(models.VertexRef{Label: models.LabelUser, ID: "c1"})
	require.True(t, ok)
	assert.Equal(t, models.Properties{"age": int64(31), "postal_code": "p1"}, v.Properties)
}

func TestEngine_IsolatesRejectedItem(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	store.rejected["bad"] = true
	sink := &dlq.MemorySink{}
	e := NewEngine(store, sink, testConfig())

	var items []Item
	for i := int64(0); i < 16; i++ {
		id := fmt.Sprintf("c%d", i)
		if i == 9 {
			id = "bad"
		}
		items = append(items, userItem(i, id, nil))
	}

	out, err := e.Apply(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, 15, out.Applied)
	assert.Equal(t, 1, out.DeadLettered)
	assert.Empty(t, out.Pending)

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.StageApply, entries[0].Stage)
	assert.Equal(t, int64(9), entries[0].Offset)
	assert.Equal(t, []byte("ev-9"), entries[0].Payload)
	assert.Equal(t, "SCHEMA", entries[0].ErrorType)

	vertices, _ := store.Snapshot()
	assert.Len(t, vertices, 15)
}

func TestEngine_TransientRecovers(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	store.flaky["c1"] = 2
	e := NewEngine(store, &dlq.MemorySink{}, testConfig())

	out, err := e.Apply(ctx, []Item{userItem(0, "c0", nil), userItem(1, "c1", nil)})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Applied)
}

func TestEngine_TransientExhaustedLeavesPending(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	store.flaky["c1"] = 100
	sink := &dlq.MemorySink{}
	e := NewEngine(store, sink, testConfig())

	items := []Item{
		userItem(0, "c0", nil),
		userItem(1, "c1", nil),
		userItem(2, "c2", nil),
		purchaseItem(3, "c2", "a1"),
	}
	out, err := e.Apply(ctx, items)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Empty(t, sink.Entries(), "transient failures are never dead-lettered")

	pending := map[int64]bool{}
	for _, it := range out.Pending {
		pending[it.Offset] = true
	}
	assert.True(t, pending[1])
	assert.True(t, pending[3], "later chunks are left for the retry")
	assert.Equal(t, len(items), out.Applied+len(out.Pending))
}

func TestEngine_FatalStops(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	store.fatal = errors.WrapConfig(fmt.Errorf("auth failed"), "neo4j")
	e := NewEngine(store, &dlq.MemorySink{}, testConfig())

	items := []Item{userItem(0, "c0", nil), userItem(1, "c1", nil), purchaseItem(2, "c1", "a1")}
	out, err := e.Apply(ctx, items)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Len(t, out.Pending, 3)
	assert.Equal(t, 1, store.batchWrites, "no splitting after a fatal error")
}

func TestEngine_PlanRespectsBatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.Batches = graph.BatchConfig{UserBatchSize: 2, PurchaseEdgeBatchSize: 3}
	e := NewEngine(newFaultyStore(), &dlq.MemorySink{}, cfg)

	var items []Item
	for i := int64(0); i < 5; i++ {
		items = append(items, userItem(i, fmt.Sprintf("c%d", i), nil))
		items = append(items, purchaseItem(100+i, "c0", "a1"))
	}
	chunks := e.plan(items)

	var sizes []int
	for _, c := range chunks {
		sizes = append(sizes, len(c.items))
	}
	assert.Equal(t, []int{2, 2, 1, 3, 2}, sizes)
	assert.False(t, chunks[0].edge)
	assert.True(t, chunks[3].edge)
	assert.Equal(t, int64(0), chunks[0].items[0].Offset)
}

func TestMutations(t *testing.T) {
	p := purchaseItem(7, "c1", "a1").Event
	m := EdgeMutation(p)
	assert.Equal(t, p.ID, m.Occurrence)

	h := models.NewEdgeUpsert(
		models.VertexRef{Label: models.LabelArticle, ID: "a1"},
		models.EdgeBelongsTo,
		models.VertexRef{Label: models.LabelProduct, ID: "p1"},
		nil,
	)
	assert.Empty(t, EdgeMutation(h).Occurrence)

	v := VertexMutation(userItem(0, "c1", models.Properties{"age": int64(3)}).Event)
	assert.Equal(t, models.LabelUser, v.Label)
	assert.Equal(t, "c1", v.ID)
}

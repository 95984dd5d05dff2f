package consumer

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankatakam/retailgraph/internal/checkpoint"
	"github.com/rohankatakam/retailgraph/internal/dedupe"
	"github.com/rohankatakam/retailgraph/internal/dlq"
	"github.com/rohankatakam/retailgraph/internal/errors"
	"github.com/rohankatakam/retailgraph/internal/extract"
	"github.com/rohankatakam/retailgraph/internal/graph"
	"github.com/rohankatakam/retailgraph/internal/models"
	"github.com/rohankatakam/retailgraph/internal/producer"
	"github.com/rohankatakam/retailgraph/internal/retry"
	"github.com/rohankatakam/retailgraph/internal/stream"
	"github.com/rohankatakam/retailgraph/internal/upsert"
)

// stuckStore fails every write touching a stuck id, transiently unless fatal is set
type stuckStore struct {
	*graph.MemoryStore
	stuck map[string]bool
	fatal bool
}

func (s *stuckStore) check(ids ...string) error {
	for _, id := range ids {
		if s.stuck[id] {
			if s.fatal {
				return errors.WrapConfig(fmt.Errorf("unauthorized"), "neo4j")
			}
			return errors.TransientErrorf(fmt.Errorf("deadlock"), "write %s", id)
		}
	}
	return nil
}

func (s *stuckStore) UpsertVertices(ctx context.Context, batch []graph.VertexUpsert) error {
	for _, v := range batch {
		if err := s.check(v.ID); err != nil {
			return err
		}
	}
	return s.MemoryStore.UpsertVertices(ctx, batch)
}

func (s *stuckStore) UpsertVertex(ctx context.Context, v graph.VertexUpsert) (models.Vertex, error) {
	if err := s.check(v.ID); err != nil {
		return models.Vertex{}, err
	}
	return s.MemoryStore.UpsertVertex(ctx, v)
}

func testConfig() Config {
	return Config{
		BatchSize:    10,
		PollInterval: time.Millisecond,
		StopWhenIdle: true,
		DrainTimeout: time.Second,
		OpTimeout:    time.Second,
		Backoff:      retry.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

func testEngine(store graph.Store, sink dlq.Sink) *upsert.Engine {
	return upsert.NewEngine(store, sink, upsert.Config{
		Batches:   graph.SmallBatchConfig(),
		Retry:     retry.Policy{MaxAttempts: 2, Initial: time.Millisecond, Max: time.Millisecond},
		OpTimeout: time.Second,
	})
}

func publishUsers(t *testing.T, m *stream.Memory, ids ...string) {
	t.Helper()
	for i, id := range ids {
		e := models.NewVertexUpsert(models.LabelUser, id, models.Properties{"seq": int64(i)})
		e.ID = fmt.Sprintf("ev-%d", i)
		// one key keeps every event on partition 0
		e.PartitionKey = "k"
		payload, err := models.Encode(e)
		require.NoError(t, err)
		require.NoError(t, m.Publish(context.Background(), stream.Record{Key: e.PartitionKey, Value: payload}))
	}
}

func TestWorker_AppliesAndCommits(t *testing.T) {
	ctx := context.Background()
	src := stream.NewMemory(1)
	publishUsers(t, src, "c0", "c1", "c2", "c3", "c4")

	store := graph.NewMemoryStore()
	checkpoints := checkpoint.NewManager(checkpoint.NewMemoryStore())
	cfg := testConfig()
	cfg.BatchSize = 2

	stats, err := NewWorker(0, src, testEngine(store, &dlq.MemorySink{}), checkpoints, &dlq.MemorySink{}, cfg).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(5), stats.Fetched)
	assert.Equal(t, int64(5), stats.Applied)
	assert.Equal(t, int64(3), stats.Batches)
	assert.Equal(t, int64(5), stats.Checkpoint)

	cp, ok, err := checkpoints.Load(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), cp.Offset)

	mirrored, ok := src.Committed(0)
	require.True(t, ok)
	assert.Equal(t, int64(5), mirrored)

	vertices, _ := store.Snapshot()
	assert.Len(t, vertices, 5)
}

func TestWorker_ResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	src := stream.NewMemory(1)
	publishUsers(t, src, "c0", "c1", "c2", "c3")

	cps := checkpoint.NewMemoryStore()
	require.NoError(t, checkpoint.NewManager(cps).Commit(ctx, checkpoint.Checkpoint{Partition: 0, Offset: 3}))

	store := graph.NewMemoryStore()
	stats, err := NewWorker(0, src, testEngine(store, &dlq.MemorySink{}), checkpoint.NewManager(cps), &dlq.MemorySink{}, testConfig()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Applied)

	_, ok := store.Vertex(models.VertexRef{Label: models.LabelUser, ID: "c3"})
	assert.True(t, ok)
	_, ok = store.Vertex(models.VertexRef{Label: models.LabelUser, ID: "c0"})
	assert.False(t, ok, "offsets below the checkpoint are not replayed")
}

func TestWorker_StartLatest(t *testing.T) {
	src := stream.NewMemory(1)
	publishUsers(t, src, "c0", "c1", "c2")

	cfg := testConfig()
	cfg.StartPosition = stream.StartLatest
	stats, err := NewWorker(0, src, testEngine(graph.NewMemoryStore(), &dlq.MemorySink{}),
		checkpoint.NewManager(checkpoint.NewMemoryStore()), &dlq.MemorySink{}, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Fetched)
	assert.Equal(t, int64(-1), stats.Checkpoint)
}

func TestWorker_UndecodableMessageDeadLettered(t *testing.T) {
	ctx := context.Background()
	src := stream.NewMemory(1)
	publishUsers(t, src, "c0")
	require.NoError(t, src.Publish(ctx, stream.Record{Key: "k", Value: []byte("not json")}))
	publishUsers(t, src, "c2")

	sink := &dlq.MemorySink{}
	store := graph.NewMemoryStore()
	stats, err := NewWorker(0, src, testEngine(store, sink), checkpoint.NewManager(checkpoint.NewMemoryStore()), sink, testConfig()).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Applied)
	assert.Equal(t, int64(1), stats.DeadLettered)
	assert.Equal(t, int64(3), stats.Checkpoint, "a dead-lettered message does not hold back the checkpoint")

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.StageDecode, entries[0].Stage)
	assert.Equal(t, "p0-o1", entries[0].EventKey)
	assert.Equal(t, []byte("not json"), entries[0].Payload)
	assert.Equal(t, "SCHEMA", entries[0].ErrorType)
}

func TestWorker_StateTransitions(t *testing.T) {
	src := stream.NewMemory(1)
	publishUsers(t, src, "c0")

	w := NewWorker(0, src, testEngine(graph.NewMemoryStore(), &dlq.MemorySink{}),
		checkpoint.NewManager(checkpoint.NewMemoryStore()), &dlq.MemorySink{}, testConfig())
	var seen []string
	w.observe = func(from, to State) {
		seen = append(seen, from.String()+">"+to.String())
	}

	_, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"IDLE>FETCHING",
		"FETCHING>PROCESSING",
		"PROCESSING>COMMITTING",
		"COMMITTING>FETCHING",
		"FETCHING>DRAINING",
		"DRAINING>STOPPED",
	}, seen)
	assert.Equal(t, StateStopped, w.State())
}

func TestWorker_DrainCommitsBelowPending(t *testing.T) {
	src := stream.NewMemory(1)
	publishUsers(t, src, "c0", "c1", "c2")

	store := &stuckStore{MemoryStore: graph.NewMemoryStore(), stuck: map[string]bool{"c1": true}}
	sink := &dlq.MemorySink{}
	w := NewWorker(0, src, testEngine(store, sink), checkpoint.NewManager(checkpoint.NewMemoryStore()), sink, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.observe = func(from, to State) {
		if to == StateRetryBackoff {
			cancel()
		}
	}

	stats, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, w.State())
	assert.Equal(t, int64(1), stats.Checkpoint, "c1 is still pending, so only c0 is checkpointed")
	assert.Empty(t, sink.Entries(), "transient failures are never dead-lettered")

	_, ok := store.Vertex(models.VertexRef{Label: models.LabelUser, ID: "c0"})
	assert.True(t, ok)
}

func TestWorker_FatalStops(t *testing.T) {
	src := stream.NewMemory(1)
	publishUsers(t, src, "c0")

	store := &stuckStore{MemoryStore: graph.NewMemoryStore(), stuck: map[string]bool{"c0": true}, fatal: true}
	stats, err := NewWorker(0, src, testEngine(store, &dlq.MemorySink{}),
		checkpoint.NewManager(checkpoint.NewMemoryStore()), &dlq.MemorySink{}, testConfig()).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, int64(-1), stats.Checkpoint)
}

func TestGroup_OnlyPartitions(t *testing.T) {
	src := stream.NewMemory(4)
	for i := 0; i < 40; i++ {
		e := models.NewVertexUpsert(models.LabelUser, fmt.Sprintf("c%d", i), nil)
		e.ID = fmt.Sprintf("ev-%d", i)
		e.PartitionKey = e.EntityID
		payload, err := models.Encode(e)
		require.NoError(t, err)
		require.NoError(t, src.Publish(context.Background(), stream.Record{Key: e.PartitionKey, Value: payload}))
	}

	report, err := NewGroup(src, testEngine(graph.NewMemoryStore(), &dlq.MemorySink{}),
		checkpoint.NewManager(checkpoint.NewMemoryStore()), &dlq.MemorySink{}, testConfig()).
		OnlyPartitions(3, 1).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Partitions, 2)
	assert.Equal(t, 1, report.Partitions[0].Partition)
	assert.Equal(t, 3, report.Partitions[1].Partition)
	assert.Equal(t, int64(src.Len(1)+src.Len(3)), report.Applied)
}

const (
	customersCSV = "customer_id,club_member_status,fashion_news_frequency,age,postal_code\n" +
		"C1,ACTIVE,NONE,49,P1\n" +
		"C2,ACTIVE,Regularly,,P2\n"

	articlesCSV = "article_id,product_code,prod_name,product_type_no,product_type_name,product_group_name,colour_group_code,colour_group_name,department_no,department_name,index_group_no,index_group_name\n" +
		"A1,P1,Strap top,253,Vest top,Garment Upper body,9,Black,1676,Jersey Basic,1,Ladieswear\n" +
		"A2,P1,Strap top,253,Vest top,Garment Upper body,10,White,1676,Jersey Basic,1,Ladieswear\n" +
		"A3,P2,Jade tank,,,,,,1676,Jersey Basic,,\n"

	transactionsCSV = "t_dat,customer_id,article_id,price,sales_channel_id\n" +
		"2018-09-20,C1,A1,0.05,2\n" +
		"2018-09-20,C1,A1,0.05,2\n" +
		"2018-09-21,C2,A2,0.03,1\n" +
		"2018-09-22,C2,A3,0.02,1\n"
)

// produce runs the full producer over small CSV files into an in-memory stream
func produce(t *testing.T, partitions int) *stream.Memory {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		return path
	}

	out := stream.NewMemory(partitions)
	publisher := producer.NewPublisher(ctx, out, &dlq.MemorySink{}, producer.Config{
		Lanes:        4,
		LaneDepth:    16,
		BatchSize:    8,
		DrainTimeout: 5 * time.Second,
		Retry:        retry.Policy{MaxAttempts: 2, Initial: time.Millisecond, Max: time.Millisecond},
	}, producer.WithDedupe(dedupe.NewMemory()))

	_, err := producer.NewPipeline(publisher, 0).Run(ctx, []producer.Source{
		{Path: write("customers.csv", customersCSV), Kind: extract.KindCustomer},
		{Path: write("articles.csv", articlesCSV), Kind: extract.KindArticle},
		{Path: write("transactions_train.csv", transactionsCSV), Kind: extract.KindTransaction},
	})
	require.NoError(t, err)
	return out
}

func consumeAll(t *testing.T, src *stream.Memory, store graph.Store, cps checkpoint.Store) Report {
	t.Helper()
	report, err := NewGroup(src, testEngine(store, &dlq.MemorySink{}), checkpoint.NewManager(cps), &dlq.MemorySink{}, testConfig()).
		Run(context.Background())
	require.NoError(t, err)
	return report
}

func TestEndToEnd_Graph(t *testing.T) {
	src := produce(t, 3)
	store := graph.NewMemoryStore()
	report := consumeAll(t, src, store, checkpoint.NewMemoryStore())
	assert.Equal(t, int64(0), report.DeadLettered)

	purchase, ok := store.Edge(
		models.VertexRef{Label: models.LabelUser, ID: "C1"},
		models.EdgePurchased,
		models.VertexRef{Label: models.LabelArticle, ID: "A1"},
	)
	require.True(t, ok)
	assert.Equal(t, int64(2), purchase.Properties[models.PropCount], "two identical rows are two purchases")

	user, ok := store.Vertex(models.VertexRef{Label: models.LabelUser, ID: "C1"})
	require.True(t, ok)
	assert.Equal(t, int64(49), user.Properties["age"])

	// every hierarchy endpoint carries properties, so none is a stub left by an edge
	_, edges := store.Snapshot()
	hierarchy := 0
	for _, e := range edges {
		if e.Label != models.EdgeBelongsTo {
			continue
		}
		hierarchy++
		for _, ref := range []models.VertexRef{e.From, e.To} {
			v, ok := store.Vertex(ref)
			require.True(t, ok, ref.String())
			assert.NotEmpty(t, v.Properties, "%s has no properties", ref)
		}
	}
	assert.Greater(t, hierarchy, 0)

	products, err := store.Neighbors(context.Background(), models.VertexRef{Label: models.LabelArticle, ID: "A3"}, models.EdgeBelongsTo, graph.Outgoing)
	require.NoError(t, err)
	require.Len(t, products, 1, "A3 has no colour group")
	assert.Equal(t, models.LabelProduct, products[0].Label)
}

func TestEndToEnd_ReplayIsIdempotent(t *testing.T) {
	src := produce(t, 2)

	reference := graph.NewMemoryStore()
	consumeAll(t, src, reference, checkpoint.NewMemoryStore())
	wantVertices, wantEdges := reference.Snapshot()

	// stop partition 0 right after its first committed batch
	store := graph.NewMemoryStore()
	cps := checkpoint.NewMemoryStore()
	partial := testConfig()
	partial.BatchSize = 3
	w := NewWorker(0, src, testEngine(store, &dlq.MemorySink{}), checkpoint.NewManager(cps), &dlq.MemorySink{}, partial)
	var once sync.Once
	ctx, cancel := context.WithCancel(context.Background())
	w.observe = func(from, to State) {
		if from == StateCommitting {
			once.Do(cancel)
		}
	}
	_, err := w.Run(ctx)
	require.NoError(t, err)
	cancel()

	// replay everything from scratch on top of the partial graph
	consumeAll(t, src, store, checkpoint.NewMemoryStore())
	gotVertices, gotEdges := store.Snapshot()
	assert.Equal(t, wantVertices, gotVertices)
	assert.Equal(t, wantEdges, gotEdges)

	// and once more from the saved checkpoint
	consumeAll(t, src, store, cps)
	gotVertices, gotEdges = store.Snapshot()
	assert.Equal(t, wantVertices, gotVertices)
	assert.Equal(t, wantEdges, gotEdges)
}

func TestEndToEnd_RestartAfterPartialBatch(t *testing.T) {
	src := produce(t, 1)

	reference := graph.NewMemoryStore()
	consumeAll(t, src, reference, checkpoint.NewMemoryStore())
	wantVertices, wantEdges := reference.Snapshot()

	// A3 cannot be written, so its batch is left partly applied when the
	// worker is stopped
	a3 := models.VertexRef{Label: models.LabelArticle, ID: "A3"}
	store := &stuckStore{MemoryStore: graph.NewMemoryStore(), stuck: map[string]bool{"A3": true}}
	cps := checkpoint.NewMemoryStore()
	cfg := testConfig()
	cfg.BatchSize = 100
	w := NewWorker(0, src, testEngine(store, &dlq.MemorySink{}), checkpoint.NewManager(cps), &dlq.MemorySink{}, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.observe = func(from, to State) {
		if to == StateRetryBackoff {
			cancel()
		}
	}
	stats, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Greater(t, stats.Applied, int64(0), "part of the batch was applied")
	assert.Less(t, stats.Checkpoint, int64(src.Len(0)), "the checkpoint stays below the stuck event")
	_, ok := store.Vertex(a3)
	require.False(t, ok)

	// restart from the saved checkpoint only
	consumeAll(t, src, store.MemoryStore, cps)
	gotVertices, gotEdges := store.Snapshot()
	assert.Equal(t, wantVertices, gotVertices)
	assert.Equal(t, wantEdges, gotEdges)
}

func TestEndToEnd_ConvergesUnderReordering(t *testing.T) {
	ctx := context.Background()
	src := produce(t, 1)

	msgs, err := src.Fetch(ctx, 0, 0, src.Len(0))
	require.NoError(t, err)
	items := make([]upsert.Item, 0, len(msgs))
	for _, m := range msgs {
		ev, err := models.Decode(m.Value)
		require.NoError(t, err)
		items = append(items, upsert.Item{Event: ev, Partition: m.Partition, Offset: m.Offset, Payload: m.Value})
	}

	apply := func(items []upsert.Item) *graph.MemoryStore {
		store := graph.NewMemoryStore()
		out, err := testEngine(store, &dlq.MemorySink{}).Apply(ctx, items)
		require.NoError(t, err)
		require.Empty(t, out.Pending)
		return store
	}

	wantVertices, wantEdges := apply(items).Snapshot()
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			shuffled := append([]upsert.Item(nil), items...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			gotVertices, gotEdges := apply(shuffled).Snapshot()
			assert.Equal(t, wantVertices, gotVertices)
			assert.Equal(t, wantEdges, gotEdges)
		})
	}
}

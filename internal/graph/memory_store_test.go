package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankatakam/retailgraph/internal/errors"
	"github.com/rohankatakam/retailgraph/internal/models"
)

var (
	user    = models.VertexRef{Label: models.LabelUser, ID: "c1"}
	article = models.VertexRef{Label: models.LabelArticle, ID: "a1"}
	product = models.VertexRef{Label: models.LabelProduct, ID: "p1"}
)

func purchase(occurrence string, props models.Properties) EdgeUpsert {
	return EdgeUpsert{Label: models.EdgePurchased, From: user, To: article, Properties: props, Occurrence: occurrence}
}

func TestMemoryStore_VertexMerge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.UpsertVertex(ctx, VertexUpsert{Label: user.Label, ID: user.ID, Properties: models.Properties{"age": int64(30), "postal_code": "p"}})
	require.NoError(t, err)

	v, err := s.UpsertVertex(ctx, VertexUpsert{Label: user.Label, ID: user.ID, Properties: models.Properties{"age": int64(31), "count": int64(5)}})
	require.NoError(t, err)

	// later write wins per key, unspecified keys survive, reserved keys are ignored
	assert.Equal(t, models.Properties{"age": int64(31), "postal_code": "p"}, v.Properties)
}

func TestMemoryStore_EdgeStubsEndpoints(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.UpsertEdge(ctx, EdgeUpsert{Label: models.EdgeBelongsTo, From: article, To: product})
	require.NoError(t, err)

	for _, ref := range []models.VertexRef{article, product} {
		ok, err := s.VertexExists(ctx, ref)
		require.NoError(t, err)
		assert.True(t, ok, ref.String())
	}

	// a later full upsert fills the stub in place
	_, err = s.UpsertVertex(ctx, VertexUpsert{Label: product.Label, ID: product.ID, Properties: models.Properties{"name": "Strap top"}})
	require.NoError(t, err)
	vertices, edges := s.Snapshot()
	assert.Len(t, vertices, 2)
	assert.Len(t, edges, 1)
}

func TestMemoryStore_OccurrenceCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tests := []struct {
		name       string
		occurrence string
		wantCount  int64
	}{
		{"first purchase", "ev-1", 1},
		{"second purchase", "ev-2", 2},
		{"replayed first purchase", "ev-1", 2},
		{"third purchase", "ev-3", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := s.UpsertEdge(ctx, purchase(tt.occurrence, models.Properties{"price": 0.05}))
			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, e.Properties[models.PropCount])
		})
	}

	_, edges := s.Snapshot()
	assert.Len(t, edges, 1)
}

func TestMemoryStore_BatchAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.UpsertVertices(ctx, []VertexUpsert{
		{Label: user.Label, ID: "c1"},
		{Label: user.Label, ID: "c2", Properties: models.Properties{"tags": []string{"x"}}},
	})
	require.Error(t, err)
	assert.True(t, errors.IsSchema(err))

	ok, _ := s.VertexExists(ctx, user)
	assert.False(t, ok, "a failed batch writes nothing")

	err = s.UpsertEdges(ctx, []EdgeUpsert{purchase("ev-1", nil), {Label: "bad label", From: user, To: article}})
	require.Error(t, err)
	_, found := s.Edge(user, models.EdgePurchased, article)
	assert.False(t, found)
}

func TestMemoryStore_Neighbors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, id := range []string{"a2", "a1"} {
		_, err := s.UpsertEdge(ctx, EdgeUpsert{Label: models.EdgePurchased, From: user, To: models.VertexRef{Label: models.LabelArticle, ID: id}})
		require.NoError(t, err)
	}

	out, err := s.Neighbors(ctx, user, models.EdgePurchased, Outgoing)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a1", out[0].ID)

	in, err := s.Neighbors(ctx, article, models.EdgePurchased, Incoming)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, user, in[0].Ref())

	none, err := s.Neighbors(ctx, user, models.EdgeBelongsTo, Outgoing)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_ConcurrentSharedVertex(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertEdge(ctx, EdgeUpsert{Label: models.EdgeBelongsTo, From: article, To: product})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	vertices, edges := s.Snapshot()
	assert.Len(t, vertices, 2)
	assert.Len(t, edges, 1)
}

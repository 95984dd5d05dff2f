package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohankatakam/retailgraph/internal/models"
)

func TestCypherBuilder_MergeVertex(t *testing.T) {
	b := NewCypherBuilder()
	q, err := b.BuildMergeVertex("user", "c1", map[string]any{"age": int64(30)})
	require.NoError(t, err)

	assert.Equal(t, "MERGE (n:user {id: $p0}) SET n += $p1 RETURN properties(n) AS props", q)
	assert.Equal(t, "c1", b.Params()["p0"])
	assert.Equal(t, map[string]any{"age": int64(30)}, b.Params()["p1"])
}

func TestCypherBuilder_MergeEdge(t *testing.T) {
	b := NewCypherBuilder()
	q, err := b.BuildMergeEdge("user", "c1", "article", "a1", "purchased", nil, "ev-1")
	require.NoError(t, err)

	assert.Contains(t, q, "MERGE (a:user {id: $p0}) MERGE (b:article {id: $p1}) MERGE (a)-[r:purchased]->(b)")
	assert.Contains(t, q, "NOT $p3 IN coalesce(r.occurrences, [])")
	assert.Contains(t, q, "SET r.count = size(r.occurrences)")
	assert.Equal(t, "ev-1", b.Params()["p3"])

	// no occurrence travels as null so the FOREACH is a no-op
	b = NewCypherBuilder()
	_, err = b.BuildMergeEdge("article", "a1", "product", "p1", "belongs_to", nil, "")
	require.NoError(t, err)
	assert.Nil(t, b.Params()["p3"])
}

func TestCypherBuilder_Batch(t *testing.T) {
	b := NewCypherBuilder()
	rows := []map[string]any{{"id": "c1", "props": map[string]any{}}}
	q, err := b.BuildBatchMergeVertices("user", rows)
	require.NoError(t, err)
	assert.Equal(t, "UNWIND $p0 AS row MERGE (n:user {id: row.id}) SET n += row.props", q)

	q, err = b.BuildBatchMergeEdges("user", "purchased", "article", nil)
	require.NoError(t, err)
	assert.Contains(t, q, "UNWIND $p1 AS row")
	assert.Contains(t, q, "row.occurrence IS NOT NULL")
}

func TestCypherBuilder_RejectsIdentifiers(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *CypherBuilder) error
	}{
		{"vertex label injection", func(b *CypherBuilder) error {
			_, err := b.BuildMergeVertex("user}) DETACH DELETE n //", "c1", nil)
			return err
		}},
		{"edge label with space", func(b *CypherBuilder) error {
			_, err := b.BuildMergeEdge("user", "c1", "article", "a1", "bought by", nil, "")
			return err
		}},
		{"batch edge label", func(b *CypherBuilder) error {
			_, err := b.BuildBatchMergeEdges("user", "1purchased", "article", nil)
			return err
		}},
		{"neighbors", func(b *CypherBuilder) error {
			_, err := b.BuildNeighbors("", "c1", "purchased", Outgoing)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.build(NewCypherBuilder()))
		})
	}
}

func TestBuildUniqueConstraint(t *testing.T) {
	for _, label := range models.VertexLabels {
		q, err := BuildUniqueConstraint(string(label))
		require.NoError(t, err)
		assert.Contains(t, q, "REQUIRE n.id IS UNIQUE")
	}
}

func TestBatchConfig(t *testing.T) {
	bc := DefaultBatchConfig()
	small := bc.Scaled(0.0001)
	assert.Equal(t, 1, small.VertexBatchSize(models.LabelUser))
	assert.Equal(t, 1, small.EdgeBatchSize(models.EdgePurchased))

	assert.Greater(t, LargeBatchConfig().EdgeBatchSize(models.EdgePurchased), SmallBatchConfig().EdgeBatchSize(models.EdgePurchased))
	assert.Greater(t, (BatchConfig{}).VertexBatchSize(models.LabelProduct), 0)
}

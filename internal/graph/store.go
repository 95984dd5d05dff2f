package graph

import (
	"context"

	"github.com/rohankatakam/retailgraph/internal/models"
)

// Store is the property graph surface the upsert engine writes through.
//
// Every upsert is create-if-absent-else-merge keyed by identity, executed
// atomically by the store: incoming properties overwrite matching keys and
// unspecified keys are left untouched. Batch calls are all-or-nothing.
type Store interface {
	// UpsertVertex creates or merges a single vertex and returns its stored state
	UpsertVertex(ctx context.Context, v VertexUpsert) (models.Vertex, error)

	// UpsertEdge ensures both endpoints exist (as stubs if needed) and creates or
	// merges the edge for its (from, to, label) key
	UpsertEdge(ctx context.Context, e EdgeUpsert) (models.Edge, error)

	// UpsertVertices applies a batch of vertex upserts in one transaction, in order
	UpsertVertices(ctx context.Context, batch []VertexUpsert) error

	// UpsertEdges applies a batch of edge upserts in one transaction, in order
	UpsertEdges(ctx context.Context, batch []EdgeUpsert) error

	// VertexExists reports whether the vertex is present (stubs count)
	VertexExists(ctx context.Context, ref models.VertexRef) (bool, error)

	// Neighbors follows edges of the given label from ref
	Neighbors(ctx context.Context, ref models.VertexRef, label models.EdgeLabel, dir Direction) ([]models.Vertex, error)

	// EnsureSchema creates identity constraints; safe to call repeatedly
	EnsureSchema(ctx context.Context) error

	// Close releases the connection
	Close(ctx context.Context) error
}

// Direction selects which way Neighbors follows an edge
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// VertexUpsert is a vertex mutation
type VertexUpsert struct {
	Label      models.Label
	ID         string
	Properties models.Properties
}

// Ref returns the vertex identity
func (v VertexUpsert) Ref() models.VertexRef {
	return models.VertexRef{Label: v.Label, ID: v.ID}
}

// EdgeUpsert is an edge mutation. When Occurrence is set the edge records it
// in a set and keeps count equal to the set size, so replays do not inflate it.
type EdgeUpsert struct {
	Label      models.EdgeLabel
	From       models.VertexRef
	To         models.VertexRef
	Properties models.Properties
	Occurrence string
}

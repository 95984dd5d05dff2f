package graph

import (
	"context"
	"sort"
	"sync"

	"github.com/rohankatakam/retailgraph/internal/errors"
	"github.com/rohankatakam/retailgraph/internal/models"
)

// MemoryStore is an in-process Store with the same merge semantics as
// Neo4jStore. It backs tests and `consume --dry-run`.
type MemoryStore struct {
	mu       sync.RWMutex
	vertices map[models.VertexRef]models.Properties
	edges    map[edgeKey]*memEdge
	out      map[models.VertexRef][]edgeKey
	in       map[models.VertexRef][]edgeKey
}

type edgeKey struct {
	from  models.VertexRef
	label models.EdgeLabel
	to    models.VertexRef
}

type memEdge struct {
	props       models.Properties
	occurrences map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty graph
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vertices: make(map[models.VertexRef]models.Properties),
		edges:    make(map[edgeKey]*memEdge),
		out:      make(map[models.VertexRef][]edgeKey),
		in:       make(map[models.VertexRef][]edgeKey),
	}
}

// EnsureSchema is a no-op; identity is enforced by the maps
func (m *MemoryStore) EnsureSchema(ctx context.Context) error {
	return nil
}

// UpsertVertex creates or merges a vertex
func (m *MemoryStore) UpsertVertex(ctx context.Context, v VertexUpsert) (models.Vertex, error) {
	if err := checkVertex(v); err != nil {
		return models.Vertex{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mergeVertex(v.Ref(), v.Properties)
	return m.vertexLocked(v.Ref()), nil
}

// UpsertEdge creates or merges an edge, stubbing missing endpoints
func (m *MemoryStore) UpsertEdge(ctx context.Context, e EdgeUpsert) (models.Edge, error) {
	if err := checkEdge(e); err != nil {
		return models.Edge{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.mergeEdge(e)
	return m.edgeLocked(k), nil
}

// UpsertVertices applies the batch atomically: all items are checked before
// any is written.
func (m *MemoryStore) UpsertVertices(ctx context.Context, batch []VertexUpsert) error {
	for _, v := range batch {
		if err := checkVertex(v); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range batch {
		m.mergeVertex(v.Ref(), v.Properties)
	}
	return nil
}

// UpsertEdges applies the batch atomically
func (m *MemoryStore) UpsertEdges(ctx context.Context, batch []EdgeUpsert) error {
	for _, e := range batch {
		if err := checkEdge(e); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range batch {
		m.mergeEdge(e)
	}
	return nil
}

// VertexExists reports whether the vertex is present
func (m *MemoryStore) VertexExists(ctx context.Context, ref models.VertexRef) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.vertices[ref]
	return ok, nil
}

// Neighbors follows one hop of label edges, sorted by id
func (m *MemoryStore) Neighbors(ctx context.Context, ref models.VertexRef, label models.EdgeLabel, dir Direction) ([]models.Vertex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := m.out[ref]
	if dir == Incoming {
		keys = m.in[ref]
	}

	var out []models.Vertex
	for _, k := range keys {
		if k.label != label {
			continue
		}
		other := k.to
		if dir == Incoming {
			other = k.from
		}
		out = append(out, m.vertexLocked(other))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close is a no-op
func (m *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// Vertex returns a copy of a stored vertex
func (m *MemoryStore) Vertex(ref models.VertexRef) (models.Vertex, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.vertices[ref]; !ok {
		return models.Vertex{}, false
	}
	return m.vertexLocked(ref), true
}

// Edge returns a copy of a stored edge
func (m *MemoryStore) Edge(from models.VertexRef, label models.EdgeLabel, to models.VertexRef) (models.Edge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k := edgeKey{from: from, label: label, to: to}
	if _, ok := m.edges[k]; !ok {
		return models.Edge{}, false
	}
	return m.edgeLocked(k), true
}

// Snapshot returns every vertex and edge in a deterministic order, for
// comparing graphs built from different runs.
func (m *MemoryStore) Snapshot() ([]models.Vertex, []models.Edge) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vertices := make([]models.Vertex, 0, len(m.vertices))
	for ref := range m.vertices {
		vertices = append(vertices, m.vertexLocked(ref))
	}
	sort.Slice(vertices, func(i, j int) bool {
		return vertices[i].Ref().String() < vertices[j].Ref().String()
	})

	edges := make([]models.Edge, 0, len(m.edges))
	for k := range m.edges {
		edges = append(edges, m.edgeLocked(k))
	}
	sort.Slice(edges, func(i, j int) bool {
		return models.EdgeKey(edges[i].From, edges[i].Label, edges[i].To) <
			models.EdgeKey(edges[j].From, edges[j].Label, edges[j].To)
	})
	return vertices, edges
}

func (m *MemoryStore) mergeVertex(ref models.VertexRef, props models.Properties) {
	current, ok := m.vertices[ref]
	if !ok {
		current = models.Properties{}
		m.vertices[ref] = current
	}
	for k, v := range props {
		if v == nil || models.IsReservedProperty(k) {
			continue
		}
		current[k] = v
	}
}

func (m *MemoryStore) mergeEdge(e EdgeUpsert) edgeKey {
	m.mergeVertex(e.From, nil)
	m.mergeVertex(e.To, nil)

	k := edgeKey{from: e.From, label: e.Label, to: e.To}
	edge, ok := m.edges[k]
	if !ok {
		edge = &memEdge{props: models.Properties{}}
		m.edges[k] = edge
		m.out[e.From] = append(m.out[e.From], k)
		m.in[e.To] = append(m.in[e.To], k)
	}
	for key, v := range e.Properties {
		if v == nil || models.IsReservedProperty(key) {
			continue
		}
		edge.props[key] = v
	}
	if e.Occurrence != "" {
		if edge.occurrences == nil {
			edge.occurrences = make(map[string]struct{})
		}
		edge.occurrences[e.Occurrence] = struct{}{}
	}
	return k
}

func (m *MemoryStore) vertexLocked(ref models.VertexRef) models.Vertex {
	props := make(models.Properties, len(m.vertices[ref]))
	for k, v := range m.vertices[ref] {
		props[k] = v
	}
	return models.Vertex{Label: ref.Label, ID: ref.ID, Properties: props}
}

func (m *MemoryStore) edgeLocked(k edgeKey) models.Edge {
	edge := m.edges[k]
	props := make(models.Properties, len(edge.props)+1)
	for key, v := range edge.props {
		props[key] = v
	}
	if edge.occurrences != nil {
		props[models.PropCount] = int64(len(edge.occurrences))
	}
	return models.Edge{Label: k.label, From: k.from, To: k.to, Properties: props}
}

// checkVertex mirrors the rejections Neo4j would raise as client errors
func checkVertex(v VertexUpsert) error {
	if !isValidIdentifier(string(v.Label)) || v.ID == "" {
		return errors.SchemaErrorf("invalid vertex %s", v.Ref())
	}
	return checkProps(v.Properties)
}

func checkEdge(e EdgeUpsert) error {
	if !isValidIdentifier(string(e.Label)) || !isValidIdentifier(string(e.From.Label)) ||
		!isValidIdentifier(string(e.To.Label)) || e.From.ID == "" || e.To.ID == "" {
		return errors.SchemaErrorf("invalid edge %s", models.EdgeKey(e.From, e.Label, e.To))
	}
	return checkProps(e.Properties)
}

func checkProps(p models.Properties) error {
	for k, v := range p {
		switch v.(type) {
		case nil, string, bool, int, int64, float64:
		default:
			return errors.SchemaErrorf("property %q: unsupported type %T", k, v)
		}
	}
	return nil
}

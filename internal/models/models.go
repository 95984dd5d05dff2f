package models

import "strings"

// Label is a vertex label
type Label string

const (
	LabelUser         Label = "user"
	LabelArticle      Label = "article"
	LabelProduct      Label = "product"
	LabelProductType  Label = "product_type"
	LabelProductGroup Label = "product_group"
	LabelColourGroup  Label = "colour_group"
	LabelDepartment   Label = "department"
	LabelIndexGroup   Label = "index_group"
)

// VertexLabels lists every label the pipeline writes, in hierarchy order
var VertexLabels = []Label{
	LabelUser,
	LabelArticle,
	LabelProduct,
	LabelProductType,
	LabelProductGroup,
	LabelColourGroup,
	LabelDepartment,
	LabelIndexGroup,
}

// Valid reports whether l is a known vertex label
func (l Label) Valid() bool {
	for _, known := range VertexLabels {
		if l == known {
			return true
		}
	}
	return false
}

// Shared reports whether vertices of this label are referenced from many source
// entities and therefore receive writes from several partitions.
func (l Label) Shared() bool {
	switch l {
	case LabelUser, LabelArticle:
		return false
	default:
		return l.Valid()
	}
}

// EdgeLabel is a relationship type
type EdgeLabel string

const (
	EdgePurchased EdgeLabel = "purchased"
	EdgeBelongsTo EdgeLabel = "belongs_to"
)

// endpoint pairs each edge label may connect
var edgeSchema = map[EdgeLabel][][2]Label{
	EdgePurchased: {
		{LabelUser, LabelArticle},
	},
	EdgeBelongsTo: {
		{LabelArticle, LabelProduct},
		{LabelArticle, LabelColourGroup},
		{LabelProduct, LabelProductType},
		{LabelProductType, LabelProductGroup},
		{LabelProduct, LabelDepartment},
		{LabelProduct, LabelIndexGroup},
	},
}

// Valid reports whether e is a known edge label
func (e EdgeLabel) Valid() bool {
	_, ok := edgeSchema[e]
	return ok
}

// Allows reports whether an edge of this label may connect from -> to
func (e EdgeLabel) Allows(from, to Label) bool {
	for _, pair := range edgeSchema[e] {
		if pair[0] == from && pair[1] == to {
			return true
		}
	}
	return false
}

// CountsOccurrences reports whether repeated events for the same edge key are
// tallied (purchases) rather than collapsed silently.
func (e EdgeLabel) CountsOccurrences() bool {
	return e == EdgePurchased
}

// Store-managed property keys. Events may not set them.
const (
	PropID          = "id"
	PropCount       = "count"
	PropOccurrences = "occurrences"
)

// IsReservedProperty reports whether key is managed by the graph store
func IsReservedProperty(key string) bool {
	switch key {
	case PropID, PropCount, PropOccurrences:
		return true
	}
	return false
}

// Properties is a flat scalar property map
type Properties map[string]any

// Clone returns a shallow copy with nil values dropped
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

// VertexRef identifies a vertex by (label, id)
type VertexRef struct {
	Label Label  `json:"label"`
	ID    string `json:"id"`
}

func (r VertexRef) String() string {
	return string(r.Label) + "/" + r.ID
}

// Vertex is a vertex as stored in the graph
type Vertex struct {
	Label      Label      `json:"label"`
	ID         string     `json:"id"`
	Properties Properties `json:"properties"`
}

// Ref returns the vertex identity
func (v Vertex) Ref() VertexRef {
	return VertexRef{Label: v.Label, ID: v.ID}
}

// Edge is an edge as stored in the graph, unique per (From, To, Label)
type Edge struct {
	Label      EdgeLabel  `json:"label"`
	From       VertexRef  `json:"from"`
	To         VertexRef  `json:"to"`
	Properties Properties `json:"properties"`
}

// EdgeKey renders the composite key used as an edge event's entity id
func EdgeKey(from VertexRef, label EdgeLabel, to VertexRef) string {
	return strings.Join([]string{from.String(), string(label), to.String()}, "|")
}

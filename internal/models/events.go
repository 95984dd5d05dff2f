package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rohankatakam/retailgraph/internal/errors"
)

// EventType tags the variant of a domain event
type EventType string

const (
	EventVertexUpsert EventType = "vertex_upsert"
	EventEdgeUpsert   EventType = "edge_upsert"
)

// Event is an immutable domain event as carried on the stream.
//
// Vertex upserts set EntityLabel/EntityID. Edge upserts set the Edge* fields;
// their EntityLabel is the edge label and EntityID the composite edge key.
type Event struct {
	ID            string     `json:"event_id"`
	Type          EventType  `json:"event_type"`
	EntityLabel   string     `json:"entity_label"`
	EntityID      string     `json:"entity_id"`
	Properties    Properties `json:"properties,omitempty"`
	EdgeFrom      string     `json:"edge_from,omitempty"`
	EdgeFromLabel Label      `json:"edge_from_label,omitempty"`
	EdgeTo        string     `json:"edge_to,omitempty"`
	EdgeToLabel   Label      `json:"edge_to_label,omitempty"`
	EdgeLabel     EdgeLabel  `json:"edge_label,omitempty"`
	PartitionKey  string     `json:"partition_key"`
	SequenceHint  int64      `json:"sequence_hint"`
	ProducedAt    time.Time  `json:"produced_at"`
}

// NewVertexUpsert builds a vertex upsert event. Nil property values are dropped.
func NewVertexUpsert(label Label, id string, props Properties) Event {
	return Event{
		Type:        EventVertexUpsert,
		EntityLabel: string(label),
		EntityID:    id,
		Properties:  props.Clone(),
	}
}

// NewEdgeUpsert builds an edge upsert event between two vertex refs
func NewEdgeUpsert(from VertexRef, label EdgeLabel, to VertexRef, props Properties) Event {
	return Event{
		Type:          EventEdgeUpsert,
		EntityLabel:   string(label),
		EntityID:      EdgeKey(from, label, to),
		Properties:    props.Clone(),
		EdgeFrom:      from.ID,
		EdgeFromLabel: from.Label,
		EdgeTo:        to.ID,
		EdgeToLabel:   to.Label,
		EdgeLabel:     label,
	}
}

// Vertex returns the target vertex identity of a vertex upsert
func (e Event) Vertex() VertexRef {
	return VertexRef{Label: Label(e.EntityLabel), ID: e.EntityID}
}

// From returns the source endpoint of an edge upsert
func (e Event) From() VertexRef {
	return VertexRef{Label: e.EdgeFromLabel, ID: e.EdgeFrom}
}

// To returns the target endpoint of an edge upsert
func (e Event) To() VertexRef {
	return VertexRef{Label: e.EdgeToLabel, ID: e.EdgeTo}
}

// Validate checks the fixed field set of each variant. Failures are schema errors.
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.SchemaError("event_id is required")
	}
	if e.PartitionKey == "" {
		return errors.SchemaErrorf("event %s: partition_key is required", e.ID)
	}

	switch e.Type {
	case EventVertexUpsert:
		if !Label(e.EntityLabel).Valid() {
			return errors.SchemaErrorf("event %s: unknown vertex label %q", e.ID, e.EntityLabel)
		}
		if e.EntityID == "" {
			return errors.SchemaErrorf("event %s: entity_id is required", e.ID)
		}
		if e.EdgeFrom != "" || e.EdgeTo != "" || e.EdgeLabel != "" || e.EdgeFromLabel != "" || e.EdgeToLabel != "" {
			return errors.SchemaErrorf("event %s: vertex upsert must not carry edge fields", e.ID)
		}
	case EventEdgeUpsert:
		if !e.EdgeLabel.Valid() {
			return errors.SchemaErrorf("event %s: unknown edge label %q", e.ID, e.EdgeLabel)
		}
		if e.EdgeFrom == "" || e.EdgeTo == "" {
			return errors.SchemaErrorf("event %s: edge_from and edge_to are required", e.ID)
		}
		if !e.EdgeLabel.Allows(e.EdgeFromLabel, e.EdgeToLabel) {
			return errors.SchemaErrorf("event %s: %s edge not allowed from %q to %q",
				e.ID, e.EdgeLabel, e.EdgeFromLabel, e.EdgeToLabel)
		}
		if e.EntityLabel != string(e.EdgeLabel) || e.EntityID != EdgeKey(e.From(), e.EdgeLabel, e.To()) {
			return errors.SchemaErrorf("event %s: entity fields do not match edge key", e.ID)
		}
	default:
		return errors.SchemaErrorf("event %s: unknown event_type %q", e.ID, e.Type)
	}

	for k, v := range e.Properties {
		if k == "" || IsReservedProperty(k) {
			return errors.SchemaErrorf("event %s: property key %q is not allowed", e.ID, k)
		}
		if !isScalar(v) {
			return errors.SchemaErrorf("event %s: property %q has non-scalar type %T", e.ID, k, v)
		}
	}
	return nil
}

func isScalar(v any) bool {
	switch x := v.(type) {
	case string, bool, int64:
		return true
	case int:
		return true
	case float64:
		return !math.IsNaN(x) && !math.IsInf(x, 0)
	default:
		return false
	}
}

// Encode serializes the event for the wire
func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// MarshalJSON writes properties with sorted keys. Integral floats keep a
// trailing ".0" so they decode back as float64 rather than int64.
func (p Properties) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
		if _, ok := p[k].(float64); ok && !bytes.ContainsAny(val, ".eE") {
			buf.WriteString(".0")
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Decode parses and validates a wire payload. Numbers written without a
// fraction or exponent decode as int64, all others as float64. Null
// properties are dropped, since a merge never removes a property.
func Decode(payload []byte) (Event, error) {
	var e Event
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		return Event{}, errors.WrapSchema(err, "decode event")
	}

	for k, v := range e.Properties {
		if v == nil {
			delete(e.Properties, k)
			continue
		}
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if !strings.ContainsAny(n.String(), ".eE") {
			if i, err := n.Int64(); err == nil {
				e.Properties[k] = i
				continue
			}
		}
		f, err := n.Float64()
		if err != nil {
			return Event{}, errors.SchemaErrorf("event %s: property %q: %v", e.ID, k, err)
		}
		e.Properties[k] = f
	}

	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (e Event) String() string {
	if e.Type == EventEdgeUpsert {
		return fmt.Sprintf("%s(%s)", e.Type, e.EntityID)
	}
	return fmt.Sprintf("%s(%s/%s)", e.Type, e.EntityLabel, e.EntityID)
}

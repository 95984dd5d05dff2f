package graph

import (
	"fmt"
	"regexp"
)

// CypherBuilder builds parameterized Cypher. Values always travel as
// parameters; labels and relationship types cannot be parameterized, so they
// are checked against isValidIdentifier before being spliced in.
type CypherBuilder struct {
	params  map[string]any
	counter int
}

// NewCypherBuilder creates a query builder
func NewCypherBuilder() *CypherBuilder {
	return &CypherBuilder{
		params: make(map[string]any),
	}
}

// AddParam adds a parameter and returns its placeholder
func (b *CypherBuilder) AddParam(value any) string {
	paramName := fmt.Sprintf("p%d", b.counter)
	b.counter++
	b.params[paramName] = value
	return "$" + paramName
}

// Params returns all parameters for the query
func (b *CypherBuilder) Params() map[string]any {
	return b.params
}

// BuildMergeVertex builds a single-vertex upsert returning the stored properties
func (b *CypherBuilder) BuildMergeVertex(label, id string, props map[string]any) (string, error) {
	if !isValidIdentifier(label) {
		return "", fmt.Errorf("invalid vertex label: %s (must be alphanumeric + underscore)", label)
	}

	idParam := b.AddParam(id)
	propsParam := b.AddParam(props)

	return fmt.Sprintf(
		"MERGE (n:%s {id: %s}) SET n += %s RETURN properties(n) AS props",
		label, idParam, propsParam,
	), nil
}

// BuildMergeEdge builds a single-edge upsert. Endpoints are MERGEd so a missing
// endpoint becomes a stub vertex in the same transaction.
func (b *CypherBuilder) BuildMergeEdge(fromLabel, fromID, toLabel, toID, edgeLabel string, props map[string]any, occurrence string) (string, error) {
	for _, ident := range []string{fromLabel, toLabel, edgeLabel} {
		if !isValidIdentifier(ident) {
			return "", fmt.Errorf("invalid identifier: %s (must be alphanumeric + underscore)", ident)
		}
	}

	fromParam := b.AddParam(fromID)
	toParam := b.AddParam(toID)
	propsParam := b.AddParam(props)

	var occurrenceParam any
	if occurrence != "" {
		occurrenceParam = occurrence
	}
	occParam := b.AddParam(occurrenceParam)

	return fmt.Sprintf(
		"MERGE (a:%s {id: %s}) MERGE (b:%s {id: %s}) MERGE (a)-[r:%s]->(b) SET r += %s %s RETURN properties(r) AS props",
		fromLabel, fromParam,
		toLabel, toParam,
		edgeLabel, propsParam,
		occurrenceClause(occParam),
	), nil
}

// BuildBatchMergeVertices builds an UNWIND upsert over $rows of {id, props}
func (b *CypherBuilder) BuildBatchMergeVertices(label string, rows []map[string]any) (string, error) {
	if !isValidIdentifier(label) {
		return "", fmt.Errorf("invalid vertex label: %s", label)
	}
	rowsParam := b.AddParam(rows)

	return fmt.Sprintf(
		"UNWIND %s AS row MERGE (n:%s {id: row.id}) SET n += row.props",
		rowsParam, label,
	), nil
}

// BuildBatchMergeEdges builds an UNWIND upsert over $rows of {from, to, props, occurrence}
func (b *CypherBuilder) BuildBatchMergeEdges(fromLabel, edgeLabel, toLabel string, rows []map[string]any) (string, error) {
	for _, ident := range []string{fromLabel, toLabel, edgeLabel} {
		if !isValidIdentifier(ident) {
			return "", fmt.Errorf("invalid identifier: %s", ident)
		}
	}
	rowsParam := b.AddParam(rows)

	return fmt.Sprintf(
		"UNWIND %s AS row MERGE (a:%s {id: row.from}) MERGE (b:%s {id: row.to}) MERGE (a)-[r:%s]->(b) SET r += row.props %s",
		rowsParam, fromLabel, toLabel, edgeLabel,
		occurrenceClause("row.occurrence"),
	), nil
}

// occurrenceClause adds occ to r.occurrences once and keeps r.count in step.
// A null occ leaves both untouched.
func occurrenceClause(occ string) string {
	return fmt.Sprintf(
		"FOREACH (_ IN CASE WHEN %[1]s IS NOT NULL AND NOT %[1]s IN coalesce(r.occurrences, []) THEN [1] ELSE [] END | "+
			"SET r.occurrences = coalesce(r.occurrences, []) + %[1]s SET r.count = size(r.occurrences))",
		occ,
	)
}

// BuildVertexExists builds an existence check for (label, id)
func (b *CypherBuilder) BuildVertexExists(label, id string) (string, error) {
	if !isValidIdentifier(label) {
		return "", fmt.Errorf("invalid vertex label: %s", label)
	}
	return fmt.Sprintf("MATCH (n:%s {id: %s}) RETURN count(n) > 0 AS exists", label, b.AddParam(id)), nil
}

// BuildNeighbors builds a one-hop traversal along edgeLabel
func (b *CypherBuilder) BuildNeighbors(label, id, edgeLabel string, dir Direction) (string, error) {
	if !isValidIdentifier(label) || !isValidIdentifier(edgeLabel) {
		return "", fmt.Errorf("invalid identifier: %s/%s", label, edgeLabel)
	}
	pattern := "(n)-[:%s]->(m)"
	if dir == Incoming {
		pattern = "(n)<-[:%s]-(m)"
	}
	return fmt.Sprintf(
		"MATCH (n:%s {id: %s}) MATCH "+pattern+" RETURN labels(m)[0] AS label, m.id AS id, properties(m) AS props ORDER BY id",
		label, b.AddParam(id), edgeLabel,
	), nil
}

// BuildUniqueConstraint builds the identity constraint for a label. MERGE
// relies on it to stay atomic when partitions race on a shared vertex.
func BuildUniqueConstraint(label string) (string, error) {
	if !isValidIdentifier(label) {
		return "", fmt.Errorf("invalid vertex label: %s", label)
	}
	return fmt.Sprintf(
		"CREATE CONSTRAINT %s_id_unique IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE",
		label, label,
	), nil
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// isValidIdentifier validates that a string can be safely used as a Cypher identifier
func isValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

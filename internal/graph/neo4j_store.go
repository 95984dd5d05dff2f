package graph

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/rohankatakam/retailgraph/internal/errors"
	"github.com/rohankatakam/retailgraph/internal/logging"
	"github.com/rohankatakam/retailgraph/internal/models"
)

// Neo4jConfig holds connection settings for Neo4jStore
type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	Database string
	MaxPool  int
}

// Neo4jStore implements Store against Neo4j using MERGE upserts
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

var _ Store = (*Neo4jStore)(nil)

// NewNeo4jStore connects and verifies connectivity. Connection failures are
// fatal config errors: the consumer must not start without its store.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig) (*Neo4jStore, error) {
	if cfg.URI == "" || cfg.User == "" {
		return nil, errors.ConfigErrorf("neo4j credentials missing: uri=%q user=%q", cfg.URI, cfg.User)
	}
	if cfg.Database == "" {
		cfg.Database = "neo4j"
	}
	if cfg.MaxPool <= 0 {
		cfg.MaxPool = 50
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI,
		neo4j.BasicAuth(cfg.User, cfg.Password, ""),
		func(c *neo4j.Config) {
			c.MaxConnectionPoolSize = cfg.MaxPool
			c.ConnectionAcquisitionTimeout = 60 * time.Second
			c.MaxConnectionLifetime = time.Hour
			c.SocketConnectTimeout = 5 * time.Second
			c.SocketKeepalive = true
		})
	if err != nil {
		return nil, errors.WrapConfig(err, "create neo4j driver")
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, errors.WrapConfig(err, fmt.Sprintf("connect to neo4j at %s", cfg.URI))
	}

	return &Neo4jStore{
		driver:   driver,
		database: cfg.Database,
		logger:   logging.Component("neo4j", "database", cfg.Database),
	}, nil
}

// EnsureSchema creates one uniqueness constraint per vertex label
func (s *Neo4jStore) EnsureSchema(ctx context.Context) error {
	queries := make([]string, 0, len(models.VertexLabels))
	for _, label := range models.VertexLabels {
		q, err := BuildUniqueConstraint(string(label))
		if err != nil {
			return errors.WrapConfig(err, "build constraint")
		}
		queries = append(queries, q)
	}

	// schema statements cannot share a transaction with each other
	for _, q := range queries {
		if err := s.write(ctx, OpSchema, func(tx neo4j.ManagedTransaction) error {
			_, err := tx.Run(ctx, q, nil)
			return err
		}); err != nil {
			return errors.WrapConfig(err, "ensure neo4j constraints")
		}
	}
	s.logger.Info("schema constraints ensured", "labels", len(queries))
	return nil
}

// UpsertVertex creates or merges a single vertex
func (s *Neo4jStore) UpsertVertex(ctx context.Context, v VertexUpsert) (models.Vertex, error) {
	b := NewCypherBuilder()
	cypher, err := b.BuildMergeVertex(string(v.Label), v.ID, propsParam(v.Properties))
	if err != nil {
		return models.Vertex{}, errors.WrapSchema(err, "build vertex upsert")
	}

	result, err := neo4j.ExecuteQuery(ctx, s.driver, cypher, b.Params(),
		neo4j.EagerResultTransformer,
		s.queryOptions(GetConfigForOperation(OpVertexBatch).WithCustomMetadata("label", string(v.Label)), true)...)
	if err != nil {
		return models.Vertex{}, classify(err, "upsert vertex "+v.Ref().String())
	}

	out := models.Vertex{Label: v.Label, ID: v.ID, Properties: models.Properties{}}
	if len(result.Records) > 0 {
		out.Properties = recordProps(result.Records[0])
	}
	return out, nil
}

// UpsertEdge creates or merges a single edge, stubbing missing endpoints
func (s *Neo4jStore) UpsertEdge(ctx context.Context, e EdgeUpsert) (models.Edge, error) {
	b := NewCypherBuilder()
	cypher, err := b.BuildMergeEdge(
		string(e.From.Label), e.From.ID,
		string(e.To.Label), e.To.ID,
		string(e.Label), propsParam(e.Properties), e.Occurrence)
	if err != nil {
		return models.Edge{}, errors.WrapSchema(err, "build edge upsert")
	}

	result, err := neo4j.ExecuteQuery(ctx, s.driver, cypher, b.Params(),
		neo4j.EagerResultTransformer,
		s.queryOptions(GetConfigForOperation(OpEdgeBatch).WithCustomMetadata("label", string(e.Label)), true)...)
	if err != nil {
		return models.Edge{}, classify(err, "upsert edge "+models.EdgeKey(e.From, e.Label, e.To))
	}

	out := models.Edge{Label: e.Label, From: e.From, To: e.To, Properties: models.Properties{}}
	if len(result.Records) > 0 {
		out.Properties = recordProps(result.Records[0])
	}
	return out, nil
}

// UpsertVertices writes the batch in one transaction, one UNWIND per label.
// Rows are stably sorted by id so concurrent batches take locks in the same
// order; rows for the same id keep their relative order.
func (s *Neo4jStore) UpsertVertices(ctx context.Context, batch []VertexUpsert) error {
	if len(batch) == 0 {
		return nil
	}

	groups := map[models.Label][]map[string]any{}
	var order []models.Label
	for _, v := range batch {
		if _, ok := groups[v.Label]; !ok {
			order = append(order, v.Label)
		}
		groups[v.Label] = append(groups[v.Label], map[string]any{
			"id":    v.ID,
			"props": propsParam(v.Properties),
		})
	}

	queries := make([]QueryWithParams, 0, len(order))
	for _, label := range order {
		rows := groups[label]
		sort.SliceStable(rows, func(i, j int) bool { return rows[i]["id"].(string) < rows[j]["id"].(string) })

		b := NewCypherBuilder()
		cypher, err := b.BuildBatchMergeVertices(string(label), rows)
		if err != nil {
			return errors.WrapSchema(err, "build vertex batch")
		}
		queries = append(queries, QueryWithParams{Query: cypher, Params: b.Params()})
	}

	if err := s.executeBatch(ctx, OpVertexBatch, queries); err != nil {
		return classify(err, fmt.Sprintf("upsert %d vertices", len(batch)))
	}
	return nil
}

// UpsertEdges writes the batch in one transaction, one UNWIND per
// (from label, edge label, to label) group.
func (s *Neo4jStore) UpsertEdges(ctx context.Context, batch []EdgeUpsert) error {
	if len(batch) == 0 {
		return nil
	}

	type groupKey struct {
		from, to models.Label
		label    models.EdgeLabel
	}
	groups := map[groupKey][]map[string]any{}
	var order []groupKey
	for _, e := range batch {
		k := groupKey{from: e.From.Label, to: e.To.Label, label: e.Label}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		var occurrence any
		if e.Occurrence != "" {
			occurrence = e.Occurrence
		}
		groups[k] = append(groups[k], map[string]any{
			"from":       e.From.ID,
			"to":         e.To.ID,
			"props":      propsParam(e.Properties),
			"occurrence": occurrence,
		})
	}

	queries := make([]QueryWithParams, 0, len(order))
	for _, k := range order {
		rows := groups[k]
		sort.SliceStable(rows, func(i, j int) bool {
			fi, fj := rows[i]["from"].(string), rows[j]["from"].(string)
			if fi != fj {
				return fi < fj
			}
			return rows[i]["to"].(string) < rows[j]["to"].(string)
		})

		b := NewCypherBuilder()
		cypher, err := b.BuildBatchMergeEdges(string(k.from), string(k.label), string(k.to), rows)
		if err != nil {
			return errors.WrapSchema(err, "build edge batch")
		}
		queries = append(queries, QueryWithParams{Query: cypher, Params: b.Params()})
	}

	if err := s.executeBatch(ctx, OpEdgeBatch, queries); err != nil {
		return classify(err, fmt.Sprintf("upsert %d edges", len(batch)))
	}
	return nil
}

// VertexExists reports whether (label, id) is present
func (s *Neo4jStore) VertexExists(ctx context.Context, ref models.VertexRef) (bool, error) {
	b := NewCypherBuilder()
	cypher, err := b.BuildVertexExists(string(ref.Label), ref.ID)
	if err != nil {
		return false, errors.WrapSchema(err, "build exists query")
	}

	result, err := neo4j.ExecuteQuery(ctx, s.driver, cypher, b.Params(),
		neo4j.EagerResultTransformer,
		s.queryOptions(GetConfigForOperation(OpTraversal).WithCustomMetadata("query", "exists"), false)...)
	if err != nil {
		return false, classify(err, "vertex exists "+ref.String())
	}
	if len(result.Records) == 0 {
		return false, nil
	}
	exists, _ := result.Records[0].Get("exists")
	ok, _ := exists.(bool)
	return ok, nil
}

// Neighbors follows one hop of label edges from ref
func (s *Neo4jStore) Neighbors(ctx context.Context, ref models.VertexRef, label models.EdgeLabel, dir Direction) ([]models.Vertex, error) {
	b := NewCypherBuilder()
	cypher, err := b.BuildNeighbors(string(ref.Label), ref.ID, string(label), dir)
	if err != nil {
		return nil, errors.WrapSchema(err, "build neighbors query")
	}

	result, err := neo4j.ExecuteQuery(ctx, s.driver, cypher, b.Params(),
		neo4j.EagerResultTransformer,
		s.queryOptions(GetConfigForOperation(OpTraversal).WithCustomMetadata("edge_label", string(label)), false)...)
	if err != nil {
		return nil, classify(err, "neighbors of "+ref.String())
	}

	out := make([]models.Vertex, 0, len(result.Records))
	for _, rec := range result.Records {
		l, _ := rec.Get("label")
		id, _ := rec.Get("id")
		v := models.Vertex{Properties: recordProps(rec)}
		v.Label = models.Label(fmt.Sprint(l))
		v.ID = fmt.Sprint(id)
		out = append(out, v)
	}
	return out, nil
}

// Close closes the driver
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// QueryWithParams represents a Cypher query with its parameters
type QueryWithParams struct {
	Query  string
	Params map[string]any
}

// executeBatch runs queries in a single managed write transaction. The driver
// retries the whole function on transient cluster errors.
func (s *Neo4jStore) executeBatch(ctx context.Context, op string, queries []QueryWithParams) error {
	return s.write(ctx, op, func(tx neo4j.ManagedTransaction) error {
		for i, q := range queries {
			if _, err := tx.Run(ctx, q.Query, q.Params); err != nil {
				return fmt.Errorf("batch statement %d: %w", i, err)
			}
		}
		return nil
	})
}

func (s *Neo4jStore) write(ctx context.Context, op string, fn func(tx neo4j.ManagedTransaction) error) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(tx)
	}, GetConfigForOperation(op).AsNeo4jConfig()...)
	return err
}

// queryOptions routes a single query and applies the operation's timeout and
// metadata
func (s *Neo4jStore) queryOptions(tc TransactionConfig, write bool) []neo4j.ExecuteQueryConfigurationOption {
	routing := neo4j.ExecuteQueryWithReadersRouting()
	if write {
		routing = neo4j.ExecuteQueryWithWritersRouting()
	}
	return []neo4j.ExecuteQueryConfigurationOption{
		neo4j.ExecuteQueryWithDatabase(s.database),
		routing,
		neo4j.ExecuteQueryWithTransactionConfig(tc.AsNeo4jConfig()...),
	}
}

// classify maps driver errors onto the pipeline taxonomy. Client errors
// (type mismatches, constraint violations on bad data) can never succeed and
// are schema errors, except transaction-state errors such as timeouts.
// Everything else is worth retrying.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || neo4j.IsRetryable(err) || neo4j.IsConnectivityError(err) {
		return errors.TransientError(err, what)
	}

	var neoErr *neo4j.Neo4jError
	if stderrors.As(err, &neoErr) {
		switch {
		case strings.HasPrefix(neoErr.Code, "Neo.ClientError.Transaction."):
			// timeouts, terminations and lock client stops; the data is fine
			return errors.TransientError(err, what)
		case strings.HasPrefix(neoErr.Code, "Neo.ClientError.Security."):
			return errors.WrapConfig(err, what)
		case strings.HasPrefix(neoErr.Code, "Neo.ClientError."):
			return errors.WrapSchema(err, what)
		}
	}
	return errors.TransientError(err, what)
}

// propsParam converts a property map to the plain map the driver expects,
// dropping nils so SET += never removes a property.
func propsParam(p models.Properties) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if v == nil || models.IsReservedProperty(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// recordProps reads the "props" column, hiding the occurrence bookkeeping list
func recordProps(rec *neo4j.Record) models.Properties {
	raw, ok := rec.Get("props")
	if !ok {
		return models.Properties{}
	}
	m, _ := raw.(map[string]any)
	out := make(models.Properties, len(m))
	for k, v := range m {
		if k == models.PropOccurrences {
			continue
		}
		out[k] = v
	}
	return out
}

package graph

import (
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// TransactionConfig defines timeout and metadata for transactions.
// Metadata shows up in Neo4j's query.log and in `SHOW TRANSACTIONS`.
type TransactionConfig struct {
	Timeout  time.Duration
	Metadata map[string]any
}

// Operation names used by the store
const (
	OpVertexBatch = "vertex_batch"
	OpEdgeBatch   = "edge_batch"
	OpSchema      = "schema"
	OpTraversal   = "traversal"
)

// DefaultTransactionConfigs returns recommended configs per operation type
func DefaultTransactionConfigs() map[string]TransactionConfig {
	return map[string]TransactionConfig{
		OpVertexBatch: {
			Timeout:  30 * time.Second,
			Metadata: map[string]any{"operation": OpVertexBatch, "type": "write"},
		},
		OpEdgeBatch: {
			Timeout:  60 * time.Second,
			Metadata: map[string]any{"operation": OpEdgeBatch, "type": "write"},
		},
		OpSchema: {
			Timeout:  5 * time.Minute,
			Metadata: map[string]any{"operation": OpSchema, "type": "schema"},
		},
		OpTraversal: {
			Timeout:  15 * time.Second,
			Metadata: map[string]any{"operation": OpTraversal, "type": "read"},
		},
	}
}

// AsNeo4jConfig converts to Neo4j transaction config functions
func (tc TransactionConfig) AsNeo4jConfig() []func(*neo4j.TransactionConfig) {
	configs := []func(*neo4j.TransactionConfig){}
	if tc.Timeout > 0 {
		configs = append(configs, neo4j.WithTxTimeout(tc.Timeout))
	}
	if len(tc.Metadata) > 0 {
		configs = append(configs, neo4j.WithTxMetadata(tc.Metadata))
	}
	return configs
}

// GetConfigForOperation retrieves the config for an operation, with a 60s fallback
func GetConfigForOperation(operation string) TransactionConfig {
	if config, ok := DefaultTransactionConfigs()[operation]; ok {
		return config
	}
	return TransactionConfig{
		Timeout:  60 * time.Second,
		Metadata: map[string]any{"operation": operation, "type": "unknown"},
	}
}

// WithCustomMetadata returns a copy with one more metadata entry
func (tc TransactionConfig) WithCustomMetadata(key string, value any) TransactionConfig {
	out := TransactionConfig{
		Timeout:  tc.Timeout,
		Metadata: make(map[string]any, len(tc.Metadata)+1),
	}
	for k, v := range tc.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata[key] = value
	return out
}

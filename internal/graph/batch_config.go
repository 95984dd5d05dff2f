package graph

import "github.com/rohankatakam/retailgraph/internal/models"

// BatchConfig holds store write-batch sizes per label.
//
// Entity vertices (users, articles) carry a handful of properties and batch
// well; shared category vertices are hot keys contended across partitions, so
// they go in smaller batches to keep lock hold times short.
type BatchConfig struct {
	UserBatchSize     int
	ArticleBatchSize  int
	ProductBatchSize  int
	CategoryBatchSize int

	PurchaseEdgeBatchSize  int
	HierarchyEdgeBatchSize int
}

// DefaultBatchConfig returns batch sizes for a single Neo4j instance
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		UserBatchSize:          1000,
		ArticleBatchSize:       1000,
		ProductBatchSize:       500,
		CategoryBatchSize:      200,
		PurchaseEdgeBatchSize:  2000,
		HierarchyEdgeBatchSize: 1000,
	}
}

// SmallBatchConfig keeps transactions short, for constrained stores and tests
func SmallBatchConfig() BatchConfig {
	return BatchConfig{
		UserBatchSize:          200,
		ArticleBatchSize:       200,
		ProductBatchSize:       100,
		CategoryBatchSize:      50,
		PurchaseEdgeBatchSize:  500,
		HierarchyEdgeBatchSize: 200,
	}
}

// LargeBatchConfig maximizes throughput for initial backfills
func LargeBatchConfig() BatchConfig {
	return BatchConfig{
		UserBatchSize:          5000,
		ArticleBatchSize:       5000,
		ProductBatchSize:       2000,
		CategoryBatchSize:      500,
		PurchaseEdgeBatchSize:  10000,
		HierarchyEdgeBatchSize: 5000,
	}
}

// Scaled returns a copy with every size multiplied by factor (minimum 1)
func (bc BatchConfig) Scaled(factor float64) BatchConfig {
	scale := func(n int) int {
		s := int(float64(n) * factor)
		if s < 1 {
			return 1
		}
		return s
	}
	return BatchConfig{
		UserBatchSize:          scale(bc.UserBatchSize),
		ArticleBatchSize:       scale(bc.ArticleBatchSize),
		ProductBatchSize:       scale(bc.ProductBatchSize),
		CategoryBatchSize:      scale(bc.CategoryBatchSize),
		PurchaseEdgeBatchSize:  scale(bc.PurchaseEdgeBatchSize),
		HierarchyEdgeBatchSize: scale(bc.HierarchyEdgeBatchSize),
	}
}

// VertexBatchSize returns the batch size for a vertex label
func (bc BatchConfig) VertexBatchSize(label models.Label) int {
	switch label {
	case models.LabelUser:
		return orDefault(bc.UserBatchSize)
	case models.LabelArticle:
		return orDefault(bc.ArticleBatchSize)
	case models.LabelProduct:
		return orDefault(bc.ProductBatchSize)
	default:
		return orDefault(bc.CategoryBatchSize)
	}
}

// EdgeBatchSize returns the batch size for an edge label
func (bc BatchConfig) EdgeBatchSize(label models.EdgeLabel) int {
	if label == models.EdgePurchased {
		return orDefault(bc.PurchaseEdgeBatchSize)
	}
	return orDefault(bc.HierarchyEdgeBatchSize)
}

func orDefault(n int) int {
	if n <= 0 {
		return 500
	}
	return n
}

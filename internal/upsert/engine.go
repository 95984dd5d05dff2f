// Package upsert applies decoded events to the graph store.
//
// Events are grouped by kind and labels into store batches. A batch that fails
// is split in halves until the failing item is isolated; that item is retried
// on its own with backoff and, if the store rejects it outright, dead-lettered.
// Nothing here decides what the consumer may commit: Apply reports which items
// are still pending and the worker holds its checkpoint below them.
package upsert

import (
	"context"
	"log/slog"
	"time"

	"github.com/rohankatakam/retailgraph/internal/dlq"
	"github.com/rohankatakam/retailgraph/internal/errors"
	"github.com/rohankatakam/retailgraph/internal/graph"
	"github.com/rohankatakam/retailgraph/internal/logging"
	"github.com/rohankatakam/retailgraph/internal/models"
	"github.com/rohankatakam/retailgraph/internal/retry"
)

// Item is one decoded event and where it came from
type Item struct {
	Event     models.Event
	Partition int
	Offset    int64
	Payload   []byte
}

// Outcome reports what Apply did with its items
type Outcome struct {
	Applied      int
	DeadLettered int
	Pending      []Item // not applied; the caller must retry these
}

// Config tunes the engine
type Config struct {
	Batches   graph.BatchConfig
	Retry     retry.Policy  // per isolated item
	OpTimeout time.Duration // deadline for each store call
}

// DefaultConfig returns the standard engine settings
func DefaultConfig() Config {
	return Config{
		Batches:   graph.DefaultBatchConfig(),
		Retry:     retry.Policy{MaxAttempts: 3, Initial: 200 * time.Millisecond, Max: 5 * time.Second},
		OpTimeout: 30 * time.Second,
	}
}

// Engine turns events into store mutations
type Engine struct {
	store  graph.Store
	sink   dlq.Sink
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an engine writing to store and dead-lettering into sink
func NewEngine(store graph.Store, sink dlq.Sink, cfg Config) *Engine {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConfig().OpTimeout
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultConfig().Retry
	}
	return &Engine{
		store:  store,
		sink:   sink,
		cfg:    cfg,
		logger: logging.Component("upsert"),
	}
}

// Apply writes items to the store. Every item ends up applied, dead-lettered or
// in Outcome.Pending. A non-nil error accompanies pending items and says why
// they could not be applied; fatal errors (IsFatal) mean the run must stop.
func (e *Engine) Apply(ctx context.Context, items []Item) (Outcome, error) {
	var out Outcome

	chunks := e.plan(items)
	for i, c := range chunks {
		if err := e.applyChunk(ctx, c, &out); err != nil {
			for _, rest := range chunks[i+1:] {
				out.Pending = append(out.Pending, rest.items...)
			}
			return out, err
		}
	}
	return out, nil
}

// chunk is a run of items sharing kind and labels, no larger than the batch
// size for those labels
type chunk struct {
	edge  bool
	items []Item
}

// plan groups items by kind and labels in order of first appearance. Items of
// one group keep their stream order, so repeated writes to one entity still
// land in arrival order.
func (e *Engine) plan(items []Item) []chunk {
	type group struct {
		edge  bool
		size  int
		items []Item
	}
	var (
		order  []string
		groups = map[string]*group{}
	)
	for _, it := range items {
		var (
			key  string
			edge bool
			size int
		)
		ev := it.Event
		if ev.Type == models.EventEdgeUpsert {
			key = "e:" + string(ev.EdgeFromLabel) + ":" + string(ev.EdgeLabel) + ":" + string(ev.EdgeToLabel)
			edge = true
			size = e.cfg.Batches.EdgeBatchSize(ev.EdgeLabel)
		} else {
			key = "v:" + ev.EntityLabel
			size = e.cfg.Batches.VertexBatchSize(models.Label(ev.EntityLabel))
		}
		g, ok := groups[key]
		if !ok {
			g = &group{edge: edge, size: size}
			groups[key] = g
			order = append(order, key)
		}
		g.items = append(g.items, it)
	}

	var chunks []chunk
	for _, key := range order {
		g := groups[key]
		for start := 0; start < len(g.items); start += g.size {
			end := min(start+g.size, len(g.items))
			chunks = append(chunks, chunk{edge: g.edge, items: g.items[start:end]})
		}
	}
	return chunks
}

// applyChunk writes c as one batch, splitting on failure. On error the
// unapplied part of c is already in out.Pending.
func (e *Engine) applyChunk(ctx context.Context, c chunk, out *Outcome) error {
	err := e.writeBatch(ctx, c)
	if err == nil {
		out.Applied += len(c.items)
		return nil
	}
	if ctx.Err() != nil || errors.IsFatal(err) {
		out.Pending = append(out.Pending, c.items...)
		return err
	}

	if len(c.items) == 1 {
		return e.applyOne(ctx, c.items[0], out)
	}

	mid := len(c.items) / 2
	e.logger.Debug("batch failed, splitting", "size", len(c.items), "error", err)
	left, right := chunk{edge: c.edge, items: c.items[:mid]}, chunk{edge: c.edge, items: c.items[mid:]}
	if err := e.applyChunk(ctx, left, out); err != nil {
		out.Pending = append(out.Pending, right.items...)
		return err
	}
	return e.applyChunk(ctx, right, out)
}

// applyOne retries a single item with backoff. A schema rejection is
// dead-lettered; anything else left after the retries is pending.
func (e *Engine) applyOne(ctx context.Context, it Item, out *Outcome) error {
	err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		return e.writeOne(ctx, it)
	}, func(err error, wait time.Duration) {
		e.logger.Warn("upsert failed, retrying",
			"event_id", it.Event.ID, "partition", it.Partition, "offset", it.Offset,
			"wait", wait, "error", err)
	})

	switch {
	case err == nil:
		out.Applied++
		return nil
	case errors.IsSchema(err) || errors.IsValidation(err):
		if derr := e.deadLetter(ctx, it, err); derr != nil {
			out.Pending = append(out.Pending, it)
			return derr
		}
		out.DeadLettered++
		return nil
	default:
		out.Pending = append(out.Pending, it)
		return err
	}
}

func (e *Engine) deadLetter(ctx context.Context, it Item, cause error) error {
	entry := dlq.NewEntry(dlq.StageApply, it.Event.ID, it.Partition, it.Offset, it.Payload, cause)
	dctx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()
	if err := e.sink.Record(dctx, entry); err != nil {
		return errors.TransientErrorf(err, "dead-letter event %s", it.Event.ID)
	}
	return nil
}

func (e *Engine) writeBatch(ctx context.Context, c chunk) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()

	if c.edge {
		batch := make([]graph.EdgeUpsert, len(c.items))
		for i, it := range c.items {
			batch[i] = EdgeMutation(it.Event)
		}
		return e.store.UpsertEdges(ctx, batch)
	}

	batch := make([]graph.VertexUpsert, len(c.items))
	for i, it := range c.items {
		batch[i] = VertexMutation(it.Event)
	}
	return e.store.UpsertVertices(ctx, batch)
}

func (e *Engine) writeOne(ctx context.Context, it Item) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()

	var err error
	if it.Event.Type == models.EventEdgeUpsert {
		_, err = e.store.UpsertEdge(ctx, EdgeMutation(it.Event))
	} else {
		_, err = e.store.UpsertVertex(ctx, VertexMutation(it.Event))
	}
	return err
}

// VertexMutation converts a vertex upsert event into its store mutation
func VertexMutation(ev models.Event) graph.VertexUpsert {
	return graph.VertexUpsert{
		Label:      models.Label(ev.EntityLabel),
		ID:         ev.EntityID,
		Properties: ev.Properties,
	}
}

// EdgeMutation converts an edge upsert event into its store mutation. Edges
// that count occurrences record the event id, so a redelivered purchase is
// counted once.
func EdgeMutation(ev models.Event) graph.EdgeUpsert {
	m := graph.EdgeUpsert{
		Label:      ev.EdgeLabel,
		From:       ev.From(),
		To:         ev.To(),
		Properties: ev.Properties,
	}
	if ev.EdgeLabel.CountsOccurrences() {
		m.Occurrence = ev.ID
	}
	return m
}

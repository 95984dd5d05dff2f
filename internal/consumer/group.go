package consumer

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rohankatakam/retailgraph/internal/checkpoint"
	"github.com/rohankatakam/retailgraph/internal/dlq"
	"github.com/rohankatakam/retailgraph/internal/logging"
	"github.com/rohankatakam/retailgraph/internal/stream"
	"github.com/rohankatakam/retailgraph/internal/upsert"
)

// Report summarizes a consumer run
type Report struct {
	Partitions   []WorkerStats `json:"partitions"`
	Fetched      int64         `json:"fetched"`
	Applied      int64         `json:"applied"`
	DeadLettered int64         `json:"dead_lettered"`
	Retries      int64         `json:"retries"`
	Duration     time.Duration `json:"duration"`
}

// Group runs one Worker per partition. A fatal error in any worker cancels
// the others, which then drain.
type Group struct {
	src         stream.Source
	engine      *upsert.Engine
	checkpoints *checkpoint.Manager
	sink        dlq.Sink
	cfg         Config
	only        []int
	logger      *slog.Logger
}

// NewGroup creates a group over every partition of src
func NewGroup(src stream.Source, engine *upsert.Engine, checkpoints *checkpoint.Manager, sink dlq.Sink, cfg Config) *Group {
	return &Group{
		src:         src,
		engine:      engine,
		checkpoints: checkpoints,
		sink:        sink,
		cfg:         cfg.withDefaults(),
		logger:      logging.Component("consumer"),
	}
}

// OnlyPartitions restricts the group to the given partitions, for running
// several consumer processes over one topic
func (g *Group) OnlyPartitions(partitions ...int) *Group {
	g.only = partitions
	return g
}

// Run starts the workers and waits for all of them. Cancellation is a clean
// stop, not an error.
func (g *Group) Run(ctx context.Context) (Report, error) {
	start := time.Now()

	partitions := g.only
	if len(partitions) == 0 {
		var err error
		if partitions, err = g.src.Partitions(ctx); err != nil {
			return Report{}, err
		}
	}
	g.logger.Info("consumer starting", "partitions", len(partitions), "batch_size", g.cfg.BatchSize, "start", g.cfg.StartPosition)

	var (
		mu     sync.Mutex
		report Report
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, p := range partitions {
		w := NewWorker(p, g.src, g.engine, g.checkpoints, g.sink, g.cfg)
		eg.Go(func() error {
			stats, err := w.Run(egCtx)

			mu.Lock()
			report.Partitions = append(report.Partitions, stats)
			mu.Unlock()

			if err != nil && !stderrors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	err := eg.Wait()

	sort.Slice(report.Partitions, func(i, j int) bool {
		return report.Partitions[i].Partition < report.Partitions[j].Partition
	})
	for _, s := range report.Partitions {
		report.Fetched += s.Fetched
		report.Applied += s.Applied
		report.DeadLettered += s.DeadLettered
		report.Retries += s.Retries
	}
	report.Duration = time.Since(start)

	g.logger.Info("consumer finished",
		"fetched", report.Fetched,
		"applied", report.Applied,
		"dead_lettered", report.DeadLettered,
		"retries", report.Retries,
		"duration", report.Duration,
	)
	return report, err
}

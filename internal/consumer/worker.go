// Package consumer replays the stream into the graph, one worker per partition.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rohankatakam/retailgraph/internal/checkpoint"
	"github.com/rohankatakam/retailgraph/internal/dlq"
	"github.com/rohankatakam/retailgraph/internal/errors"
	"github.com/rohankatakam/retailgraph/internal/logging"
	"github.com/rohankatakam/retailgraph/internal/models"
	"github.com/rohankatakam/retailgraph/internal/retry"
	"github.com/rohankatakam/retailgraph/internal/stream"
	"github.com/rohankatakam/retailgraph/internal/upsert"
)

// State is a worker's position in its processing loop
type State int

const (
	StateIdle State = iota
	StateFetching
	StateProcessing
	StateRetryBackoff
	StateDeadLetter
	StateCommitting
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetching:
		return "FETCHING"
	case StateProcessing:
		return "PROCESSING"
	case StateRetryBackoff:
		return "RETRY_BACKOFF"
	case StateDeadLetter:
		return "DEAD_LETTER"
	case StateCommitting:
		return "COMMITTING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config tunes the workers
type Config struct {
	BatchSize     int
	StartPosition stream.StartPosition
	PollInterval  time.Duration // pause after an empty fetch
	StopWhenIdle  bool          // stop once the partition end is reached
	DrainTimeout  time.Duration // bound on finishing in-flight work after cancel
	OpTimeout     time.Duration // deadline for each stream and checkpoint call
	Backoff       retry.Policy  // RETRY_BACKOFF delays; MaxAttempts is ignored
}

// DefaultConfig returns the standard consumer settings
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		StartPosition: stream.StartEarliest,
		PollInterval:  time.Second,
		DrainTimeout:  30 * time.Second,
		OpTimeout:     30 * time.Second,
		Backoff:       retry.Policy{Initial: 500 * time.Millisecond, Max: 30 * time.Second},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize < 1 {
		c.BatchSize = def.BatchSize
	}
	if c.StartPosition == "" {
		c.StartPosition = def.StartPosition
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = def.OpTimeout
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// WorkerStats counts one worker's progress
type WorkerStats struct {
	Partition    int   `json:"partition"`
	Fetched      int64 `json:"fetched"`
	Applied      int64 `json:"applied"`
	DeadLettered int64 `json:"dead_lettered"`
	Batches      int64 `json:"batches"`
	Retries      int64 `json:"retries"`
	Checkpoint   int64 `json:"checkpoint"`
}

// Worker owns one partition. It never commits an offset until every event
// before it has been applied or dead-lettered.
type Worker struct {
	partition   int
	src         stream.Source
	engine      *upsert.Engine
	checkpoints *checkpoint.Manager
	sink        dlq.Sink
	cfg         Config
	logger      *slog.Logger

	state State
	next  int64 // next offset to fetch
	stats WorkerStats

	// current batch
	batchEnd int64
	pending  []upsert.Item
	rejects  []dlq.Entry
	backoff  backoff.BackOff

	// observe is called on every transition; tests use it
	observe func(from, to State)
}

// NewWorker creates a worker for one partition
func NewWorker(partition int, src stream.Source, engine *upsert.Engine, checkpoints *checkpoint.Manager, sink dlq.Sink, cfg Config) *Worker {
	return &Worker{
		partition:   partition,
		src:         src,
		engine:      engine,
		checkpoints: checkpoints,
		sink:        sink,
		cfg:         cfg.withDefaults(),
		logger:      logging.Component("consumer", "partition", partition),
		stats:       WorkerStats{Partition: partition, Checkpoint: -1},
	}
}

// State returns the current state
func (w *Worker) State() State {
	return w.state
}

// Run processes the partition until ctx is cancelled, the partition goes idle
// in StopWhenIdle mode, or a fatal error occurs. After cancellation, work
// already fetched is finished on a detached context bounded by DrainTimeout.
func (w *Worker) Run(ctx context.Context) (WorkerStats, error) {
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(w.cfg.DrainTimeout, cancelWork)
	})
	defer stop()

	if err := w.resolveStart(ctx); err != nil {
		w.transition(StateStopped)
		return w.stats, err
	}
	w.transition(StateFetching)

	for {
		var err error
		switch w.state {
		case StateFetching:
			err = w.fetch(ctx)
		case StateProcessing:
			err = w.process(work)
		case StateDeadLetter:
			w.deadLetterRejects(work)
		case StateRetryBackoff:
			w.wait(ctx)
		case StateCommitting:
			err = w.commit(work, w.batchEnd)
			if err == nil {
				w.transition(StateFetching)
			}
		case StateDraining:
			err = w.drain(work)
			w.transition(StateStopped)
			return w.stats, err
		}

		if err != nil {
			if errors.IsFatal(err) {
				w.logger.Error("worker stopping on fatal error", "state", w.state, "error", err)
				w.transition(StateStopped)
				return w.stats, err
			}
			if ctx.Err() != nil {
				w.transition(StateDraining)
				continue
			}
			w.logger.Warn("recoverable failure", "state", w.state, "error", err)
			if w.state == StateFetching || w.state == StateCommitting {
				w.pause(ctx)
			}
		}
	}
}

func (w *Worker) transition(to State) {
	if w.observe != nil {
		w.observe(w.state, to)
	}
	w.state = to
}

// resolveStart picks the first offset: the checkpoint if one exists, else the
// configured end of the partition.
func (w *Worker) resolveStart(ctx context.Context) error {
	return retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
		defer cancel()

		cp, ok, err := w.checkpoints.Load(cctx, w.partition)
		if err != nil {
			return err
		}
		first, end, err := w.src.Bounds(cctx, w.partition)
		if err != nil {
			return errors.TransientErrorf(err, "read bounds of partition %d", w.partition)
		}

		switch {
		case ok && cp.Offset < first:
			w.logger.Warn("checkpoint precedes retained stream, skipping ahead", "checkpoint", cp.Offset, "first", first)
			w.next = first
		case ok:
			w.next = cp.Offset
		case w.cfg.StartPosition == stream.StartLatest:
			w.next = end
		default:
			w.next = first
		}
		if ok {
			w.stats.Checkpoint = cp.Offset
		}
		w.batchEnd = w.next
		w.logger.Info("partition start resolved", "offset", w.next, "from_checkpoint", ok, "first", first, "end", end)
		return nil
	}, nil)
}

func (w *Worker) fetch(ctx context.Context) error {
	if ctx.Err() != nil {
		w.transition(StateDraining)
		return nil
	}

	fctx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	msgs, err := w.src.Fetch(fctx, w.partition, w.next, w.cfg.BatchSize)
	cancel()
	if err != nil {
		return err
	}

	if len(msgs) == 0 {
		if w.cfg.StopWhenIdle && w.caughtUp(ctx) {
			w.logger.Info("partition idle, stopping", "offset", w.next)
			w.transition(StateDraining)
			return nil
		}
		w.pause(ctx)
		return nil
	}

	w.stats.Fetched += int64(len(msgs))
	w.stats.Batches++
	w.pending = w.pending[:0]
	w.rejects = w.rejects[:0]
	for _, m := range msgs {
		ev, err := models.Decode(m.Value)
		if err != nil {
			key := fmt.Sprintf("p%d-o%d", m.Partition, m.Offset)
			w.rejects = append(w.rejects, dlq.NewEntry(dlq.StageDecode, key, m.Partition, m.Offset, m.Value, err))
			continue
		}
		w.pending = append(w.pending, upsert.Item{Event: ev, Partition: m.Partition, Offset: m.Offset, Payload: m.Value})
	}
	w.batchEnd = msgs[len(msgs)-1].Offset + 1
	w.next = w.batchEnd
	w.backoff = nil
	w.transition(StateProcessing)
	return nil
}

func (w *Worker) caughtUp(ctx context.Context) bool {
	bctx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	defer cancel()
	_, end, err := w.src.Bounds(bctx, w.partition)
	return err == nil && w.next >= end
}

func (w *Worker) process(ctx context.Context) error {
	if len(w.rejects) > 0 {
		w.transition(StateDeadLetter)
		return nil
	}
	if len(w.pending) == 0 {
		w.transition(StateCommitting)
		return nil
	}

	out, err := w.engine.Apply(ctx, w.pending)
	w.stats.Applied += int64(out.Applied)
	w.stats.DeadLettered += int64(out.DeadLettered)
	w.pending = out.Pending

	if len(w.pending) == 0 {
		w.transition(StateCommitting)
		return nil
	}
	if errors.IsFatal(err) {
		return err
	}
	w.logger.Warn("events pending after apply, backing off", "pending", len(w.pending), "error", err)
	w.transition(StateRetryBackoff)
	return nil
}

// deadLetterRejects records undecodable messages, then returns to PROCESSING.
// A failed write keeps the remaining rejects for the next pass.
func (w *Worker) deadLetterRejects(ctx context.Context) {
	for len(w.rejects) > 0 {
		dctx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
		err := w.sink.Record(dctx, w.rejects[0])
		cancel()
		if err != nil {
			w.logger.Warn("dead-letter write failed", "key", w.rejects[0].EventKey, "error", err)
			w.transition(StateRetryBackoff)
			return
		}
		w.stats.DeadLettered++
		w.rejects = w.rejects[1:]
	}
	w.transition(StateProcessing)
}

// wait sleeps for the next backoff delay. Cancellation moves to DRAINING
// instead of retrying.
func (w *Worker) wait(ctx context.Context) {
	if w.backoff == nil {
		w.backoff = w.cfg.Backoff.NewUnbounded()
	}
	w.stats.Retries++
	if err := retry.Sleep(ctx, w.backoff.NextBackOff()); err != nil {
		w.transition(StateDraining)
		return
	}
	w.transition(StateProcessing)
}

// pause waits out an empty fetch or a failed stream call
func (w *Worker) pause(ctx context.Context) {
	if err := retry.Sleep(ctx, w.cfg.PollInterval); err != nil {
		w.transition(StateDraining)
	}
}

func (w *Worker) commit(ctx context.Context, offset int64) error {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	defer cancel()

	if err := w.checkpoints.Commit(cctx, checkpoint.Checkpoint{Partition: w.partition, Offset: offset}); err != nil {
		return err
	}
	w.stats.Checkpoint = offset
	if err := w.src.CommitOffset(cctx, w.partition, offset); err != nil {
		w.logger.Warn("offset mirror failed", "offset", offset, "error", err)
	}
	return nil
}

// drain makes one last attempt at unfinished work, then commits the highest
// offset below everything still outstanding.
func (w *Worker) drain(ctx context.Context) error {
	if len(w.rejects) > 0 {
		w.deadLetterRejects(ctx)
	}
	if len(w.rejects) == 0 && len(w.pending) > 0 && ctx.Err() == nil {
		out, err := w.engine.Apply(ctx, w.pending)
		w.stats.Applied += int64(out.Applied)
		w.stats.DeadLettered += int64(out.DeadLettered)
		w.pending = out.Pending
		if err != nil {
			w.logger.Warn("drain left events pending", "pending", len(w.pending), "error", err)
		}
	}

	safe := w.batchEnd
	for _, it := range w.pending {
		safe = min(safe, it.Offset)
	}
	for _, r := range w.rejects {
		safe = min(safe, r.Offset)
	}
	if safe <= w.stats.Checkpoint {
		w.logger.Info("drained", "checkpoint", w.stats.Checkpoint)
		return nil
	}

	if err := w.commit(ctx, safe); err != nil {
		w.logger.Error("final checkpoint failed", "offset", safe, "error", err)
		return err
	}
	w.logger.Info("drained", "checkpoint", safe, "pending", len(w.pending))
	return nil
}

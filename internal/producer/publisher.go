// Package producer publishes mapped domain events onto the stream.
package producer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rohankatakam/retailgraph/internal/dedupe"
	"github.com/rohankatakam/retailgraph/internal/dlq"
	"github.com/rohankatakam/retailgraph/internal/logging"
	"github.com/rohankatakam/retailgraph/internal/models"
	"github.com/rohankatakam/retailgraph/internal/retry"
	"github.com/rohankatakam/retailgraph/internal/stream"
)

// Config sizes the publisher
type Config struct {
	Lanes        int           // concurrent publish lanes
	LaneDepth    int           // queued events per lane before Submit blocks
	BatchSize    int           // events per Publish call
	RateLimit    float64       // events per second; 0 disables throttling
	DrainTimeout time.Duration // how long Close waits for queued events
	Retry        retry.Policy
}

// DefaultConfig returns the standard publisher settings
func DefaultConfig() Config {
	return Config{
		Lanes:        8,
		LaneDepth:    256,
		BatchSize:    100,
		DrainTimeout: 30 * time.Second,
		Retry:        retry.DefaultPolicy(),
	}
}

// Stats counts what happened to submitted events
type Stats struct {
	Submitted int64 `json:"submitted"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Deduped   int64 `json:"deduped"`
	Degraded  bool  `json:"degraded"`
}

// Publisher delivers events through keyed lanes. Events sharing a partition
// key always travel the same lane, so their relative order survives the
// concurrency.
type Publisher struct {
	out    stream.Producer
	sink   dlq.Sink
	filter dedupe.Filter
	cfg    Config
	logger *slog.Logger

	limiter *rate.Limiter
	now     func() time.Time

	lanes  []chan pending
	group  *errgroup.Group
	cancel context.CancelFunc
	once   sync.Once

	submitted, published, failed, deduped atomic.Int64
	degraded                              atomic.Bool
}

type pending struct {
	event    models.Event
	dedupKey string
}

// Option customizes a Publisher
type Option func(*Publisher)

// WithDedupe suppresses repeated shared events through f
func WithDedupe(f dedupe.Filter) Option {
	return func(p *Publisher) { p.filter = f }
}

// WithClock replaces time.Now for ProducedAt stamps
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// NewPublisher starts the lanes. The lanes run on a context detached from ctx
// so that queued events still drain after ctx is cancelled; Close bounds the
// drain.
func NewPublisher(ctx context.Context, out stream.Producer, sink dlq.Sink, cfg Config, opts ...Option) *Publisher {
	def := DefaultConfig()
	if cfg.Lanes < 1 {
		cfg.Lanes = def.Lanes
	}
	if cfg.LaneDepth < 1 {
		cfg.LaneDepth = def.LaneDepth
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = def.Retry
	}

	p := &Publisher{
		out:    out,
		sink:   sink,
		cfg:    cfg,
		logger: logging.Component("publisher", "lanes", cfg.Lanes),
		now:    time.Now,
		lanes:  make([]chan pending, cfg.Lanes),
	}
	for _, opt := range opts {
		opt(p)
	}
	if cfg.RateLimit > 0 {
		burst := cfg.BatchSize
		if int(cfg.RateLimit) > burst {
			burst = int(cfg.RateLimit)
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	laneCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.group, laneCtx = errgroup.WithContext(laneCtx)
	for i := range p.lanes {
		ch := make(chan pending, cfg.LaneDepth)
		p.lanes[i] = ch
		p.group.Go(func() error {
			p.runLane(laneCtx, ch)
			return nil
		})
	}
	return p
}

// Submit queues an event on its key's lane, blocking while the lane is full.
// It returns ctx.Err() if ctx ends first.
func (p *Publisher) Submit(ctx context.Context, e models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.submitted.Add(1)

	item := pending{event: e}
	if p.filter != nil {
		if key, ok := dedupe.KeyFor(e); ok {
			first, err := p.filter.Claim(ctx, key)
			switch {
			case err != nil:
				// publishing a duplicate is harmless; skipping a unique event is not
				p.logger.Warn("dedupe claim failed, publishing anyway", "event_id", e.ID, "error", err)
			case !first:
				p.deduped.Add(1)
				return nil
			default:
				item.dedupKey = key
			}
		}
	}

	lane := p.lanes[stream.PartitionFor(e.PartitionKey, len(p.lanes))]
	select {
	case lane <- item:
		return nil
	case <-ctx.Done():
		p.release(context.WithoutCancel(ctx), item)
		p.submitted.Add(-1)
		return ctx.Err()
	}
}

// Close stops accepting events and waits up to DrainTimeout for the lanes to
// empty. Events still queued when the timeout fires are dead-lettered.
func (p *Publisher) Close() Stats {
	p.once.Do(func() {
		for _, ch := range p.lanes {
			close(ch)
		}

		done := make(chan struct{})
		go func() {
			p.group.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(p.cfg.DrainTimeout):
			p.logger.Warn("drain timeout reached, abandoning in-flight publishes", "timeout", p.cfg.DrainTimeout)
			p.cancel()
			<-done
		}
		p.cancel()
	})
	return p.Stats()
}

// Stats returns the counters so far
func (p *Publisher) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Deduped:   p.deduped.Load(),
		Degraded:  p.degraded.Load(),
	}
}

func (p *Publisher) runLane(ctx context.Context, in <-chan pending) {
	batch := make([]pending, 0, p.cfg.BatchSize)
	for item := range in {
		batch = append(batch[:0], item)
		// take whatever else is already queued, up to a batch
	fill:
		for len(batch) < p.cfg.BatchSize {
			select {
			case next, ok := <-in:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		p.publish(ctx, batch)
	}
}

func (p *Publisher) publish(ctx context.Context, batch []pending) {
	records := make([]stream.Record, 0, len(batch))
	sent := make([]pending, 0, len(batch))
	for _, item := range batch {
		item.event.ProducedAt = p.now().UTC()
		payload, err := models.Encode(item.event)
		if err != nil {
			p.fail(ctx, item, nil, err)
			continue
		}
		records = append(records, stream.Record{Key: item.event.PartitionKey, Value: payload})
		sent = append(sent, item)
	}
	if len(records) == 0 {
		return
	}

	if p.limiter != nil {
		if err := p.limiter.WaitN(ctx, len(records)); err != nil {
			p.failAll(ctx, sent, records, err)
			return
		}
	}

	err := retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		return p.out.Publish(ctx, records...)
	}, func(err error, wait time.Duration) {
		p.logger.Warn("publish failed, retrying", "events", len(records), "wait", wait, "error", err)
	})
	if err != nil {
		p.failAll(ctx, sent, records, err)
		return
	}
	p.published.Add(int64(len(records)))
}

func (p *Publisher) failAll(ctx context.Context, items []pending, records []stream.Record, cause error) {
	p.logger.Error("publish gave up", "events", len(items), "error", cause)
	for i, item := range items {
		p.fail(ctx, item, records[i].Value, cause)
	}
}

// fail dead-letters one event and marks the run degraded
func (p *Publisher) fail(ctx context.Context, item pending, payload []byte, cause error) {
	p.failed.Add(1)
	p.degraded.Store(true)

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	entry := dlq.NewEntry(dlq.StagePublish, item.event.ID, -1, -1, payload, cause)
	if err := p.sink.Record(dctx, entry); err != nil {
		p.logger.Error("dead-letter write failed", "event_id", item.event.ID, "error", err)
	}
	p.release(dctx, item)
}

func (p *Publisher) release(ctx context.Context, item pending) {
	if item.dedupKey == "" || p.filter == nil {
		return
	}
	if err := p.filter.Release(ctx, item.dedupKey); err != nil {
		p.logger.Warn("dedupe release failed", "key", item.dedupKey, "error", err)
	}
}

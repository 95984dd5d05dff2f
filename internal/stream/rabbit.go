package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/rohankatakam/retailgraph/internal/errors"
	"github.com/rohankatakam/retailgraph/internal/logging"
)

// RabbitConfig configures the RabbitMQ streams transport
type RabbitConfig struct {
	URL        string
	Topic      string // partition i is the stream queue "<topic>.<i>"
	Partitions int
	MaxWait    time.Duration
	IdleGap    time.Duration // Fetch returns once no delivery arrives for this long
}

// Rabbit maps each partition onto a RabbitMQ stream queue. Stream queues are
// append-only and addressable by offset, which gives the same replay semantics
// as a Kafka partition.
type Rabbit struct {
	cfg    RabbitConfig
	conn   *amqp091.Connection
	logger *slog.Logger

	mu  sync.Mutex
	pub *amqp091.Channel
}

var (
	_ Producer = (*Rabbit)(nil)
	_ Source   = (*Rabbit)(nil)
)

// NewRabbit dials the broker and declares one stream queue per partition
func NewRabbit(ctx context.Context, cfg RabbitConfig) (*Rabbit, error) {
	if cfg.URL == "" || cfg.Topic == "" {
		return nil, errors.ConfigError("rabbitmq url and topic are required")
	}
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	if cfg.IdleGap <= 0 {
		cfg.IdleGap = 50 * time.Millisecond
	}

	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, errors.WrapConfig(err, "connect to rabbitmq")
	}

	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.WrapConfig(err, "open rabbitmq channel")
	}
	if err := pub.Confirm(false); err != nil {
		conn.Close()
		return nil, errors.WrapConfig(err, "enable publisher confirms")
	}

	r := &Rabbit{
		cfg:    cfg,
		conn:   conn,
		pub:    pub,
		logger: logging.Component("rabbitmq", "topic", cfg.Topic),
	}
	for p := 0; p < cfg.Partitions; p++ {
		_, err := pub.QueueDeclare(
			r.queueName(p),
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			amqp091.Table{"x-queue-type": "stream"},
		)
		if err != nil {
			conn.Close()
			return nil, errors.WrapConfig(err, fmt.Sprintf("declare stream %s", r.queueName(p)))
		}
	}
	return r, nil
}

func (r *Rabbit) queueName(partition int) string {
	return fmt.Sprintf("%s.%d", r.cfg.Topic, partition)
}

// Publish sends each record to its key's stream and waits for broker confirms
func (r *Rabbit) Publish(ctx context.Context, records ...Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	confirms := make([]*amqp091.DeferredConfirmation, 0, len(records))
	for _, rec := range records {
		dc, err := r.pub.PublishWithDeferredConfirmWithContext(ctx,
			"",
			r.queueName(PartitionFor(rec.Key, r.cfg.Partitions)),
			true,  // mandatory
			false, // immediate
			amqp091.Publishing{
				ContentType:  "application/json",
				MessageId:    rec.Key,
				Body:         rec.Value,
				DeliveryMode: amqp091.Persistent,
				Timestamp:    time.Now(),
			},
		)
		if err != nil {
			return classifyRabbit(err, "publish")
		}
		confirms = append(confirms, dc)
	}

	for _, dc := range confirms {
		ok, err := dc.WaitContext(ctx)
		if err != nil {
			return classifyRabbit(err, "await confirm")
		}
		if !ok {
			return errors.TransientErrorf(errors.ErrTransient, "rabbitmq nacked delivery %d", dc.DeliveryTag)
		}
	}
	return nil
}

// Partitions lists the configured partitions
func (r *Rabbit) Partitions(ctx context.Context) ([]int, error) {
	ids := make([]int, r.cfg.Partitions)
	for i := range ids {
		ids[i] = i
	}
	return ids, nil
}

// Bounds reads the first and last retained offsets by attaching briefly at
// "first" and at "last". The message count is not usable as the end offset
// once retention has truncated the head of the stream.
func (r *Rabbit) Bounds(ctx context.Context, partition int) (int64, int64, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return 0, 0, classifyRabbit(err, "open channel")
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(r.queueName(partition), true, false, false, false,
		amqp091.Table{"x-queue-type": "stream"})
	if err != nil {
		return 0, 0, classifyRabbit(err, "inspect stream")
	}
	if q.Messages == 0 {
		return 0, 0, nil
	}

	first, ok, err := r.edgeOffset(ctx, ch, partition, "first")
	if err != nil || !ok {
		return 0, 0, err
	}
	last, ok, err := r.edgeOffset(ctx, ch, partition, "last")
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		last = first
	}
	return first, last + 1, nil
}

// edgeOffset attaches at position and reports the first offset delivered
// ("first") or the highest one before the stream goes quiet ("last").
func (r *Rabbit) edgeOffset(ctx context.Context, ch *amqp091.Channel, partition int, position string) (int64, bool, error) {
	if err := ch.Qos(100, 0, false); err != nil {
		return 0, false, classifyRabbit(err, "set prefetch")
	}
	tag := fmt.Sprintf("retailgraph-p%d-%s", partition, position)
	deliveries, err := ch.ConsumeWithContext(ctx, r.queueName(partition), tag,
		false, false, false, false,
		amqp091.Table{"x-stream-offset": position},
	)
	if err != nil {
		return 0, false, classifyRabbit(err, "consume")
	}
	defer ch.Cancel(tag, false)
	return readEdge(ctx, deliveries, position == "last", r.cfg.MaxWait, r.cfg.IdleGap)
}

// readEdge returns the first delivered offset, or with highest set the largest
// offset seen until idleGap passes without a delivery.
func readEdge(ctx context.Context, deliveries <-chan amqp091.Delivery, highest bool, maxWait, idleGap time.Duration) (int64, bool, error) {
	var (
		edge int64
		seen bool
	)
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-timer.C:
			return edge, seen, nil
		case d, ok := <-deliveries:
			if !ok {
				return edge, seen, nil
			}
			offset, ok := d.Headers["x-stream-offset"].(int64)
			if !ok {
				return 0, false, errors.SchemaError("delivery has no stream offset")
			}
			d.Ack(false)
			if !highest {
				return offset, true, nil
			}
			if !seen || offset > edge {
				edge = offset
			}
			seen = true
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleGap)
		}
	}
}

// Fetch attaches a short-lived consumer at offset from and collects up to max
// deliveries.
func (r *Rabbit) Fetch(ctx context.Context, partition int, from int64, max int) ([]Message, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, classifyRabbit(err, "open channel")
	}
	defer ch.Close()

	// stream consumers require manual acks and a prefetch limit
	if err := ch.Qos(max, 0, false); err != nil {
		return nil, classifyRabbit(err, "set prefetch")
	}
	tag := fmt.Sprintf("retailgraph-p%d-o%d", partition, from)
	deliveries, err := ch.ConsumeWithContext(ctx,
		r.queueName(partition),
		tag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		amqp091.Table{"x-stream-offset": from},
	)
	if err != nil {
		return nil, classifyRabbit(err, "consume")
	}
	defer ch.Cancel(tag, false)

	var out []Message
	timer := time.NewTimer(r.cfg.MaxWait)
	defer timer.Stop()

	for len(out) < max {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return out, nil
		case d, ok := <-deliveries:
			if !ok {
				return out, nil
			}
			offset, ok := d.Headers["x-stream-offset"].(int64)
			if !ok {
				return nil, errors.SchemaErrorf("delivery on %s has no stream offset", r.queueName(partition))
			}
			d.Ack(false)
			// delivery starts at a chunk boundary, which can precede from
			if offset < from {
				continue
			}
			out = append(out, Message{
				Partition: partition,
				Offset:    offset,
				Key:       []byte(d.MessageId),
				Value:     d.Body,
				Time:      d.Timestamp,
			})
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(r.cfg.IdleGap)
		}
	}
	return out, nil
}

// CommitOffset is a no-op; stream queues keep no server-side position for
// consumers that attach by explicit offset.
func (r *Rabbit) CommitOffset(ctx context.Context, partition int, offset int64) error {
	return nil
}

// Close closes the publish channel and the connection
func (r *Rabbit) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pub.Close()
	return r.conn.Close()
}

func classifyRabbit(err error, op string) error {
	if err == context.Canceled {
		return err
	}
	if amqpErr, ok := err.(*amqp091.Error); ok && !amqpErr.Recover &&
		(amqpErr.Code == amqp091.AccessRefused || amqpErr.Code >= 500) {
		return errors.WrapConfig(err, "rabbitmq "+op)
	}
	return errors.TransientError(err, "rabbitmq "+op)
}

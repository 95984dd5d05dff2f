package stream

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	rgerrors "github.com/rohankatakam/retailgraph/internal/errors"
	"github.com/rohankatakam/retailgraph/internal/logging"
)

// KafkaConfig configures the Kafka transport
type KafkaConfig struct {
	Brokers           []string
	Topic             string
	GroupID           string // offsets are mirrored under this group; empty disables mirroring
	Partitions        int    // used when creating the topic
	ReplicationFactor int
	BatchTimeout      time.Duration
	WriteTimeout      time.Duration
	MaxWait           time.Duration // how long Fetch waits for the first message
	MaxBytes          int
}

// Kafka implements Producer and Source on a single topic. Reads use one
// partition-bound reader per partition with explicit offsets; consumer-group
// rebalancing is not used because partition ownership is static.
type Kafka struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	client *kafka.Client
	logger *slog.Logger

	mu      sync.Mutex
	readers map[int]*kafka.Reader
}

var (
	_ Producer = (*Kafka)(nil)
	_ Source   = (*Kafka)(nil)
)

// NewKafka verifies the brokers are reachable and returns the transport.
// An unreachable cluster is a fatal config error.
func NewKafka(ctx context.Context, cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, rgerrors.ConfigError("kafka brokers and topic are required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}

	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return nil, rgerrors.WrapConfig(err, "connect to kafka")
	}
	conn.Close()

	return &Kafka{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		client:  &kafka.Client{Addr: kafka.TCP(cfg.Brokers...), Timeout: cfg.WriteTimeout},
		logger:  logging.Component("kafka", "topic", cfg.Topic),
		readers: make(map[int]*kafka.Reader),
	}, nil
}

// EnsureTopic creates the topic through the controller if it does not exist
func (k *Kafka) EnsureTopic(ctx context.Context) (err error) {
	conn, err := kafka.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return rgerrors.WrapConfig(err, "connect to kafka")
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "closing kafka connection")
		}
	}()

	controller, err := conn.Controller()
	if err != nil {
		return errors.Wrap(err, "finding kafka controller")
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return errors.Wrap(err, "connecting to kafka controller")
	}
	defer func() {
		if cerr := controllerConn.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "closing kafka controller connection")
		}
	}()

	partitions, replication := k.cfg.Partitions, k.cfg.ReplicationFactor
	if partitions <= 0 {
		partitions = 8
	}
	if replication <= 0 {
		replication = 1
	}
	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             k.cfg.Topic,
		NumPartitions:     partitions,
		ReplicationFactor: replication,
	})
	if err != nil && !stderrors.Is(err, kafka.TopicAlreadyExists) {
		return errors.Wrapf(err, "creating topic %s", k.cfg.Topic)
	}
	k.logger.Info("topic ready", "partitions", partitions)
	return nil
}

// Publish writes the records synchronously with acks from all replicas
func (k *Kafka) Publish(ctx context.Context, records ...Record) error {
	msgs := make([]kafka.Message, len(records))
	for i, r := range records {
		msgs[i] = kafka.Message{Key: []byte(r.Key), Value: r.Value}
	}
	return classifyKafka(k.writer.WriteMessages(ctx, msgs...), "publish")
}

// Partitions reads the topic's partition ids from broker metadata
func (k *Kafka) Partitions(ctx context.Context) ([]int, error) {
	conn, err := kafka.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return nil, classifyKafka(err, "dial kafka")
	}
	defer conn.Close()

	parts, err := conn.ReadPartitions(k.cfg.Topic)
	if err != nil {
		return nil, classifyKafka(err, "read partitions")
	}
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// Bounds asks the partition leader for its first and end offsets
func (k *Kafka) Bounds(ctx context.Context, partition int) (int64, int64, error) {
	conn, err := kafka.DialLeader(ctx, "tcp", k.cfg.Brokers[0], k.cfg.Topic, partition)
	if err != nil {
		return 0, 0, classifyKafka(err, "dial partition leader")
	}
	defer conn.Close()

	first, end, err := conn.ReadOffsets()
	if err != nil {
		return 0, 0, classifyKafka(err, "read offsets")
	}
	return first, end, nil
}

// Fetch reads up to max messages from offset. It waits at most MaxWait for the
// first message and returns early once the partition goes quiet.
func (k *Kafka) Fetch(ctx context.Context, partition int, from int64, max int) ([]Message, error) {
	r := k.reader(partition)
	if r.Offset() != from {
		if err := r.SetOffset(from); err != nil {
			return nil, classifyKafka(err, "seek")
		}
	}

	var out []Message
	for len(out) < max {
		fctx, cancel := context.WithTimeout(ctx, k.cfg.MaxWait)
		m, err := r.FetchMessage(fctx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && stderrors.Is(err, context.DeadlineExceeded) {
				break
			}
			if len(out) > 0 {
				break
			}
			return nil, classifyKafka(err, "fetch")
		}
		out = append(out, Message{
			Partition: m.Partition,
			Offset:    m.Offset,
			Key:       m.Key,
			Value:     m.Value,
			Time:      m.Time,
		})
	}
	return out, nil
}

// CommitOffset mirrors the checkpoint into the consumer group's committed
// offsets, so standard lag tooling sees consumer progress.
func (k *Kafka) CommitOffset(ctx context.Context, partition int, offset int64) error {
	if k.cfg.GroupID == "" {
		return nil
	}
	resp, err := k.client.OffsetCommit(ctx, &kafka.OffsetCommitRequest{
		GroupID:      k.cfg.GroupID,
		GenerationID: -1,
		Topics: map[string][]kafka.OffsetCommit{
			k.cfg.Topic: {{Partition: partition, Offset: offset}},
		},
	})
	if err != nil {
		return classifyKafka(err, "commit offset")
	}
	for _, p := range resp.Topics[k.cfg.Topic] {
		if p.Error != nil {
			return classifyKafka(p.Error, "commit offset")
		}
	}
	return nil
}

// Close closes the writer and every partition reader
func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	err := k.writer.Close()
	for p, r := range k.readers {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "closing reader for partition %d", p)
		}
	}
	k.readers = map[int]*kafka.Reader{}
	return err
}

func (k *Kafka) reader(partition int) *kafka.Reader {
	k.mu.Lock()
	defer k.mu.Unlock()

	if r, ok := k.readers[partition]; ok {
		return r
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   k.cfg.Brokers,
		Topic:     k.cfg.Topic,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  k.cfg.MaxBytes,
		MaxWait:   k.cfg.MaxWait,
	})
	k.readers[partition] = r
	return r
}

// classifyKafka sorts kafka-go errors into the pipeline taxonomy. Temporary
// broker errors and timeouts retry; permanent per-message rejections (message
// too large, invalid record) are schema errors.
func classifyKafka(err error, op string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}

	switch e := err.(type) {
	case kafka.Error:
		if e.Temporary() {
			return rgerrors.TransientError(err, "kafka "+op)
		}
		return rgerrors.WrapSchema(err, "kafka "+op)

	case kafka.WriteErrors:
		for _, werr := range e {
			var kerr kafka.Error
			if werr != nil && stderrors.As(werr, &kerr) && !kerr.Temporary() {
				return rgerrors.WrapSchema(errors.Wrapf(werr, "%d of %d messages failed", e.Count(), len(e)), "kafka "+op)
			}
		}
		return rgerrors.TransientError(errors.Wrapf(err, "%d of %d messages failed", e.Count(), len(e)), "kafka "+op)
	}

	return rgerrors.TransientError(err, "kafka "+op)
}

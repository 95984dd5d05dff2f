// Package stream is the partitioned, append-only log between producer and
// consumer. Kafka is the primary transport; RabbitMQ streams and an in-memory
// log implement the same surface.
package stream

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Record is an outbound message. Key selects the partition.
type Record struct {
	Key   string
	Value []byte
}

// Message is a record as read back from one partition
type Message struct {
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// Producer appends records to the stream
type Producer interface {
	// Publish appends records; records sharing a key land on one partition in
	// the order given. The call is all-or-error: on error any subset may have
	// been written, and the caller may republish.
	Publish(ctx context.Context, records ...Record) error
	Close() error
}

// Source reads partitions by explicit offset
type Source interface {
	// Partitions lists the partition ids of the stream
	Partitions(ctx context.Context) ([]int, error)
	// Bounds returns the first available offset and the offset after the last
	// message of a partition
	Bounds(ctx context.Context, partition int) (first, end int64, err error)
	// Fetch returns up to max messages starting at from. An empty result means
	// nothing arrived within the transport's wait window.
	Fetch(ctx context.Context, partition int, from int64, max int) ([]Message, error)
	// CommitOffset mirrors a checkpoint to the transport for lag monitoring
	CommitOffset(ctx context.Context, partition int, offset int64) error
	Close() error
}

// StartPosition selects where a partition without a checkpoint begins
type StartPosition string

const (
	StartEarliest StartPosition = "earliest"
	StartLatest   StartPosition = "latest"
)

// PartitionFor maps a key to a partition the same way the Kafka writer does,
// so every transport agrees on key placement.
func PartitionFor(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	ids := make([]int, partitions)
	for i := range ids {
		ids[i] = i
	}
	return (&kafka.Hash{}).Balance(kafka.Message{Key: []byte(key)}, ids...)
}

package main

import (
	"context"
	"fmt"

	"github.com/rohankatakam/retailgraph/internal/checkpoint"
	"github.com/rohankatakam/retailgraph/internal/config"
	"github.com/rohankatakam/retailgraph/internal/consumer"
	"github.com/rohankatakam/retailgraph/internal/dedupe"
	"github.com/rohankatakam/retailgraph/internal/dlq"
	"github.com/rohankatakam/retailgraph/internal/graph"
	"github.com/rohankatakam/retailgraph/internal/producer"
	"github.com/rohankatakam/retailgraph/internal/stream"
	"github.com/rohankatakam/retailgraph/internal/upsert"
)

// transport is what both ends of the pipeline need from a stream driver
type transport interface {
	stream.Producer
	stream.Source
}

func openStream(ctx context.Context, c *config.Config) (transport, error) {
	s := c.Stream
	switch s.Driver {
	case "kafka":
		k, err := stream.NewKafka(ctx, stream.KafkaConfig{
			Brokers:           s.Kafka.Brokers,
			Topic:             s.Topic,
			GroupID:           s.Kafka.GroupID,
			Partitions:        s.Partitions,
			ReplicationFactor: s.Kafka.ReplicationFactor,
			BatchTimeout:      s.Kafka.BatchTimeout,
			WriteTimeout:      s.Kafka.WriteTimeout,
			MaxWait:           s.Kafka.MaxWait,
		})
		if err != nil {
			return nil, err
		}
		if s.Kafka.CreateTopic {
			if err := k.EnsureTopic(ctx); err != nil {
				k.Close()
				return nil, err
			}
		}
		return k, nil
	case "rabbitmq":
		r, err := stream.NewRabbit(ctx, stream.RabbitConfig{
			URL:        s.RabbitMQ.URL,
			Topic:      s.Topic,
			Partitions: s.Partitions,
			MaxWait:    s.RabbitMQ.MaxWait,
			IdleGap:    s.RabbitMQ.IdleGap,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	case "memory":
		return stream.NewMemory(s.Partitions), nil
	default:
		return nil, fmt.Errorf("unknown stream driver %q", s.Driver)
	}
}

func openGraph(ctx context.Context, c *config.Config) (*graph.Neo4jStore, error) {
	return graph.NewNeo4jStore(ctx, graph.Neo4jConfig{
		URI:      c.Neo4j.URI,
		User:     c.Neo4j.User,
		Password: c.Neo4j.Password,
		Database: c.Neo4j.Database,
		MaxPool:  c.Neo4j.MaxPool,
	})
}

func batchConfig(c *config.Config) graph.BatchConfig {
	var bc graph.BatchConfig
	switch c.Neo4j.BatchProfile {
	case "small":
		bc = graph.SmallBatchConfig()
	case "large":
		bc = graph.LargeBatchConfig()
	default:
		bc = graph.DefaultBatchConfig()
	}
	if c.Neo4j.BatchScale > 0 && c.Neo4j.BatchScale != 1 {
		bc = bc.Scaled(c.Neo4j.BatchScale)
	}
	return bc
}

func openCheckpoints(ctx context.Context, c *config.Config) (*checkpoint.Manager, error) {
	var (
		store checkpoint.Store
		err   error
	)
	switch c.Checkpoint.Backend {
	case "bolt":
		store, err = checkpoint.OpenBolt(c.Checkpoint.Path, c.Checkpoint.Namespace)
	case "postgres":
		store, err = checkpoint.OpenPostgres(ctx, c.Checkpoint.PostgresDSN, c.Checkpoint.Namespace)
	case "memory":
		store = checkpoint.NewMemoryStore()
	default:
		err = fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	if err != nil {
		return nil, err
	}
	return checkpoint.NewManager(store), nil
}

func openDLQ(ctx context.Context, c *config.Config) (*dlq.Queue, error) {
	return dlq.Open(ctx, c.DLQ.Driver, c.DLQ.DSN)
}

// openDedupe returns nil when deduplication is off
func openDedupe(ctx context.Context, c *config.Config) (dedupe.Filter, func() error, error) {
	noop := func() error { return nil }
	if !c.Dedupe.Enabled {
		return nil, noop, nil
	}
	if c.Dedupe.Backend == "redis" {
		f, err := dedupe.NewRedis(ctx, dedupe.RedisConfig{
			Addr:      c.Dedupe.RedisAddr,
			Password:  c.Dedupe.RedisPassword,
			DB:        c.Dedupe.RedisDB,
			Namespace: c.Stream.Topic,
			TTL:       c.Dedupe.TTL,
		})
		if err != nil {
			return nil, noop, err
		}
		return f, f.Close, nil
	}
	return dedupe.NewMemory(), noop, nil
}

func publisherConfig(c *config.Config) producer.Config {
	p := c.Producer
	return producer.Config{
		Lanes:        p.Lanes,
		LaneDepth:    p.LaneDepth,
		BatchSize:    p.BatchSize,
		RateLimit:    p.RateLimit,
		DrainTimeout: p.DrainTimeout,
		Retry:        p.Retry,
	}
}

func engineConfig(c *config.Config) upsert.Config {
	return upsert.Config{
		Batches:   batchConfig(c),
		Retry:     c.Consumer.ItemRetry,
		OpTimeout: c.Consumer.OpTimeout,
	}
}

func consumerConfig(c *config.Config) consumer.Config {
	cc := c.Consumer
	return consumer.Config{
		BatchSize:     cc.BatchSize,
		StartPosition: stream.StartPosition(cc.StartPosition),
		PollInterval:  cc.PollInterval,
		StopWhenIdle:  cc.StopWhenIdle,
		DrainTimeout:  cc.DrainTimeout,
		OpTimeout:     cc.OpTimeout,
		Backoff:       cc.Backoff,
	}
}

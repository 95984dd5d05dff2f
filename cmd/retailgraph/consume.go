package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rohankatakam/retailgraph/internal/config"
	"github.com/rohankatakam/retailgraph/internal/consumer"
	"github.com/rohankatakam/retailgraph/internal/graph"
	"github.com/rohankatakam/retailgraph/internal/upsert"
)

var (
	consumeStopWhenIdle bool
	consumeStart        string
	consumePartitions   []int
	consumeDryRun       bool
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Apply stream events to the graph",
	Long: `Runs one worker per partition. Each worker resumes from its checkpoint, applies
events to Neo4j with idempotent upserts and commits the checkpoint only after a
batch is fully applied or dead-lettered. Ctrl-C drains in-flight work before
exiting.`,
	RunE: runConsume,
}

func init() {
	consumeCmd.Flags().BoolVar(&consumeStopWhenIdle, "stop-when-idle", false, "exit once every partition is caught up")
	consumeCmd.Flags().StringVar(&consumeStart, "start", "", "where partitions without a checkpoint begin: earliest or latest")
	consumeCmd.Flags().IntSliceVar(&consumePartitions, "partitions", nil, "only consume these partitions")
	consumeCmd.Flags().BoolVar(&consumeDryRun, "dry-run", false, "apply to an in-memory graph instead of Neo4j")
}

func runConsume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if consumeStopWhenIdle {
		cfg.Consumer.StopWhenIdle = true
	}
	if consumeStart != "" {
		cfg.Consumer.StartPosition = consumeStart
	}
	if len(consumePartitions) > 0 {
		cfg.Consumer.Partitions = consumePartitions
	}

	validation := config.ValidationContextConsume
	if consumeDryRun {
		validation = config.ValidationContextReplay
	}
	result, err := cfg.Require(validation)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		logger.Warn(w)
	}

	src, err := openStream(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer src.Close()

	var store graph.Store
	if consumeDryRun {
		store = graph.NewMemoryStore()
	} else {
		neo, err := openGraph(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to connect to Neo4j: %w", err)
		}
		store = neo
	}
	defer store.Close(context.Background())

	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure graph schema: %w", err)
	}

	checkpoints, err := openCheckpoints(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer checkpoints.Close()

	sink, err := openDLQ(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open dead letter queue: %w", err)
	}
	defer sink.Close()

	engine := upsert.NewEngine(store, sink, engineConfig(cfg))
	group := consumer.NewGroup(src, engine, checkpoints, sink, consumerConfig(cfg))
	if len(cfg.Consumer.Partitions) > 0 {
		group.OnlyPartitions(cfg.Consumer.Partitions...)
	}

	report, runErr := group.Run(ctx)
	printConsumeReport(report)

	if runErr != nil {
		return runErr
	}
	if report.DeadLettered > 0 {
		fmt.Printf("\n⚠️  %d events were dead-lettered (see 'retailgraph dlq list --stage apply')\n", report.DeadLettered)
	}
	return nil
}

func printConsumeReport(r consumer.Report) {
	fmt.Printf("\n📥 Consume summary (%s, topic %s)\n", cfg.Stream.Driver, cfg.Stream.Topic)
	fmt.Printf("  %-10s %10s %10s %10s %10s %12s\n", "PARTITION", "FETCHED", "APPLIED", "DLQ", "RETRIES", "CHECKPOINT")
	for _, p := range r.Partitions {
		fmt.Printf("  %-10d %10d %10d %10d %10d %12d\n", p.Partition, p.Fetched, p.Applied, p.DeadLettered, p.Retries, p.Checkpoint)
	}
	fmt.Printf("  %-10s %10d %10d %10d %10d\n", "total", r.Fetched, r.Applied, r.DeadLettered, r.Retries)
	fmt.Printf("  Duration: %s\n", r.Duration.Round(time.Millisecond))
}

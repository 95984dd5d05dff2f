package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rohankatakam/retailgraph/internal/dlq"
)

var (
	dlqStage     string
	dlqLimit     int
	dlqOlderThan time.Duration
	dlqPayload   bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage the dead letter queue",
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead letter counts per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQ(func(ctx context.Context, q *dlq.Queue) error {
			stats, err := q.GetStats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("📊 Dead letters: %d (%d redelivered)\n", stats.TotalEntries, stats.Redelivered)
			for _, stage := range []dlq.Stage{dlq.StagePublish, dlq.StageDecode, dlq.StageApply} {
				fmt.Printf("  %-8s %d\n", stage, stats.ByStage[stage])
			}
			return nil
		})
	},
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent dead letters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQ(func(ctx context.Context, q *dlq.Queue) error {
			entries, err := q.GetRecentFailures(ctx, dlq.Stage(dlqStage), dlqLimit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No dead letters")
				return nil
			}
			for _, e := range entries {
				where := "-"
				if e.Partition >= 0 {
					where = fmt.Sprintf("p%d@%d", e.Partition, e.Offset)
				}
				fmt.Printf("#%d  %-7s %-10s %-10s %s  x%d\n", e.ID, e.Stage, where, e.ErrorType, e.EventKey, e.RetryCount+1)
				fmt.Printf("     %s\n", e.ErrorMessage)
				if dlqPayload && len(e.Payload) > 0 {
					fmt.Printf("     %s\n", e.Payload)
				}
			}
			return nil
		})
	},
}

var dlqResolveCmd = &cobra.Command{
	Use:   "resolve <id>...",
	Short: "Delete dead letters that were handled by hand",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, 0, len(args))
		for _, a := range args {
			id, err := strconv.ParseInt(a, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", a)
			}
			ids = append(ids, id)
		}
		return withDLQ(func(ctx context.Context, q *dlq.Queue) error {
			for _, id := range ids {
				if err := q.MarkResolved(ctx, id); err != nil {
					return err
				}
			}
			fmt.Printf("✅ Resolved %d entries\n", len(ids))
			return nil
		})
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete dead letters older than a duration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDLQ(func(ctx context.Context, q *dlq.Queue) error {
			n, err := q.PurgeOld(ctx, dlqOlderThan)
			if err != nil {
				return err
			}
			fmt.Printf("🧹 Purged %d entries older than %s\n", n, dlqOlderThan)
			return nil
		})
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqStage, "stage", "", "filter by stage: publish, decode or apply")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 20, "maximum entries to show")
	dlqListCmd.Flags().BoolVar(&dlqPayload, "payload", false, "print the raw payload")
	dlqPurgeCmd.Flags().DurationVar(&dlqOlderThan, "older-than", 7*24*time.Hour, "age threshold")

	dlqCmd.AddCommand(dlqStatsCmd, dlqListCmd, dlqResolveCmd, dlqPurgeCmd)
}

func withDLQ(fn func(ctx context.Context, q *dlq.Queue) error) error {
	ctx := context.Background()
	q, err := openDLQ(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open dead letter queue: %w", err)
	}
	defer q.Close()
	return fn(ctx, q)
}

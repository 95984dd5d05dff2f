package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rohankatakam/retailgraph/internal/config"
	"github.com/rohankatakam/retailgraph/internal/graph"
	"github.com/rohankatakam/retailgraph/internal/models"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Graph schema and lookups",
}

var graphInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the identity constraints in Neo4j",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGraph(func(ctx context.Context, store *graph.Neo4jStore) error {
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}
			fmt.Printf("✅ Constraints in place for %d labels\n", len(models.VertexLabels))
			return nil
		})
	},
}

var graphShowCmd = &cobra.Command{
	Use:   "show <label> <id>",
	Short: "Show a vertex and its neighbours",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := models.VertexRef{Label: models.Label(args[0]), ID: args[1]}
		if !ref.Label.Valid() {
			return fmt.Errorf("unknown label %q (one of %v)", args[0], models.VertexLabels)
		}
		return withGraph(func(ctx context.Context, store *graph.Neo4jStore) error {
			ok, err := store.VertexExists(ctx, ref)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("%s not found\n", ref)
				return nil
			}
			fmt.Printf("🔎 %s\n", ref)

			for _, rel := range []models.EdgeLabel{models.EdgePurchased, models.EdgeBelongsTo} {
				for _, dir := range []graph.Direction{graph.Outgoing, graph.Incoming} {
					vs, err := store.Neighbors(ctx, ref, rel, dir)
					if err != nil {
						return err
					}
					if len(vs) == 0 {
						continue
					}
					arrow := "->"
					if dir == graph.Incoming {
						arrow = "<-"
					}
					fmt.Printf("  %s %s (%d)\n", arrow, rel, len(vs))
					for _, v := range vs {
						fmt.Printf("     %s %s\n", v.Ref(), formatProps(v.Properties))
					}
				}
			}
			return nil
		})
	},
}

func init() {
	graphCmd.AddCommand(graphInitCmd, graphShowCmd)
}

func withGraph(fn func(ctx context.Context, store *graph.Neo4jStore) error) error {
	if _, err := cfg.Require(config.ValidationContextGraph); err != nil {
		return err
	}
	ctx := context.Background()
	store, err := openGraph(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to Neo4j: %w", err)
	}
	defer store.Close(ctx)
	return fn(ctx, store)
}

func formatProps(p models.Properties) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := "{"
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s: %v", k, p[k])
	}
	return out + "}"
}

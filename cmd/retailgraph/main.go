package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rohankatakam/retailgraph/internal/config"
	"github.com/rohankatakam/retailgraph/internal/logging"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	cfgFile string
	verbose bool
	logger  *logrus.Logger
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "retailgraph",
	Short: "Retail CSV to property graph ingestion",
	Long: `retailgraph turns customer, article and transaction CSV files into domain
events on a partitioned stream, and replays that stream into a Neo4j graph with
idempotent, checkpointed upserts.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logrus.New()
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.InfoLevel)
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			logger.WithError(err).Warn("Failed to load config, using defaults")
			cfg = config.Default()
			cfg.Checkpoint.Namespace = cfg.Stream.Topic
		}

		logCfg := logging.DefaultConfig(verbose)
		if !verbose {
			logCfg.Level = logging.ParseLevel(cfg.Logging.Level)
		}
		logCfg.JSONFormat = cfg.Logging.Format == "json"
		logCfg.OutputFile = cfg.Logging.File
		return logging.Initialize(logCfg)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .retailgraph/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.SetVersionTemplate(`retailgraph {{.Version}}
Build time: ` + BuildTime + `
Git commit: ` + GitCommit + `
`)

	rootCmd.AddCommand(produceCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(configCmd)
}

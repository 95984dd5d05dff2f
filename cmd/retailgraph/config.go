package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rohankatakam/retailgraph/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show, validate or save the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Printf("# mode: %s\n%s", config.DetectMode(), data)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [produce|consume|replay|graph|all]",
	Short: "Check the configuration for a command",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vctx := config.ValidationContextAll
		if len(args) == 1 {
			vctx = config.ValidationContext(args[0])
		}
		result, err := cfg.Require(vctx)
		for _, w := range result.Warnings {
			fmt.Printf("⚠️  %s\n", w)
		}
		if err != nil {
			return err
		}
		fmt.Printf("✅ Configuration valid for %s (%s mode)\n", vctx, config.DetectMode())
		return nil
	},
}

var configSaveCmd = &cobra.Command{
	Use:   "save [path]",
	Short: "Write the effective configuration to a YAML file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(".retailgraph", "config.yaml")
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			logger.Warnf("Overwriting %s", path)
		}
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Printf("✅ Saved to %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configValidateCmd, configSaveCmd)
}

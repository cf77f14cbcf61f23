package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trundleyrg/FinancialAgent/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "finagent",
	Short: "Financial report table extraction pipeline",
	Long: `finagent reads financial report PDFs, reconstructs the tables on their
pages, normalizes the figures, and persists schema-mapped records with
full run provenance. Extraction runs from the command line or through
the HTTP API started by "finagent serve".`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

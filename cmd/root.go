package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/transam/sogr/internal/config"
	"github.com/transam/sogr/internal/metrics"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "sogr",
	Short: "Asset state of good repair engine",
	Long:  "Recalculates the derived condition, service status and replacement schedule of transit assets from their event history.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		metrics.Init()

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

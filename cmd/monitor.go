package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/transam/sogr/internal/monitoring"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Check DLQ depth and backlog ratio and send webhook alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		once, _ := cmd.Flags().GetBool("once")

		env, err := initEnv(ctx, "monitor", false)
		if err != nil {
			return err
		}
		defer env.Close()

		checker := monitoring.NewChecker(monitoring.NewCollector(env.Store), env.Alerter, cfg.Monitoring)
		if once {
			checker.Check(ctx)
			return nil
		}
		checker.Run(ctx)
		return nil
	},
}

func init() {
	monitorCmd.Flags().Bool("once", false, "run a single check and exit")
	rootCmd.AddCommand(monitorCmd)
}

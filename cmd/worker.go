package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/transam/sogr/internal/jobs"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal recalculation worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker", false)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := jobs.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer c.Close()

		w := jobs.NewWorker(c, cfg.Temporal.TaskQueue, jobs.NewActivities(env.Engine, env.Store))
		if err := w.Start(); err != nil {
			return eris.Wrap(err, "start worker")
		}
		zap.L().Info("worker started",
			zap.String("task_queue", cfg.Temporal.TaskQueue),
			zap.String("namespace", cfg.Temporal.Namespace),
		)

		<-ctx.Done()
		w.Stop()
		zap.L().Info("worker stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

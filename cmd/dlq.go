package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/transam/sogr/internal/jobs"
	"github.com/transam/sogr/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay the dead letter queue",
}

// -- dlq list --

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter entries due for retry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter, err := dlqFilter(cmd)
		if err != nil {
			return err
		}
		total, err := st.CountDLQ(ctx)
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		entries, err := st.DequeueDLQ(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}

		fmt.Fprintf(os.Stderr, "%d entries in queue, %d due for retry.\n", total, len(entries))
		if len(entries) > 0 {
			formatDLQList(os.Stdout, entries)
		}
		return nil
	},
}

// -- dlq retry --

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Recalculate due dead letter entries and remove the ones that succeed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "dlq", false)
		if err != nil {
			return err
		}
		defer env.Close()

		filter, err := dlqFilter(cmd)
		if err != nil {
			return err
		}
		res, err := jobs.Replay(ctx, env.Store, jobs.NewInline(env.Engine), filter, resilience.FromRetryConfig(cfg.Retry))
		fmt.Fprintf(os.Stdout, "Replayed: %d\nFailed:   %d\n", res.Replayed, res.Failed)
		return err
	},
}

func dlqFilter(cmd *cobra.Command) (resilience.DLQFilter, error) {
	errType, _ := cmd.Flags().GetString("error-type")
	limit, _ := cmd.Flags().GetInt("limit")
	switch errType {
	case "", "transient", "permanent":
	default:
		return resilience.DLQFilter{}, eris.Errorf("invalid --error-type %q (transient, permanent)", errType)
	}
	return resilience.DLQFilter{ErrorType: errType, Limit: limit}, nil
}

func formatDLQList(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tASSET\tTYPE\tSOURCE\tRETRIES\tLAST_FAILED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t-----\t----\t------\t-------\t-----------\t-----")

	for _, e := range entries {
		msg := e.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			truncateID(e.ID),
			e.AssetKey,
			e.ErrorType,
			e.Source,
			e.RetryCount, e.MaxRetries,
			e.LastFailedAt.Format("2006-01-02 15:04"),
			msg,
		)
	}
	_ = w.Flush()
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	for _, c := range []*cobra.Command{dlqListCmd, dlqRetryCmd} {
		c.Flags().String("error-type", "", "filter by error type (transient, permanent)")
		c.Flags().Int("limit", 100, "max number of entries")
	}
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}

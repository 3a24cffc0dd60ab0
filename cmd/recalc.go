package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/transam/sogr/internal/jobs"
	"github.com/transam/sogr/internal/store"
)

var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Recalculate derived asset state",
	Long:  "Recalculates one asset, every asset of an organization, or the whole inventory in-process.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		assetKey, _ := cmd.Flags().GetString("asset")
		org, _ := cmd.Flags().GetString("org")
		all, _ := cmd.Flags().GetBool("all")
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		if countSet(assetKey != "", org != "", all) != 1 {
			return eris.New("exactly one of --asset, --org or --all is required")
		}

		env, err := initEnv(ctx, "recalc", false)
		if err != nil {
			return err
		}
		defer env.Close()

		if assetKey != "" {
			res, err := env.Engine.Recalculate(ctx, assetKey)
			if err != nil {
				return eris.Wrap(err, "recalc")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}

		keys, err := selectAssetKeys(ctx, env.Store, org)
		if err != nil {
			return err
		}
		if concurrency <= 0 {
			concurrency = cfg.Recalc.Workers
		}
		res, err := jobs.RecalculateAll(ctx, env.Engine, keys, concurrency)
		formatBatchResult(os.Stdout, len(keys), res)
		if err != nil {
			return err
		}
		if res.Failed > 0 {
			return eris.Errorf("recalc: %d of %d assets failed", res.Failed, len(keys))
		}
		return nil
	},
}

// selectAssetKeys lists the assets of the organization with the given short
// name, or all assets when org is empty.
func selectAssetKeys(ctx context.Context, st store.Store, org string) ([]string, error) {
	var orgID int64
	if org != "" {
		o, err := st.GetOrganizationByShortName(ctx, org)
		if err != nil {
			return nil, eris.Wrapf(err, "recalc: organization %s", org)
		}
		orgID = o.ID
	}
	keys, err := st.ListAssetKeys(ctx, orgID)
	if err != nil {
		return nil, eris.Wrap(err, "recalc: list assets")
	}
	zap.L().Info("recalculating assets", zap.String("organization", org), zap.Int("assets", len(keys)))
	return keys, nil
}

func formatBatchResult(w io.Writer, total int, res jobs.BatchResult) {
	fmt.Fprintf(w, "Assets:     %d\n", total)
	fmt.Fprintf(w, "Succeeded:  %d\n", res.Succeeded)
	fmt.Fprintf(w, "Changed:    %d\n", res.Changed)
	fmt.Fprintf(w, "No policy:  %d\n", res.NoPolicy)
	fmt.Fprintf(w, "Failed:     %d\n", res.Failed)
}

func countSet(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func init() {
	recalcCmd.Flags().String("asset", "", "object key of one asset")
	recalcCmd.Flags().String("org", "", "short name of an organization")
	recalcCmd.Flags().Bool("all", false, "recalculate every asset")
	recalcCmd.Flags().Int("concurrency", 0, "parallel recalculations (default recalc.workers)")
	rootCmd.AddCommand(recalcCmd)
}

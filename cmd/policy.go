package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/transam/sogr/internal/jobs"
	"github.com/transam/sogr/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage organization policies",
}

var policyLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load organizations and policies from a YAML file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("file")
		recalc, _ := cmd.Flags().GetBool("recalculate")

		env, err := initEnv(ctx, "policy", false)
		if err != nil {
			return err
		}
		defer env.Close()

		f, err := policy.ParseFile(path, env.Registry)
		if err != nil {
			return err
		}
		res, err := policy.NewLoader(env.Store, env.Registry, env.Resolver).Load(ctx, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Organizations: %d\nPolicies:      %d\nRules:         %d\n",
			res.Organizations, res.Policies, res.Rules)

		if !recalc {
			return nil
		}
		var keys []string
		for _, id := range res.OrganizationIDs {
			k, err := env.Store.ListAssetKeys(ctx, id)
			if err != nil {
				return eris.Wrapf(err, "policy: list assets of organization %d", id)
			}
			keys = append(keys, k...)
		}
		batch, err := jobs.RecalculateAll(ctx, env.Engine, keys, cfg.Recalc.Workers)
		formatBatchResult(os.Stdout, len(keys), batch)
		return err
	},
}

func init() {
	policyLoadCmd.Flags().String("file", "", "path to policy YAML (required)")
	policyLoadCmd.Flags().Bool("recalculate", false, "recalculate the assets of every loaded organization")
	_ = policyLoadCmd.MarkFlagRequired("file")

	policyCmd.AddCommand(policyLoadCmd)
	rootCmd.AddCommand(policyCmd)
}

package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/transam/sogr/internal/importer"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import an asset inventory spreadsheet",
	Long:  "Loads the assets and events sheets of an xlsx workbook into an organization and enqueues recalculation of every touched asset.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("file")
		org, _ := cmd.Flags().GetString("org")
		user, _ := cmd.Flags().GetString("user")

		env, err := initEnv(ctx, "import", true)
		if err != nil {
			return err
		}
		defer env.Close()

		o, err := env.Store.GetOrganizationByShortName(ctx, org)
		if err != nil {
			return eris.Wrapf(err, "import: organization %s", org)
		}

		f, err := os.Open(path)
		if err != nil {
			return eris.Wrap(err, "import: open file")
		}
		defer f.Close() //nolint:errcheck

		im := importer.New(env.Store, env.Dispatcher, importer.Options{
			BatchSize: cfg.Import.BatchSize,
			UploadDir: cfg.Import.UploadDir,
			Cache:     env.Cache,
		})
		u, rep, err := im.Submit(ctx, o.ID, filepath.Base(path), f, user)
		if err != nil {
			return eris.Wrap(err, "import")
		}

		zap.L().Info("import complete",
			zap.String("upload", u.ID),
			zap.String("file", path),
			zap.Int("rows_processed", u.RowsProcessed),
			zap.Int("rows_failed", u.RowsFailed),
		)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	importCmd.Flags().String("file", "", "path to xlsx workbook (required)")
	importCmd.Flags().String("org", "", "organization short name (required)")
	importCmd.Flags().String("user", "cli", "username recorded on imported events")
	_ = importCmd.MarkFlagRequired("file")
	_ = importCmd.MarkFlagRequired("org")
	rootCmd.AddCommand(importCmd)
}

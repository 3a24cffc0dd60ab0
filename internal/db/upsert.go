package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a bulk upsert into Table.
type UpsertConfig struct {
	Table        string   // optionally schema qualified, "public.assets"
	Columns      []string // columns present in every row
	ConflictKeys []string // unique constraint columns
	UpdateCols   []string // overwritten on conflict; nil means every non-key column
	// Returning lists trusted SQL expressions returned for every inserted or
	// updated row, e.g. "object_key" or "(xmax = 0)".
	Returning []string
}

// UpsertResult reports the outcome of BulkUpsert.
type UpsertResult struct {
	Affected int64
	Returned [][]any
}

// upsertPlan holds the statements of one BulkUpsert call.
type upsertPlan struct {
	cfg     UpsertConfig
	staging string
}

func newUpsertPlan(cfg UpsertConfig) upsertPlan {
	return upsertPlan{cfg: cfg, staging: "_stage_" + strings.ReplaceAll(cfg.Table, ".", "_")}
}

func (p upsertPlan) createStaging() string {
	return fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		ident(p.staging), qualified(p.cfg.Table))
}

func (p upsertPlan) updateCols() []string {
	if p.cfg.UpdateCols != nil {
		return p.cfg.UpdateCols
	}
	keys := make(map[string]struct{}, len(p.cfg.ConflictKeys))
	for _, k := range p.cfg.ConflictKeys {
		keys[k] = struct{}{}
	}
	var cols []string
	for _, c := range p.cfg.Columns {
		if _, isKey := keys[c]; !isKey {
			cols = append(cols, c)
		}
	}
	return cols
}

func (p upsertPlan) merge() string {
	cols := identList(p.cfg.Columns)
	updates := p.updateCols()
	sets := make([]string, len(updates))
	for i, c := range updates {
		sets[i] = ident(c) + " = EXCLUDED." + ident(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		qualified(p.cfg.Table), cols, cols, ident(p.staging),
		identList(p.cfg.ConflictKeys), strings.Join(sets, ", "))
	if len(p.cfg.Returning) > 0 {
		b.WriteString(" RETURNING ")
		b.WriteString(strings.Join(p.cfg.Returning, ", "))
	}
	return b.String()
}

// BulkUpsert COPYs rows into a transaction-scoped staging table and merges
// them into cfg.Table with INSERT ... ON CONFLICT DO UPDATE.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (UpsertResult, error) {
	var res UpsertResult
	switch {
	case len(rows) == 0:
		return res, nil
	case len(cfg.Columns) == 0:
		return res, eris.New("db: upsert: no columns")
	case len(cfg.ConflictKeys) == 0:
		return res, eris.New("db: upsert: no conflict keys")
	}
	if err := checkWidth(cfg.Columns, rows); err != nil {
		return res, err
	}
	plan := newUpsertPlan(cfg)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return res, eris.Wrap(err, "db: upsert: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, plan.createStaging()); err != nil {
		return res, eris.Wrapf(err, "db: upsert: stage %s", cfg.Table)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{plan.staging}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return res, eris.Wrapf(err, "db: upsert: copy %s", cfg.Table)
	}

	if len(cfg.Returning) == 0 {
		tag, err := tx.Exec(ctx, plan.merge())
		if err != nil {
			return res, eris.Wrapf(err, "db: upsert: merge %s", cfg.Table)
		}
		res.Affected = tag.RowsAffected()
	} else {
		if res.Returned, err = collectValues(ctx, tx, plan.merge()); err != nil {
			return UpsertResult{}, eris.Wrapf(err, "db: upsert: merge %s", cfg.Table)
		}
		res.Affected = int64(len(res.Returned))
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, eris.Wrap(err, "db: upsert: commit")
	}
	return res, nil
}

func collectValues(ctx context.Context, tx pgx.Tx, sql string) ([][]any, error) {
	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) ([]any, error) {
		return r.Values()
	})
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// qualified quotes a table name, splitting off an optional schema.
func qualified(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return ident(table)
}

func identList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = ident(c)
	}
	return strings.Join(quoted, ", ")
}

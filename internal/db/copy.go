package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFrom bulk-inserts rows into a table using PostgreSQL COPY protocol.
// Used for large event imports.
func CopyFrom(ctx context.Context, pool Pool, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := checkWidth(columns, rows); err != nil {
		return 0, err
	}

	n, err := pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}

	return n, nil
}

// checkWidth rejects rows whose length does not match the column list.
func checkWidth(columns []string, rows [][]any) error {
	for i, r := range rows {
		if len(r) != len(columns) {
			return eris.Errorf("db: row %d has %d values, want %d", i, len(r), len(columns))
		}
	}
	return nil
}

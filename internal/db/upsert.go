package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table (e.g., "financial_records")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
	UpdateWhere  string   // optional guard on the DO UPDATE branch; rows it rejects are skipped
}

// UpsertCounts reports how the rows of one bulk upsert landed.
type UpsertCounts struct {
	Inserted int64
	Updated  int64
	Skipped  int64 // conflicting rows the UpdateWhere guard rejected
}

// BulkUpsert performs a bulk upsert via a temp table and INSERT ... ON
// CONFLICT inside its own transaction. Returns the number of rows
// written (inserted + updated).
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx)

	counts, err := BulkUpsertTx(ctx, tx, cfg, rows)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return counts.Inserted + counts.Updated, nil
}

// BulkUpsertTx runs the upsert inside the caller's transaction and
// classifies every input row:
//  1. Creates a temp table mirroring the target, dropped on commit
//  2. COPYs the rows into it
//  3. INSERT INTO target SELECT ... ON CONFLICT DO UPDATE [WHERE guard]
//     RETURNING (xmax = 0), which is true only for freshly inserted rows
//
// Conflicting rows the guard filters out return nothing and count as
// skipped. Rows must be unique on the conflict keys.
func BulkUpsertTx(ctx context.Context, tx pgx.Tx, cfg UpsertConfig, rows [][]any) (UpsertCounts, error) {
	if len(rows) == 0 {
		return UpsertCounts{}, nil
	}
	if err := cfg.validate(); err != nil {
		return UpsertCounts{}, err
	}

	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	tempTable := fmt.Sprintf("_tmp_upsert_%s", strings.ReplaceAll(cfg.Table, ".", "_"))

	// Create temp table with same structure as target
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return UpsertCounts{}, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	// COPY rows into temp table
	copySource := pgx.CopyFromRows(rows)
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, copySource); err != nil {
		return UpsertCounts{}, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	// Build INSERT ... ON CONFLICT ... DO UPDATE ... RETURNING
	colList := quoteAndJoin(cfg.Columns)
	conflictList := quoteAndJoin(cfg.ConflictKeys)

	var setClauses []string
	for _, col := range updateCols {
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", pgx.Identifier{col}.Sanitize(), pgx.Identifier{col}.Sanitize()))
	}

	upsertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		sanitizeTable(cfg.Table),
		colList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		conflictList,
		strings.Join(setClauses, ", "),
	)
	if cfg.UpdateWhere != "" {
		upsertSQL += " WHERE " + cfg.UpdateWhere
	}
	upsertSQL += " RETURNING (xmax = 0)"

	res, err := tx.Query(ctx, upsertSQL)
	if err != nil {
		return UpsertCounts{}, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	defer res.Close()

	var counts UpsertCounts
	for res.Next() {
		var inserted bool
		if err := res.Scan(&inserted); err != nil {
			return UpsertCounts{}, eris.Wrap(err, "db: upsert: scan outcome")
		}
		if inserted {
			counts.Inserted++
		} else {
			counts.Updated++
		}
	}
	if err := res.Err(); err != nil {
		return UpsertCounts{}, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	counts.Skipped = int64(len(rows)) - counts.Inserted - counts.Updated
	return counts, nil
}

func (cfg UpsertConfig) validate() error {
	if len(cfg.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

// sanitizeTable handles schema-qualified table names like "finance.records".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/trundleyrg/FinancialAgent/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Values are stored as decimal strings; SQLite NUMERIC affinity would
// round amounts wider than float64.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	document   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	result     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_stages (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     TEXT,
	started_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS financial_records (
	company_id            TEXT NOT NULL,
	report_period         TEXT NOT NULL,
	line_item_code        TEXT NOT NULL,
	label                 TEXT NOT NULL DEFAULT '',
	value                 TEXT NOT NULL,
	unit                  TEXT NOT NULL DEFAULT '',
	value_kind            TEXT NOT NULL DEFAULT 'amount',
	source_table_ref      TEXT NOT NULL DEFAULT '',
	extraction_confidence REAL NOT NULL DEFAULT 0,
	updated_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (company_id, report_period, line_item_code)
);

CREATE TABLE IF NOT EXISTS unmapped_records (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	label       TEXT NOT NULL,
	raw_value   TEXT NOT NULL DEFAULT '',
	source_ref  TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_stages_run_id ON run_stages(run_id);
CREATE INDEX IF NOT EXISTS idx_financial_records_company ON financial_records(company_id, report_period);
CREATE INDEX IF NOT EXISTS idx_unmapped_records_document ON unmapped_records(document_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// VerifySchema probes financial_records for every column the upsert
// writes, same contract as the Postgres driver.
func (s *SQLiteStore) VerifySchema(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM pragma_table_info('financial_records')`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: probe schema")
	}
	defer rows.Close()

	present := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return eris.Wrap(err, "sqlite: scan column name")
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: probe schema iterate")
	}

	var missing []string
	for _, col := range recordColumns {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return &model.SchemaMismatchError{Table: "financial_records", Missing: missing}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, doc model.Document) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal document")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, document, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(docJSON), string(model.DocumentStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Document:  doc,
		Status:    model.DocumentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.DocumentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status model.DocumentStatus, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
		string(status), string(resultJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, document, status, result, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRunSQLite(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, document, status, result, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CompanyID != "" {
		query += ` AND json_extract(document, '$.company_id') = ?`
		args = append(args, filter.CompanyID)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRunSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) CreateStage(ctx context.Context, runID string, name model.Stage) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_stages (id, run_id, name, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, runID, string(name), string(model.StageStatusRunning), now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: insert stage for run %s", runID)
	}
	return id, nil
}

func (s *SQLiteStore) CompleteStage(ctx context.Context, stageID string, result *model.StageResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stage result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE run_stages SET status = ?, result = ? WHERE id = ?`,
		string(result.Status), string(resultJSON), stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete stage %s", stageID)
	}
	return checkRowsAffected(res)
}

// UpsertRecords applies the same confidence arbitration as the
// Postgres driver, row by row inside one transaction.
func (s *SQLiteStore) UpsertRecords(ctx context.Context, documentID string, records []model.FinancialRecord) (model.UpsertResult, error) {
	var result model.UpsertResult
	if len(records) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, eris.Wrap(err, "sqlite: begin upsert tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, rec := range records {
		periodKey := rec.Period.String()

		var stored float64
		err := tx.QueryRowContext(ctx,
			`SELECT extraction_confidence FROM financial_records
			 WHERE company_id = ? AND report_period = ? AND line_item_code = ?`,
			rec.CompanyID, periodKey, rec.LineItemCode,
		).Scan(&stored)

		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO financial_records (company_id, report_period, line_item_code, label, value, unit, value_kind, source_table_ref, extraction_confidence, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				rec.CompanyID, periodKey, rec.LineItemCode, rec.Label, rec.Value.String(),
				rec.Unit, string(rec.Kind), rec.SourceRef, rec.Confidence, now,
			)
			if err != nil {
				return model.UpsertResult{}, eris.Wrapf(err, "sqlite: insert record %s", rec.LineItemCode)
			}
			result.Inserted++
		case err != nil:
			return model.UpsertResult{}, eris.Wrapf(err, "sqlite: probe record %s", rec.LineItemCode)
		case rec.Confidence >= stored:
			_, err = tx.ExecContext(ctx,
				`UPDATE financial_records SET label = ?, value = ?, unit = ?, value_kind = ?, source_table_ref = ?, extraction_confidence = ?, updated_at = ?
				 WHERE company_id = ? AND report_period = ? AND line_item_code = ?`,
				rec.Label, rec.Value.String(), rec.Unit, string(rec.Kind), rec.SourceRef, rec.Confidence, now,
				rec.CompanyID, periodKey, rec.LineItemCode,
			)
			if err != nil {
				return model.UpsertResult{}, eris.Wrapf(err, "sqlite: update record %s", rec.LineItemCode)
			}
			result.Updated++
		default:
			result.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return model.UpsertResult{}, eris.Wrap(err, "sqlite: commit upsert tx")
	}

	zap.L().Info("records upserted",
		zap.String("document", documentID),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

// SaveUnmapped replaces the document's unmapped-label set so
// re-ingests stay idempotent.
func (s *SQLiteStore) SaveUnmapped(ctx context.Context, documentID string, records []model.UnmappedRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin unmapped tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM unmapped_records WHERE document_id = ?`, documentID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: clear unmapped for %s", documentID)
	}

	now := time.Now().UTC()
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO unmapped_records (id, document_id, label, raw_value, source_ref, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), documentID, rec.Label, rec.RawValue, rec.SourceRef, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert unmapped %q", rec.Label)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit unmapped tx")
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.FinancialRecord, error) {
	query := `SELECT company_id, report_period, line_item_code, label, value, unit, value_kind, source_table_ref, extraction_confidence
	          FROM financial_records WHERE 1=1`
	var args []any

	if filter.CompanyID != "" {
		query += ` AND company_id = ?`
		args = append(args, filter.CompanyID)
	}
	if filter.Period != "" {
		query += ` AND report_period = ?`
		args = append(args, filter.Period)
	}
	if filter.Code != "" {
		query += ` AND line_item_code = ?`
		args = append(args, filter.Code)
	}
	query += ` ORDER BY company_id, report_period, line_item_code`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var records []model.FinancialRecord
	for rows.Next() {
		rec, err := scanRecordSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

// helpers

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRunSQLite(row scannable) (*model.Run, error) {
	var r model.Run
	var docJSON string
	var resultJSON sql.NullString

	if err := row.Scan(&r.ID, &docJSON, &r.Status, &resultJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(docJSON), &r.Document); err != nil {
		return nil, eris.Wrap(err, "unmarshal document")
	}
	if resultJSON.Valid {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal result")
		}
	}
	return &r, nil
}

func scanRecordSQLite(row scannable) (model.FinancialRecord, error) {
	var rec model.FinancialRecord
	var periodKey, valueText, kind string

	if err := row.Scan(&rec.CompanyID, &periodKey, &rec.LineItemCode, &rec.Label,
		&valueText, &rec.Unit, &kind, &rec.SourceRef, &rec.Confidence); err != nil {
		return rec, err
	}

	period, err := model.ParsePeriodKey(periodKey)
	if err != nil {
		return rec, err
	}
	value, err := decimal.NewFromString(valueText)
	if err != nil {
		return rec, eris.Wrapf(err, "decode value %q", valueText)
	}
	rec.Period = period
	rec.Value = value
	rec.Kind = model.ValueKind(kind)
	return rec, nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/trundleyrg/FinancialAgent/internal/config"
	"github.com/trundleyrg/FinancialAgent/internal/db"
	"github.com/trundleyrg/FinancialAgent/internal/model"
)

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = eris.New("store: not found")

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO runs (id, document, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
	"update_run_status": `UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
	"complete_run":      `UPDATE runs SET status = $1, result = $2, updated_at = $3 WHERE id = $4`,
	"get_run":           `SELECT id, document, status, result, created_at, updated_at FROM runs WHERE id = $1`,
	"insert_stage":      `INSERT INTO run_stages (id, run_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
	"complete_stage":    `UPDATE run_stages SET status = $1, result = $2 WHERE id = $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg config.PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg.MaxConns > 0 {
		maxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		minConns = poolCfg.MinConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	document   JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	result     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_stages (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     JSONB,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS financial_records (
	company_id            TEXT NOT NULL,
	report_period         TEXT NOT NULL,
	line_item_code        TEXT NOT NULL,
	label                 TEXT NOT NULL DEFAULT '',
	value                 NUMERIC NOT NULL,
	unit                  TEXT NOT NULL DEFAULT '',
	value_kind            TEXT NOT NULL DEFAULT 'amount',
	source_table_ref      TEXT NOT NULL DEFAULT '',
	extraction_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (company_id, report_period, line_item_code)
);

CREATE TABLE IF NOT EXISTS unmapped_records (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	label       TEXT NOT NULL,
	raw_value   TEXT NOT NULL DEFAULT '',
	source_ref  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_company ON runs((document->>'company_id'));
CREATE INDEX IF NOT EXISTS idx_run_stages_run_id ON run_stages(run_id);
CREATE INDEX IF NOT EXISTS idx_financial_records_company ON financial_records(company_id, report_period);
CREATE INDEX IF NOT EXISTS idx_unmapped_records_document ON unmapped_records(document_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// VerifySchema probes financial_records for every column the upsert
// writes. A missing table or column is fatal for the whole process,
// not just one document.
func (s *PostgresStore) VerifySchema(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_name = $1`,
		"financial_records",
	)
	if err != nil {
		return eris.Wrap(err, "postgres: probe schema")
	}
	defer rows.Close()

	present := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return eris.Wrap(err, "postgres: scan column name")
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: probe schema iterate")
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

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, doc model.Document) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal document")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, document, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, docJSON, string(model.DocumentStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Document:  doc,
		Status:    model.DocumentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.DocumentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, status model.DocumentStatus, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, result = $2, updated_at = $3 WHERE id = $4`,
		string(status), resultJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, document, status, result, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, document, status, result, created_at, updated_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.CompanyID != "" {
		query += fmt.Sprintf(` AND document->>'company_id' = $%d`, argIdx)
		args = append(args, filter.CompanyID)
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at > $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// scanRun decodes one runs row from either a Row or Rows source.
func scanRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var docJSON []byte
	var resultJSON *[]byte

	if err := row.Scan(&r.ID, &docJSON, &r.Status, &resultJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(docJSON, &r.Document); err != nil {
		return nil, eris.Wrap(err, "unmarshal document")
	}
	if resultJSON != nil {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(*resultJSON, r.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal result")
		}
	}
	return &r, nil
}

func (s *PostgresStore) CreateStage(ctx context.Context, runID string, name model.Stage) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_stages (id, run_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, runID, string(name), string(model.StageStatusRunning), now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: insert stage for run %s", runID)
	}
	return id, nil
}

func (s *PostgresStore) CompleteStage(ctx context.Context, stageID string, result *model.StageResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stage result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE run_stages SET status = $1, result = $2 WHERE id = $3`,
		string(result.Status), resultJSON, stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete stage %s", stageID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertRecords writes one document's records in a single transaction.
// Conflict arbitration happens in SQL: an existing row survives unless
// the incoming extraction confidence is at least as high.
func (s *PostgresStore) UpsertRecords(ctx context.Context, documentID string, records []model.FinancialRecord) (model.UpsertResult, error) {
	if len(records) == 0 {
		return model.UpsertResult{}, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		var value pgtype.Numeric
		if err := value.Scan(rec.Value.String()); err != nil {
			return model.UpsertResult{}, eris.Wrapf(err, "postgres: encode value for %s", rec.LineItemCode)
		}
		rows = append(rows, []any{
			rec.CompanyID,
			rec.Period.String(),
			rec.LineItemCode,
			rec.Label,
			value,
			rec.Unit,
			string(rec.Kind),
			rec.SourceRef,
			rec.Confidence,
			now,
		})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.UpsertResult{}, eris.Wrap(err, "postgres: begin upsert tx")
	}
	defer tx.Rollback(ctx)

	counts, err := db.BulkUpsertTx(ctx, tx, db.UpsertConfig{
		Table:        "financial_records",
		Columns:      recordColumns,
		ConflictKeys: []string{"company_id", "report_period", "line_item_code"},
		UpdateWhere:  "EXCLUDED.extraction_confidence >= financial_records.extraction_confidence",
	}, rows)
	if err != nil {
		return model.UpsertResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.UpsertResult{}, eris.Wrap(err, "postgres: commit upsert tx")
	}

	result := model.UpsertResult{
		Inserted: int(counts.Inserted),
		Updated:  int(counts.Updated),
		Skipped:  int(counts.Skipped),
	}
	zap.L().Info("records upserted",
		zap.String("document", documentID),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

// SaveUnmapped replaces the document's unmapped-label set. Replacing
// keeps re-ingests idempotent: stale labels from earlier runs drop out.
func (s *PostgresStore) SaveUnmapped(ctx context.Context, documentID string, records []model.UnmappedRecord) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM unmapped_records WHERE document_id = $1`, documentID,
	); err != nil {
		return eris.Wrapf(err, "postgres: clear unmapped for %s", documentID)
	}
	if len(records) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []any{
			uuid.New().String(), documentID, rec.Label, rec.RawValue, rec.SourceRef, now,
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "unmapped_records",
		[]string{"id", "document_id", "label", "raw_value", "source_ref", "created_at"}, rows)
	return err
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.FinancialRecord, error) {
	query := `SELECT company_id, report_period, line_item_code, label, value::text, unit, value_kind, source_table_ref, extraction_confidence
	          FROM financial_records WHERE true`
	args := []any{}
	argIdx := 1

	if filter.CompanyID != "" {
		query += fmt.Sprintf(` AND company_id = $%d`, argIdx)
		args = append(args, filter.CompanyID)
		argIdx++
	}
	if filter.Period != "" {
		query += fmt.Sprintf(` AND report_period = $%d`, argIdx)
		args = append(args, filter.Period)
		argIdx++
	}
	if filter.Code != "" {
		query += fmt.Sprintf(` AND line_item_code = $%d`, argIdx)
		args = append(args, filter.Code)
		argIdx++
	}
	query += ` ORDER BY company_id, report_period, line_item_code`

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var records []model.FinancialRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func scanRecord(row pgx.Row) (model.FinancialRecord, error) {
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

// Package store persists extraction runs, their stage history, and the
// financial records they produce. Two drivers share one interface:
// Postgres for shared deployments, SQLite for local runs.
package store

import (
	"context"
	"time"

	"github.com/trundleyrg/FinancialAgent/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.DocumentStatus `json:"status,omitempty"`
	CompanyID    string               `json:"company_id,omitempty"`
	CreatedAfter time.Time            `json:"created_after,omitempty"`
	Limit        int                  `json:"limit,omitempty"`
	Offset       int                  `json:"offset,omitempty"`
}

// RecordFilter specifies criteria for listing financial records.
type RecordFilter struct {
	CompanyID string `json:"company_id,omitempty"`
	Period    string `json:"period,omitempty"` // key form, e.g. "2023FY"
	Code      string `json:"code,omitempty"`   // line item code
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// Store is the persistence boundary of the extraction pipeline.
//
// UpsertRecords arbitrates conflicts on (company_id, report_period,
// line_item_code): an incoming record wins when its extraction
// confidence is at least the stored one, otherwise the row is left
// alone and counted as skipped. The whole batch commits or rolls back
// as one transaction.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, doc model.Document) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.DocumentStatus) error
	CompleteRun(ctx context.Context, runID string, status model.DocumentStatus, result *model.RunResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Stages
	CreateStage(ctx context.Context, runID string, name model.Stage) (string, error)
	CompleteStage(ctx context.Context, stageID string, result *model.StageResult) error

	// Records
	UpsertRecords(ctx context.Context, documentID string, records []model.FinancialRecord) (model.UpsertResult, error)
	SaveUnmapped(ctx context.Context, documentID string, records []model.UnmappedRecord) error
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.FinancialRecord, error)

	// Lifecycle
	VerifySchema(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// recordColumns is the canonical column order for financial_records
// writes, shared by both drivers and by the schema probe.
var recordColumns = []string{
	"company_id",
	"report_period",
	"line_item_code",
	"label",
	"value",
	"unit",
	"value_kind",
	"source_table_ref",
	"extraction_confidence",
	"updated_at",
}

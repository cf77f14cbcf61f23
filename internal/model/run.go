package model

import "time"

// Stage names the pipeline stages in execution order.
type Stage string

const (
	StageLoaded              Stage = "loaded"
	StagePagesRead           Stage = "pages_read"
	StageTablesReconstructed Stage = "tables_reconstructed"
	StageTablesMerged        Stage = "tables_merged"
	StageRecordsNormalized   Stage = "records_normalized"
	StageRecordsValidated    Stage = "records_validated"
	StagePersisted           Stage = "persisted"
	StageFailed              Stage = "failed"
)

// StageStatus is the outcome of one pipeline stage.
type StageStatus string

const (
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// StageResult records one stage execution for the run history.
type StageResult struct {
	Name     Stage          `json:"name"`
	Status   StageStatus    `json:"status"`
	Duration int64          `json:"duration_ms"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DiagScope says what a diagnostic attaches to.
type DiagScope string

const (
	DiagPage     DiagScope = "page"
	DiagTable    DiagScope = "table"
	DiagCell     DiagScope = "cell"
	DiagRecord   DiagScope = "record"
	DiagDocument DiagScope = "document"
)

// Diagnostic is a non-fatal extraction defect surfaced in the run
// result: an unreadable page, a discarded table, an unmapped label.
type Diagnostic struct {
	Scope      DiagScope `json:"scope"`
	Code       string    `json:"code"`
	PageNumber int       `json:"page_number,omitempty"`
	TableRef   string    `json:"table_ref,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// RunResult aggregates what one document extraction produced.
type RunResult struct {
	PagesTotal    int           `json:"pages_total"`
	PagesRead     int           `json:"pages_read"`
	PagesFailed   int           `json:"pages_failed"`
	TablesFound   int           `json:"tables_found"`
	TablesMerged  int           `json:"tables_merged"`
	Records       int           `json:"records"`
	Unmapped      int           `json:"unmapped"`
	Upsert        UpsertResult  `json:"upsert"`
	MirrorPath    string        `json:"mirror_path,omitempty"`
	Stages        []StageResult `json:"stages,omitempty"`
	Diagnostics   []Diagnostic  `json:"diagnostics,omitempty"`
	Error         string        `json:"error,omitempty"`
	DurationTotal int64         `json:"duration_ms"`
}

// Partial reports whether the run completed with defects, the
// partial-success outcome distinct from full success and failure.
func (r *RunResult) Partial() bool {
	return r.PagesFailed > 0 || len(r.Diagnostics) > 0
}

// Run is one document extraction tracked in the store. Status follows
// DocumentStatus so a run row reads the same as its document.
type Run struct {
	ID        string         `json:"id"`
	Document  Document       `json:"document"`
	Status    DocumentStatus `json:"status"`
	Result    *RunResult     `json:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

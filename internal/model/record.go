package model

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// PeriodType is the reporting interval a document covers.
type PeriodType string

const (
	PeriodQ1   PeriodType = "Q1"
	PeriodH1   PeriodType = "H1"
	PeriodQ3   PeriodType = "Q3"
	PeriodFY   PeriodType = "FY"
	PeriodAsOf PeriodType = "AS_OF" // point-in-time snapshot, e.g. a balance-sheet date
)

// ReportPeriod is a fiscal period with its canonical end date. Two
// periods are the same iff their String() forms match.
type ReportPeriod struct {
	Type    PeriodType `json:"type"`
	EndDate time.Time  `json:"end_date"`
}

func (p ReportPeriod) Year() int { return p.EndDate.Year() }

func (p ReportPeriod) IsZero() bool { return p.Type == "" && p.EndDate.IsZero() }

// String renders the stable key form stored in the database:
// "2023FY", "2024Q1", "2024H1", or "2024-03-31" for AS_OF.
func (p ReportPeriod) String() string {
	if p.Type == PeriodAsOf {
		return p.EndDate.Format("2006-01-02")
	}
	return fmt.Sprintf("%d%s", p.Year(), p.Type)
}

// ParsePeriodKey is the strict inverse of String. It accepts only the
// four stored key forms, nothing looser.
func ParsePeriodKey(s string) (ReportPeriod, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return ReportPeriod{Type: PeriodAsOf, EndDate: t.UTC()}, nil
	}
	if len(s) < 6 {
		return ReportPeriod{}, fmt.Errorf("malformed period key %q", s)
	}
	year, err := strconv.Atoi(s[:4])
	if err != nil {
		return ReportPeriod{}, fmt.Errorf("malformed period key %q", s)
	}

	var month time.Month
	var day int
	typ := PeriodType(s[4:])
	switch typ {
	case PeriodQ1:
		month, day = time.March, 31
	case PeriodH1:
		month, day = time.June, 30
	case PeriodQ3:
		month, day = time.September, 30
	case PeriodFY:
		month, day = time.December, 31
	default:
		return ReportPeriod{}, fmt.Errorf("malformed period key %q", s)
	}
	return ReportPeriod{
		Type:    typ,
		EndDate: time.Date(year, month, day, 0, 0, 0, 0, time.UTC),
	}, nil
}

// ValueKind classifies a normalized cell value.
type ValueKind string

const (
	ValueAmount ValueKind = "amount"
	ValueRatio  ValueKind = "ratio"
	ValuePeriod ValueKind = "period"
	ValueText   ValueKind = "text"
	ValueNull   ValueKind = "null"
)

// CellValue is one table cell after normalization. Number is nil for
// null, text, and unparseable cells. A dash or empty cell is null,
// never zero.
type CellValue struct {
	Raw    string           `json:"raw"`
	Kind   ValueKind        `json:"kind"`
	Number *decimal.Decimal `json:"number,omitempty"`
	Unit   string           `json:"unit,omitempty"` // "%", "CNY", "CNY_100M", ...
	Period *ReportPeriod    `json:"period,omitempty"`
	Err    string           `json:"err,omitempty"` // set when the cell looked numeric but would not parse
}

// NormalizedTable pairs a logical table with its typed cells.
// ColumnPeriods has one entry per column; a zero period means the
// column inherits the document's report period.
type NormalizedTable struct {
	Table         *LogicalTable  `json:"table"`
	Cells         [][]CellValue  `json:"cells"`
	ColumnPeriods []ReportPeriod `json:"column_periods,omitempty"`
}

// FinancialRecord is one persisted metric value. The upsert identity
// is (CompanyID, Period, LineItemCode).
type FinancialRecord struct {
	CompanyID    string          `json:"company_id"`
	Period       ReportPeriod    `json:"period"`
	LineItemCode string          `json:"line_item_code"`
	Label        string          `json:"label"` // source row label before mapping
	Value        decimal.Decimal `json:"value"`
	Unit         string          `json:"unit,omitempty"`
	Kind         ValueKind       `json:"kind"`
	Confidence   float64         `json:"confidence"`
	SourceRef    string          `json:"source_ref"` // e.g. "doc42#page3-5/t1"
}

// UnmappedRecord is a table row whose label matched no known line
// item. Kept for review, never persisted to financial_records.
type UnmappedRecord struct {
	Label     string `json:"label"`
	RawValue  string `json:"raw_value"`
	SourceRef string `json:"source_ref"`
}

// UpsertResult counts the per-record outcomes of a persistence pass.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

func (r UpsertResult) Total() int { return r.Inserted + r.Updated + r.Skipped }

func (r *UpsertResult) Add(o UpsertResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Skipped += o.Skipped
}

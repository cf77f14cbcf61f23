package schema

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/trundleyrg/FinancialAgent/internal/model"
	"github.com/trundleyrg/FinancialAgent/internal/normalize"
)

// RecordSet is the outcome of mapping and validating one document's
// normalized tables.
type RecordSet struct {
	Records  []model.FinancialRecord
	Unmapped []model.UnmappedRecord
	Diags    []model.Diagnostic
}

// BuildRecords maps row labels to line items and validates the
// resulting records. Rows whose label matches nothing are kept as
// unmapped records for review, never as financial facts. A table
// whose body yields no valid record at all is reported as a
// table-scoped extraction failure; the document carries on.
func BuildRecords(doc *model.Document, mapper *Mapper, tables []*model.NormalizedTable) RecordSet {
	var out RecordSet
	seen := make(map[string]bool) // (code, period) pairs already emitted

	for _, nt := range tables {
		ref := nt.Table.Ref(doc.ID)
		bodyRows := 0
		tableRecords := 0

		for r := nt.Table.HeaderRows; r < len(nt.Cells); r++ {
			row := nt.Cells[r]
			if len(row) == 0 {
				continue
			}
			label := normalize.Label(row[0].Raw)
			if label == "" {
				continue
			}
			bodyRows++

			match, ok := mapper.Map(label)
			if !ok {
				out.Unmapped = append(out.Unmapped, model.UnmappedRecord{
					Label:     label,
					RawValue:  firstRawValue(row),
					SourceRef: ref,
				})
				continue
			}

			for c := 1; c < len(row); c++ {
				v := row[c]
				if v.Number == nil {
					continue
				}
				period := doc.Period
				if c < len(nt.ColumnPeriods) && !nt.ColumnPeriods[c].IsZero() {
					period = nt.ColumnPeriods[c]
				}
				rec := model.FinancialRecord{
					CompanyID:    doc.CompanyID,
					Period:       period,
					LineItemCode: match.Code,
					Label:        label,
					Value:        *v.Number,
					Unit:         v.Unit,
					Kind:         v.Kind,
					Confidence:   nt.Table.Confidence,
					SourceRef:    ref,
				}
				if diag, valid := validate(rec, ref); !valid {
					out.Diags = append(out.Diags, diag)
					continue
				}
				// Two columns can resolve to the same period when the
				// header repeats it; the leftmost column wins.
				key := rec.LineItemCode + "|" + rec.Period.String()
				if seen[key] {
					continue
				}
				seen[key] = true
				out.Records = append(out.Records, rec)
				tableRecords++
			}
		}

		if bodyRows > 0 && tableRecords == 0 {
			err := &model.TableExtractionError{Ref: ref, Reason: "no valid mapped records"}
			zap.L().Warn("table produced no records",
				zap.String("table", ref),
				zap.Int("body_rows", bodyRows),
			)
			out.Diags = append(out.Diags, model.Diagnostic{
				Scope:    model.DiagTable,
				Code:     "table_extraction_failure",
				TableRef: ref,
				Detail:   err.Error(),
			})
		}
	}
	return out
}

// validate enforces the persistence preconditions: non-empty company,
// period, line item, and a confidence inside [0, 1].
func validate(rec model.FinancialRecord, ref string) (model.Diagnostic, bool) {
	var reason string
	switch {
	case rec.CompanyID == "":
		reason = "missing company_id"
	case rec.Period.IsZero():
		reason = "missing report_period"
	case rec.LineItemCode == "":
		reason = "missing line_item_code"
	case rec.Confidence < 0 || rec.Confidence > 1:
		reason = fmt.Sprintf("confidence %.3f out of range", rec.Confidence)
	default:
		return model.Diagnostic{}, true
	}
	return model.Diagnostic{
		Scope:    model.DiagRecord,
		Code:     "invalid_record",
		TableRef: ref,
		Detail:   fmt.Sprintf("%s dropped: %s", rec.LineItemCode, reason),
	}, false
}

func firstRawValue(row []model.CellValue) string {
	for _, v := range row[1:] {
		if v.Raw != "" {
			return v.Raw
		}
	}
	return ""
}

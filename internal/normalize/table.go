package normalize

import (
	"strings"

	"golang.org/x/text/width"

	"github.com/trundleyrg/FinancialAgent/internal/model"
)

// Table types every cell of a merged table. The first column is the
// row label and stays text; header rows stay text but feed the
// per-column period detection. Body cells that look numeric but fail
// to parse become nulls with a cell-scoped diagnostic; the row
// survives.
func Table(docID string, t *model.LogicalTable, docPeriod model.ReportPeriod) (*model.NormalizedTable, []model.Diagnostic) {
	ref := t.Ref(docID)
	cells := make([][]model.CellValue, len(t.Rows))
	var diags []model.Diagnostic

	for r, row := range t.Rows {
		cells[r] = make([]model.CellValue, len(row))
		for c, raw := range row {
			if r < t.HeaderRows || c == 0 {
				cells[r][c] = textCell(raw)
				continue
			}
			v := ParseCell(raw)
			if v.Err != "" {
				cellErr := &model.UnparseableCellError{Row: r, Col: c, Raw: raw}
				diags = append(diags, model.Diagnostic{
					Scope:    model.DiagCell,
					Code:     "unparseable_cell",
					TableRef: ref,
					Detail:   cellErr.Error(),
				})
			}
			cells[r][c] = v
		}
	}

	return &model.NormalizedTable{
		Table:         t,
		Cells:         cells,
		ColumnPeriods: columnPeriods(t),
	}, diags
}

func textCell(raw string) model.CellValue {
	kind := model.ValueText
	if strings.TrimSpace(raw) == "" {
		kind = model.ValueNull
	}
	return model.CellValue{Raw: raw, Kind: kind}
}

// columnPeriods extracts a report period per column from the header
// rows. A zero entry means the column inherits the document's period.
func columnPeriods(t *model.LogicalTable) []model.ReportPeriod {
	periods := make([]model.ReportPeriod, t.Columns)
	for r := 0; r < t.HeaderRows && r < len(t.Rows); r++ {
		for c := 1; c < len(t.Rows[r]) && c < t.Columns; c++ {
			if !periods[c].IsZero() {
				continue
			}
			if p, ok := ParsePeriod(t.Rows[r][c]); ok {
				periods[c] = p
			}
		}
	}
	return periods
}

// Label canonicalizes a row label for mapping: fullwidth folded,
// whitespace collapsed, colons and footnote marks stripped.
func Label(raw string) string {
	s := width.Fold.String(raw)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, ":：")
	return strings.TrimSpace(strings.TrimLeft(s, "·•*※ "))
}

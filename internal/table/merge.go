package table

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"go.uber.org/zap"

	"github.com/trundleyrg/FinancialAgent/internal/config"
	"github.com/trundleyrg/FinancialAgent/internal/model"
	"github.com/trundleyrg/FinancialAgent/internal/normalize"
)

// Merger stitches per-page regions into logical tables across page
// breaks. A region continues the previous table when it opens its page,
// the previous region closed the prior page, the column counts match,
// and either the header row repeats or the first row is clearly data.
type Merger struct {
	headerSimilarity float64
	numericThreshold float64
}

func NewMerger(cfg config.TableConfig) *Merger {
	m := &Merger{
		headerSimilarity: cfg.HeaderSimilarity,
		numericThreshold: cfg.NumericRowThreshold,
	}
	if m.headerSimilarity <= 0 {
		m.headerSimilarity = 0.8
	}
	if m.numericThreshold <= 0 {
		m.numericThreshold = 0.6
	}
	return m
}

type continuation int

const (
	contNone      continuation = iota // column counts differ; plainly a new table
	contHeader                        // header row repeats; drop it
	contData                          // headerless carry-over; first row is data
	contAmbiguous                     // columns match but neither signal holds
)

// Merge consolidates regions, given in (page, index) order, into
// logical tables. Ambiguous continuations become independent tables
// and are reported as diagnostics rather than silently merged.
func (m *Merger) Merge(docID string, regions []*model.TableRegion) ([]*model.LogicalTable, []model.Diagnostic) {
	var tables []*model.LogicalTable
	var diags []model.Diagnostic
	var open *openTable

	flush := func() {
		if open != nil {
			tables = append(tables, open.finish())
			open = nil
		}
	}

	for i, r := range regions {
		rows := padRows(r.Cells)
		if len(rows) == 0 {
			continue
		}

		if open != nil && i > 0 && r.Index == 0 {
			prev := regions[i-1]
			joinable := prev.PageNumber == r.PageNumber-1 &&
				open.tail.PageNumber == prev.PageNumber && open.tail.Index == prev.Index
			if joinable {
				switch m.classify(open.table, rows) {
				case contHeader:
					open.extend(r, rows[1:])
					continue
				case contData:
					open.extend(r, rows)
					continue
				case contAmbiguous:
					ref := fmt.Sprintf("%s#page%d/r%d", docID, r.PageNumber, r.Index)
					zap.L().Info("ambiguous table continuation, starting new table",
						zap.String("region", ref),
						zap.Int("columns", len(rows[0])),
					)
					diags = append(diags, model.Diagnostic{
						Scope:      model.DiagTable,
						Code:       "ambiguous_continuation",
						PageNumber: r.PageNumber,
						TableRef:   ref,
						Detail:     "column count matches previous page but header differs; kept separate",
					})
				}
			}
		}

		flush()
		open = newOpenTable(len(tables)+1, r, rows, m.isHeaderRow(rows[0]))
	}
	flush()
	return tables, diags
}

// classify decides how a page-opening region relates to the table left
// open on the previous page.
func (m *Merger) classify(t *model.LogicalTable, rows [][]string) continuation {
	if len(rows[0]) != t.Columns {
		return contNone
	}
	if t.HeaderRows > 0 && headerSimilarity(t.Rows[0], rows[0]) >= m.headerSimilarity {
		return contHeader
	}
	if m.numericDensity(rows[0]) >= m.numericThreshold {
		return contData
	}
	return contAmbiguous
}

func (m *Merger) isHeaderRow(row []string) bool {
	return m.numericDensity(row) < m.numericThreshold
}

// numericDensity is the fraction of non-empty cells after the label
// column that read as numbers. Period headings ("2023", "2023年",
// "FY2023") look numeric but are excluded: they head columns, they do
// not fill them.
func (m *Merger) numericDensity(row []string) float64 {
	if len(row) < 2 {
		return 0
	}
	var nonEmpty, numeric int
	for _, cell := range row[1:] {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		nonEmpty++
		if looksNumeric(cell) && !periodHeading(cell) {
			numeric++
		}
	}
	if nonEmpty == 0 {
		return 0
	}
	return float64(numeric) / float64(nonEmpty)
}

func looksNumeric(s string) bool {
	var digits, letters int
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsLetter(r):
			letters++
		}
	}
	// Unit suffixes such as bn or 亿 ride along with numeric cells;
	// anything wordier is text.
	return digits > 0 && letters <= 2
}

func periodHeading(s string) bool {
	_, ok := normalize.ParsePeriod(s)
	return ok
}

// headerSimilarity compares two header rows as joined, space-collapsed
// strings: 1.0 is identical, 0.0 shares nothing.
func headerSimilarity(a, b []string) float64 {
	sa, sb := joinHeader(a), joinHeader(b)
	if sa == sb {
		return 1
	}
	longest := utf8.RuneCountInString(sa)
	if n := utf8.RuneCountInString(sb); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	dist := fuzzy.LevenshteinDistance(sa, sb)
	return 1 - float64(dist)/float64(longest)
}

func joinHeader(cells []string) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = strings.Join(strings.Fields(c), " ")
	}
	return strings.ToUpper(strings.Join(parts, "|"))
}

// padRows copies rows out to a uniform width. Short rows are padded
// with empty cells, never dropped.
func padRows(rows [][]string) [][]string {
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	if width == 0 {
		return nil
	}
	out := make([][]string, len(rows))
	for i, row := range rows {
		out[i] = make([]string, width)
		copy(out[i], row)
	}
	return out
}

// openTable accumulates one logical table while later pages may still
// extend it. Confidence is the row-weighted mean of its regions.
type openTable struct {
	table    *model.LogicalTable
	tail     model.RegionRef
	confSum  float64
	rowCount int
}

func newOpenTable(ordinal int, r *model.TableRegion, rows [][]string, hasHeader bool) *openTable {
	headerRows := 0
	if hasHeader {
		headerRows = 1
	}
	o := &openTable{
		table: &model.LogicalTable{
			Ordinal:    ordinal,
			Rows:       rows,
			Columns:    len(rows[0]),
			HeaderRows: headerRows,
			Regions:    []model.RegionRef{{PageNumber: r.PageNumber, Index: r.Index}},
			Method:     r.Method,
		},
		tail: model.RegionRef{PageNumber: r.PageNumber, Index: r.Index},
	}
	o.confSum = r.Confidence * float64(len(rows))
	o.rowCount = len(rows)
	return o
}

func (o *openTable) extend(r *model.TableRegion, rows [][]string) {
	for _, row := range rows {
		if len(row) != o.table.Columns {
			padded := make([]string, o.table.Columns)
			copy(padded, row)
			row = padded
		}
		o.table.Rows = append(o.table.Rows, row)
	}
	ref := model.RegionRef{PageNumber: r.PageNumber, Index: r.Index}
	o.table.Regions = append(o.table.Regions, ref)
	o.tail = ref
	o.confSum += r.Confidence * float64(len(rows))
	o.rowCount += len(rows)
}

func (o *openTable) finish() *model.LogicalTable {
	if o.rowCount > 0 {
		o.table.Confidence = o.confSum / float64(o.rowCount)
	}
	return o.table
}

package model

import "fmt"

// DetectMethod names the strategy that produced a table region.
type DetectMethod string

const (
	DetectRuled         DetectMethod = "ruled"
	DetectWhitespace    DetectMethod = "whitespace"
	DetectModelAssisted DetectMethod = "model-assisted"
)

// TableRegion is a rectangular table found on a single page. Cells is
// row-major raw text; every row has the same length, padded with empty
// strings where a cell spans or is blank.
type TableRegion struct {
	PageNumber int          `json:"page_number"`
	Index      int          `json:"index"` // position among the page's regions, top to bottom
	Box        Rect         `json:"box"`
	Method     DetectMethod `json:"method"`
	Confidence float64      `json:"confidence"`
	Cells      [][]string   `json:"cells"`
}

func (r *TableRegion) ColumnCount() int {
	if len(r.Cells) == 0 {
		return 0
	}
	return len(r.Cells[0])
}

func (r *TableRegion) RowCount() int { return len(r.Cells) }

// HeaderRow returns the first row, or nil for an empty region.
func (r *TableRegion) HeaderRow() []string {
	if len(r.Cells) == 0 {
		return nil
	}
	return r.Cells[0]
}

// RegionRef points back at the page region a logical table was built
// from, for provenance.
type RegionRef struct {
	PageNumber int `json:"page_number"`
	Index      int `json:"index"`
}

// LogicalTable is one or more page regions stitched into a single
// table. Continuation regions contribute body rows only; the header,
// when present, comes from the first region.
type LogicalTable struct {
	Ordinal    int          `json:"ordinal"` // position within the document's merged tables
	Rows       [][]string   `json:"rows"`
	Columns    int          `json:"columns"`
	HeaderRows int          `json:"header_rows"` // leading rows that are header, 0 if none detected
	Regions    []RegionRef  `json:"regions"`
	Method     DetectMethod `json:"method"`
	Confidence float64      `json:"confidence"`
}

// Header returns the first header row, or nil when the table has none.
func (t *LogicalTable) Header() []string {
	if t.HeaderRows == 0 || len(t.Rows) == 0 {
		return nil
	}
	return t.Rows[0]
}

// Body returns the non-header rows.
func (t *LogicalTable) Body() [][]string {
	if t.HeaderRows >= len(t.Rows) {
		return nil
	}
	return t.Rows[t.HeaderRows:]
}

// PageRange returns the first and last page the table spans.
func (t *LogicalTable) PageRange() (first, last int) {
	for i, r := range t.Regions {
		if i == 0 || r.PageNumber < first {
			first = r.PageNumber
		}
		if r.PageNumber > last {
			last = r.PageNumber
		}
	}
	return first, last
}

// Ref renders the provenance reference recorded on persisted records,
// e.g. "doc42#page3-5/t1".
func (t *LogicalTable) Ref(docID string) string {
	first, last := t.PageRange()
	if first == last {
		return fmt.Sprintf("%s#page%d/t%d", docID, first, t.Ordinal)
	}
	return fmt.Sprintf("%s#page%d-%d/t%d", docID, first, last, t.Ordinal)
}

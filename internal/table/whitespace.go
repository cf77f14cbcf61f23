package table

import (
	"context"
	"sort"
	"strings"

	"github.com/trundleyrg/FinancialAgent/internal/layout"
	"github.com/trundleyrg/FinancialAgent/internal/model"
)

const (
	// colAlignTol is how far apart two segment left edges may sit and
	// still vote for the same column boundary.
	colAlignTol = 5.0

	// bandGapFactor scales the median line height into the vertical gap
	// that ends a candidate band.
	bandGapFactor = 2.2
)

// WhitespaceDetector reconstructs tables from text alignment alone,
// for pages whose tables are drawn without rule lines. Lines with
// multiple wide-gap segments form candidate bands; left edges that
// repeat across at least half the band's lines become column
// boundaries.
type WhitespaceDetector struct {
	MinRows int
	MinCols int
}

func (d *WhitespaceDetector) Name() string { return "whitespace" }

func (d *WhitespaceDetector) Detect(_ context.Context, page *model.Page, lines []layout.Line) ([]*model.TableRegion, error) {
	if lines == nil {
		lines = layout.GroupLines(page)
	}

	minRows, minCols := d.MinRows, d.MinCols
	if minRows <= 0 {
		minRows = 2
	}
	if minCols <= 0 {
		minCols = 2
	}

	var regions []*model.TableRegion
	for _, band := range candidateBands(lines, minCols) {
		if len(band) < minRows {
			continue
		}
		if region := buildWhitespaceRegion(page, band, minRows, minCols); region != nil {
			regions = append(regions, region)
		}
	}
	return regions, nil
}

// candidateBands groups consecutive multi-segment lines into bands,
// breaking on single-segment lines and on vertical gaps wider than
// bandGapFactor times the median line height.
func candidateBands(lines []layout.Line, minCols int) [][]layout.Line {
	maxGap := bandGapFactor * medianLineHeight(lines)

	var bands [][]layout.Line
	var cur []layout.Line
	flush := func() {
		if len(cur) > 0 {
			bands = append(bands, cur)
			cur = nil
		}
	}

	for i, line := range lines {
		if len(line.Segments()) < minCols {
			flush()
			continue
		}
		if len(cur) > 0 && cur[len(cur)-1].Y0-line.Y1 > maxGap {
			flush()
		}
		cur = append(cur, lines[i])
	}
	flush()
	return bands
}

func medianLineHeight(lines []layout.Line) float64 {
	if len(lines) == 0 {
		return 12
	}
	heights := make([]float64, 0, len(lines))
	for _, l := range lines {
		if h := l.Y1 - l.Y0; h > 0 {
			heights = append(heights, h)
		}
	}
	if len(heights) == 0 {
		return 12
	}
	sort.Float64s(heights)
	return heights[len(heights)/2]
}

func buildWhitespaceRegion(page *model.Page, band []layout.Line, minRows, minCols int) *model.TableRegion {
	bounds := columnBounds(band)
	if len(bounds) < minCols {
		return nil
	}

	// Column intervals run from each boundary to the next; the last one
	// extends to the band's right edge.
	box := band[0].Box()
	for _, l := range band[1:] {
		box = box.Union(l.Box())
	}
	intervals := make([]span2, len(bounds))
	for i, b := range bounds {
		end := box.X1
		if i+1 < len(bounds) {
			end = bounds[i+1]
		}
		intervals[i] = span2{lo: b - colAlignTol, hi: end}
	}

	var assigned, total int
	cells := make([][]string, len(band))
	for r, line := range band {
		texts := make([][]string, len(intervals))
		for _, seg := range line.Segments() {
			total++
			if col := assignColumn(seg.Box, intervals); col >= 0 {
				texts[col] = append(texts[col], seg.Text)
				assigned++
			}
		}
		cells[r] = make([]string, len(intervals))
		for c, parts := range texts {
			cells[r][c] = strings.TrimSpace(strings.Join(parts, " "))
		}
	}

	cells = pruneEmpty(cells)
	if len(cells) < minRows || len(cells[0]) < minCols {
		return nil
	}

	confidence := 0.0
	if total > 0 {
		confidence = float64(assigned) / float64(total)
	}
	return &model.TableRegion{
		PageNumber: page.Number,
		Box:        box,
		Method:     model.DetectWhitespace,
		Confidence: confidence,
		Cells:      cells,
	}
}

// columnBounds histogram-votes segment left edges across the band. An
// edge becomes a column boundary when at least half the lines (and at
// least two) start a segment there.
func columnBounds(band []layout.Line) []float64 {
	var xs []float64
	for _, line := range band {
		for _, seg := range line.Segments() {
			xs = append(xs, seg.Box.X0)
		}
	}
	ax := newAxis(xs, colAlignTol)

	support := make([]int, len(ax.reps))
	for _, line := range band {
		seen := make(map[int]bool)
		for _, seg := range line.Segments() {
			if i := ax.index(seg.Box.X0); i >= 0 && !seen[i] {
				seen[i] = true
				support[i]++
			}
		}
	}

	need := (len(band) + 1) / 2
	if need < 2 {
		need = 2
	}
	var bounds []float64
	for i, n := range support {
		if n >= need {
			bounds = append(bounds, ax.reps[i])
		}
	}
	return bounds
}

// span2 is a half-open horizontal interval in page coordinates.
type span2 struct {
	lo, hi float64
}

func (s span2) overlap(x0, x1 float64) float64 {
	lo, hi := x0, x1
	if s.lo > lo {
		lo = s.lo
	}
	if s.hi < hi {
		hi = s.hi
	}
	return hi - lo
}

// assignColumn picks the interval a segment belongs to. A segment
// touching a single interval goes there; one straddling several goes
// to the interval with greater horizontal overlap, ties to the left.
// Segments outside every interval stay unassigned and count as free
// text.
func assignColumn(box model.Rect, intervals []span2) int {
	first, count := -1, 0
	for i, iv := range intervals {
		if iv.overlap(box.X0, box.X1) > 0 {
			if first == -1 {
				first = i
			}
			count++
		}
	}
	if count <= 1 {
		return first
	}
	best, bestOverlap := first, 0.0
	for i, iv := range intervals {
		if ov := iv.overlap(box.X0, box.X1); ov > bestOverlap {
			best, bestOverlap = i, ov
		}
	}
	return best
}

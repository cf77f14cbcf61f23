// Package layout assembles positioned text runs into reading-order
// lines shared by table detection, the markdown mirror, and the
// model-assisted extractor.
package layout

import (
	"sort"
	"strings"

	"github.com/trundleyrg/FinancialAgent/internal/model"
)

// lineTol is the vertical tolerance for grouping runs onto one
// baseline band.
const lineTol = 3.0

// wideGapEm is the horizontal gap, in em, that separates two runs into
// distinct text segments when rendering a line.
const wideGapEm = 1.5

// Line is one baseline band of runs ordered left to right.
type Line struct {
	Runs []model.TextRun
	Y0   float64
	Y1   float64
}

// Box returns the bounding rect of the line.
func (l *Line) Box() model.Rect {
	if len(l.Runs) == 0 {
		return model.Rect{}
	}
	box := l.Runs[0].Box
	for _, r := range l.Runs[1:] {
		box = box.Union(r.Box)
	}
	return box
}

// Text joins the line's runs with single spaces.
func (l *Line) Text() string {
	parts := make([]string, len(l.Runs))
	for i, r := range l.Runs {
		parts[i] = r.Text
	}
	return strings.Join(parts, " ")
}

// Segment is a horizontally contiguous stretch of a line.
type Segment struct {
	Text string
	Box  model.Rect
}

// Segments splits the line wherever the gap between adjacent runs
// exceeds wideGapEm of the font size. Aligned table rows come back as
// one segment per visual column.
func (l *Line) Segments() []Segment {
	if len(l.Runs) == 0 {
		return nil
	}
	var segs []Segment
	cur := Segment{Text: l.Runs[0].Text, Box: l.Runs[0].Box}
	prevSize := l.Runs[0].FontSize

	for _, r := range l.Runs[1:] {
		size := prevSize
		if size <= 0 {
			size = 10
		}
		if r.Box.X0-cur.Box.X1 > wideGapEm*size {
			segs = append(segs, cur)
			cur = Segment{Text: r.Text, Box: r.Box}
		} else {
			cur.Text += " " + r.Text
			cur.Box = cur.Box.Union(r.Box)
		}
		prevSize = r.FontSize
	}
	return append(segs, cur)
}

// GroupLines groups a page's runs into baseline bands, top to bottom.
// Runs are assigned to a band when their baseline falls within lineTol
// of the band's baseline.
func GroupLines(page *model.Page) []Line {
	if len(page.Runs) == 0 {
		return nil
	}

	ordered := make([]model.TextRun, len(page.Runs))
	copy(ordered, page.Runs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Box.Y0 > ordered[j].Box.Y0
	})

	var lines []Line
	for _, run := range ordered {
		if n := len(lines); n > 0 && lines[n-1].Y0-run.Box.Y0 <= lineTol {
			line := &lines[n-1]
			line.Runs = append(line.Runs, run)
			if run.Box.Y0 < line.Y0 {
				line.Y0 = run.Box.Y0
			}
			if run.Box.Y1 > line.Y1 {
				line.Y1 = run.Box.Y1
			}
			continue
		}
		lines = append(lines, Line{
			Runs: []model.TextRun{run},
			Y0:   run.Box.Y0,
			Y1:   run.Box.Y1,
		})
	}

	for i := range lines {
		sort.SliceStable(lines[i].Runs, func(a, b int) bool {
			return lines[i].Runs[a].Box.X0 < lines[i].Runs[b].Box.X0
		})
	}
	return lines
}

// LinesInBox returns the lines whose boxes fall inside region,
// preserving top-to-bottom order. A line belongs to the region when
// its vertical center is inside and it overlaps horizontally.
func LinesInBox(lines []Line, region model.Rect) []Line {
	var out []Line
	for _, l := range lines {
		cy := (l.Y0 + l.Y1) / 2
		if cy < region.Y0 || cy > region.Y1 {
			continue
		}
		box := l.Box()
		if box.X1 < region.X0 || box.X0 > region.X1 {
			continue
		}
		out = append(out, l)
	}
	return out
}

// PageText renders the page as reading-order text, one line per
// baseline band.
func PageText(page *model.Page) string {
	lines := GroupLines(page)
	parts := make([]string, len(lines))
	for i := range lines {
		parts[i] = lines[i].Text()
	}
	return strings.Join(parts, "\n")
}

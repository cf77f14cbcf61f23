package table

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/tidwall/rtree"

	"github.com/trundleyrg/FinancialAgent/internal/layout"
	"github.com/trundleyrg/FinancialAgent/internal/model"
)

// RuledDetector reconstructs tables from drawn rule lines. It snaps
// rules onto a lattice, finds bounded cells at lattice corners, and
// pours the page's text runs into them.
type RuledDetector struct {
	MinRows int
	MinCols int
}

func (d *RuledDetector) Name() string { return "ruled" }

func (d *RuledDetector) Detect(_ context.Context, page *model.Page, _ []layout.Line) ([]*model.TableRegion, error) {
	if len(page.Rules) == 0 {
		return nil, nil
	}

	tol := snapTolRatio * math.Max(page.Width, page.Height)
	g := buildGrid(page.Rules, tol)
	cells := g.findCells()
	if len(cells) == 0 {
		return nil, nil
	}

	var regions []*model.TableRegion
	for _, group := range groupCells(g, cells, page.Height) {
		if region := d.buildRegion(g, group, page); region != nil {
			regions = append(regions, region)
		}
	}
	return regions, nil
}

func (d *RuledDetector) buildRegion(g *grid, cells []gridCell, page *model.Page) *model.TableRegion {
	// Row anchors are cell top edges, column anchors are cell left
	// edges. Spanning cells cover several anchors but write their text
	// into the first slot only.
	rowIdx := anchorIndex(cells, func(c gridCell) int { return c.j1 }, true)
	colIdx := anchorIndex(cells, func(c gridCell) int { return c.i0 }, false)
	numRows, numCols := len(rowIdx), len(colIdx)
	if numRows == 0 || numCols == 0 {
		return nil
	}

	texts := make([][]string, numRows)
	covered := make([][]bool, numRows)
	for r := range texts {
		texts[r] = make([]string, numCols)
		covered[r] = make([]bool, numCols)
	}

	// Spatial index of cell rects, so each run finds its cell by center
	// point.
	var tr rtree.RTreeG[int]
	box := cells[0].rect(g)
	for ci, c := range cells {
		r := c.rect(g)
		box = box.Union(r)
		tr.Insert([2]float64{r.X0, r.Y0}, [2]float64{r.X1, r.Y1}, ci)
	}

	parts := make([][]string, len(cells))
	for _, run := range page.Runs {
		cx, cy := run.Box.CenterX(), run.Box.CenterY()
		hit := -1
		tr.Search([2]float64{cx, cy}, [2]float64{cx, cy}, func(_, _ [2]float64, ci int) bool {
			hit = ci
			return false
		})
		if hit >= 0 {
			parts[hit] = append(parts[hit], run.Text)
		}
	}

	for ci, c := range cells {
		r, okR := rowIdx[c.j1]
		col, okC := colIdx[c.i0]
		if !okR || !okC {
			continue
		}
		texts[r][col] = strings.TrimSpace(strings.Join(parts[ci], " "))
		for rk, rpos := range rowIdx {
			if rk > c.j0 && rk <= c.j1 {
				for ck, cpos := range colIdx {
					if ck >= c.i0 && ck < c.i1 {
						covered[rpos][cpos] = true
					}
				}
			}
		}
	}

	var filled int
	for r := range covered {
		for c := range covered[r] {
			if covered[r][c] {
				filled++
			}
		}
	}
	completeness := float64(filled) / float64(numRows*numCols)

	texts = pruneEmpty(texts)
	minRows, minCols := d.MinRows, d.MinCols
	if minRows <= 0 {
		minRows = 2
	}
	if minCols <= 0 {
		minCols = 2
	}
	if len(texts) < minRows || len(texts[0]) < minCols {
		return nil
	}

	return &model.TableRegion{
		PageNumber: page.Number,
		Box:        box,
		Method:     model.DetectRuled,
		Confidence: math.Min(0.55+0.4*completeness, 0.98),
		Cells:      texts,
	}
}

// anchorIndex maps distinct anchor values to dense positions. Rows
// order top-down (descending y index), columns left-right.
func anchorIndex(cells []gridCell, key func(gridCell) int, descending bool) map[int]int {
	seen := make(map[int]bool)
	var keys []int
	for _, c := range cells {
		k := key(c)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Ints(keys)
	if descending {
		for l, r := 0, len(keys)-1; l < r; l, r = l+1, r-1 {
			keys[l], keys[r] = keys[r], keys[l]
		}
	}
	idx := make(map[int]int, len(keys))
	for pos, k := range keys {
		idx[k] = pos
	}
	return idx
}

// pruneEmpty removes rows and columns with no text at all.
func pruneEmpty(texts [][]string) [][]string {
	var rows [][]string
	for _, row := range texts {
		empty := true
		for _, cell := range row {
			if cell != "" {
				empty = false
				break
			}
		}
		if !empty {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil
	}

	numCols := len(rows[0])
	keep := make([]bool, numCols)
	var kept int
	for c := 0; c < numCols; c++ {
		for _, row := range rows {
			if row[c] != "" {
				keep[c] = true
				kept++
				break
			}
		}
	}
	if kept == numCols {
		return rows
	}

	out := make([][]string, len(rows))
	for r, row := range rows {
		out[r] = make([]string, 0, kept)
		for c, cell := range row {
			if keep[c] {
				out[r] = append(out[r], cell)
			}
		}
	}
	return out
}

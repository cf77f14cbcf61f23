package table

import (
	"math"
	"sort"

	"github.com/trundleyrg/FinancialAgent/internal/model"
)

const (
	// snapTolRatio scales the coordinate snap tolerance with page size.
	snapTolRatio = 0.005

	// splitGapRatio is the vertical gap, as a fraction of page height,
	// that splits one lattice into two stacked tables.
	splitGapRatio = 0.10
)

// axis clusters raw coordinate values within tol and maps them to
// stable representatives, so rules drawn a fraction of a point apart
// land on the same lattice line.
type axis struct {
	reps []float64
	tol  float64
}

func newAxis(values []float64, tol float64) *axis {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	a := &axis{tol: tol}
	var sum float64
	var n int
	flush := func() {
		if n > 0 {
			a.reps = append(a.reps, sum/float64(n))
			sum, n = 0, 0
		}
	}
	for i, v := range sorted {
		if i > 0 && v-sorted[i-1] > tol {
			flush()
		}
		sum += v
		n++
	}
	flush()
	return a
}

// index returns the cluster index for v, or -1 when v is outside every
// cluster. Lookup allows 1.5x tol because a cluster representative is
// the mean of its members.
func (a *axis) index(v float64) int {
	i := sort.SearchFloat64s(a.reps, v)
	best, bestDist := -1, a.tol*1.5
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(a.reps) {
			continue
		}
		if d := math.Abs(a.reps[j] - v); d <= bestDist {
			best, bestDist = j, d
		}
	}
	return best
}

// span is an inclusive interval in axis-index space.
type span struct {
	lo, hi int
}

func mergeSpans(spans []span) []span {
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].lo < spans[j].lo })
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.lo <= last.hi {
			if s.hi > last.hi {
				last.hi = s.hi
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// grid is the snapped rule lattice of one page. Axis indexes ascend
// with coordinate value, so a higher y index is higher on the page.
type grid struct {
	xs, ys *axis
	hSpans map[int][]span // y index → x intervals carrying a rule
	vSpans map[int][]span // x index → y intervals carrying a rule
}

func buildGrid(rules []model.RuleLine, tol float64) *grid {
	var xvals, yvals []float64
	for _, r := range rules {
		if r.Orientation == model.Horizontal {
			yvals = append(yvals, r.Y0)
			xvals = append(xvals, r.X0, r.X1)
		} else {
			xvals = append(xvals, r.X0)
			yvals = append(yvals, r.Y0, r.Y1)
		}
	}

	g := &grid{
		xs:     newAxis(xvals, tol),
		ys:     newAxis(yvals, tol),
		hSpans: make(map[int][]span),
		vSpans: make(map[int][]span),
	}

	for _, r := range rules {
		if r.Orientation == model.Horizontal {
			y := g.ys.index(r.Y0)
			a, b := g.xs.index(r.X0), g.xs.index(r.X1)
			if y >= 0 && a >= 0 && b > a {
				g.hSpans[y] = append(g.hSpans[y], span{lo: a, hi: b})
			}
		} else {
			x := g.xs.index(r.X0)
			a, b := g.ys.index(r.Y0), g.ys.index(r.Y1)
			if x >= 0 && a >= 0 && b > a {
				g.vSpans[x] = append(g.vSpans[x], span{lo: a, hi: b})
			}
		}
	}

	for k, spans := range g.hSpans {
		g.hSpans[k] = mergeSpans(spans)
	}
	for k, spans := range g.vSpans {
		g.vSpans[k] = mergeSpans(spans)
	}
	return g
}

// hasH reports whether a horizontal rule at y index j covers x indexes
// [a, b].
func (g *grid) hasH(j, a, b int) bool {
	for _, s := range g.hSpans[j] {
		if s.lo <= a && s.hi >= b {
			return true
		}
	}
	return false
}

// hasV reports whether a vertical rule at x index i covers y indexes
// [a, b].
func (g *grid) hasV(i, a, b int) bool {
	for _, s := range g.vSpans[i] {
		if s.lo <= a && s.hi >= b {
			return true
		}
	}
	return false
}

// pointAt reports whether a horizontal and a vertical rule cross at
// lattice point (i, j).
func (g *grid) pointAt(i, j int) bool {
	return g.hasH(j, i, i) && g.hasV(i, j, j)
}

// reachRight returns the furthest x index a horizontal rule at y index
// j extends to from i.
func (g *grid) reachRight(j, i int) int {
	for _, s := range g.hSpans[j] {
		if s.lo <= i && s.hi >= i {
			return s.hi
		}
	}
	return i
}

// reachDown returns the lowest y index a vertical rule at x index i
// extends to from j.
func (g *grid) reachDown(i, j int) int {
	for _, s := range g.vSpans[i] {
		if s.lo <= j && s.hi >= j {
			return s.lo
		}
	}
	return j
}

// gridCell is a bounded cell in axis-index space. j1 is the top edge.
type gridCell struct {
	i0, j0, i1, j1 int
}

func (c gridCell) rect(g *grid) model.Rect {
	return model.Rect{
		X0: g.xs.reps[c.i0],
		Y0: g.ys.reps[c.j0],
		X1: g.xs.reps[c.i1],
		Y1: g.ys.reps[c.j1],
	}
}

func (c gridCell) contains(o gridCell) bool {
	return c.i0 <= o.i0 && c.j0 <= o.j0 && c.i1 >= o.i1 && c.j1 >= o.j1 &&
		(c.i1-c.i0)*(c.j1-c.j0) > (o.i1-o.i0)*(o.j1-o.j0)
}

// findCells walks every lattice point as a potential top-left corner
// and emits the minimal fully bounded cell anchored there.
func (g *grid) findCells() []gridCell {
	var cells []gridCell
	for j := len(g.ys.reps) - 1; j >= 1; j-- {
		for i := 0; i+1 < len(g.xs.reps); i++ {
			if !g.pointAt(i, j) {
				continue
			}
			if c, ok := g.minimalCell(i, j); ok {
				cells = append(cells, c)
			}
		}
	}
	return dedupeCells(cells)
}

func (g *grid) minimalCell(i, j int) (gridCell, bool) {
	hReach := g.reachRight(j, i)
	vReach := g.reachDown(i, j)
	for i2 := i + 1; i2 <= hReach; i2++ {
		if !g.pointAt(i2, j) {
			continue
		}
		for j2 := j - 1; j2 >= vReach; j2-- {
			if !g.pointAt(i, j2) || !g.pointAt(i2, j2) {
				continue
			}
			if g.hasH(j2, i, i2) && g.hasV(i2, j2, j) {
				return gridCell{i0: i, j0: j2, i1: i2, j1: j}, true
			}
		}
	}
	return gridCell{}, false
}

// dedupeCells drops any cell that fully contains a smaller cell, which
// happens when a corner's nearest closing edges skip over an inner
// lattice.
func dedupeCells(cells []gridCell) []gridCell {
	out := cells[:0]
	for i, c := range cells {
		container := false
		for k, o := range cells {
			if i != k && c.contains(o) {
				container = true
				break
			}
		}
		if !container {
			out = append(out, c)
		}
	}
	return out
}

// groupCells partitions cells into stacked tables, splitting where the
// vertical gap exceeds splitGapRatio of the page height.
func groupCells(g *grid, cells []gridCell, pageHeight float64) [][]gridCell {
	if len(cells) == 0 {
		return nil
	}
	sorted := append([]gridCell(nil), cells...)
	sort.SliceStable(sorted, func(a, b int) bool {
		if sorted[a].j1 != sorted[b].j1 {
			return sorted[a].j1 > sorted[b].j1
		}
		return sorted[a].i0 < sorted[b].i0
	})

	maxGap := splitGapRatio * pageHeight
	var groups [][]gridCell
	var curBottom float64
	for _, c := range sorted {
		top, bottom := g.ys.reps[c.j1], g.ys.reps[c.j0]
		if len(groups) > 0 && curBottom-top <= maxGap {
			groups[len(groups)-1] = append(groups[len(groups)-1], c)
			if bottom < curBottom {
				curBottom = bottom
			}
			continue
		}
		groups = append(groups, []gridCell{c})
		curBottom = bottom
	}
	return groups
}

package pdfio

import (
	"context"
	"os"
	"sort"
	"sync"

	pdflib "github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/trundleyrg/FinancialAgent/internal/model"
)

const (
	// thinEdge is the max thickness for a drawn rect to count as a rule
	// line rather than a border box.
	thinEdge = 2.0

	// Fragments on the same baseline closer than joinGapEm em are glued
	// into one run without a space.
	joinGapEm = 0.3

	baselineTol = 2.0
)

// NativeOpener reads PDFs with the embedded parser and falls back to
// ocr for pages it cannot decode. A nil ocr disables the fallback.
type NativeOpener struct {
	ocr PageOCR
}

func NewNativeOpener(ocr PageOCR) *NativeOpener {
	return &NativeOpener{ocr: ocr}
}

func (o *NativeOpener) Open(ctx context.Context, path string) (Source, error) {
	f, reader, err := pdflib.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pdfio: open %s", path)
	}
	return &nativeSource{path: path, file: f, reader: reader, ocr: o.ocr}, nil
}

// nativeSource is safe for concurrent ReadPage calls: the native
// decode is serialized on mu, while the OCR fallback runs unlocked so
// slow pages overlap.
type nativeSource struct {
	path   string
	file   *os.File
	reader *pdflib.Reader
	ocr    PageOCR

	mu sync.Mutex
}

func (s *nativeSource) PageCount() int { return s.reader.NumPage() }

func (s *nativeSource) Close() error { return s.file.Close() }

// ReadPage decodes one page (1-based). Pages the parser cannot decode
// go through the OCR fallback; if that also yields nothing, the page is
// reported unreadable.
func (s *nativeSource) ReadPage(ctx context.Context, number int) (*model.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if number < 1 || number > s.reader.NumPage() {
		return nil, eris.Errorf("pdfio: page %d out of range 1..%d", number, s.reader.NumPage())
	}

	s.mu.Lock()
	page, reason := s.decodePage(number)
	s.mu.Unlock()
	if page != nil && len(page.Runs) > 0 {
		return page, nil
	}
	if reason == "" {
		reason = "no text content"
	}

	if s.ocr == nil {
		return nil, &model.UnreadablePageError{PageNumber: number, Reason: reason}
	}

	zap.L().Debug("native read failed, trying ocr fallback",
		zap.String("path", s.path),
		zap.Int("page", number),
		zap.String("reason", reason))

	runs, err := s.ocr.OCRPage(ctx, s.path, number)
	if err != nil {
		return nil, &model.UnreadablePageError{PageNumber: number, Reason: reason + "; ocr: " + err.Error()}
	}
	if len(runs) == 0 {
		return nil, &model.UnreadablePageError{PageNumber: number, Reason: reason + "; ocr returned no text"}
	}

	if page == nil {
		page = &model.Page{Number: number, Width: 612, Height: 792}
	}
	page.Runs = runs
	page.Status = model.PageStatusOK
	sortRuns(page.Runs)
	return page, nil
}

// decodePage parses page content natively. The parser panics on
// malformed streams, so failures surface as a reason string instead of
// propagating.
func (s *nativeSource) decodePage(number int) (page *model.Page, reason string) {
	defer func() {
		if r := recover(); r != nil {
			page, reason = nil, eris.Errorf("parser: %v", r).Error()
		}
	}()

	p := s.reader.Page(number)
	if p.V.IsNull() {
		return nil, "missing page object"
	}

	w, h := mediaBox(p)
	content := p.Content()

	page = &model.Page{
		Number: number,
		Width:  w,
		Height: h,
		Runs:   mergeFragments(content.Text),
		Rules:  rectsToRules(content.Rect),
		Status: model.PageStatusOK,
	}
	sortRuns(page.Runs)
	return page, ""
}

// mediaBox resolves the page size, walking up the page tree for
// inherited values.
func mediaBox(p pdflib.Page) (w, h float64) {
	v := p.V
	for !v.IsNull() {
		if mb := v.Key("MediaBox"); !mb.IsNull() && mb.Len() == 4 {
			w = mb.Index(2).Float64() - mb.Index(0).Float64()
			h = mb.Index(3).Float64() - mb.Index(1).Float64()
			if w > 0 && h > 0 {
				return w, h
			}
		}
		v = v.Key("Parent")
	}
	return 612, 792
}

// mergeFragments glues per-glyph text fragments into word-level runs.
// Fragments share a run when they sit on the same baseline and the
// horizontal gap is under joinGapEm of the font size.
func mergeFragments(frags []pdflib.Text) []model.TextRun {
	if len(frags) == 0 {
		return nil
	}

	ordered := make([]pdflib.Text, len(frags))
	copy(ordered, frags)
	sort.SliceStable(ordered, func(i, j int) bool {
		if diff := ordered[i].Y - ordered[j].Y; diff > baselineTol || diff < -baselineTol {
			return ordered[i].Y > ordered[j].Y
		}
		return ordered[i].X < ordered[j].X
	})

	var runs []model.TextRun
	var cur *model.TextRun
	var curEnd float64

	for _, f := range ordered {
		if f.S == "" {
			continue
		}
		size := f.FontSize
		if size <= 0 {
			size = 10
		}
		sameLine := cur != nil && abs(f.Y-cur.Box.Y0) <= baselineTol
		if sameLine && f.X-curEnd <= joinGapEm*size {
			cur.Text += f.S
			curEnd = f.X + f.W
			if curEnd > cur.Box.X1 {
				cur.Box.X1 = curEnd
			}
			continue
		}

		runs = append(runs, model.TextRun{
			Text:     f.S,
			FontSize: size,
			Box: model.Rect{
				X0: f.X,
				Y0: f.Y,
				X1: f.X + f.W,
				Y1: f.Y + size,
			},
		})
		cur = &runs[len(runs)-1]
		curEnd = f.X + f.W
	}

	// Drop runs that are only whitespace.
	out := runs[:0]
	for _, r := range runs {
		if !isBlank(r.Text) {
			out = append(out, r)
		}
	}
	return out
}

// rectsToRules converts drawn rectangles into rule lines. Thin rects
// are lines; wider rects contribute their four border edges.
func rectsToRules(rects []pdflib.Rect) []model.RuleLine {
	var rules []model.RuleLine
	for _, r := range rects {
		x0, y0 := r.Min.X, r.Min.Y
		x1, y1 := r.Max.X, r.Max.Y
		if x1 < x0 {
			x0, x1 = x1, x0
		}
		if y1 < y0 {
			y0, y1 = y1, y0
		}

		w, h := x1-x0, y1-y0
		switch {
		case h <= thinEdge && w > thinEdge:
			y := (y0 + y1) / 2
			rules = append(rules, model.RuleLine{Orientation: model.Horizontal, X0: x0, Y0: y, X1: x1, Y1: y})
		case w <= thinEdge && h > thinEdge:
			x := (x0 + x1) / 2
			rules = append(rules, model.RuleLine{Orientation: model.Vertical, X0: x, Y0: y0, X1: x, Y1: y1})
		case w > thinEdge && h > thinEdge:
			rules = append(rules,
				model.RuleLine{Orientation: model.Horizontal, X0: x0, Y0: y0, X1: x1, Y1: y0},
				model.RuleLine{Orientation: model.Horizontal, X0: x0, Y0: y1, X1: x1, Y1: y1},
				model.RuleLine{Orientation: model.Vertical, X0: x0, Y0: y0, X1: x0, Y1: y1},
				model.RuleLine{Orientation: model.Vertical, X0: x1, Y0: y0, X1: x1, Y1: y1},
			)
		}
	}
	return rules
}

// sortRuns orders runs top-to-bottom, then left-to-right.
func sortRuns(runs []model.TextRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if diff := runs[i].Box.Y0 - runs[j].Box.Y0; diff > baselineTol || diff < -baselineTol {
			return runs[i].Box.Y0 > runs[j].Box.Y0
		}
		return runs[i].Box.X0 < runs[j].Box.X0
	})
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' && r != ' ' {
			return false
		}
	}
	return true
}

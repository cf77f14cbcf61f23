// Package mirror renders an extracted document as a markdown file for
// human review: free text as paragraphs, detected tables as pipe
// tables, in page order. The mirror is write-only; nothing in the
// pipeline reads it back.
package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/trundleyrg/FinancialAgent/internal/config"
	"github.com/trundleyrg/FinancialAgent/internal/layout"
	"github.com/trundleyrg/FinancialAgent/internal/model"
)

// PageContent pairs a decoded page with the table regions found on it.
// A nil Page marks a page that could not be read.
type PageContent struct {
	Number  int
	Page    *model.Page
	Regions []*model.TableRegion
}

// Writer renders documents into a mirror directory. When Dir is empty
// the mirror lands next to the source PDF.
type Writer struct {
	dir string
}

func NewWriter(cfg config.MirrorConfig) *Writer {
	return &Writer{dir: cfg.Dir}
}

// Write renders the document and writes it to disk, returning the
// mirror path.
func (w *Writer) Write(doc *model.Document, pages []PageContent, tables []*model.LogicalTable) (string, error) {
	dir := w.dir
	if dir == "" {
		dir = filepath.Dir(doc.SourcePath)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrap(err, "mirror: create output dir")
	}

	base := strings.TrimSuffix(filepath.Base(doc.SourcePath), filepath.Ext(doc.SourcePath))
	path := filepath.Join(dir, base+".md")

	content := Render(doc, pages, tables)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", eris.Wrapf(err, "mirror: write %s", path)
	}

	zap.L().Debug("mirror written",
		zap.String("doc", doc.ID),
		zap.String("path", path))
	return path, nil
}

// Render produces the markdown mirror as a string. Each logical table
// appears once, at the position of its first region; continuation
// regions on later pages are absorbed into it.
func Render(doc *model.Document, pages []PageContent, tables []*model.LogicalTable) string {
	var b strings.Builder

	title := doc.CompanyName
	if title == "" {
		title = doc.CompanyID
	}
	fmt.Fprintf(&b, "# %s — %s\n\n", title, doc.Period.String())
	fmt.Fprintf(&b, "- company: %s\n", doc.CompanyID)
	fmt.Fprintf(&b, "- source: %s\n", filepath.Base(doc.SourcePath))

	// Map each region back to the logical table it opened, so the
	// mirror can interleave tables with the surrounding text.
	opens := make(map[model.RegionRef]*model.LogicalTable, len(tables))
	absorbed := make(map[model.RegionRef]bool)
	for _, t := range tables {
		for i, ref := range t.Regions {
			if i == 0 {
				opens[ref] = t
			} else {
				absorbed[ref] = true
			}
		}
	}

	for _, pc := range pages {
		fmt.Fprintf(&b, "\n## Page %d\n", pc.Number)

		if pc.Page == nil {
			b.WriteString("\n_Page could not be read._\n")
			continue
		}

		renderPage(&b, pc, opens, absorbed)
	}
	return b.String()
}

// renderPage walks the page top to bottom, emitting free-text lines as
// paragraphs and tables where their regions sit.
func renderPage(b *strings.Builder, pc PageContent, opens map[model.RegionRef]*model.LogicalTable, absorbed map[model.RegionRef]bool) {
	lines := layout.GroupLines(pc.Page)

	emitted := make([]bool, len(pc.Regions))
	inParagraph := false

	emitRegion := func(i int) {
		emitted[i] = true
		r := pc.Regions[i]
		ref := model.RegionRef{PageNumber: r.PageNumber, Index: r.Index}
		if absorbed[ref] {
			return
		}
		if t, ok := opens[ref]; ok {
			inParagraph = false
			b.WriteString("\n")
			writeTable(b, t)
		}
	}

	for i := range lines {
		line := &lines[i]
		cy := (line.Y0 + line.Y1) / 2
		for j, r := range pc.Regions {
			if !emitted[j] && r.Box.CenterY() >= cy {
				emitRegion(j)
			}
		}

		if insideAny(pc.Regions, line) {
			continue
		}
		if !inParagraph {
			b.WriteString("\n")
			inParagraph = true
		}
		b.WriteString(line.Text())
		b.WriteString("\n")
	}
	for j := range pc.Regions {
		if !emitted[j] {
			emitRegion(j)
		}
	}
}

// insideAny reports whether the line's center falls inside one of the
// page's table regions.
func insideAny(regions []*model.TableRegion, line *layout.Line) bool {
	box := line.Box()
	for _, r := range regions {
		if r.Box.Contains(box.CenterX(), box.CenterY()) {
			return true
		}
	}
	return false
}

// writeTable renders a logical table as a markdown pipe table. Tables
// without a detected header get an empty header row so the table still
// renders.
func writeTable(b *strings.Builder, t *model.LogicalTable) {
	if len(t.Rows) == 0 {
		return
	}

	cols := t.Columns
	header := t.Header()
	if header == nil {
		header = make([]string, cols)
	}

	writeRow(b, header)
	b.WriteString("|")
	for i := 0; i < cols; i++ {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range t.Body() {
		writeRow(b, row)
	}
}

func writeRow(b *strings.Builder, row []string) {
	b.WriteString("|")
	for _, cell := range row {
		b.WriteString(" ")
		b.WriteString(escapeCell(cell))
		b.WriteString(" |")
	}
	b.WriteString("\n")
}

// escapeCell keeps cell text from breaking the pipe-table syntax.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

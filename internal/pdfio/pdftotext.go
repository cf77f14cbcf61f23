package pdfio

import (
	"bytes"
	"context"
	"encoding/xml"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/trundleyrg/FinancialAgent/internal/model"
)

// PdfToText recovers positioned words using the poppler pdftotext CLI
// in bbox mode. It handles font encodings the embedded parser cannot,
// which is most of the "unreadable" pages in CJK filings.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// OCRPage runs pdftotext -bbox on a single page and returns word runs
// in PDF coordinates.
func (p *PdfToText) OCRPage(ctx context.Context, pdfPath string, pageNumber int) ([]model.TextRun, error) {
	n := strconv.Itoa(pageNumber)
	cmd := exec.CommandContext(ctx, p.binPath, "-bbox", "-f", n, "-l", n, pdfPath, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "pdfio: pdftotext failed for %s page %d: %s", pdfPath, pageNumber, stderr.String())
	}

	return parseBBox(stdout.Bytes())
}

type bboxHTML struct {
	Pages []bboxPage `xml:"body>doc>page"`
}

type bboxPage struct {
	Width  float64    `xml:"width,attr"`
	Height float64    `xml:"height,attr"`
	Words  []bboxWord `xml:"word"`
}

type bboxWord struct {
	XMin float64 `xml:"xMin,attr"`
	YMin float64 `xml:"yMin,attr"`
	XMax float64 `xml:"xMax,attr"`
	YMax float64 `xml:"yMax,attr"`
	Text string  `xml:",chardata"`
}

// parseBBox converts pdftotext -bbox XHTML into text runs. The bbox
// coordinates measure y from the top of the page, so they are flipped
// into PDF space here.
func parseBBox(data []byte) ([]model.TextRun, error) {
	var doc bboxHTML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "pdfio: parse bbox output")
	}

	var runs []model.TextRun
	for _, pg := range doc.Pages {
		for _, w := range pg.Words {
			text := strings.TrimSpace(w.Text)
			if text == "" {
				continue
			}
			runs = append(runs, model.TextRun{
				Text:     text,
				FontSize: w.YMax - w.YMin,
				Box: model.Rect{
					X0: w.XMin,
					Y0: pg.Height - w.YMax,
					X1: w.XMax,
					Y1: pg.Height - w.YMin,
				},
			})
		}
	}
	sortRuns(runs)
	return runs, nil
}

package modelassist

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/trundleyrg/FinancialAgent/internal/config"
	"github.com/trundleyrg/FinancialAgent/internal/layout"
	"github.com/trundleyrg/FinancialAgent/internal/model"
)

// systemPrompt instructs the model to transcribe tables only, in a
// format the parser below can split mechanically.
const systemPrompt = `You are a document analyst transcribing tables from financial report pages.

You receive the text of one page in reading order. Column boundaries inside a line are marked with " | ".

Rules:
- Transcribe every table on the page. Ignore prose, titles, headers and footers.
- Output each table as tab-separated rows, one row per line. Separate tables with exactly one blank line.
- Copy cell text verbatim: keep signs, parentheses, percent signs, units, and Chinese text unchanged.
- Do not add, infer, or compute any values. Do not translate.
- If the page contains no tables, output exactly NONE.
- Output nothing else: no commentary, no markdown fences.`

// Detector asks a language model to transcribe the tables the
// geometric strategies could not find. It runs last in the cascade.
type Detector struct {
	client     Client
	model      string
	maxTokens  int64
	confidence float64
}

func NewDetector(client Client, cfg config.ModelAssistConfig) *Detector {
	return &Detector{
		client:     client,
		model:      cfg.Model,
		maxTokens:  int64(cfg.MaxTokens),
		confidence: cfg.Confidence,
	}
}

func (d *Detector) Name() string { return string(model.DetectModelAssisted) }

// Detect sends the page text to the model and parses the returned
// blocks. Regions carry the configured flat confidence: the model
// gives no geometric evidence to score, so the floor decides whether
// its output is trusted at all.
func (d *Detector) Detect(ctx context.Context, page *model.Page, lines []layout.Line) ([]*model.TableRegion, error) {
	text := renderLines(lines)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	temp := 0.0
	resp, err := d.client.CreateMessage(ctx, MessageRequest{
		Model:       d.model,
		MaxTokens:   d.maxTokens,
		System:      systemPrompt,
		Messages:    []Message{{Role: "user", Content: text}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "modelassist: extract page %d", page.Number)
	}
	resp.Usage.LogCost(d.model, "table-extract")

	cells := parseBlocks(resp.Text)
	if len(cells) == 0 {
		return nil, nil
	}

	regions := make([]*model.TableRegion, 0, len(cells))
	for _, c := range cells {
		regions = append(regions, &model.TableRegion{
			PageNumber: page.Number,
			Box:        model.Rect{X0: 0, Y0: 0, X1: page.Width, Y1: page.Height},
			Method:     model.DetectModelAssisted,
			Confidence: d.confidence,
			Cells:      c,
		})
	}
	zap.L().Debug("model-assisted extraction",
		zap.Int("page", page.Number),
		zap.Int("tables", len(regions)))
	return regions, nil
}

// renderLines flattens the page into reading-order text, marking the
// wide-gap segment boundaries so column structure survives the trip
// through the prompt.
func renderLines(lines []layout.Line) string {
	parts := make([]string, len(lines))
	for i := range lines {
		segs := lines[i].Segments()
		texts := make([]string, len(segs))
		for j, s := range segs {
			texts[j] = s.Text
		}
		parts[i] = strings.Join(texts, " | ")
	}
	return strings.Join(parts, "\n")
}

// parseBlocks splits the response into tables on blank lines and rows
// on tabs. Blocks smaller than two rows by two columns are noise from
// a model that ignored the format, not tables.
func parseBlocks(text string) [][][]string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "NONE") {
		return nil
	}

	var tables [][][]string
	for _, block := range strings.Split(text, "\n\n") {
		var rows [][]string
		width := 0
		for _, line := range strings.Split(block, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			cells := strings.Split(line, "\t")
			for i := range cells {
				cells[i] = strings.TrimSpace(cells[i])
			}
			if len(cells) > width {
				width = len(cells)
			}
			rows = append(rows, cells)
		}
		if len(rows) < 2 || width < 2 {
			continue
		}
		for i, r := range rows {
			for len(r) < width {
				r = append(r, "")
			}
			rows[i] = r
		}
		tables = append(tables, rows)
	}
	return tables
}

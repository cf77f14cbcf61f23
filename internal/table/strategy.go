// Package table reconstructs tabular structure from positioned page
// content. Detection strategies run as an ordered cascade; a merger
// stitches per-page regions into logical tables spanning page breaks.
package table

import (
	"context"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/trundleyrg/FinancialAgent/internal/config"
	"github.com/trundleyrg/FinancialAgent/internal/layout"
	"github.com/trundleyrg/FinancialAgent/internal/model"
	"github.com/trundleyrg/FinancialAgent/internal/resilience"
)

// Detector is one table-detection strategy. Implementations must be
// safe for concurrent use across pages.
type Detector interface {
	Name() string
	Detect(ctx context.Context, page *model.Page, lines []layout.Line) ([]*model.TableRegion, error)
}

// Cascade tries detection strategies in order until one finds tables.
// A strategy that errors transiently gets a bounded number of attempts
// before the cascade falls back to the next; a strategy that cleanly
// finds nothing falls through immediately. Regions under the
// confidence floor are dropped and surfaced as diagnostics, not
// errors.
type Cascade struct {
	detectors     []Detector
	minConfidence float64
	retry         resilience.RetryConfig
}

// NewCascade builds the cascade from the configured strategy order.
// Detectors are matched to cfg.Strategies by name; names with no
// registered detector are skipped with a warning, and an empty order
// keeps the registered detectors as given.
func NewCascade(cfg config.TableConfig, attempts int, detectors ...Detector) *Cascade {
	ordered := detectors
	if len(cfg.Strategies) > 0 {
		byName := make(map[string]Detector, len(detectors))
		for _, d := range detectors {
			byName[d.Name()] = d
		}
		ordered = ordered[:0:0]
		for _, name := range cfg.Strategies {
			d, ok := byName[name]
			if !ok {
				zap.L().Warn("unknown table strategy in config", zap.String("strategy", name))
				continue
			}
			ordered = append(ordered, d)
			delete(byName, name)
		}
		// Detectors registered but absent from the configured order run
		// last. The model-assisted fallback lands here when enabled.
		for _, d := range detectors {
			if _, pending := byName[d.Name()]; pending {
				ordered = append(ordered, d)
			}
		}
	}

	retry := resilience.DefaultRetryConfig()
	if attempts > 0 {
		retry.MaxAttempts = attempts
	}
	return &Cascade{
		detectors:     ordered,
		minConfidence: cfg.MinConfidence,
		retry:         retry,
	}
}

// DetectPage runs the cascade on one page. It returns the surviving
// regions in top-to-bottom order with Index assigned, plus diagnostics
// for regions discarded below the confidence floor. A nil region slice
// with a nil error means the page has no tables, which is not a
// defect. The returned error is the last strategy's failure and only
// set when every strategy failed.
func (c *Cascade) DetectPage(ctx context.Context, page *model.Page) ([]*model.TableRegion, []model.Diagnostic, error) {
	if page.Status == model.PageStatusUnreadable || len(page.Runs) == 0 {
		return nil, nil, nil
	}
	lines := layout.GroupLines(page)

	var lastErr error
	for _, d := range c.detectors {
		retry := c.retry
		retry.OnRetry = resilience.RetryLogger("table", d.Name())
		regions, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]*model.TableRegion, error) {
			return d.Detect(ctx, page, lines)
		})
		if err != nil {
			lastErr = eris.Wrapf(err, "table: %s detect page %d", d.Name(), page.Number)
			if ctx.Err() != nil {
				return nil, nil, lastErr
			}
			zap.L().Warn("table strategy failed, falling back",
				zap.String("strategy", d.Name()),
				zap.Int("page", page.Number),
				zap.Error(err),
			)
			continue
		}
		if len(regions) == 0 {
			continue
		}

		kept, diags := c.filter(page, regions)
		if len(kept) == 0 {
			// Everything this strategy found was below the floor; a
			// later strategy may still do better.
			lastErr = nil
			continue
		}
		return kept, diags, nil
	}
	return nil, nil, lastErr
}

// filter orders regions top to bottom, assigns their page-local index,
// and drops those under the confidence floor.
func (c *Cascade) filter(page *model.Page, regions []*model.TableRegion) ([]*model.TableRegion, []model.Diagnostic) {
	sort.SliceStable(regions, func(i, j int) bool {
		if regions[i].Box.Y1 != regions[j].Box.Y1 {
			return regions[i].Box.Y1 > regions[j].Box.Y1
		}
		return regions[i].Box.X0 < regions[j].Box.X0
	})

	var kept []*model.TableRegion
	var diags []model.Diagnostic
	for _, r := range regions {
		if r.Confidence < c.minConfidence {
			diags = append(diags, model.Diagnostic{
				Scope:      model.DiagTable,
				Code:       "low_confidence_table",
				PageNumber: page.Number,
				Detail: fmt.Sprintf("%s region discarded: confidence %.2f below %.2f",
					r.Method, r.Confidence, c.minConfidence),
			})
			continue
		}
		r.Index = len(kept)
		kept = append(kept, r)
	}
	return kept, diags
}

// Package pipeline runs one document's extraction as an explicit
// stage machine: load, read pages, reconstruct tables, merge,
// normalize, validate, persist. Page-scoped failures degrade the run
// into diagnostics; fatal failures stop it and mark the run failed.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trundleyrg/FinancialAgent/internal/config"
	"github.com/trundleyrg/FinancialAgent/internal/mirror"
	"github.com/trundleyrg/FinancialAgent/internal/model"
	"github.com/trundleyrg/FinancialAgent/internal/normalize"
	"github.com/trundleyrg/FinancialAgent/internal/pdfio"
	"github.com/trundleyrg/FinancialAgent/internal/resilience"
	"github.com/trundleyrg/FinancialAgent/internal/schema"
	"github.com/trundleyrg/FinancialAgent/internal/store"
	"github.com/trundleyrg/FinancialAgent/internal/table"
)

// Pipeline orchestrates the extraction stages for single documents.
type Pipeline struct {
	cfg     *config.Config
	store   store.Store
	opener  pdfio.Opener
	cascade *table.Cascade
	merger  *table.Merger
	mapper  *schema.Mapper
	mirror  *mirror.Writer // nil disables the markdown mirror
}

// New creates a Pipeline with all dependencies.
func New(
	cfg *config.Config,
	st store.Store,
	opener pdfio.Opener,
	cascade *table.Cascade,
	merger *table.Merger,
	mapper *schema.Mapper,
	mirrorWriter *mirror.Writer,
) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		store:   st,
		opener:  opener,
		cascade: cascade,
		merger:  merger,
		mapper:  mapper,
		mirror:  mirrorWriter,
	}
}

// Run executes the full extraction for one document. The returned Run
// carries the final status and result even when err is non-nil.
func (p *Pipeline) Run(ctx context.Context, doc model.Document) (*model.Run, error) {
	if doc.ID == "" {
		// Deterministic per company+period so re-ingesting the same
		// report yields the same provenance refs.
		doc.ID = doc.Key()
	}
	doc.Status = model.DocumentStatusPending

	log := zap.L().With(
		zap.String("document", doc.ID),
		zap.String("company", doc.CompanyID),
		zap.String("period", doc.Period.String()),
		zap.String("source", doc.SourcePath),
	)
	log.Info("pipeline: starting extraction")

	if doc.SourceHash == "" {
		// Best effort: a missing file surfaces as the load stage error
		// with better context than a hash failure would.
		if h, hashErr := hashSource(doc.SourcePath); hashErr == nil {
			doc.SourceHash = h
		} else {
			log.Debug("pipeline: source hash unavailable", zap.Error(hashErr))
		}
	}

	run, err := p.store.CreateRun(ctx, doc)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}

	result := &model.RunResult{}
	start := time.Now()

	setStatus := func(status model.DocumentStatus) {
		if statusErr := p.store.UpdateRunStatus(ctx, run.ID, status); statusErr != nil {
			log.Warn("pipeline: failed to update status", zap.Error(statusErr))
		}
	}
	setStatus(model.DocumentStatusInProgress)

	cursor := newStageCursor()

	// trackStage advances through the stage machine, records the stage
	// row, and times fn. The returned error is fn's error; stage-level
	// degradation goes into diagnostics instead.
	trackStage := func(name model.Stage, fn func() (*model.StageResult, error)) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return eris.Wrapf(ctxErr, "pipeline: cancelled before %s", name)
		}
		if stateErr := cursor.advance(name); stateErr != nil {
			return stateErr
		}

		stageID, createErr := p.store.CreateStage(ctx, run.ID, name)
		if createErr != nil {
			log.Warn("pipeline: failed to create stage", zap.String("stage", string(name)), zap.Error(createErr))
		}

		stageStart := time.Now()
		sr, fnErr := fn()
		duration := time.Since(stageStart).Milliseconds()

		if sr == nil {
			sr = &model.StageResult{}
		}
		sr.Name = name
		sr.Duration = duration

		if fnErr != nil {
			sr.Status = model.StageStatusFailed
			sr.Error = fnErr.Error()
			log.Error("pipeline: stage failed",
				zap.String("stage", string(name)),
				zap.Int64("duration_ms", duration),
				zap.Error(fnErr),
			)
		} else {
			sr.Status = model.StageStatusComplete
			log.Info("pipeline: stage complete",
				zap.String("stage", string(name)),
				zap.Int64("duration_ms", duration),
			)
		}

		if stageID != "" {
			_ = p.store.CompleteStage(ctx, stageID, sr)
		}
		result.Stages = append(result.Stages, *sr)
		return fnErr
	}

	// ===== Stage: loaded =====
	var src pdfio.Source
	var pageCount int

	if err := trackStage(model.StageLoaded, func() (*model.StageResult, error) {
		s, openErr := p.opener.Open(ctx, doc.SourcePath)
		if openErr != nil {
			return nil, openErr
		}
		if s.PageCount() == 0 {
			s.Close() //nolint:errcheck
			return nil, eris.Errorf("pipeline: %s has no pages", doc.SourcePath)
		}
		src = s
		pageCount = s.PageCount()
		return &model.StageResult{Metadata: map[string]any{"pages": pageCount}}, nil
	}); err != nil {
		return p.failRun(ctx, log, run, result, start, err)
	}
	defer src.Close() //nolint:errcheck
	result.PagesTotal = pageCount

	// ===== Stage: pages_read =====
	// Index-addressed slots so the fan-out needs no locking; slot i
	// holds page i+1, nil where the page was unreadable.
	pages := make([]*model.Page, pageCount)
	pageDiags := make([][]model.Diagnostic, pageCount)

	if err := trackStage(model.StagePagesRead, func() (*model.StageResult, error) {
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Pipeline.PageConcurrency)

		for n := 1; n <= pageCount; n++ {
			n := n
			g.Go(func() error {
				page, readErr := src.ReadPage(gCtx, n)
				if readErr != nil {
					if gCtx.Err() != nil || model.IsFatal(readErr) {
						return readErr
					}
					pageDiags[n-1] = append(pageDiags[n-1], model.Diagnostic{
						Scope:      model.DiagPage,
						Code:       "unreadable_page",
						PageNumber: n,
						Detail:     readErr.Error(),
					})
					return nil
				}
				pages[n-1] = page
				return nil
			})
		}
		if waitErr := g.Wait(); waitErr != nil {
			return nil, waitErr
		}

		read := 0
		for _, pg := range pages {
			if pg != nil {
				read++
			}
		}
		result.PagesRead = read
		result.PagesFailed = pageCount - read
		for _, diags := range pageDiags {
			result.Diagnostics = append(result.Diagnostics, diags...)
		}
		if read == 0 {
			return nil, eris.New("pipeline: every page unreadable")
		}
		return &model.StageResult{Metadata: map[string]any{
			"read":       read,
			"unreadable": pageCount - read,
		}}, nil
	}); err != nil {
		return p.failRun(ctx, log, run, result, start, err)
	}

	// ===== Stage: tables_reconstructed =====
	regionsByPage := make([][]*model.TableRegion, pageCount)
	detectDiags := make([][]model.Diagnostic, pageCount)

	if err := trackStage(model.StageTablesReconstructed, func() (*model.StageResult, error) {
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Pipeline.PageConcurrency)

		for i, page := range pages {
			if page == nil {
				continue
			}
			i, page := i, page
			g.Go(func() error {
				regions, diags, detErr := p.cascade.DetectPage(gCtx, page)
				if detErr != nil {
					if gCtx.Err() != nil {
						return detErr
					}
					// Every strategy failed on this page. The page's
					// tables are lost, the document carries on.
					detectDiags[i] = append(detectDiags[i], model.Diagnostic{
						Scope:      model.DiagPage,
						Code:       "table_detection_failed",
						PageNumber: page.Number,
						Detail:     detErr.Error(),
					})
					return nil
				}
				regionsByPage[i] = regions
				detectDiags[i] = append(detectDiags[i], diags...)
				return nil
			})
		}
		if waitErr := g.Wait(); waitErr != nil {
			return nil, waitErr
		}

		found := 0
		for i := range regionsByPage {
			found += len(regionsByPage[i])
			result.Diagnostics = append(result.Diagnostics, detectDiags[i]...)
		}
		result.TablesFound = found
		return &model.StageResult{Metadata: map[string]any{"regions": found}}, nil
	}); err != nil {
		return p.failRun(ctx, log, run, result, start, err)
	}

	// ===== Stage: tables_merged =====
	var allRegions []*model.TableRegion
	for _, regions := range regionsByPage {
		allRegions = append(allRegions, regions...)
	}

	var tables []*model.LogicalTable
	if err := trackStage(model.StageTablesMerged, func() (*model.StageResult, error) {
		var mergeDiags []model.Diagnostic
		tables, mergeDiags = p.merger.Merge(doc.ID, allRegions)
		result.TablesMerged = len(tables)
		result.Diagnostics = append(result.Diagnostics, mergeDiags...)
		if len(tables) == 0 {
			result.Diagnostics = append(result.Diagnostics, model.Diagnostic{
				Scope:  model.DiagDocument,
				Code:   "no_tables_found",
				Detail: "no table regions survived detection and merging",
			})
		}
		return &model.StageResult{Metadata: map[string]any{
			"regions": len(allRegions),
			"tables":  len(tables),
		}}, nil
	}); err != nil {
		return p.failRun(ctx, log, run, result, start, err)
	}

	// ===== Stage: records_normalized =====
	var normTables []*model.NormalizedTable
	if err := trackStage(model.StageRecordsNormalized, func() (*model.StageResult, error) {
		for _, t := range tables {
			nt, diags := normalize.Table(doc.ID, t, doc.Period)
			result.Diagnostics = append(result.Diagnostics, diags...)
			if nt != nil {
				normTables = append(normTables, nt)
			}
		}
		return &model.StageResult{Metadata: map[string]any{"tables": len(normTables)}}, nil
	}); err != nil {
		return p.failRun(ctx, log, run, result, start, err)
	}

	// ===== Stage: records_validated =====
	var rs schema.RecordSet
	if err := trackStage(model.StageRecordsValidated, func() (*model.StageResult, error) {
		rs = schema.BuildRecords(&doc, p.mapper, normTables)
		result.Records = len(rs.Records)
		result.Unmapped = len(rs.Unmapped)
		result.Diagnostics = append(result.Diagnostics, rs.Diags...)
		return &model.StageResult{Metadata: map[string]any{
			"records":  len(rs.Records),
			"unmapped": len(rs.Unmapped),
		}}, nil
	}); err != nil {
		return p.failRun(ctx, log, run, result, start, err)
	}

	// Markdown mirror. Never fails the run; a write error is recorded
	// and extraction proceeds to persistence.
	if p.mirror != nil {
		pcs := make([]mirror.PageContent, pageCount)
		for i := range pcs {
			pcs[i] = mirror.PageContent{Number: i + 1, Page: pages[i], Regions: regionsByPage[i]}
		}
		if path, mirrorErr := p.mirror.Write(&doc, pcs, tables); mirrorErr != nil {
			log.Warn("pipeline: mirror write failed", zap.Error(mirrorErr))
			result.Diagnostics = append(result.Diagnostics, model.Diagnostic{
				Scope:  model.DiagDocument,
				Code:   "mirror_write_failed",
				Detail: mirrorErr.Error(),
			})
		} else {
			result.MirrorPath = path
		}
	}

	// ===== Stage: persisted =====
	if err := trackStage(model.StagePersisted, func() (*model.StageResult, error) {
		if schemaErr := p.store.VerifySchema(ctx); schemaErr != nil {
			return nil, schemaErr
		}

		retry := resilience.DefaultRetryConfig()
		if p.cfg.Pipeline.PersistRetries > 0 {
			retry.MaxAttempts = p.cfg.Pipeline.PersistRetries
		}
		retry.OnRetry = resilience.RetryLogger("store", "upsert records")

		upsert, upsertErr := resilience.DoVal(ctx, retry, func(ctx context.Context) (model.UpsertResult, error) {
			return p.store.UpsertRecords(ctx, doc.ID, rs.Records)
		})
		if upsertErr != nil {
			return nil, upsertErr
		}
		result.Upsert = upsert

		if unmappedErr := p.store.SaveUnmapped(ctx, doc.ID, rs.Unmapped); unmappedErr != nil {
			log.Warn("pipeline: save unmapped failed", zap.Error(unmappedErr))
			result.Diagnostics = append(result.Diagnostics, model.Diagnostic{
				Scope:  model.DiagDocument,
				Code:   "unmapped_not_saved",
				Detail: unmappedErr.Error(),
			})
		}
		return &model.StageResult{Metadata: map[string]any{
			"inserted": upsert.Inserted,
			"updated":  upsert.Updated,
			"skipped":  upsert.Skipped,
		}}, nil
	}); err != nil {
		return p.failRun(ctx, log, run, result, start, err)
	}

	// Finalize.
	result.DurationTotal = time.Since(start).Milliseconds()
	status := model.DocumentStatusComplete
	if result.Partial() {
		status = model.DocumentStatusPartiallyExtracted
	}
	if completeErr := p.store.CompleteRun(ctx, run.ID, status, result); completeErr != nil {
		log.Warn("pipeline: failed to save run result", zap.Error(completeErr))
	}
	run.Status = status
	run.Result = result

	log.Info("pipeline: extraction complete",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Int("records", result.Records),
		zap.Int("tables", result.TablesMerged),
		zap.Int("unmapped", result.Unmapped),
		zap.Int64("duration_ms", result.DurationTotal),
	)
	return run, nil
}

// hashSource returns the hex SHA-256 of the file at path.
func hashSource(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", eris.Wrapf(err, "pipeline: hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// failRun records the failed outcome. Bookkeeping writes run on a
// detached context so a cancelled extraction still leaves a failed
// run row behind.
func (p *Pipeline) failRun(ctx context.Context, log *zap.Logger, run *model.Run, result *model.RunResult, start time.Time, err error) (*model.Run, error) {
	result.Error = err.Error()
	result.DurationTotal = time.Since(start).Milliseconds()

	bookCtx := context.WithoutCancel(ctx)
	if completeErr := p.store.CompleteRun(bookCtx, run.ID, model.DocumentStatusFailed, result); completeErr != nil {
		log.Warn("pipeline: failed to record run failure", zap.Error(completeErr))
	}
	run.Status = model.DocumentStatusFailed
	run.Result = result

	log.Error("pipeline: extraction failed",
		zap.String("run_id", run.ID),
		zap.Int64("duration_ms", result.DurationTotal),
		zap.Error(err),
	)
	return run, err
}

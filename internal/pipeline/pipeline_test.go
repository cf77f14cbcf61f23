package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trundleyrg/FinancialAgent/internal/config"
	"github.com/trundleyrg/FinancialAgent/internal/mirror"
	"github.com/trundleyrg/FinancialAgent/internal/model"
	"github.com/trundleyrg/FinancialAgent/internal/resilience"
	"github.com/trundleyrg/FinancialAgent/internal/schema"
	"github.com/trundleyrg/FinancialAgent/internal/table"
)

func newTestConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{PageConcurrency: 4, StageRetries: 1, PersistRetries: 1},
		Table: config.TableConfig{
			MinRows:             2,
			MinCols:             2,
			MinConfidence:       0.5,
			HeaderSimilarity:    0.8,
			NumericRowThreshold: 0.6,
		},
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, st *fakeStore, opener *fakeOpener, det table.Detector, mirrorWriter *mirror.Writer) *Pipeline {
	t.Helper()
	mapper, err := schema.NewMapper(config.SchemaConfig{MaxEditDistance: 2})
	require.NoError(t, err)
	cascade := table.NewCascade(cfg.Table, cfg.Pipeline.StageRetries, det)
	merger := table.NewMerger(cfg.Table)
	return New(cfg, st, opener, cascade, merger, mapper, mirrorWriter)
}

func pipelineDoc() model.Document {
	return model.Document{
		CompanyID:   "600519",
		CompanyName: "贵州茅台",
		Period:      model.ReportPeriod{Type: model.PeriodFY, EndDate: time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)},
		SourcePath:  "/data/reports/maotai_2023.pdf",
	}
}

func recordCodes(records []model.FinancialRecord) []string {
	codes := make([]string, 0, len(records))
	for _, r := range records {
		codes = append(codes, r.LineItemCode)
	}
	return codes
}

func TestPipeline_Run_HappyPath(t *testing.T) {
	st := newFakeStore()
	src := &fakeSource{
		count: 2,
		pages: map[int]*model.Page{1: fakePage(1), 2: fakePage(2)},
	}
	// Page 2 repeats page 1's header, so the merger should stitch both
	// regions into one logical table.
	det := &stubDetector{cells: map[int][][]string{
		1: {
			{"项目", "2023年"},
			{"营业收入", "1,476.94"},
			{"净利润", "747.34"},
		},
		2: {
			{"项目", "2023年"},
			{"总资产", "2,722.49"},
			{"负债总计", "475.16"},
		},
	}}
	p := newTestPipeline(t, newTestConfig(), st, &fakeOpener{src: src}, det, nil)

	run, err := p.Run(context.Background(), pipelineDoc())
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, model.DocumentStatusComplete, run.Status)
	assert.Equal(t, model.DocumentStatusComplete, st.finalStatus)

	result := run.Result
	require.NotNil(t, result)
	assert.Equal(t, 2, result.PagesTotal)
	assert.Equal(t, 2, result.PagesRead)
	assert.Equal(t, 0, result.PagesFailed)
	assert.Equal(t, 2, result.TablesFound)
	assert.Equal(t, 1, result.TablesMerged)
	assert.Equal(t, 4, result.Records)
	assert.Equal(t, 0, result.Unmapped)
	assert.Empty(t, result.Diagnostics)
	assert.Equal(t, 4, result.Upsert.Inserted)

	// Stage history walks the happy path in order, all complete.
	require.Len(t, result.Stages, len(stageOrder))
	for i, sr := range result.Stages {
		assert.Equal(t, stageOrder[i], sr.Name)
		assert.Equal(t, model.StageStatusComplete, sr.Status)
	}
	assert.Equal(t, stageOrder, st.stageNames)

	require.Len(t, st.upsertCalls, 1)
	assert.ElementsMatch(t,
		[]string{"operating_revenue", "net_profit", "total_assets", "total_liabilities"},
		recordCodes(st.upsertCalls[0]))
	for _, rec := range st.upsertCalls[0] {
		assert.Equal(t, "600519", rec.CompanyID)
		assert.Equal(t, "2023FY", rec.Period.String())
		assert.Equal(t, 0.9, rec.Confidence)
	}

	require.Len(t, st.unmappedCalls, 1)
	assert.Empty(t, st.unmappedCalls[0])
	assert.True(t, src.closed)
}

func TestPipeline_Run_UnreadablePageDegradesToPartial(t *testing.T) {
	st := newFakeStore()
	pages := map[int]*model.Page{}
	for n := 1; n <= 10; n++ {
		if n == 7 {
			continue
		}
		pages[n] = fakePage(n)
	}
	src := &fakeSource{count: 10, pages: pages}
	det := &stubDetector{cells: map[int][][]string{
		2: {
			{"项目", "2023年"},
			{"营业收入", "1,476.94"},
			{"净利润", "747.34"},
		},
	}}
	p := newTestPipeline(t, newTestConfig(), st, &fakeOpener{src: src}, det, nil)

	run, err := p.Run(context.Background(), pipelineDoc())
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusPartiallyExtracted, run.Status)

	result := run.Result
	assert.Equal(t, 10, result.PagesTotal)
	assert.Equal(t, 9, result.PagesRead)
	assert.Equal(t, 1, result.PagesFailed)

	var unreadable []model.Diagnostic
	for _, d := range result.Diagnostics {
		if d.Code == "unreadable_page" {
			unreadable = append(unreadable, d)
		}
	}
	require.Len(t, unreadable, 1)
	assert.Equal(t, 7, unreadable[0].PageNumber)

	// Records from the readable pages still persist.
	require.Len(t, st.upsertCalls, 1)
	assert.Len(t, st.upsertCalls[0], 2)
}

func TestPipeline_Run_OpenFailureFailsRun(t *testing.T) {
	st := newFakeStore()
	p := newTestPipeline(t, newTestConfig(), st, &fakeOpener{err: errors.New("no such file")}, &stubDetector{}, nil)

	run, err := p.Run(context.Background(), pipelineDoc())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such file")
	assert.Equal(t, model.DocumentStatusFailed, run.Status)
	assert.Equal(t, model.DocumentStatusFailed, st.finalStatus)
	assert.Contains(t, run.Result.Error, "no such file")

	// Only the loaded stage ran, and it failed.
	assert.Equal(t, []model.Stage{model.StageLoaded}, st.stageNames)
	require.Len(t, run.Result.Stages, 1)
	assert.Equal(t, model.StageStatusFailed, run.Result.Stages[0].Status)
	assert.Empty(t, st.upsertCalls)
}

func TestPipeline_Run_CancelledBeforeStartPersistsNothing(t *testing.T) {
	st := newFakeStore()
	src := &fakeSource{count: 2, pages: map[int]*model.Page{1: fakePage(1), 2: fakePage(2)}}
	p := newTestPipeline(t, newTestConfig(), st, &fakeOpener{src: src}, &stubDetector{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := p.Run(ctx, pipelineDoc())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled before loaded")
	assert.Equal(t, model.DocumentStatusFailed, run.Status)

	// The failed outcome is still recorded despite the dead context.
	assert.Equal(t, model.DocumentStatusFailed, st.finalStatus)
	assert.Empty(t, st.stageNames)
	assert.Empty(t, st.upsertCalls)
}

func TestPipeline_Run_CancelledMidReadFailsWithoutPersisting(t *testing.T) {
	st := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())

	src := &fakeSource{count: 6, pages: map[int]*model.Page{}}
	for n := 1; n <= 6; n++ {
		src.pages[n] = fakePage(n)
	}
	src.onRead = func(int) { cancel() }

	p := newTestPipeline(t, newTestConfig(), st, &fakeOpener{src: src}, &stubDetector{}, nil)

	run, err := p.Run(ctx, pipelineDoc())
	require.Error(t, err)
	assert.Equal(t, model.DocumentStatusFailed, run.Status)
	assert.Equal(t, []model.Stage{model.StageLoaded, model.StagePagesRead}, st.stageNames)
	assert.Empty(t, st.upsertCalls)
}

func TestPipeline_Run_SchemaMismatchAbortsBeforeUpsert(t *testing.T) {
	st := newFakeStore()
	st.schemaErr = &model.SchemaMismatchError{Table: "financial_records", Missing: []string{"unit"}}

	src := &fakeSource{count: 1, pages: map[int]*model.Page{1: fakePage(1)}}
	det := &stubDetector{cells: map[int][][]string{
		1: {
			{"项目", "2023年"},
			{"营业收入", "1,476.94"},
		},
	}}
	p := newTestPipeline(t, newTestConfig(), st, &fakeOpener{src: src}, det, nil)

	run, err := p.Run(context.Background(), pipelineDoc())
	require.Error(t, err)

	var mismatch *model.SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, model.DocumentStatusFailed, run.Status)
	assert.Empty(t, st.upsertCalls, "upsert must not run against a mismatched schema")
}

func TestPipeline_Run_TransientPersistErrorRetried(t *testing.T) {
	cfg := newTestConfig()
	cfg.Pipeline.PersistRetries = 2

	st := newFakeStore()
	st.upsertErrs = []error{
		resilience.NewTransientError(errors.New("connection reset"), 0),
		nil,
	}

	src := &fakeSource{count: 1, pages: map[int]*model.Page{1: fakePage(1)}}
	det := &stubDetector{cells: map[int][][]string{
		1: {
			{"项目", "2023年"},
			{"营业收入", "1,476.94"},
		},
	}}
	p := newTestPipeline(t, cfg, st, &fakeOpener{src: src}, det, nil)

	run, err := p.Run(context.Background(), pipelineDoc())
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusComplete, run.Status)
	assert.Len(t, st.upsertCalls, 2, "first attempt transient, second succeeds")
}

func TestPipeline_Run_NoTablesFoundIsPartial(t *testing.T) {
	st := newFakeStore()
	src := &fakeSource{count: 2, pages: map[int]*model.Page{1: fakePage(1), 2: fakePage(2)}}
	p := newTestPipeline(t, newTestConfig(), st, &fakeOpener{src: src}, &stubDetector{}, nil)

	run, err := p.Run(context.Background(), pipelineDoc())
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusPartiallyExtracted, run.Status)
	assert.Equal(t, 0, run.Result.TablesFound)
	assert.Equal(t, 0, run.Result.Records)

	found := false
	for _, d := range run.Result.Diagnostics {
		if d.Code == "no_tables_found" {
			found = true
		}
	}
	assert.True(t, found)

	// The persist stage still runs, with nothing to write.
	require.Len(t, st.upsertCalls, 1)
	assert.Empty(t, st.upsertCalls[0])
}

func TestPipeline_Run_DetectorFailureIsPageScoped(t *testing.T) {
	st := newFakeStore()
	src := &fakeSource{count: 1, pages: map[int]*model.Page{1: fakePage(1)}}
	det := &stubDetector{err: errors.New("glyph table corrupt")}
	p := newTestPipeline(t, newTestConfig(), st, &fakeOpener{src: src}, det, nil)

	run, err := p.Run(context.Background(), pipelineDoc())
	require.NoError(t, err, "a page-scoped detection failure must not fail the run")
	assert.Equal(t, model.DocumentStatusPartiallyExtracted, run.Status)

	found := false
	for _, d := range run.Result.Diagnostics {
		if d.Code == "table_detection_failed" && d.PageNumber == 1 {
			found = true
		}
	}
	assert.True(t, found)
}

func TestPipeline_Run_WritesMirror(t *testing.T) {
	dir := t.TempDir()
	st := newFakeStore()
	src := &fakeSource{count: 1, pages: map[int]*model.Page{1: fakePage(1)}}
	det := &stubDetector{cells: map[int][][]string{
		1: {
			{"项目", "2023年"},
			{"营业收入", "1,476.94"},
		},
	}}
	w := mirror.NewWriter(config.MirrorConfig{Enabled: true, Dir: dir})
	p := newTestPipeline(t, newTestConfig(), st, &fakeOpener{src: src}, det, w)

	run, err := p.Run(context.Background(), pipelineDoc())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "maotai_2023.md"), run.Result.MirrorPath)

	data, err := os.ReadFile(run.Result.MirrorPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "| 营业收入 | 1,476.94 |")
}

func TestPipeline_Run_DocumentIDDefaultsToCompanyPeriodKey(t *testing.T) {
	st := newFakeStore()
	src := &fakeSource{count: 1, pages: map[int]*model.Page{1: fakePage(1)}}
	det := &stubDetector{cells: map[int][][]string{
		1: {
			{"项目", "2023年"},
			{"营业收入", "1,476.94"},
		},
	}}
	p := newTestPipeline(t, newTestConfig(), st, &fakeOpener{src: src}, det, nil)

	run, err := p.Run(context.Background(), pipelineDoc())
	require.NoError(t, err)
	assert.Equal(t, "600519/2023FY", run.Document.ID)

	require.Len(t, st.upsertCalls, 1)
	require.NotEmpty(t, st.upsertCalls[0])
	assert.Contains(t, st.upsertCalls[0][0].SourceRef, "600519/2023FY#page1")
}

func TestPipeline_Run_ComputesSourceHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.pdf")
	content := []byte("%PDF-1.7 fixture")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	st := newFakeStore()
	src := &fakeSource{count: 1, pages: map[int]*model.Page{1: fakePage(1)}}
	det := &stubDetector{cells: map[int][][]string{
		1: {
			{"项目", "2023年"},
			{"营业收入", "1,476.94"},
		},
	}}
	p := newTestPipeline(t, newTestConfig(), st, &fakeOpener{src: src}, det, nil)

	doc := pipelineDoc()
	doc.SourcePath = path

	run, err := p.Run(context.Background(), doc)
	require.NoError(t, err)

	want := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(want[:]), run.Document.SourceHash)
}

func TestPipeline_Run_MissingFileLeavesHashEmpty(t *testing.T) {
	st := newFakeStore()
	opener := &fakeOpener{err: errors.New("open: no such file")}
	p := newTestPipeline(t, newTestConfig(), st, opener, &stubDetector{}, nil)

	run, err := p.Run(context.Background(), pipelineDoc())
	require.Error(t, err)
	assert.Empty(t, run.Document.SourceHash)
}

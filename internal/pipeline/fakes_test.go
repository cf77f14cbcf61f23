package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/trundleyrg/FinancialAgent/internal/layout"
	"github.com/trundleyrg/FinancialAgent/internal/model"
	"github.com/trundleyrg/FinancialAgent/internal/pdfio"
	"github.com/trundleyrg/FinancialAgent/internal/store"
	"github.com/trundleyrg/FinancialAgent/internal/table"
)

// Compile-time interface checks.
var (
	_ store.Store    = (*fakeStore)(nil)
	_ pdfio.Opener   = (*fakeOpener)(nil)
	_ pdfio.Source   = (*fakeSource)(nil)
	_ table.Detector = (*stubDetector)(nil)
)

// --- Source / Opener ---

// fakeSource serves canned pages. A page number absent from pages is
// unreadable. onRead, when set, runs before each page read.
type fakeSource struct {
	count  int
	pages  map[int]*model.Page
	onRead func(number int)

	mu     sync.Mutex
	closed bool
}

func (f *fakeSource) PageCount() int { return f.count }

func (f *fakeSource) ReadPage(ctx context.Context, number int) (*model.Page, error) {
	if f.onRead != nil {
		f.onRead(number)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, ok := f.pages[number]
	if !ok || page == nil {
		return nil, &model.UnreadablePageError{PageNumber: number, Reason: "no text content"}
	}
	return page, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeOpener struct {
	src *fakeSource
	err error
}

func (f *fakeOpener) Open(ctx context.Context, path string) (pdfio.Source, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.src, nil
}

// fakePage builds a readable page with one text run so detection runs.
func fakePage(number int) *model.Page {
	return &model.Page{
		Number: number,
		Width:  612,
		Height: 792,
		Status: model.PageStatusOK,
		Runs: []model.TextRun{
			{Text: "财务报表", Box: model.Rect{X0: 72, Y0: 700, X1: 132, Y1: 712}},
		},
	}
}

// --- Detector ---

// stubDetector returns one canned region per page number.
type stubDetector struct {
	cells map[int][][]string
	err   error
}

func (d *stubDetector) Name() string { return "ruled" }

func (d *stubDetector) Detect(_ context.Context, page *model.Page, _ []layout.Line) ([]*model.TableRegion, error) {
	if d.err != nil {
		return nil, d.err
	}
	cells, ok := d.cells[page.Number]
	if !ok {
		return nil, nil
	}
	return []*model.TableRegion{{
		PageNumber: page.Number,
		Box:        model.Rect{X0: 72, Y0: 600, X1: 540, Y1: 720},
		Method:     model.DetectRuled,
		Confidence: 0.9,
		Cells:      cells,
	}}, nil
}

// --- Store ---

// fakeStore records every persistence call in memory.
type fakeStore struct {
	mu sync.Mutex

	runs        map[string]*model.Run
	statuses    []model.DocumentStatus
	finalStatus model.DocumentStatus
	finalResult *model.RunResult

	stageNames   []model.Stage
	stageResults []model.StageResult

	upsertCalls  [][]model.FinancialRecord
	upsertErrs   []error // popped per call; nil entry means success
	upsertResult model.UpsertResult

	unmappedCalls [][]model.UnmappedRecord
	unmappedErr   error

	schemaErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: map[string]*model.Run{}}
}

func (f *fakeStore) CreateRun(_ context.Context, doc model.Document) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := &model.Run{
		ID:       fmt.Sprintf("run-%d", len(f.runs)+1),
		Document: doc,
		Status:   model.DocumentStatusPending,
	}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeStore) UpdateRunStatus(_ context.Context, runID string, status model.DocumentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) CompleteRun(_ context.Context, runID string, status model.DocumentStatus, result *model.RunResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalStatus = status
	f.finalResult = result
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return run, nil
}

func (f *fakeStore) ListRuns(_ context.Context, _ store.RunFilter) ([]model.Run, error) {
	return nil, nil
}

func (f *fakeStore) CreateStage(_ context.Context, runID string, name model.Stage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageNames = append(f.stageNames, name)
	return fmt.Sprintf("stage-%d", len(f.stageNames)), nil
}

func (f *fakeStore) CompleteStage(_ context.Context, stageID string, result *model.StageResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageResults = append(f.stageResults, *result)
	return nil
}

func (f *fakeStore) UpsertRecords(_ context.Context, documentID string, records []model.FinancialRecord) (model.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls = append(f.upsertCalls, records)
	if len(f.upsertErrs) > 0 {
		err := f.upsertErrs[0]
		f.upsertErrs = f.upsertErrs[1:]
		if err != nil {
			return model.UpsertResult{}, err
		}
	}
	if f.upsertResult != (model.UpsertResult{}) {
		return f.upsertResult, nil
	}
	return model.UpsertResult{Inserted: len(records)}, nil
}

func (f *fakeStore) SaveUnmapped(_ context.Context, documentID string, records []model.UnmappedRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmappedCalls = append(f.unmappedCalls, records)
	return f.unmappedErr
}

func (f *fakeStore) ListRecords(_ context.Context, _ store.RecordFilter) ([]model.FinancialRecord, error) {
	return nil, nil
}

func (f *fakeStore) VerifySchema(_ context.Context) error { return f.schemaErr }
func (f *fakeStore) Migrate(_ context.Context) error      { return nil }
func (f *fakeStore) Close() error                         { return nil }

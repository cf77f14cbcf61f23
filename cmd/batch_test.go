package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trundleyrg/FinancialAgent/internal/model"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseManifest_Valid(t *testing.T) {
	path := writeManifest(t, `path,company_id,company_name,period
/data/reports/maotai_2023.pdf,600519,贵州茅台,2023FY
/data/reports/pingan_h1.pdf,601318,中国平安,2024H1
`)

	docs, err := parseManifest(path)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "600519", docs[0].CompanyID)
	assert.Equal(t, "贵州茅台", docs[0].CompanyName)
	assert.Equal(t, "2023FY", docs[0].Period.String())
	assert.Equal(t, "/data/reports/maotai_2023.pdf", docs[0].SourcePath)

	assert.Equal(t, "601318", docs[1].CompanyID)
	assert.Equal(t, "2024H1", docs[1].Period.String())
}

func TestParseManifest_ColumnOrderIrrelevant(t *testing.T) {
	path := writeManifest(t, `period,path,company_id
2023FY,/reports/a.pdf,600519
`)

	docs, err := parseManifest(path)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "600519", docs[0].CompanyID)
	assert.Equal(t, "/reports/a.pdf", docs[0].SourcePath)
	assert.Empty(t, docs[0].CompanyName)
}

func TestParseManifest_ChinesePeriodForm(t *testing.T) {
	path := writeManifest(t, `path,company_id,period
/reports/a.pdf,600519,2023年报
`)

	docs, err := parseManifest(path)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "2023FY", docs[0].Period.String())
}

func TestParseManifest_MissingColumn(t *testing.T) {
	path := writeManifest(t, `path,company_name
/reports/a.pdf,Acme
`)

	_, err := parseManifest(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing column "company_id"`)
}

func TestParseManifest_BadPeriod(t *testing.T) {
	path := writeManifest(t, `path,company_id,period
/reports/a.pdf,600519,someday
`)

	_, err := parseManifest(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.Contains(t, err.Error(), "unrecognized report period")
}

func TestParseManifest_EmptyFieldRejected(t *testing.T) {
	path := writeManifest(t, `path,company_id,period
/reports/a.pdf,,2023FY
`)

	_, err := parseManifest(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be non-empty")
}

func TestParseManifest_HeaderOnly(t *testing.T) {
	path := writeManifest(t, "path,company_id,period\n")

	_, err := parseManifest(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lists no documents")
}

func TestParseManifest_FileMissing(t *testing.T) {
	_, err := parseManifest(filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open manifest")
}

func batchDocs(n int) []model.Document {
	docs := make([]model.Document, n)
	for i := range docs {
		docs[i] = model.Document{
			CompanyID: fmt.Sprintf("60051%d", i),
			Period: model.ReportPeriod{
				Type:    model.PeriodFY,
				EndDate: time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
			},
			SourcePath: fmt.Sprintf("/reports/report_%d.pdf", i),
		}
	}
	return docs
}

func completedRun(doc model.Document, status model.DocumentStatus) *model.Run {
	return &model.Run{ID: "run-" + doc.CompanyID, Document: doc, Status: status}
}

func TestProcessBatch_AllComplete(t *testing.T) {
	var count atomic.Int64

	err := processBatch(context.Background(), batchDocs(3), 0, 2, func(_ context.Context, doc model.Document) (*model.Run, error) {
		count.Add(1)
		return completedRun(doc, model.DocumentStatusComplete), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count.Load())
}

func TestProcessBatch_FailureDoesNotAbort(t *testing.T) {
	var count atomic.Int64

	err := processBatch(context.Background(), batchDocs(3), 0, 1, func(_ context.Context, doc model.Document) (*model.Run, error) {
		count.Add(1)
		if doc.CompanyID == "600511" {
			return nil, errors.New("unreadable source")
		}
		return completedRun(doc, model.DocumentStatusComplete), nil
	})
	// One document failing never fails the batch.
	require.NoError(t, err)
	assert.Equal(t, int64(3), count.Load())
}

func TestProcessBatch_PartialCounted(t *testing.T) {
	err := processBatch(context.Background(), batchDocs(2), 0, 2, func(_ context.Context, doc model.Document) (*model.Run, error) {
		return completedRun(doc, model.DocumentStatusPartiallyExtracted), nil
	})
	require.NoError(t, err)
}

func TestProcessBatch_AppliesLimit(t *testing.T) {
	var count atomic.Int64

	err := processBatch(context.Background(), batchDocs(5), 3, 2, func(_ context.Context, doc model.Document) (*model.Run, error) {
		count.Add(1)
		return completedRun(doc, model.DocumentStatusComplete), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count.Load())
}

func TestProcessBatch_ZeroLimitProcessesAll(t *testing.T) {
	var count atomic.Int64

	err := processBatch(context.Background(), batchDocs(4), 0, 2, func(_ context.Context, doc model.Document) (*model.Run, error) {
		count.Add(1)
		return completedRun(doc, model.DocumentStatusComplete), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), count.Load())
}

func TestProcessBatch_ConcurrencyFloor(t *testing.T) {
	var count atomic.Int64

	// Concurrency below 1 is clamped, not an error.
	err := processBatch(context.Background(), batchDocs(2), 0, 0, func(_ context.Context, doc model.Document) (*model.Run, error) {
		count.Add(1)
		return completedRun(doc, model.DocumentStatusComplete), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count.Load())
}

func TestProcessBatch_EmptyDocs(t *testing.T) {
	err := processBatch(context.Background(), nil, 0, 2, func(_ context.Context, _ model.Document) (*model.Run, error) {
		t.Fatal("extract should not be called for an empty batch")
		return nil, nil
	})
	require.NoError(t, err)
}

package pdfio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trundleyrg/FinancialAgent/internal/config"
)

func newTestRemoteOCR(t *testing.T, baseURL string) *RemoteOCR {
	t.Helper()
	r := NewRemoteOCR(config.RemoteOCRConfig{
		BaseURL:        baseURL,
		Key:            "test-key",
		Model:          "test-model",
		RequestsPerSec: 1000,
	})
	r.retry.InitialBackoff = time.Millisecond
	r.retry.MaxBackoff = 2 * time.Millisecond
	return r
}

func writeTestPDF(t *testing.T) string {
	t.Helper()
	pdfPath := filepath.Join(t.TempDir(), "test.pdf")
	require.NoError(t, os.WriteFile(pdfPath, []byte("%PDF-1.4 test content"), 0644))
	return pdfPath
}

func TestRemoteOCR_Defaults(t *testing.T) {
	r := NewRemoteOCR(config.RemoteOCRConfig{Key: "k"})
	assert.Equal(t, defaultRemoteBaseURL+remoteOCRPath, r.endpoint)
	assert.Equal(t, defaultRemoteModel, r.model)
}

func TestRemoteOCR_OCRPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req remoteOCRRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "document_url", req.Document.Type)
		assert.Contains(t, req.Document.DocumentURL, "data:application/pdf;base64,")
		assert.Equal(t, []int{4}, req.Pages)

		resp := remoteOCRResponse{
			Pages: []remoteOCRPage{
				{Index: 4, Markdown: "# Annual Report\n\nRevenue 1,234"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))
	defer srv.Close()

	r := newTestRemoteOCR(t, srv.URL)
	runs, err := r.OCRPage(context.Background(), writeTestPDF(t), 5)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "# Annual Report", runs[0].Text)
	assert.Equal(t, "Revenue 1,234", runs[1].Text)
	assert.Greater(t, runs[0].Box.Y0, runs[1].Box.Y0)
}

func TestRemoteOCR_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer srv.Close()

	r := newTestRemoteOCR(t, srv.URL)
	_, err := r.OCRPage(context.Background(), writeTestPDF(t), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ocr API returned 401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRemoteOCR_TransientErrorRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		resp := remoteOCRResponse{Pages: []remoteOCRPage{{Index: 0, Markdown: "recovered"}}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))
	defer srv.Close()

	r := newTestRemoteOCR(t, srv.URL)
	runs, err := r.OCRPage(context.Background(), writeTestPDF(t), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "recovered", runs[0].Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRemoteOCR_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{invalid json`))
	}))
	defer srv.Close()

	r := newTestRemoteOCR(t, srv.URL)
	_, err := r.OCRPage(context.Background(), writeTestPDF(t), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal ocr response")
}

func TestRemoteOCR_FileNotFound(t *testing.T) {
	r := newTestRemoteOCR(t, "http://localhost:1")
	_, err := r.OCRPage(context.Background(), "/nonexistent/file.pdf", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read PDF")
}

func TestSynthesizeRuns(t *testing.T) {
	runs := synthesizeRuns("line one\n\n  indented\n")
	require.Len(t, runs, 2)

	assert.Equal(t, "line one", runs[0].Text)
	assert.Equal(t, "indented", runs[1].Text)

	// Blank line still advances the synthetic baseline.
	assert.InDelta(t, synthLineHeight*2, runs[0].Box.Y0-runs[1].Box.Y0, 0.001)
	// Leading spaces shift the run right.
	assert.InDelta(t, synthMargin+2*synthCharWidth, runs[1].Box.X0, 0.001)
}

func TestSynthesizeRuns_Empty(t *testing.T) {
	assert.Nil(t, synthesizeRuns(""))
}

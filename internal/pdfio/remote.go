package pdfio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/trundleyrg/FinancialAgent/internal/config"
	"github.com/trundleyrg/FinancialAgent/internal/model"
	"github.com/trundleyrg/FinancialAgent/internal/resilience"
)

const (
	defaultRemoteBaseURL = "https://api.mistral.ai"
	defaultRemoteModel   = "pixtral-large-latest"
	remoteOCRPath        = "/v1/ocr"

	// Synthetic layout for OCR text, which arrives without positions.
	synthPageWidth  = 612.0
	synthPageHeight = 792.0
	synthLineHeight = 12.0
	synthCharWidth  = 6.0
	synthMargin     = 72.0
)

// RemoteOCR recovers page text through a hosted OCR API. Requests are
// rate limited and guarded by a circuit breaker so a dead provider does
// not stall every unreadable page in a batch.
type RemoteOCR struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryConfig
}

// NewRemoteOCR creates a RemoteOCR extractor from config, applying
// defaults for base URL, model, and request rate.
func NewRemoteOCR(cfg config.RemoteOCRConfig) *RemoteOCR {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultRemoteBaseURL
	}
	mdl := cfg.Model
	if mdl == "" {
		mdl = defaultRemoteModel
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 1
	}

	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("remote_ocr", "ocr_page")

	// Only provider-down signals open the circuit; a rejected page is
	// that page's problem, not the provider's.
	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.ShouldTrip = resilience.IsTransient

	return &RemoteOCR{
		apiKey:   cfg.Key,
		model:    mdl,
		endpoint: baseURL + remoteOCRPath,
		client:   &http.Client{},
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		breaker:  resilience.NewCircuitBreaker(breakerCfg),
		retry:    retry,
	}
}

type remoteOCRRequest struct {
	Model    string            `json:"model"`
	Document remoteOCRDocument `json:"document"`
	Pages    []int             `json:"pages,omitempty"`
}

type remoteOCRDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type remoteOCRResponse struct {
	Pages []remoteOCRPage `json:"pages"`
}

type remoteOCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

// OCRPage sends one page through the OCR API and synthesizes runs from
// the returned markdown.
func (r *RemoteOCR) OCRPage(ctx context.Context, pdfPath string, pageNumber int) ([]model.TextRun, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "pdfio: remote ocr rate limit")
	}

	markdown, err := resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) (string, error) {
		return resilience.DoVal(ctx, r.retry, func(ctx context.Context) (string, error) {
			return r.requestPage(ctx, pdfPath, pageNumber)
		})
	})
	if err != nil {
		return nil, err
	}

	return synthesizeRuns(markdown), nil
}

func (r *RemoteOCR) requestPage(ctx context.Context, pdfPath string, pageNumber int) (string, error) {
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return "", eris.Wrapf(err, "pdfio: read PDF %s", pdfPath)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	reqBody := remoteOCRRequest{
		Model: r.model,
		Document: remoteOCRDocument{
			Type:        "document_url",
			DocumentURL: "data:application/pdf;base64," + encoded,
		},
		Pages: []int{pageNumber - 1}, // API pages are 0-based
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", eris.Wrap(err, "pdfio: marshal ocr request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", eris.Wrap(err, "pdfio: create ocr request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "pdfio: ocr API call")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "pdfio: read ocr response")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := eris.Errorf("pdfio: ocr API returned %d: %s", resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return "", apiErr
	}

	var ocrResp remoteOCRResponse
	if err := json.Unmarshal(respBody, &ocrResp); err != nil {
		return "", eris.Wrap(err, "pdfio: unmarshal ocr response")
	}

	var sb strings.Builder
	for i, page := range ocrResp.Pages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(page.Markdown)
	}
	return sb.String(), nil
}

// synthesizeRuns lays markdown lines out as one run per line with a
// fixed line height. OCR text has no real geometry, so downstream
// detection falls through to the model-assisted strategy, which only
// needs the text.
func synthesizeRuns(markdown string) []model.TextRun {
	var runs []model.TextRun
	y := synthPageHeight - synthMargin
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimRight(line, " \t")
		if strings.TrimSpace(trimmed) == "" {
			y -= synthLineHeight
			continue
		}
		indent := float64(len(trimmed) - len(strings.TrimLeft(trimmed, " ")))
		text := strings.TrimLeft(trimmed, " ")
		x0 := synthMargin + indent*synthCharWidth
		runs = append(runs, model.TextRun{
			Text:     text,
			FontSize: 10,
			Box: model.Rect{
				X0: x0,
				Y0: y - synthLineHeight,
				X1: x0 + float64(len(text))*synthCharWidth,
				Y1: y,
			},
		})
		y -= synthLineHeight
	}
	return runs
}

// Package pdfio reads positioned page content from PDF files, with an
// OCR fallback chain for pages the native parser cannot decode.
package pdfio

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/trundleyrg/FinancialAgent/internal/config"
	"github.com/trundleyrg/FinancialAgent/internal/model"
)

// Source yields the pages of one open PDF. Implementations are not safe
// for concurrent ReadPage calls unless documented otherwise.
type Source interface {
	PageCount() int
	ReadPage(ctx context.Context, number int) (*model.Page, error)
	Close() error
}

// Opener opens a PDF file for page reading.
type Opener interface {
	Open(ctx context.Context, path string) (Source, error)
}

// PageOCR recovers text runs for pages the native reader yields nothing
// for: broken font encodings, scanned pages.
type PageOCR interface {
	OCRPage(ctx context.Context, path string, pageNumber int) ([]model.TextRun, error)
}

// NewPageOCR creates the fallback extractor based on config. Provider
// "off" disables the fallback and returns a nil PageOCR.
func NewPageOCR(cfg config.ReaderConfig) (PageOCR, error) {
	switch cfg.OCRProvider {
	case "local", "":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "remote":
		if cfg.Remote.Key == "" {
			return nil, eris.New("pdfio: remote provider requires reader.remote.key")
		}
		return NewRemoteOCR(cfg.Remote), nil
	case "off":
		return nil, nil
	default:
		return nil, eris.Errorf("pdfio: unknown ocr provider %q", cfg.OCRProvider)
	}
}

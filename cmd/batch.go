package main

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trundleyrg/FinancialAgent/internal/model"
	"github.com/trundleyrg/FinancialAgent/internal/normalize"
)

var (
	batchManifest string
	batchLimit    int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Extract a batch of report PDFs listed in a manifest",
	Long: `Reads a CSV manifest with columns path,company_id,company_name,period
and runs the extraction pipeline over the listed documents concurrently.
A single document failing is counted and logged, never fatal to the batch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		docs, err := parseManifest(batchManifest)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return processBatch(ctx, docs, batchLimit, cfg.Batch.MaxConcurrentDocuments, env.Pipeline.Run)
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchManifest, "manifest", "", "CSV manifest path (required)")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max documents to process, 0 means all")
	_ = batchCmd.MarkFlagRequired("manifest")
	rootCmd.AddCommand(batchCmd)
}

// parseManifest reads the batch manifest CSV. The header row names the
// columns; path, company_id, and period are required, company_name is
// optional. Column order does not matter.
func parseManifest(path string) ([]model.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: open manifest %s", path)
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, eris.Wrap(err, "batch: read manifest header")
	}
	idx, err := manifestIndex(header)
	if err != nil {
		return nil, err
	}

	var docs []model.Document
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, eris.Wrapf(err, "batch: manifest line %d", line)
		}

		doc, err := manifestDocument(record, idx)
		if err != nil {
			return nil, eris.Wrapf(err, "batch: manifest line %d", line)
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil, eris.Errorf("batch: manifest %s lists no documents", path)
	}
	return docs, nil
}

func manifestIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[strings.TrimSpace(strings.ToLower(col))] = i
	}
	for _, col := range []string{"path", "company_id", "period"} {
		if _, ok := idx[col]; !ok {
			return nil, eris.Errorf("batch: manifest header is missing column %q", col)
		}
	}
	return idx, nil
}

func manifestDocument(record []string, idx map[string]int) (model.Document, error) {
	field := func(name string) string {
		i, ok := idx[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	path := field("path")
	company := field("company_id")
	periodStr := field("period")
	if path == "" || company == "" || periodStr == "" {
		return model.Document{}, eris.New("path, company_id and period must be non-empty")
	}
	period, ok := normalize.ParsePeriod(periodStr)
	if !ok {
		return model.Document{}, eris.Errorf("unrecognized report period %q", periodStr)
	}
	return model.Document{
		CompanyID:   company,
		CompanyName: field("company_name"),
		Period:      period,
		SourcePath:  path,
	}, nil
}

// extractFunc extracts a single document.
type extractFunc func(ctx context.Context, doc model.Document) (*model.Run, error)

// processBatch runs the documents through extract with bounded
// concurrency, counting complete, partial, and failed outcomes.
func processBatch(ctx context.Context, docs []model.Document, limit, concurrency int, extract extractFunc) error {
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("documents", len(docs)),
		zap.Int("concurrency", concurrency),
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var complete, partial, failed atomic.Int64

	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			log := zap.L().With(
				zap.String("company", doc.CompanyID),
				zap.String("period", doc.Period.String()),
			)

			run, err := extract(gCtx, doc)
			if err != nil {
				failed.Add(1)
				log.Error("document extraction failed", zap.Error(err))
				return nil // don't abort the batch on individual failure
			}

			if run.Status == model.DocumentStatusPartiallyExtracted {
				partial.Add(1)
			} else {
				complete.Add(1)
			}
			log.Info("document extraction finished",
				zap.String("run_id", run.ID),
				zap.String("status", string(run.Status)),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "batch processing")
	}

	zap.L().Info("batch finished",
		zap.Int64("complete", complete.Load()),
		zap.Int64("partial", partial.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return nil
}

package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/trundleyrg/FinancialAgent/internal/mirror"
	"github.com/trundleyrg/FinancialAgent/internal/modelassist"
	"github.com/trundleyrg/FinancialAgent/internal/pdfio"
	"github.com/trundleyrg/FinancialAgent/internal/pipeline"
	"github.com/trundleyrg/FinancialAgent/internal/schema"
	"github.com/trundleyrg/FinancialAgent/internal/store"
	"github.com/trundleyrg/FinancialAgent/internal/table"
)

// pipelineEnv bundles the store and pipeline shared by the extract,
// batch, and serve commands. Callers defer Close.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
}

func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "finagent.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initPipeline validates the config, opens the store, and assembles the
// reader, detection cascade, merger, and mapper into a pipeline.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate("extract"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	ocr, err := pdfio.NewPageOCR(cfg.Reader)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	opener := pdfio.NewNativeOpener(ocr)

	detectors := []table.Detector{
		&table.RuledDetector{MinRows: cfg.Table.MinRows, MinCols: cfg.Table.MinCols},
		&table.WhitespaceDetector{MinRows: cfg.Table.MinRows, MinCols: cfg.Table.MinCols},
	}
	if cfg.ModelAssist.Enabled {
		client := modelassist.NewClient(cfg.ModelAssist.Key)
		detectors = append(detectors, modelassist.NewDetector(client, cfg.ModelAssist))
		zap.L().Info("model-assisted table detection enabled",
			zap.String("model", cfg.ModelAssist.Model))
	}
	cascade := table.NewCascade(cfg.Table, cfg.Pipeline.StageRetries, detectors...)

	mapper, err := schema.NewMapper(cfg.Schema)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load line item mapping")
	}

	var mirrorWriter *mirror.Writer
	if cfg.Mirror.Enabled {
		mirrorWriter = mirror.NewWriter(cfg.Mirror)
	}

	p := pipeline.New(cfg, st, opener, cascade, table.NewMerger(cfg.Table), mapper, mirrorWriter)

	return &pipelineEnv{Store: st, Pipeline: p}, nil
}

package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/trundleyrg/FinancialAgent/internal/model"
	"github.com/trundleyrg/FinancialAgent/internal/normalize"
)

var (
	extractFile        string
	extractCompany     string
	extractCompanyName string
	extractPeriod      string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract one financial report PDF into the record store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		doc, err := buildDocument(extractFile, extractCompany, extractCompanyName, extractPeriod)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Pipeline.Run(ctx, doc)
		if err != nil {
			return eris.Wrap(err, "extract")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractFile, "file", "", "path to the report PDF (required)")
	extractCmd.Flags().StringVar(&extractCompany, "company", "", "company identifier, e.g. a stock code (required)")
	extractCmd.Flags().StringVar(&extractCompanyName, "company-name", "", "company display name")
	extractCmd.Flags().StringVar(&extractPeriod, "period", "", "report period, e.g. 2023FY, 2024H1, 2023年报 (required)")
	_ = extractCmd.MarkFlagRequired("file")
	_ = extractCmd.MarkFlagRequired("company")
	_ = extractCmd.MarkFlagRequired("period")
	rootCmd.AddCommand(extractCmd)
}

// buildDocument turns the flag values into a Document, rejecting
// unparseable periods and missing files before the pipeline starts.
func buildDocument(file, company, name, periodStr string) (model.Document, error) {
	period, ok := normalize.ParsePeriod(periodStr)
	if !ok {
		return model.Document{}, eris.Errorf("unrecognized report period %q", periodStr)
	}
	if _, err := os.Stat(file); err != nil {
		return model.Document{}, eris.Wrapf(err, "report file %s", file)
	}
	return model.Document{
		CompanyID:   company,
		CompanyName: name,
		Period:      period,
		SourcePath:  file,
	}, nil
}

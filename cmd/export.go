package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trundleyrg/FinancialAgent/internal/export"
	"github.com/trundleyrg/FinancialAgent/internal/store"
)

var (
	exportOut     string
	exportCompany string
	exportPeriod  string
	exportCode    string
	exportLimit   int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export persisted records to an XLSX or CSV file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("export"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		records, err := st.ListRecords(ctx, store.RecordFilter{
			CompanyID: exportCompany,
			Period:    exportPeriod,
			Code:      exportCode,
			Limit:     exportLimit,
		})
		if err != nil {
			return eris.Wrap(err, "export: list records")
		}
		if len(records) == 0 {
			zap.L().Warn("no records match the export filter")
		}

		return export.Write(exportOut, records)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path ending in .xlsx or .csv (required)")
	exportCmd.Flags().StringVar(&exportCompany, "company", "", "filter by company identifier")
	exportCmd.Flags().StringVar(&exportPeriod, "period", "", "filter by period key, e.g. 2023FY")
	exportCmd.Flags().StringVar(&exportCode, "code", "", "filter by line item code")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "max records to export, 0 means the store default")
	_ = exportCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(exportCmd)
}

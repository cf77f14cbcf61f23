// Package export renders persisted financial records as spreadsheet
// files for downstream analysis. XLSX and CSV carry identical columns
// in the financial_records order, so an export reads like the table it
// came from.
package export

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/trundleyrg/FinancialAgent/internal/model"
)

// Format selects the output encoding.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// DetectFormat infers the output format from the path extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return FormatXLSX, nil
	case ".csv":
		return FormatCSV, nil
	default:
		return "", eris.Errorf("export: cannot infer format from %q, use a .xlsx or .csv path", path)
	}
}

var header = []string{
	"company_id", "report_period", "line_item_code", "label",
	"value", "unit", "value_kind", "source_table_ref", "extraction_confidence",
}

// Write renders records to path in the format its extension names,
// creating parent directories as needed.
func Write(path string, records []model.FinancialRecord) error {
	format, err := DetectFormat(path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrap(err, "export: create output dir")
		}
	}

	switch format {
	case FormatXLSX:
		err = WriteXLSX(path, records)
	case FormatCSV:
		f, createErr := os.Create(path)
		if createErr != nil {
			return eris.Wrapf(createErr, "export: create %s", path)
		}
		if err = WriteCSV(f, records); err != nil {
			f.Close() //nolint:errcheck
			break
		}
		err = eris.Wrapf(f.Close(), "export: close %s", path)
	}
	if err != nil {
		return err
	}

	zap.L().Info("records exported",
		zap.String("path", path),
		zap.String("format", string(format)),
		zap.Int("records", len(records)),
	)
	return nil
}

// WriteXLSX writes records as a single-sheet workbook. Values are
// written as text cells: Excel's numeric cells are float64 underneath
// and would round amounts wider than 15 significant digits.
func WriteXLSX(path string, records []model.FinancialRecord) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("records")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	hr := sheet.AddRow()
	for _, h := range header {
		hr.AddCell().SetString(h)
	}

	for _, rec := range records {
		row := sheet.AddRow()
		row.AddCell().SetString(rec.CompanyID)
		row.AddCell().SetString(rec.Period.String())
		row.AddCell().SetString(rec.LineItemCode)
		row.AddCell().SetString(rec.Label)
		row.AddCell().SetString(rec.Value.String())
		row.AddCell().SetString(rec.Unit)
		row.AddCell().SetString(string(rec.Kind))
		row.AddCell().SetString(rec.SourceRef)
		row.AddCell().SetFloat(rec.Confidence)
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}

// WriteCSV writes records with a header row.
func WriteCSV(w io.Writer, records []model.FinancialRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, rec := range records {
		if err := cw.Write(recordRow(rec)); err != nil {
			return eris.Wrap(err, "export: write csv row")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "export: flush csv")
	}
	return nil
}

func recordRow(rec model.FinancialRecord) []string {
	return []string{
		rec.CompanyID,
		rec.Period.String(),
		rec.LineItemCode,
		rec.Label,
		rec.Value.String(),
		rec.Unit,
		string(rec.Kind),
		rec.SourceRef,
		strconv.FormatFloat(rec.Confidence, 'f', -1, 64),
	}
}

package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Format is a spreadsheet output format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts "csv" or "xlsx" (any case). Empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("unsupported format %q: use csv or xlsx", s)
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// ReportColumns is the header of the error report.
var ReportColumns = []string{"row", "loader_code", "field", "message", "category"}

// WriteErrorReport writes the failed rows of rec to w.
func WriteErrorReport(w io.Writer, rec *AuditRecord, format Format) error {
	rows := make([][]string, 0, len(rec.Errors))
	for _, e := range rec.Errors {
		rows = append(rows, escapeFormulas([]string{
			strconv.Itoa(e.Row), e.LoaderCode, e.Field, e.Message, string(e.Category),
		}))
	}
	return writeTable(w, "Errors", ReportColumns, rows, format)
}

// writeTable writes a header and rows as CSV or as a single-sheet workbook.
func writeTable(w io.Writer, sheet string, header []string, rows [][]string, format Format) error {
	if format == FormatXLSX {
		return writeXLSX(w, sheet, header, rows)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeXLSX(w io.Writer, sheet string, header []string, rows [][]string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}

	if err := f.SetSheetRow(sheet, "A1", toCells(header)); err != nil {
		return fmt.Errorf("write xlsx header: %w", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, toCells(row)); err != nil {
			return fmt.Errorf("write xlsx row %d: %w", i+2, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func toCells(row []string) *[]any {
	cells := make([]any, len(row))
	for i, v := range row {
		cells[i] = v
	}
	return &cells
}

// escapeFormulas prefixes cells a spreadsheet would evaluate as formulas.
// Messages echo user input, so report cells are escaped; exports are not,
// since they must import back byte for byte.
func escapeFormulas(row []string) []string {
	out := make([]string, len(row))
	for i, v := range row {
		if v != "" && strings.ContainsRune("=+-@", rune(v[0])) {
			v = "'" + v
		}
		out[i] = v
	}
	return out
}

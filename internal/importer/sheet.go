package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/loadergate/internal/errs"
	"github.com/JonMunkholm/loadergate/internal/loader"
)

// Action is what a row asks for.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Sheet column names. Headers are matched after normalisation, so
// "Loader Code" and "loader_code" are the same column.
const (
	ColAction             = "action"
	ColLoaderCode         = "loader_code"
	ColName               = "name"
	ColDescription        = "description"
	ColSourceConnection   = "source_connection"
	ColConnectionSecret   = "connection_secret"
	ColLoaderSQL          = "loader_sql"
	ColMinIntervalSeconds = "min_interval_seconds"
	ColMaxIntervalSeconds = "max_interval_seconds"
	ColTimeoutSeconds     = "timeout_seconds"
	ColPurgeStrategy      = "purge_strategy"
	ColRetentionDays      = "retention_days"
	ColMaxParallelism     = "max_parallelism"
	ColEnabled            = "enabled"
)

// Columns is the sheet layout used for exports and templates.
var Columns = []string{
	ColAction, ColLoaderCode, ColName, ColDescription, ColSourceConnection,
	ColConnectionSecret, ColLoaderSQL, ColMinIntervalSeconds, ColMaxIntervalSeconds,
	ColTimeoutSeconds, ColPurgeStrategy, ColRetentionDays, ColMaxParallelism, ColEnabled,
}

// RequiredColumns must be present in every imported sheet.
var RequiredColumns = []string{ColAction, ColLoaderCode, ColSourceConnection, ColLoaderSQL}

// Row is one data row of an import sheet.
type Row struct {
	Number     int // 1-based sheet row; the header is row 1
	Action     Action
	LoaderCode string
	Payload    loader.Payload

	// Err is a cell-level problem found while reading. The row still runs
	// through the processor, which reports it as a validation failure.
	Err error
}

// HeaderIndex maps normalised column names to their position in a row.
type HeaderIndex map[string]int

// MakeHeaderIndex builds the index for a header row.
func MakeHeaderIndex(header []string) HeaderIndex {
	idx := make(HeaderIndex, len(header))
	for i, h := range header {
		key := normalizeHeader(h)
		if _, dup := idx[key]; !dup && key != "" {
			idx[key] = i
		}
	}
	return idx
}

// get returns the cleaned cell for col, or "" when the column is absent.
func (h HeaderIndex) get(row []string, col string) string {
	i, ok := h[col]
	if !ok || i >= len(row) {
		return ""
	}
	return CleanCell(row[i])
}

func normalizeHeader(h string) string {
	h = strings.ToLower(CleanCell(h))
	h = strings.NewReplacer("-", " ", "_", " ").Replace(h)
	return strings.Join(strings.Fields(h), "_")
}

// CleanCell trims whitespace and unwraps Excel's ="..." text formulas.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) && len(s) >= 3 {
		s = s[2 : len(s)-1]
	}
	return strings.TrimSpace(s)
}

// ValidateHeaders checks that every required column is present.
func ValidateHeaders(header []string) (HeaderIndex, error) {
	idx := MakeHeaderIndex(header)

	var missing []string
	for _, col := range RequiredColumns {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return idx, nil
}

// Sheet is a parsed import file.
type Sheet struct {
	Rows   []Row
	Size   int64
	SHA256 string
}

// Limits bounds what ReadSheet accepts. Zero means unlimited.
type Limits struct {
	MaxRows     int
	MaxFileSize int64
}

var (
	// ErrEmptyFile is returned for a file without a header row.
	ErrEmptyFile = errors.New("empty file")

	// ErrNoFile is returned when an import has no file attached.
	ErrNoFile = errors.New("no file provided")
)

// ReadSheet reads a CSV or XLSX file. The format is chosen by extension and
// falls back to sniffing the ZIP signature. Blank rows are skipped.
// File-level problems (unreadable, too large, missing columns, too many
// rows) are returned as errors before any row is interpreted.
func ReadSheet(r io.Reader, fileName string, limits Limits) (*Sheet, error) {
	fp := newFingerprintReader(r)
	var src io.Reader = fp
	if limits.MaxFileSize > 0 {
		src = io.LimitReader(fp, limits.MaxFileSize+1)
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("unreadable sheet: %w", err)
	}
	if limits.MaxFileSize > 0 && int64(len(data)) > limits.MaxFileSize {
		return nil, fmt.Errorf("file too large: limit is %d bytes", limits.MaxFileSize)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}

	var records [][]string
	if isXLSX(fileName, data) {
		records, err = readXLSX(data)
	} else {
		records, err = readCSV(bytes.NewReader(data))
	}
	if err != nil {
		return nil, err
	}

	rows, err := parseRecords(records, limits.MaxRows)
	if err != nil {
		return nil, err
	}
	return &Sheet{Rows: rows, Size: fp.BytesRead, SHA256: fp.Sum()}, nil
}

func isXLSX(fileName string, data []byte) bool {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xlsm":
		return true
	case ".csv", ".txt":
		return false
	}
	return bytes.HasPrefix(data, []byte("PK\x03\x04"))
}

func readCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(wrapForStreaming(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("unreadable sheet: %w", err)
	}
	return records, nil
}

// readXLSX returns the rows of the first worksheet.
func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unreadable sheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyFile
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("unreadable sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func parseRecords(records [][]string, maxRows int) ([]Row, error) {
	headerAt := -1
	for i, rec := range records {
		if !isEmptyRow(rec) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, ErrEmptyFile
	}

	idx, err := ValidateHeaders(records[headerAt])
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(records)-headerAt-1)
	for i := headerAt + 1; i < len(records); i++ {
		if isEmptyRow(records[i]) {
			continue
		}
		if maxRows > 0 && len(rows) == maxRows {
			return nil, fmt.Errorf("too many rows: limit is %d", maxRows)
		}
		rows = append(rows, parseRow(i+1, records[i], idx))
	}
	return rows, nil
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// parseRow converts cells into a Row. Cell problems are kept on Row.Err;
// the first one wins.
func parseRow(number int, rec []string, idx HeaderIndex) Row {
	row := Row{
		Number:     number,
		Action:     Action(strings.ToUpper(idx.get(rec, ColAction))),
		LoaderCode: idx.get(rec, ColLoaderCode),
	}

	var firstErr error
	intCell := func(col string) int {
		v := idx.get(rec, col)
		if v == "" {
			return 0
		}
		n, err := strconv.Atoi(v)
		if err != nil && firstErr == nil {
			firstErr = &errs.ValidationError{Field: col, Value: v, Message: "must be a whole number"}
		}
		return n
	}

	row.Payload = loader.Payload{
		Name:               idx.get(rec, ColName),
		Description:        idx.get(rec, ColDescription),
		SourceConnection:   idx.get(rec, ColSourceConnection),
		ConnectionSecret:   idx.get(rec, ColConnectionSecret),
		LoaderSQL:          idx.get(rec, ColLoaderSQL),
		MinIntervalSeconds: intCell(ColMinIntervalSeconds),
		MaxIntervalSeconds: intCell(ColMaxIntervalSeconds),
		TimeoutSeconds:     intCell(ColTimeoutSeconds),
		PurgeStrategy:      loader.PurgeStrategy(strings.ToUpper(idx.get(rec, ColPurgeStrategy))),
		RetentionDays:      intCell(ColRetentionDays),
		MaxParallelism:     intCell(ColMaxParallelism),
	}

	enabled, err := parseBool(idx.get(rec, ColEnabled))
	if err != nil && firstErr == nil {
		firstErr = &errs.ValidationError{Field: ColEnabled, Value: idx.get(rec, ColEnabled), Message: "must be true or false"}
	}
	row.Payload.Enabled = enabled

	switch row.Action {
	case ActionCreate, ActionUpdate, ActionDelete:
	case "":
		firstErr = errs.Validation(ColAction, "is required")
	default:
		firstErr = &errs.ValidationError{Field: ColAction, Value: string(row.Action), Message: "must be CREATE, UPDATE or DELETE"}
	}

	row.Err = firstErr
	return row
}

// parseBool accepts the spellings spreadsheets commonly produce. Blank means
// enabled.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "", "true", "yes", "y", "1":
		return true, nil
	case "false", "no", "n", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

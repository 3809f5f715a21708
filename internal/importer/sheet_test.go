package importer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/loadergate/internal/errs"
	"github.com/JonMunkholm/loadergate/internal/loader"
)

const sheetHeader = "Action,Loader Code,Name,Source-Connection,Loader_SQL,min_interval_seconds,max_interval_seconds,enabled\n"

func TestReadSheet_CSV(t *testing.T) {
	data := sheetHeader +
		"create,ORDERS,Orders,warehouse,select 1,60,300,\n" +
		",,,,,,,\n" +
		`UPDATE,="00042",Padded,warehouse,select 2,0,0,no` + "\n"

	sheet, err := ReadSheet(strings.NewReader(data), "loaders.csv", Limits{})
	require.NoError(t, err)
	require.Len(t, sheet.Rows, 2)

	first := sheet.Rows[0]
	assert.Equal(t, 2, first.Number)
	assert.Equal(t, ActionCreate, first.Action)
	assert.Equal(t, "ORDERS", first.LoaderCode)
	assert.Equal(t, "warehouse", first.Payload.SourceConnection)
	assert.Equal(t, 300, first.Payload.MaxIntervalSeconds)
	assert.True(t, first.Payload.Enabled, "blank enabled means true")
	assert.NoError(t, first.Err)

	second := sheet.Rows[1]
	assert.Equal(t, 4, second.Number, "blank rows keep sheet numbering")
	assert.Equal(t, "00042", second.LoaderCode)
	assert.False(t, second.Payload.Enabled)

	assert.Equal(t, int64(len(data)), sheet.Size)
	assert.Len(t, sheet.SHA256, 64)
}

func TestReadSheet_BOMAndLeadingBlankRows(t *testing.T) {
	data := "\xEF\xBB\xBF,,\n" + sheetHeader + "CREATE,ORDERS,,warehouse,select 1,0,0,true\n"

	sheet, err := ReadSheet(strings.NewReader(data), "loaders.csv", Limits{})
	require.NoError(t, err)
	require.Len(t, sheet.Rows, 1)
	assert.Equal(t, 3, sheet.Rows[0].Number)
	assert.Equal(t, ActionCreate, sheet.Rows[0].Action)
}

func TestReadSheet_FileLevelErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		limits  Limits
		wantErr string
	}{
		{"empty", "  \n", Limits{}, "empty file"},
		{"only blank rows", ",,\n,,\n", Limits{}, "empty file"},
		{"missing columns", "action,name\nCREATE,x\n", Limits{}, "missing required columns: loader_code, source_connection, loader_sql"},
		{"too large", sheetHeader, Limits{MaxFileSize: 10}, "file too large: limit is 10 bytes"},
		{
			"too many rows",
			sheetHeader + "CREATE,A,,w,s,0,0,\nCREATE,B,,w,s,0,0,\nCREATE,C,,w,s,0,0,\n",
			Limits{MaxRows: 2},
			"too many rows: limit is 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadSheet(strings.NewReader(tt.data), "f.csv", tt.limits)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestReadSheet_RowsAtLimitAccepted(t *testing.T) {
	data := sheetHeader + "CREATE,A,,w,s,0,0,\n\n\nCREATE,B,,w,s,0,0,\n"
	sheet, err := ReadSheet(strings.NewReader(data), "f.csv", Limits{MaxRows: 2})
	require.NoError(t, err)
	assert.Len(t, sheet.Rows, 2)
}

func TestReadSheet_CellErrors(t *testing.T) {
	data := "action,loader_code,source_connection,loader_sql,timeout_seconds,enabled\n" +
		"CREATE,A,w,s,soon,\n" +
		"CREATE,B,w,s,5,maybe\n" +
		"MERGE,C,w,s,5,\n" +
		",D,w,s,5,\n"

	sheet, err := ReadSheet(strings.NewReader(data), "f.csv", Limits{})
	require.NoError(t, err)
	require.Len(t, sheet.Rows, 4)

	fields := []string{ColTimeoutSeconds, ColEnabled, ColAction, ColAction}
	for i, want := range fields {
		var ve *errs.ValidationError
		require.ErrorAs(t, sheet.Rows[i].Err, &ve, "row %d", sheet.Rows[i].Number)
		assert.Equal(t, want, ve.Field)
	}
}

func TestReadSheet_XLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"action", "loader_code", "source_connection", "loader_sql", "purge_strategy", "retention_days"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"CREATE", "ORDERS", "warehouse", "select 1", "older_than_retention", 30}))
	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// No extension: detected by signature.
	parsed, err := ReadSheet(bytes.NewReader(buf.Bytes()), "upload", Limits{})
	require.NoError(t, err)
	require.Len(t, parsed.Rows, 1)

	row := parsed.Rows[0]
	assert.Equal(t, "ORDERS", row.LoaderCode)
	assert.Equal(t, loader.PurgeOlderThanRetention, row.Payload.PurgeStrategy)
	assert.Equal(t, 30, row.Payload.RetentionDays)
	assert.NoError(t, row.Err)
}

func TestReadSheet_CorruptXLSX(t *testing.T) {
	_, err := ReadSheet(strings.NewReader("PK\x03\x04 not really a zip"), "broken.xlsx", Limits{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreadable sheet")
	assert.Equal(t, "FILE002", errs.MapError(err).Code)
}

func TestNormalizeHeader(t *testing.T) {
	tests := map[string]string{
		"Loader Code":    "loader_code",
		"  LOADER-CODE ": "loader_code",
		"loader__code":   "loader_code",
		"":               "",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeHeader(in), "input %q", in)
	}
	assert.Equal(t, "max_interval_seconds", normalizeHeader(`="Max Interval Seconds"`))
}

func TestCleanCell(t *testing.T) {
	assert.Equal(t, "007", CleanCell(` ="007" `))
	assert.Equal(t, "plain", CleanCell(" plain "))
	assert.Equal(t, `="`, CleanCell(`="`))
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"", "TRUE", "yes", "Y", "1"} {
		v, err := parseBool(s)
		require.NoError(t, err)
		assert.True(t, v, s)
	}
	for _, s := range []string{"false", "No", "n", "0"} {
		v, err := parseBool(s)
		require.NoError(t, err)
		assert.False(t, v, s)
	}
	_, err := parseBool("perhaps")
	assert.Error(t, err)
}

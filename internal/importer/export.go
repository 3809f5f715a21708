package importer

import (
	"context"
	"io"
	"strconv"

	"github.com/JonMunkholm/loadergate/internal/loader"
	"github.com/JonMunkholm/loadergate/internal/protect"
)

// ActiveLister lists the live configuration of every loader.
type ActiveLister interface {
	ListActive(ctx context.Context) ([]loader.Configuration, error)
}

// WriteExport writes every ACTIVE configuration in the import layout. Rows
// carry the UPDATE action and protected fields are masked with the
// sentinel, so the file can be edited and imported back unchanged.
func WriteExport(ctx context.Context, w io.Writer, src ActiveLister, format Format) error {
	configs, err := src.ListActive(ctx)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(configs))
	for _, c := range configs {
		rows = append(rows, exportRow(c))
	}
	return writeTable(w, "Loaders", Columns, rows, format)
}

func exportRow(c loader.Configuration) []string {
	p := c.Payload
	protect.MaskFields(&p)

	return []string{
		string(ActionUpdate),
		c.LoaderCode,
		p.Name,
		p.Description,
		p.SourceConnection,
		p.ConnectionSecret,
		p.LoaderSQL,
		strconv.Itoa(p.MinIntervalSeconds),
		strconv.Itoa(p.MaxIntervalSeconds),
		strconv.Itoa(p.TimeoutSeconds),
		string(p.PurgeStrategy),
		strconv.Itoa(p.RetentionDays),
		strconv.Itoa(p.MaxParallelism),
		strconv.FormatBool(p.Enabled),
	}
}

// WriteTemplate writes an empty import sheet with one example row.
func WriteTemplate(w io.Writer, format Format) error {
	example := []string{
		string(ActionCreate), "ORDERS_DAILY", "Daily orders", "", "warehouse",
		"", "select * from orders", "60", "3600", "300", string(loader.PurgeNone), "0", "1", "true",
	}
	return writeTable(w, "Loaders", Columns, [][]string{example}, format)
}

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/loadergate/internal/config"
	"github.com/JonMunkholm/loadergate/internal/importer"
)

type exportOptions struct {
	Format string
	Out    string
}

func newExportCmd(cfg *config.Config) *cobra.Command {
	var opts exportOptions

	cmd := &cobra.Command{
		Use:   "export [--format csv|xlsx] [--out <path>]",
		Short: "Export active configurations in the import layout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := importer.ParseFormat(opts.Format)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if opts.Out == "" || opts.Out == "-" {
				return importer.WriteExport(cmd.Context(), cmd.OutOrStdout(), a.engine, format)
			}

			f, err := os.Create(opts.Out)
			if err != nil {
				return err
			}
			if err := importer.WriteExport(cmd.Context(), f, a.engine, format); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}

	cmd.Flags().StringVar(&opts.Format, "format", "csv", "output format: csv or xlsx")
	cmd.Flags().StringVar(&opts.Out, "out", "", "output file (default: stdout)")

	return cmd
}

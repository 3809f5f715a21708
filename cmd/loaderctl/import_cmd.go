package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/loadergate/internal/config"
	"github.com/JonMunkholm/loadergate/internal/identity"
	"github.com/JonMunkholm/loadergate/internal/importer"
)

type importOptions struct {
	File      string
	Label     string
	Submitter string
	Roles     string
	DryRun    bool
	ErrorsOut string
}

func newImportCmd(cfg *config.Config) *cobra.Command {
	var opts importOptions

	cmd := &cobra.Command{
		Use:   "import --file <sheet.csv|sheet.xlsx>",
		Short: "Import a sheet of loader configurations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(opts.File) == "" {
				return errors.New("--file is required")
			}
			if opts.Submitter == "" {
				opts.Submitter = currentUser()
			}
			if opts.Submitter == "" {
				return errors.New("--submitter is required")
			}

			f, err := os.Open(opts.File)
			if err != nil {
				return err
			}
			defer f.Close()

			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			submitter := identity.Actor{Name: opts.Submitter, Roles: identity.ParseRoles(opts.Roles)}
			upload := importer.FileUpload{Name: filepath.Base(opts.File), Reader: f}

			res, err := a.imports.ImportFile(cmd.Context(), upload, importer.BatchRequest{
				Label:     opts.Label,
				Submitter: submitter,
				DryRun:    opts.DryRun,
			})
			if res != nil {
				printBatch(cmd, res)
			}
			if err != nil {
				return err
			}

			if opts.ErrorsOut != "" && res.Failed > 0 {
				if err := writeErrorReport(a, cmd, res, opts.ErrorsOut); err != nil {
					return err
				}
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d of %d rows failed", res.Failed, res.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "CSV or XLSX sheet to import")
	cmd.Flags().StringVar(&opts.Label, "label", "", "batch label recorded in the audit log")
	cmd.Flags().StringVar(&opts.Submitter, "submitter", "", "actor recorded as author (default: OS user)")
	cmd.Flags().StringVar(&opts.Roles, "roles", "", "comma-separated roles of the submitter")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "validate and classify rows without changing anything")
	cmd.Flags().StringVar(&opts.ErrorsOut, "errors-out", "", "write failed rows to this file (.csv or .xlsx)")

	return cmd
}

func printBatch(cmd *cobra.Command, res *importer.BatchResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "batch %s: %d rows, %d succeeded, %d failed (dry run: %t)\n",
		res.ID, res.Total, res.Succeeded, res.Failed, res.DryRun)
	for _, o := range res.Outcomes {
		if o.Success {
			fmt.Fprintf(out, "  row %d %s %s: %s\n", o.RowNumber, o.Action, o.LoaderCode, o.Result)
			continue
		}
		fmt.Fprintf(out, "  row %d %s %s: %s [%s] %s\n", o.RowNumber, o.Action, o.LoaderCode, o.Result, o.Category, o.Message)
	}
}

func writeErrorReport(a *app, cmd *cobra.Command, res *importer.BatchResult, path string) error {
	format, err := importer.ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return err
	}
	rec, err := a.imports.Audits().Get(cmd.Context(), res.ID)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := importer.WriteErrorReport(f, rec, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

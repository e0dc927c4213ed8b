package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vogtb/go-spreadsheet/packages/xlsxio"
)

var calcOut string

var calcCmd = &cobra.Command{
	Use:   "calc <file>...",
	Short: "Load workbooks, recalculate every formula and report error cells",
	Long: `Load one or more .xlsx workbooks, run every formula cell and print the
cells that end up holding an error value.

Behavior:
  - Workbooks load in parallel, bounded by the configured parallelism.
  - With --out, each recalculated workbook is written to that directory
    under its original file name.
  - Returns exit code 2 when any cell holds an error.

Examples:
  gridcalc calc report.xlsx
  gridcalc calc q1.xlsx q2.xlsx --json
  gridcalc calc report.xlsx --out build/`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCalc,
}

func init() {
	calcCmd.Flags().StringVar(&calcOut, "out", "", "Directory to write recalculated workbooks to")
	rootCmd.AddCommand(calcCmd)
}

type calcResult struct {
	File   string       `json:"file"`
	Errors []cellReport `json:"errors"`
}

func runCalc(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	ctx := cmd.Context()

	newDoc, release, err := documentFactory()
	if err != nil {
		return err
	}
	defer release()

	docs, err := xlsxio.LoadAll(ctx, args, newDoc, cfg.Parallelism)
	if err != nil {
		return err
	}

	if calcOut != "" {
		if err := os.MkdirAll(calcOut, 0o755); err != nil {
			return err
		}
	}

	results := make([]calcResult, len(docs))
	errorCount := 0
	for i, doc := range docs {
		errs, err := errorCells(doc)
		if err != nil {
			return err
		}
		results[i] = calcResult{File: args[i], Errors: errs}
		errorCount += len(errs)

		if calcOut != "" {
			out := filepath.Join(calcOut, filepath.Base(args[i]))
			if err := xlsxio.Save(doc, out); err != nil {
				return fmt.Errorf("writing %s: %w", out, err)
			}
		}
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		if err := jsonPrint(w, results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if len(r.Errors) == 0 {
				fmt.Fprintf(w, "%s: 0 errors\n", r.File)
				continue
			}
			fmt.Fprintf(w, "%s: %d error", r.File, len(r.Errors))
			if len(r.Errors) != 1 {
				fmt.Fprint(w, "s")
			}
			fmt.Fprintln(w, ":")
			for _, e := range r.Errors {
				detail := ""
				if e.Detail != "" {
					detail = " ← " + e.Detail
				}
				fmt.Fprintf(w, "  %-20s %-30s %s%s\n", e.Address, e.Source, e.Error, detail)
			}
		}
	}

	if errorCount > 0 {
		return &ExitError{Code: 2}
	}
	return nil
}

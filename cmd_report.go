package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// `report` keeps the README benchmark table honest: validate checks the
// invariants (unique names, metric ranges, loss ordering by model size),
// and update merges an eval JSON result in as a named row. Both operate on
// a standalone table file so the README edit stays a reviewed copy-paste.

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Validate and update the benchmark results table",
	}
	cmd.AddCommand(newReportValidateCmd(), newReportUpdateCmd(), newReportShowCmd())
	return cmd
}

func newReportValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <table.md>",
		Short: "Check a benchmark table against its invariants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readTableFile(args[0])
			if err != nil {
				return err
			}
			if err := ValidateTable(rows); err != nil {
				return err
			}
			fmt.Printf("%s: %d rows, all invariants hold\n", args[0], len(rows))
			return nil
		},
	}
}

func newReportUpdateCmd() *cobra.Command {
	var (
		resultPath string
		modelName  string
	)

	cmd := &cobra.Command{
		Use:   "update <table.md>",
		Short: "Insert or replace a row from an eval JSON result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readTableFile(args[0])
			if err != nil {
				return err
			}

			data, err := os.ReadFile(resultPath)
			if err != nil {
				return fmt.Errorf("report: read result: %w", err)
			}
			var result EvalResult
			if err := json.Unmarshal(data, &result); err != nil {
				return fmt.Errorf("report: parse result: %w", err)
			}

			rows = UpsertRow(rows, BenchmarkRow{
				Model:     modelName,
				Loss:      result.Loss,
				Precision: result.Precision,
				Recall:    result.Recall,
				F1:        result.F1,
				Accuracy:  result.Accuracy,
				MCC:       result.MCC,
			})
			if err := ValidateTable(rows); err != nil {
				return fmt.Errorf("report: updated table is invalid: %w", err)
			}

			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("report: write table: %w", err)
			}
			defer f.Close()
			if err := RenderBenchmarkTable(f, rows); err != nil {
				return err
			}
			fmt.Printf("updated %s with row %s\n", args[0], modelName)
			return nil
		},
	}

	cmd.Flags().StringVar(&resultPath, "result", "", "eval JSON result file")
	cmd.Flags().StringVar(&modelName, "model", "", "row name for the result")
	cmd.MarkFlagRequired("result")
	cmd.MarkFlagRequired("model")
	return cmd
}

func newReportShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the published ESM2 baseline table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return RenderBenchmarkTable(os.Stdout, ReferenceTable())
		},
	}
}

func readTableFile(path string) ([]BenchmarkRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("report: open table: %w", err)
	}
	defer f.Close()
	return ParseBenchmarkTable(f)
}

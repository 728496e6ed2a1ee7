package main

import (
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	var (
		sizes      []int
		seqLen     int
		iterations int
		jsonOut    string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure matmul and model throughput on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			suite := RunBenchSuite(sizes, seqLen, iterations)
			suite.PrintSummary()
			if jsonOut != "" {
				return suite.SaveJSON(jsonOut)
			}
			return nil
		},
	}

	cmd.Flags().IntSliceVar(&sizes, "sizes", []int{256, 768}, "square matmul sizes")
	cmd.Flags().IntVar(&seqLen, "seq-len", 512, "sequence length for model benchmarks")
	cmd.Flags().IntVar(&iterations, "iterations", 5, "iterations per matmul size")
	cmd.Flags().StringVar(&jsonOut, "json", "", "write results as JSON to this file")
	return cmd
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newEvalCmd() *cobra.Command {
	var (
		checkpointPath string
		pattern        string
		batchTokens    int
		seqLen         int
		seed           int64
		jsonOut        string
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Score a checkpoint on a shard split",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _, cleanup, err := NewRunLogger("logs", verbose)
			if err != nil {
				return err
			}
			defer cleanup()

			model, err := LoadCheckpoint(checkpointPath)
			if err != nil {
				return err
			}

			loader, err := NewPaddedLoader(pattern, batchTokens, 1)
			if err != nil {
				return err
			}

			ev := NewEvaluator(model, loader, seqLen, seed, true, logger)
			result, err := ev.Run(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("loss %.4f  perplexity %.4f  precision %.4f  recall %.4f  f1 %.4f  accuracy %.4f  mcc %.4f\n",
				result.Loss, result.Perplexity, result.Precision, result.Recall,
				result.F1, result.Accuracy, result.MCC)

			if jsonOut != "" {
				data, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(jsonOut, append(data, '\n'), 0o644); err != nil {
					return fmt.Errorf("eval: write result: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "checkpoint file to evaluate")
	cmd.Flags().StringVar(&pattern, "data", "data/omgprot50/omgprot50_test_*.bin", "shard glob for the split")
	cmd.Flags().IntVar(&batchTokens, "batch-tokens", 16384, "tokens per batch")
	cmd.Flags().IntVar(&seqLen, "seq-len", 1024, "row length within a batch")
	cmd.Flags().Int64Var(&seed, "seed", 1337, "masking rng seed")
	cmd.Flags().StringVar(&jsonOut, "json", "", "write the result as JSON to this file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	cmd.MarkFlagRequired("checkpoint")
	return cmd
}

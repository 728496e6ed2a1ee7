package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// esm2go trains and evaluates an ESM-style protein language model on
// OMGprot50 token shards, entirely on CPU. Subcommands:
//
//	data    tokenize protein sequences into training shards
//	train   run the MLM speedrun training loop
//	eval    score a checkpoint on a shard split
//	report  validate and update the benchmark results table
//	bench   measure matmul and model throughput on this host

func main() {
	root := &cobra.Command{
		Use:           "esm2go",
		Short:         "CPU trainer for an ESM2-style protein masked language model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newDataCmd(),
		newTrainCmd(),
		newEvalCmd(),
		newReportCmd(),
		newBenchCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Stderr.WriteString("error: " + err.Error() + "\n")
		os.Exit(1)
	}
}

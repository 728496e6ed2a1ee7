package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE: dataset preparation
// ===========================================================================
//
// `data` turns a file of protein sequences (FASTA, JSONL, or one per line)
// into token shards. Tokenization is embarrassingly parallel, so a worker
// pool encodes chunks of sequences concurrently; shard writing stays
// single-threaded because shard boundaries depend on the running token
// count. Order is preserved: workers write into per-chunk slots, and the
// writer drains slots in order.
//
// The first sequences go to the test and valid splits (fixed counts), the
// rest to train. Splitting by position rather than hashing keeps the split
// reproducible without carrying a seed around.
//
// ===========================================================================

const tokenizeChunkSize = 512

func newDataCmd() *cobra.Command {
	var (
		input      string
		outDir     string
		name       string
		shardSize  int
		validCount int
		testCount  int
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "data",
		Short: "Tokenize protein sequences into training shards",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers <= 0 {
				workers = runtime.NumCPU()
			}

			f, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("data: %w", err)
			}
			seqs, err := ReadSequences(f)
			f.Close()
			if err != nil {
				return err
			}
			if len(seqs) <= validCount+testCount {
				return fmt.Errorf("data: %d sequences cannot cover valid=%d + test=%d splits",
					len(seqs), validCount, testCount)
			}

			encoded, err := tokenizeAll(seqs, workers)
			if err != nil {
				return err
			}

			splits := []struct {
				name string
				docs [][]uint16
			}{
				{"test", encoded[:testCount]},
				{"valid", encoded[testCount : testCount+validCount]},
				{"train", encoded[testCount+validCount:]},
			}

			for _, s := range splits {
				sw, err := NewShardWriter(outDir, name, s.name, shardSize)
				if err != nil {
					return err
				}
				for _, doc := range s.docs {
					if err := sw.Append(doc); err != nil {
						return err
					}
				}
				if err := sw.Close(); err != nil {
					return err
				}
				fmt.Printf("%s: %d sequences, %d tokens, %d shard(s)\n",
					s.name, len(s.docs), sw.TotalTokens(), sw.ShardCount())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "sequence file (FASTA, JSONL, or one per line)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "data/omgprot50", "output directory")
	cmd.Flags().StringVar(&name, "name", "omgprot50", "dataset name used in shard filenames")
	cmd.Flags().IntVar(&shardSize, "shard-size", 100_000_000, "tokens per shard")
	cmd.Flags().IntVar(&validCount, "valid", 1000, "sequences reserved for the valid split")
	cmd.Flags().IntVar(&testCount, "test", 1000, "sequences reserved for the test split")
	cmd.Flags().IntVar(&workers, "workers", 0, "tokenizer goroutines (0 = NumCPU)")
	cmd.MarkFlagRequired("input")
	return cmd
}

// tokenizeAll encodes sequences with a bounded worker pool, preserving
// input order.
func tokenizeAll(seqs []string, workers int) ([][]uint16, error) {
	tok := NewProteinTokenizer()
	out := make([][]uint16, len(seqs))

	var g errgroup.Group
	g.SetLimit(workers)

	for start := 0; start < len(seqs); start += tokenizeChunkSize {
		end := start + tokenizeChunkSize
		if end > len(seqs) {
			end = len(seqs)
		}
		start, end := start, end
		g.Go(func() error {
			for i := start; i < end; i++ {
				out[i] = tok.Encode(seqs[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

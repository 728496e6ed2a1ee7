package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTrainCmd() *cobra.Command {
	var (
		configPath string
		preset     string
		verbose    bool
	)
	cfg := DefaultTrainConfig()

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the MLM training loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				loaded, err := LoadTrainConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			// Flags override the file.
			applyTrainFlags(cmd, &cfg)

			if preset != "" {
				model, err := ModelPreset(preset)
				if err != nil {
					return err
				}
				cfg.Model = model
			}

			logger, runID, cleanup, err := NewRunLogger(cfg.LogDir, verbose)
			if err != nil {
				return err
			}
			defer cleanup()

			logger.Info("starting run",
				zap.String("preset", preset),
				zap.Any("config", cfg),
			)

			trainer, err := NewTrainer(cfg, runID, logger)
			if err != nil {
				return err
			}

			stats, err := trainer.Run(cmd.Context())
			if err != nil {
				return err
			}

			if stats.FinalTest != nil {
				fmt.Printf("test loss %.4f  perplexity %.4f  accuracy %.4f  f1 %.4f  mcc %.4f\n",
					stats.FinalTest.Loss, stats.FinalTest.Perplexity,
					stats.FinalTest.Accuracy, stats.FinalTest.F1, stats.FinalTest.MCC)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	cmd.Flags().StringVar(&preset, "preset", "", "model size preset (8m, 35m, 150m, 650m, speedrun)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	cmd.Flags().String("train", cfg.TrainPattern, "train shard glob")
	cmd.Flags().String("valid", cfg.ValidPattern, "valid shard glob")
	cmd.Flags().String("test", cfg.TestPattern, "test shard glob")
	cmd.Flags().Int("steps", cfg.NumSteps, "optimizer steps")
	cmd.Flags().Int("cooldown", cfg.CooldownSteps, "LR cooldown steps")
	cmd.Flags().Float64("lr", cfg.LearningRate, "base learning rate")
	cmd.Flags().Int("batch-tokens", cfg.BatchTokens, "tokens per batch")
	cmd.Flags().Int("seq-len", cfg.SeqLen, "row length within a batch")
	cmd.Flags().Int("grad-accum", cfg.GradAccum, "batches per optimizer step")
	cmd.Flags().Int64("seed", cfg.Seed, "rng seed")
	cmd.Flags().String("hub-url", cfg.HubURL, "checkpoint hub base URL (empty disables)")
	return cmd
}

// applyTrainFlags copies explicitly-set flags over the config.
func applyTrainFlags(cmd *cobra.Command, cfg *TrainConfig) {
	f := cmd.Flags()
	if f.Changed("train") {
		cfg.TrainPattern, _ = f.GetString("train")
	}
	if f.Changed("valid") {
		cfg.ValidPattern, _ = f.GetString("valid")
	}
	if f.Changed("test") {
		cfg.TestPattern, _ = f.GetString("test")
	}
	if f.Changed("steps") {
		cfg.NumSteps, _ = f.GetInt("steps")
	}
	if f.Changed("cooldown") {
		cfg.CooldownSteps, _ = f.GetInt("cooldown")
	}
	if f.Changed("lr") {
		cfg.LearningRate, _ = f.GetFloat64("lr")
	}
	if f.Changed("batch-tokens") {
		cfg.BatchTokens, _ = f.GetInt("batch-tokens")
	}
	if f.Changed("seq-len") {
		cfg.SeqLen, _ = f.GetInt("seq-len")
	}
	if f.Changed("grad-accum") {
		cfg.GradAccum, _ = f.GetInt("grad-accum")
	}
	if f.Changed("seed") {
		cfg.Seed, _ = f.GetInt64("seed")
	}
	if f.Changed("hub-url") {
		cfg.HubURL, _ = f.GetString("hub-url")
	}
}

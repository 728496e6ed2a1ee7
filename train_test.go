package main

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// writeTinyDataset builds a small shard set and returns its glob pattern.
func writeTinyDataset(t *testing.T, dir, split string) string {
	t.Helper()
	sw, err := NewShardWriter(dir, "tiny", split, 4096)
	require.NoError(t, err)
	tok := NewProteinTokenizer()
	seqs := []string{
		"MKTAYIAKQRQISFVKSHFSRQLEERLGLIEVQ",
		"GVSEAALLKQRQISFVK",
		"LAGVSERTIDPKQNFYMHWC",
		"MHWCLAGVSERT",
	}
	for _, s := range seqs {
		require.NoError(t, sw.Append(tok.Encode(s)))
	}
	require.NoError(t, sw.Close())
	return filepath.Join(dir, "tiny_"+split+"_*.bin")
}

func tinyTrainConfig(t *testing.T) TrainConfig {
	t.Helper()
	dir := t.TempDir()

	cfg := DefaultTrainConfig()
	cfg.TrainPattern = writeTinyDataset(t, dir, "train")
	cfg.ValidPattern = writeTinyDataset(t, dir, "valid")
	cfg.TestPattern = writeTinyDataset(t, dir, "test")
	cfg.Model = testModelConfig()
	cfg.BatchTokens = 64
	cfg.SeqLen = 32
	cfg.MaxEpochs = 100
	cfg.NumSteps = 3
	cfg.CooldownSteps = 1
	cfg.GradAccum = 1
	cfg.LearningRate = 0.1
	cfg.ValidLossEvery = 2
	cfg.SaveEvery = 0
	cfg.CheckpointDir = filepath.Join(dir, "checkpoints")
	cfg.Seed = 42
	return cfg
}

func TestTrainerEndToEnd(t *testing.T) {
	cfg := tinyTrainConfig(t)
	trainer, err := NewTrainer(cfg, "test-run", zap.NewNop())
	require.NoError(t, err)

	stats, err := trainer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, cfg.NumSteps, stats.StepsCompleted)
	assert.Greater(t, stats.TokensTrained, int64(0))

	require.NotNil(t, stats.FinalTest)
	assert.False(t, math.IsNaN(stats.FinalTest.Loss))
	assert.Greater(t, stats.FinalTest.Loss, 0.0)
	assert.InDelta(t, math.Exp(stats.FinalTest.Loss), stats.FinalTest.Perplexity, 1e-9)
	assert.GreaterOrEqual(t, stats.FinalTest.Accuracy, 0.0)
	assert.LessOrEqual(t, stats.FinalTest.Accuracy, 1.0)

	// The final checkpoint must be loadable.
	files, err := filepath.Glob(filepath.Join(cfg.CheckpointDir, "*.bin"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	_, err = LoadCheckpoint(files[0])
	assert.NoError(t, err)
}

func TestTrainerHonorsCancellation(t *testing.T) {
	cfg := tinyTrainConfig(t)
	cfg.NumSteps = 10000
	cfg.ValidLossEvery = 0
	trainer, err := NewTrainer(cfg, "cancel-run", zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := trainer.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.StepsCompleted)
}

func TestTrainerReusesValidLoader(t *testing.T) {
	cfg := tinyTrainConfig(t)
	trainer, err := NewTrainer(cfg, "reuse-run", zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, trainer.validLoader)

	// Periodic validation runs against the one loader held by the trainer;
	// the evaluator's reset makes back-to-back passes see identical data.
	before := trainer.validLoader
	require.NoError(t, trainer.validate(context.Background(), 1))
	require.NoError(t, trainer.validate(context.Background(), 2))
	assert.Same(t, before, trainer.validLoader)
}

func TestTrainerRejectsBadConfig(t *testing.T) {
	cfg := tinyTrainConfig(t)
	cfg.BatchTokens = 33 // not a multiple of SeqLen
	_, err := NewTrainer(cfg, "bad-run", zap.NewNop())
	assert.Error(t, err)
}

func TestEvaluatorIsDeterministic(t *testing.T) {
	cfg := tinyTrainConfig(t)
	model := newTestModel(t, 99)

	loader, err := NewPaddedLoader(cfg.TestPattern, cfg.BatchTokens, 1)
	require.NoError(t, err)

	ev := NewEvaluator(model, loader, cfg.SeqLen, 7, true, zap.NewNop())
	first, err := ev.Run(context.Background())
	require.NoError(t, err)
	second, err := ev.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second, "same seed and split must score identically")
	assert.Greater(t, first.NumTokens, int64(0))
}

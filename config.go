package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// TrainConfig holds every knob of a training run. Flags cover the common
// ones; a TOML file can set all of them, with flags taking precedence.
type TrainConfig struct {
	// Data
	TrainPattern string `toml:"train_pattern"`
	ValidPattern string `toml:"valid_pattern"`
	TestPattern  string `toml:"test_pattern"`
	BatchTokens  int    `toml:"batch_tokens"`
	SeqLen       int    `toml:"seq_len"`
	MaxEpochs    int    `toml:"max_epochs"`

	// Model
	Model ModelConfig `toml:"model"`

	// Optimization
	LearningRate  float64 `toml:"learning_rate"`
	NumSteps      int     `toml:"num_steps"`
	CooldownSteps int     `toml:"cooldown_steps"`
	GradAccum     int     `toml:"grad_accum"`
	StartMLMProb  float64 `toml:"start_mlm_prob"`
	EndMLMProb    float64 `toml:"end_mlm_prob"`

	// Bookkeeping
	ValidLossEvery int    `toml:"valid_loss_every"`
	SaveEvery      int    `toml:"save_every"`
	CheckpointDir  string `toml:"checkpoint_dir"`
	LogDir         string `toml:"log_dir"`
	HubURL         string `toml:"hub_url"` // empty disables publishing
	Seed           int64  `toml:"seed"`
}

// DefaultTrainConfig mirrors the speedrun baseline hyperparameters.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		TrainPattern:   "data/omgprot50/omgprot50_train_*.bin",
		ValidPattern:   "data/omgprot50/omgprot50_valid_*.bin",
		TestPattern:    "data/omgprot50/omgprot50_test_*.bin",
		BatchTokens:    16384,
		SeqLen:         1024,
		MaxEpochs:      1,
		Model:          DefaultModelConfig(),
		LearningRate:   0.6,
		NumSteps:       20000,
		CooldownSteps:  2000,
		GradAccum:      8,
		StartMLMProb:   0.40,
		EndMLMProb:     0.15,
		ValidLossEvery: 1000,
		SaveEvery:      5000,
		CheckpointDir:  "checkpoints",
		LogDir:         "logs",
		Seed:           1337,
	}
}

// LoadTrainConfig reads a TOML config file over the defaults.
func LoadTrainConfig(path string) (TrainConfig, error) {
	cfg := DefaultTrainConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the run configuration.
func (c TrainConfig) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if c.BatchTokens <= 0 || c.SeqLen <= 0 || c.BatchTokens%c.SeqLen != 0 {
		return fmt.Errorf("config: batch_tokens %d must be a positive multiple of seq_len %d", c.BatchTokens, c.SeqLen)
	}
	if c.SeqLen > c.Model.MaxSeqLen {
		return fmt.Errorf("config: seq_len %d exceeds model max %d", c.SeqLen, c.Model.MaxSeqLen)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("config: learning_rate must be positive")
	}
	if c.NumSteps <= 0 || c.CooldownSteps < 0 || c.CooldownSteps > c.NumSteps {
		return fmt.Errorf("config: num_steps %d / cooldown_steps %d out of range", c.NumSteps, c.CooldownSteps)
	}
	if c.GradAccum <= 0 {
		return fmt.Errorf("config: grad_accum must be positive")
	}
	if c.StartMLMProb <= 0 || c.StartMLMProb > 1 || c.EndMLMProb <= 0 || c.EndMLMProb > 1 {
		return fmt.Errorf("config: mlm probabilities must be in (0,1]")
	}
	return nil
}

// ModelPreset returns the architecture for a named ESM2 size class.
func ModelPreset(name string) (ModelConfig, error) {
	switch strings.ToLower(name) {
	case "8m":
		return ModelConfig{VocabSize: ESMVocabSize, NumLayers: 6, NumHeads: 20, HiddenSize: 320, FFHidden: 1280, MaxSeqLen: 1024}, nil
	case "35m":
		return ModelConfig{VocabSize: ESMVocabSize, NumLayers: 12, NumHeads: 20, HiddenSize: 480, FFHidden: 1920, MaxSeqLen: 1024}, nil
	case "150m":
		return ModelConfig{VocabSize: ESMVocabSize, NumLayers: 30, NumHeads: 20, HiddenSize: 640, FFHidden: 2560, MaxSeqLen: 1024}, nil
	case "650m":
		return ModelConfig{VocabSize: ESMVocabSize, NumLayers: 33, NumHeads: 20, HiddenSize: 1280, FFHidden: 5120, MaxSeqLen: 1024}, nil
	case "speedrun":
		return DefaultModelConfig(), nil
	default:
		return ModelConfig{}, fmt.Errorf("config: unknown model preset %q (want 8m, 35m, 150m, 650m, or speedrun)", name)
	}
}

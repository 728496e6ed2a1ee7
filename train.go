package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ===========================================================================
// WHAT'S GOING ON HERE: the training loop
// ===========================================================================
//
// One optimizer step consumes GradAccum batches: each batch's rows run
// forward and backward, gradients accumulate in the parameter tensors, and
// the per-batch loss gradient is pre-scaled by 1/GradAccum so the
// accumulated gradient matches what a single giant batch would produce.
// Then Adam and Muon step together with the schedule's current LR scale.
//
// Three quantities follow schedules tied to training progress: the masking
// probability anneals 0.40 -> 0.15 (hard early, matching eval at the end),
// the attention window widens 2 -> 16 blocks, and the LR holds constant
// until a final linear cooldown. Muon's momentum additionally warms up over
// the first 300 steps.
//
// Timing excludes the first few steps. Early steps pay for page faults and
// cache warmup; including them would flatter any change that shifts work
// into step zero.
//
// ===========================================================================

// timingWarmupSteps are excluded from the reported training rate.
const timingWarmupSteps = 10

// TrainStats summarizes a finished run.
type TrainStats struct {
	StepsCompleted int
	TokensTrained  int64
	TrainTime      time.Duration // excludes warmup steps
	FinalVal       *EvalResult
	FinalTest      *EvalResult
}

// Trainer owns one training run.
type Trainer struct {
	cfg      TrainConfig
	model    *ESM
	adam     *Adam
	muon     *Muon
	schedule *Schedule
	loader   *PaddedLoader
	// One loader per held-out split, reset by the evaluator on each pass,
	// so periodic validation doesn't re-read the shards from scratch.
	validLoader *PaddedLoader
	rng         *rand.Rand
	logger      *zap.Logger
	runID       string
	hub         *http.Client
}

// NewTrainer wires a run together from its configuration.
func NewTrainer(cfg TrainConfig, runID string, logger *zap.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	model, err := NewESM(cfg.Model, rng)
	if err != nil {
		return nil, err
	}

	schedule, err := NewSchedule(cfg.NumSteps, cfg.CooldownSteps, cfg.StartMLMProb, cfg.EndMLMProb)
	if err != nil {
		return nil, err
	}

	loader, err := NewPaddedLoader(cfg.TrainPattern, cfg.BatchTokens, cfg.MaxEpochs)
	if err != nil {
		return nil, err
	}
	validLoader, err := NewPaddedLoader(cfg.ValidPattern, cfg.BatchTokens, 1)
	if err != nil {
		return nil, fmt.Errorf("train: valid split: %w", err)
	}

	logger.Info("trainer ready",
		zap.Int("param_count", model.ParamCount()),
		zap.Int("num_steps", cfg.NumSteps),
		zap.Int("batch_tokens", cfg.BatchTokens),
		zap.Int("grad_accum", cfg.GradAccum),
		zap.Float64("learning_rate", cfg.LearningRate),
	)

	return &Trainer{
		cfg:         cfg,
		model:       model,
		adam:        NewAdam(model, cfg.LearningRate),
		muon:        NewMuon(model, cfg.LearningRate),
		schedule:    schedule,
		loader:      loader,
		validLoader: validLoader,
		rng:         rng,
		logger:      logger,
		runID:       runID,
		hub:         &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

// Model returns the model under training.
func (t *Trainer) Model() *ESM {
	return t.model
}

// Run trains until NumSteps, the data cap, or ctx cancellation, whichever
// comes first, then evaluates on the valid and test splits.
func (t *Trainer) Run(ctx context.Context) (*TrainStats, error) {
	stats := &TrainStats{}
	var timedStart time.Time

	for step := 0; step < t.cfg.NumSteps; step++ {
		if err := ctx.Err(); err != nil {
			t.logger.Warn("training interrupted", zap.Int("step", step))
			break
		}
		if step == timingWarmupSteps {
			timedStart = time.Now()
		}

		mlmProb := t.schedule.MLMProb(step)
		windowBlocks := t.schedule.WindowBlocks(step)

		stepLoss, stepTokens, exhausted, err := t.accumulateStep(mlmProb, windowBlocks)
		if err != nil {
			return stats, err
		}
		if exhausted {
			t.logger.Info("data exhausted", zap.Int("step", step))
			break
		}

		lrScale := t.schedule.LRScale(step)
		t.adam.Step(lrScale)
		t.muon.Step(lrScale, t.schedule.MuonMomentum(step))

		stats.StepsCompleted = step + 1
		stats.TokensTrained += stepTokens

		if (step+1)%50 == 0 || step == 0 {
			t.logger.Info("step",
				zap.Int("step", step+1),
				zap.Float64("loss", stepLoss),
				zap.Float64("mlm_prob", mlmProb),
				zap.Int("window_blocks", windowBlocks),
				zap.Float64("lr_scale", lrScale),
			)
		}

		if t.cfg.ValidLossEvery > 0 && (step+1)%t.cfg.ValidLossEvery == 0 {
			if err := t.validate(ctx, step+1); err != nil {
				return stats, err
			}
		}
		if t.cfg.SaveEvery > 0 && (step+1)%t.cfg.SaveEvery == 0 {
			if err := t.checkpoint(ctx, step+1); err != nil {
				return stats, err
			}
		}
	}

	if stats.StepsCompleted > timingWarmupSteps {
		stats.TrainTime = time.Since(timedStart)
		rate := float64(stats.StepsCompleted-timingWarmupSteps) / stats.TrainTime.Seconds()
		t.logger.Info("training finished",
			zap.Int("steps", stats.StepsCompleted),
			zap.Int64("tokens", stats.TokensTrained),
			zap.Duration("timed", stats.TrainTime),
			zap.Float64("steps_per_sec", rate),
		)
	}

	if err := t.checkpoint(ctx, stats.StepsCompleted); err != nil {
		return stats, err
	}
	if err := ctx.Err(); err != nil {
		// Interrupted: the checkpoint is saved, skip the final evals.
		return stats, err
	}

	var err error
	if stats.FinalVal, err = t.evalSplit(ctx, t.validLoader, "valid"); err != nil {
		return stats, err
	}
	testLoader, err := NewPaddedLoader(t.cfg.TestPattern, t.cfg.BatchTokens, 1)
	if err != nil {
		return stats, fmt.Errorf("train: test split: %w", err)
	}
	if stats.FinalTest, err = t.evalSplit(ctx, testLoader, "test"); err != nil {
		return stats, err
	}
	return stats, nil
}

// accumulateStep runs GradAccum batches of forward/backward. Returns the
// mean masked loss across the accumulated batches, the token count trained
// on, and whether the loader ran dry.
func (t *Trainer) accumulateStep(mlmProb float64, windowBlocks int) (float64, int64, bool, error) {
	var lossSum float64
	var tokens int64
	rows := 0

	for accum := 0; accum < t.cfg.GradAccum; accum++ {
		batch, err := t.loader.NextBatch()
		if err != nil {
			return 0, 0, false, fmt.Errorf("train: %w", err)
		}
		if batch == nil {
			return 0, 0, true, nil
		}

		for start := 0; start < len(batch); start += t.cfg.SeqLen {
			end := start + t.cfg.SeqLen
			if end > len(batch) {
				end = len(batch)
			}
			row := batch[start:end]
			if countNonPad(row) == 0 {
				continue
			}

			masked := ApplyMLMMasking(row, mlmProb, t.rng)
			if masked.NumMasked == 0 {
				continue
			}

			logits, cache := t.model.ForwardWithCache(masked.MaskedIDs, windowBlocks)
			loss, count := MaskedCrossEntropy(logits, masked.Labels)

			gradLogits := MaskedCrossEntropyBackward(logits, masked.Labels)
			gradLogits = Scale(gradLogits, 1.0/float64(t.cfg.GradAccum))
			t.model.Backward(gradLogits, cache)

			lossSum += loss
			tokens += int64(count)
			rows++
		}
	}

	if rows == 0 {
		return 0, 0, false, nil
	}
	return lossSum / float64(rows), tokens, false, nil
}

func (t *Trainer) validate(ctx context.Context, step int) error {
	ev := NewEvaluator(t.model, t.validLoader, t.cfg.SeqLen, t.cfg.Seed, false, t.logger)
	result, err := ev.Run(ctx)
	if err != nil {
		return err
	}
	t.logger.Info("validation",
		zap.Int("step", step),
		zap.Float64("val_loss", result.Loss),
		zap.Float64("perplexity", result.Perplexity),
	)
	return nil
}

func (t *Trainer) evalSplit(ctx context.Context, loader *PaddedLoader, name string) (*EvalResult, error) {
	ev := NewEvaluator(t.model, loader, t.cfg.SeqLen, t.cfg.Seed, true, t.logger)
	result, err := ev.Run(ctx)
	if err != nil {
		return nil, err
	}
	t.logger.Info("final evaluation",
		zap.String("split", name),
		zap.Float64("loss", result.Loss),
		zap.Float64("perplexity", result.Perplexity),
		zap.Float64("accuracy", result.Accuracy),
		zap.Float64("f1", result.F1),
		zap.Float64("mcc", result.MCC),
	)
	return result, nil
}

func (t *Trainer) checkpoint(ctx context.Context, step int) error {
	path := filepath.Join(t.cfg.CheckpointDir, fmt.Sprintf("%s_step%06d.bin", t.runID, step))
	if err := SaveCheckpoint(t.model, path); err != nil {
		return err
	}
	t.logger.Info("checkpoint saved", zap.String("path", path))

	if t.cfg.HubURL != "" {
		if err := PublishCheckpoint(ctx, t.hub, t.cfg.HubURL, path, t.logger); err != nil {
			// Publication is best-effort; the local file is the source of truth.
			t.logger.Warn("checkpoint publish failed", zap.Error(err))
		}
	}
	return nil
}

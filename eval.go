package main

import (
	"context"
	"math"
	"math/rand"

	"go.uber.org/zap"
)

// ===========================================================================
// WHAT'S GOING ON HERE: evaluation
// ===========================================================================
//
// Evaluation replays a held-out split at a fixed 15% masking rate and
// reports loss plus token-recovery metrics. Two details keep the numbers
// comparable across runs:
//
//   SEEDED MASKING: the eval rng is seeded per call, so every evaluation of
//   a split masks exactly the same positions. Changes in the numbers come
//   from the model, not the dice.
//
//   TOKEN WEIGHTING: batches carry different numbers of masked positions,
//   so losses are combined as sum(loss_i * count_i) / sum(count_i) rather
//   than a plain mean over batches. Otherwise a nearly-empty final batch
//   would count as much as a full one.
//
// ===========================================================================

// EvalMaskProb is the masking rate used for validation and test scoring.
const EvalMaskProb = 0.15

// EvalResult holds the metrics from one evaluation pass.
type EvalResult struct {
	Loss       float64 `json:"loss"`
	Perplexity float64 `json:"perplexity"`
	Precision  float64 `json:"precision"`
	Recall     float64 `json:"recall"`
	F1         float64 `json:"f1"`
	Accuracy   float64 `json:"accuracy"`
	MCC        float64 `json:"mcc"`
	NumTokens  int64   `json:"num_tokens"`
	NumBatches int     `json:"num_batches"`
}

// Evaluator scores a model against a fixed data split.
type Evaluator struct {
	model   *ESM
	loader  *PaddedLoader
	seqLen  int
	seed    int64
	logger  *zap.Logger
	confMat bool // also fill the confusion matrix (skipped for quick val loss)
}

// NewEvaluator creates an evaluator over the given loader. seqLen is the
// row length batches are split into. When withMetrics is false only the
// loss is computed, which roughly halves eval time mid-training.
func NewEvaluator(model *ESM, loader *PaddedLoader, seqLen int, seed int64, withMetrics bool, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		model:   model,
		loader:  loader,
		seqLen:  seqLen,
		seed:    seed,
		logger:  logger,
		confMat: withMetrics,
	}
}

// Run evaluates the model over the full split at EvalMaskProb masking and
// the widest attention window. The loader is reset first, so repeated calls
// see identical data.
func (e *Evaluator) Run(ctx context.Context) (*EvalResult, error) {
	if err := e.loader.Reset(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(e.seed))
	cm := NewConfusionMatrix(e.model.Config().VocabSize)

	var lossSum float64
	var tokenCount int64
	batches := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := e.loader.NextBatch()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}

		for start := 0; start < len(batch); start += e.seqLen {
			end := start + e.seqLen
			if end > len(batch) {
				end = len(batch)
			}
			row := batch[start:end]
			if countNonPad(row) == 0 {
				continue
			}

			masked := ApplyMLMMasking(row, EvalMaskProb, rng)
			if masked.NumMasked == 0 {
				continue
			}

			logits := e.model.Forward(masked.MaskedIDs, maxWindowBlocks)
			loss, count := MaskedCrossEntropy(logits, masked.Labels)
			lossSum += loss * float64(count)
			tokenCount += int64(count)

			if e.confMat {
				vocab := e.model.Config().VocabSize
				for i, label := range masked.Labels {
					if label == IgnoreIndex {
						continue
					}
					cm.Add(argmax(logits.data[i*vocab:(i+1)*vocab]), label)
				}
			}
		}
		batches++
	}

	if tokenCount == 0 {
		return &EvalResult{}, nil
	}

	meanLoss := lossSum / float64(tokenCount)
	result := &EvalResult{
		Loss:       meanLoss,
		Perplexity: math.Exp(meanLoss),
		NumTokens:  tokenCount,
		NumBatches: batches,
	}
	if e.confMat {
		result.Precision = cm.MacroPrecision()
		result.Recall = cm.MacroRecall()
		result.F1 = cm.MacroF1()
		result.Accuracy = cm.Accuracy()
		result.MCC = cm.MCC()
	}

	e.logger.Info("evaluation complete",
		zap.Float64("loss", result.Loss),
		zap.Float64("perplexity", result.Perplexity),
		zap.Int64("tokens", result.NumTokens),
		zap.Int("batches", result.NumBatches),
	)
	return result, nil
}

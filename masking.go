package main

import (
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Masked Language Modeling over protein sequences
// ===========================================================================
//
// A bidirectional encoder sees the full sequence, so it cannot be trained
// with next-token prediction; it would read the answer. MLM corrupts a
// fraction of residues and asks the model to restore them:
//
//  1. MASKING STRATEGY (probability p per residue):
//     - 80% replaced with <mask>:  "MKT L VL" → "MKT <mask> VL"
//     - 10% replaced with a random standard residue
//     - 10% left unchanged
//
//     The 10% random keeps the model from merely learning to copy whenever
//     it doesn't see <mask>; the 10% unchanged narrows the gap between
//     training (mask tokens present) and inference (none).
//
//  2. LOSS: only corrupted positions get labels; everything else is
//     IgnoreIndex, so unmasked tokens contribute no gradient.
//
// Unlike the fixed 15% of BERT, the speedrun schedule starts at 40% masking
// and anneals linearly to 15%: early steps get denser signal per sequence,
// late steps match the evaluation objective. Evaluation always masks at 15%.
//
// Special tokens (<cls>, <eos>, <pad>) are never masked: they are structural
// and predicting them is trivial.
//
// ===========================================================================

// MaskingResult holds a corrupted input and its MLM labels.
type MaskingResult struct {
	// MaskedIDs is the input after corruption.
	MaskedIDs []uint16

	// Labels holds the original token ID at corrupted positions and
	// IgnoreIndex everywhere else.
	Labels []int

	// NumMasked counts corrupted positions.
	NumMasked int
}

// ApplyMLMMasking corrupts inputIDs at probability maskProb using the
// 80/10/10 strategy. The caller owns the rng, so a seeded evaluation pass
// masks identically every time.
func ApplyMLMMasking(inputIDs []uint16, maskProb float64, rng *rand.Rand) *MaskingResult {
	result := &MaskingResult{
		MaskedIDs: make([]uint16, len(inputIDs)),
		Labels:    make([]int, len(inputIDs)),
	}
	copy(result.MaskedIDs, inputIDs)
	for i := range result.Labels {
		result.Labels[i] = IgnoreIndex
	}

	for i, tok := range inputIDs {
		if IsSpecial(tok) {
			continue
		}
		if rng.Float64() >= maskProb {
			continue
		}

		result.Labels[i] = int(tok)
		result.NumMasked++

		switch roll := rng.Float64(); {
		case roll < 0.8:
			result.MaskedIDs[i] = TokMask
		case roll < 0.9:
			result.MaskedIDs[i] = uint16(firstResidueID + rng.Intn(lastResidueID-firstResidueID+1))
		}
		// Remaining 10%: keep the original token.
	}

	return result
}

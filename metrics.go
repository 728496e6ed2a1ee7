package main

import "math"

// ===========================================================================
// WHAT'S GOING ON HERE: token-recovery metrics
// ===========================================================================
//
// Evaluation scores the model on how well it recovers masked tokens. All
// metrics derive from one confusion matrix over the vocabulary, filled with
// (predicted, actual) pairs at labeled positions only:
//
//   ACCURACY   micro: correct predictions / total predictions.
//   PRECISION  macro: per-class precision averaged over classes that were
//              either predicted or present. Classes absent from both sides
//              (most of the 33-token alphabet in any given batch) don't
//              drag the average down.
//   RECALL/F1  macro, same averaging.
//   MCC        the multiclass generalization (the R_K statistic). Unlike
//              accuracy it stays honest under class imbalance, which
//              matters here: leucine alone is ~10% of residues, so a model
//              that over-predicts common amino acids can post decent
//              accuracy with poor MCC.
//
// ===========================================================================

// ConfusionMatrix accumulates (predicted, actual) counts over a vocabulary.
type ConfusionMatrix struct {
	numClasses int
	counts     []int64 // row = actual, col = predicted
	total      int64
}

// NewConfusionMatrix creates an empty matrix over numClasses classes.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	return &ConfusionMatrix{
		numClasses: numClasses,
		counts:     make([]int64, numClasses*numClasses),
	}
}

// Add records one prediction. Out-of-range pairs are ignored.
func (cm *ConfusionMatrix) Add(predicted, actual int) {
	if predicted < 0 || predicted >= cm.numClasses || actual < 0 || actual >= cm.numClasses {
		return
	}
	cm.counts[actual*cm.numClasses+predicted]++
	cm.total++
}

// Total returns the number of recorded predictions.
func (cm *ConfusionMatrix) Total() int64 {
	return cm.total
}

// Accuracy returns the micro-averaged accuracy.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.total == 0 {
		return 0
	}
	var correct int64
	for k := 0; k < cm.numClasses; k++ {
		correct += cm.counts[k*cm.numClasses+k]
	}
	return float64(correct) / float64(cm.total)
}

// classTotals returns per-class predicted and actual counts.
func (cm *ConfusionMatrix) classTotals() (predicted, actual []int64) {
	predicted = make([]int64, cm.numClasses)
	actual = make([]int64, cm.numClasses)
	for a := 0; a < cm.numClasses; a++ {
		for p := 0; p < cm.numClasses; p++ {
			c := cm.counts[a*cm.numClasses+p]
			actual[a] += c
			predicted[p] += c
		}
	}
	return predicted, actual
}

// MacroPrecision averages per-class precision over observed classes.
func (cm *ConfusionMatrix) MacroPrecision() float64 {
	predicted, actual := cm.classTotals()
	sum, n := 0.0, 0
	for k := 0; k < cm.numClasses; k++ {
		if predicted[k] == 0 && actual[k] == 0 {
			continue
		}
		n++
		if predicted[k] > 0 {
			sum += float64(cm.counts[k*cm.numClasses+k]) / float64(predicted[k])
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// MacroRecall averages per-class recall over observed classes.
func (cm *ConfusionMatrix) MacroRecall() float64 {
	predicted, actual := cm.classTotals()
	sum, n := 0.0, 0
	for k := 0; k < cm.numClasses; k++ {
		if predicted[k] == 0 && actual[k] == 0 {
			continue
		}
		n++
		if actual[k] > 0 {
			sum += float64(cm.counts[k*cm.numClasses+k]) / float64(actual[k])
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// MacroF1 averages per-class F1 over observed classes.
func (cm *ConfusionMatrix) MacroF1() float64 {
	predicted, actual := cm.classTotals()
	sum, n := 0.0, 0
	for k := 0; k < cm.numClasses; k++ {
		if predicted[k] == 0 && actual[k] == 0 {
			continue
		}
		n++
		tp := float64(cm.counts[k*cm.numClasses+k])
		denom := float64(predicted[k] + actual[k])
		if denom > 0 {
			sum += 2 * tp / denom
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// MCC returns the multiclass Matthews correlation coefficient. A degenerate
// matrix (all predictions or all actuals in one class) yields 0.
func (cm *ConfusionMatrix) MCC() float64 {
	if cm.total == 0 {
		return 0
	}

	predicted, actual := cm.classTotals()
	s := float64(cm.total)

	var correct int64
	for k := 0; k < cm.numClasses; k++ {
		correct += cm.counts[k*cm.numClasses+k]
	}
	c := float64(correct)

	var sumPT, sumPP, sumTT float64
	for k := 0; k < cm.numClasses; k++ {
		p := float64(predicted[k])
		t := float64(actual[k])
		sumPT += p * t
		sumPP += p * p
		sumTT += t * t
	}

	denom := math.Sqrt((s*s - sumPP) * (s*s - sumTT))
	if denom == 0 {
		return 0
	}
	return (c*s - sumPT) / denom
}

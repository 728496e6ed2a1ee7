package main

import (
	"fmt"
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Backward (gradient) implementations for every primitive the encoder uses.
// Each function receives the upstream gradient ∂L/∂output and returns the
// downstream gradient ∂L/∂input, accumulating parameter gradients along the
// way. The model-level backward pass in esm_backward.go chains these in
// reverse forward order.
//
// The loss is masked cross-entropy: only positions whose label is not
// IgnoreIndex contribute, and the loss is averaged over those positions.
// That matches the MLM objective: unmasked tokens carry no training signal.
//
// ===========================================================================

// IgnoreIndex marks label positions excluded from the loss. Matches the
// conventional -100 used by MLM pipelines.
const IgnoreIndex = -100

// MatMulBackward computes gradients for C = A @ B:
//
//	gradA = gradC @ Bᵀ
//	gradB = Aᵀ @ gradC
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// GELUBackward computes the gradient of the tanh-approximated GELU.
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)

	for i := range x.data {
		v := x.data[i]
		inner := sqrt2OverPi * (v + coeff*v*v*v)
		tanhInner := math.Tanh(inner)
		tanhDeriv := 1.0 - tanhInner*tanhInner
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*coeff*v*v)
		geluDeriv := 0.5*(1.0+tanhInner) + 0.5*v*tanhDeriv*innerDeriv
		gradX.data[i] = gradY.data[i] * geluDeriv
	}
	return gradX
}

// SoftmaxBackward computes the gradient through a row-wise softmax given the
// softmax output y:
//
//	gradX[i] = y[i] * (gradY[i] - Σ_j gradY[j]*y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	rows, cols := y.shape[0], y.shape[1]
	gradX := NewTensor(y.shape...)

	for r := 0; r < rows; r++ {
		dot := 0.0
		for c := 0; c < cols; c++ {
			dot += gradY.data[r*cols+c] * y.data[r*cols+c]
		}
		for c := 0; c < cols; c++ {
			gradX.data[r*cols+c] = y.data[r*cols+c] * (gradY.data[r*cols+c] - dot)
		}
	}
	return gradX
}

// LayerNormBackward computes gradients through y = gamma*(x-μ)/σ + beta,
// where statistics are per row. x is the layer input; gradY is ∂L/∂y.
func LayerNormBackward(x, gamma *Tensor, gradY *Tensor, epsilon float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("LayerNormBackward: requires 2D tensor")
	}

	rows, cols := x.shape[0], x.shape[1]
	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(cols)
	gradBeta = NewTensor(cols)

	n := float64(cols)

	for r := 0; r < rows; r++ {
		mean := 0.0
		for c := 0; c < cols; c++ {
			mean += x.data[r*cols+c]
		}
		mean /= n

		variance := 0.0
		for c := 0; c < cols; c++ {
			diff := x.data[r*cols+c] - mean
			variance += diff * diff
		}
		variance /= n
		std := math.Sqrt(variance + epsilon)

		sumGradY := 0.0
		sumGradYXNorm := 0.0
		for c := 0; c < cols; c++ {
			xNorm := (x.data[r*cols+c] - mean) / std
			gy := gradY.data[r*cols+c]

			gradGamma.data[c] += gy * xNorm
			gradBeta.data[c] += gy

			sumGradY += gy * gamma.data[c]
			sumGradYXNorm += gy * gamma.data[c] * xNorm
		}

		for c := 0; c < cols; c++ {
			xNorm := (x.data[r*cols+c] - mean) / std
			gradXNorm := gradY.data[r*cols+c] * gamma.data[c]
			gradX.data[r*cols+c] = (n*gradXNorm - sumGradY - xNorm*sumGradYXNorm) / (n * std)
		}
	}

	return gradX, gradGamma, gradBeta
}

// MaskedCrossEntropy computes the mean cross-entropy over positions whose
// label is not IgnoreIndex.
//
// logits: (seqLen, vocabSize), labels: (seqLen). Returns the mean loss and
// the number of contributing positions. Zero contributing positions yields
// loss 0; a batch can legitimately have no masked tokens at low masking
// probability and short sequences.
func MaskedCrossEntropy(logits *Tensor, labels []int) (float64, int) {
	if len(logits.shape) != 2 {
		panic("MaskedCrossEntropy: requires 2D logits")
	}

	seqLen, vocabSize := logits.shape[0], logits.shape[1]
	if len(labels) != seqLen {
		panic(fmt.Sprintf("MaskedCrossEntropy: %d labels for %d positions", len(labels), seqLen))
	}

	totalLoss := 0.0
	count := 0

	for i := 0; i < seqLen; i++ {
		if labels[i] == IgnoreIndex {
			continue
		}

		row := logits.data[i*vocabSize : (i+1)*vocabSize]
		maxLogit := row[0]
		for _, v := range row {
			if v > maxLogit {
				maxLogit = v
			}
		}
		sumExp := 0.0
		for _, v := range row {
			sumExp += math.Exp(v - maxLogit)
		}
		logSumExp := maxLogit + math.Log(sumExp)

		totalLoss += logSumExp - row[labels[i]]
		count++
	}

	if count == 0 {
		return 0, 0
	}
	return totalLoss / float64(count), count
}

// MaskedCrossEntropyBackward computes ∂L/∂logits for MaskedCrossEntropy:
// softmax(logits) - one_hot(label) at contributing positions, scaled by
// 1/count; zero rows elsewhere.
func MaskedCrossEntropyBackward(logits *Tensor, labels []int) *Tensor {
	if len(logits.shape) != 2 {
		panic("MaskedCrossEntropyBackward: requires 2D logits")
	}

	seqLen, vocabSize := logits.shape[0], logits.shape[1]
	gradLogits := NewTensor(seqLen, vocabSize)

	count := 0
	for _, l := range labels {
		if l != IgnoreIndex {
			count++
		}
	}
	if count == 0 {
		return gradLogits
	}
	invCount := 1.0 / float64(count)

	probs := Softmax(logits)
	for i := 0; i < seqLen; i++ {
		if labels[i] == IgnoreIndex {
			continue
		}
		for v := 0; v < vocabSize; v++ {
			g := probs.data[i*vocabSize+v]
			if v == labels[i] {
				g -= 1.0
			}
			gradLogits.data[i*vocabSize+v] = g * invCount
		}
	}
	return gradLogits
}

// AccumulateGrad adds grad to a tensor's gradient buffer. Used when a
// parameter contributes to multiple positions in the forward pass.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("AccumulateGrad: shape mismatch")
	}
	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}

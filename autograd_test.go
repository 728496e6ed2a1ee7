package main

import (
	"math"
	"math/rand"
	"testing"
)

// numericalGrad estimates d f / d x[i] with central differences.
func numericalGrad(f func() float64, x *Tensor, i int) float64 {
	const h = 1e-6
	orig := x.data[i]
	x.data[i] = orig + h
	fp := f()
	x.data[i] = orig - h
	fm := f()
	x.data[i] = orig
	return (fp - fm) / (2 * h)
}

func TestGELUBackwardNumerical(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := NewTensorNormal(rng, 1.0, 2, 4)

	// f = sum(GELU(x))
	f := func() float64 {
		y := GELU(x)
		sum := 0.0
		for _, v := range y.data {
			sum += v
		}
		return sum
	}

	gradY := NewTensor(2, 4)
	for i := range gradY.data {
		gradY.data[i] = 1.0
	}
	gradX := GELUBackward(x, gradY)

	for i := range x.data {
		want := numericalGrad(f, x, i)
		if math.Abs(gradX.data[i]-want) > 1e-4 {
			t.Errorf("gradX[%d] = %f, numerical %f", i, gradX.data[i], want)
		}
	}
}

func TestLayerNormBackwardNumerical(t *testing.T) {
	const eps = 1e-5
	rng := rand.New(rand.NewSource(5))
	x := NewTensorNormal(rng, 1.0, 3, 6)
	gamma := NewTensor(6)
	beta := NewTensor(6)
	for i := 0; i < 6; i++ {
		gamma.data[i] = 1.0 + 0.1*float64(i)
		beta.data[i] = 0.05 * float64(i)
	}
	ln := &LayerNorm{dim: 6, eps: eps, gamma: gamma, beta: beta}

	// f = weighted sum of the output, so gradY is non-uniform.
	weights := NewTensorNormal(rng, 1.0, 3, 6)
	f := func() float64 {
		y := ln.Forward(x)
		sum := 0.0
		for i := range y.data {
			sum += y.data[i] * weights.data[i]
		}
		return sum
	}

	gradX, gradGamma, gradBeta := LayerNormBackward(x, gamma, weights, eps)

	for i := range x.data {
		want := numericalGrad(f, x, i)
		if math.Abs(gradX.data[i]-want) > 1e-4 {
			t.Errorf("gradX[%d] = %f, numerical %f", i, gradX.data[i], want)
		}
	}
	for i := range gamma.data {
		want := numericalGrad(f, gamma, i)
		if math.Abs(gradGamma.data[i]-want) > 1e-4 {
			t.Errorf("gradGamma[%d] = %f, numerical %f", i, gradGamma.data[i], want)
		}
	}
	for i := range beta.data {
		want := numericalGrad(f, beta, i)
		if math.Abs(gradBeta.data[i]-want) > 1e-4 {
			t.Errorf("gradBeta[%d] = %f, numerical %f", i, gradBeta.data[i], want)
		}
	}
}

func TestMaskedCrossEntropyIgnoresUnlabeled(t *testing.T) {
	logits := NewTensor(3, 4)
	rng := rand.New(rand.NewSource(9))
	for i := range logits.data {
		logits.data[i] = rng.NormFloat64()
	}

	labels := []int{2, IgnoreIndex, 0}
	loss, count := MaskedCrossEntropy(logits, labels)

	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if loss <= 0 || math.IsNaN(loss) {
		t.Fatalf("loss = %f", loss)
	}

	// Perturbing the ignored row must not change the loss.
	logits.data[1*4+2] += 100
	loss2, _ := MaskedCrossEntropy(logits, labels)
	if math.Abs(loss-loss2) > 1e-12 {
		t.Errorf("ignored row affected loss: %f vs %f", loss, loss2)
	}
}

func TestMaskedCrossEntropyUniformLogits(t *testing.T) {
	// Zero logits over V classes give loss ln(V).
	logits := NewTensor(2, 33)
	labels := []int{5, 17}

	loss, count := MaskedCrossEntropy(logits, labels)

	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if math.Abs(loss-math.Log(33)) > 1e-9 {
		t.Errorf("loss = %f, want ln(33) = %f", loss, math.Log(33))
	}
}

func TestMaskedCrossEntropyBackwardNumerical(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	logits := NewTensorNormal(rng, 1.0, 3, 5)
	labels := []int{1, IgnoreIndex, 4}

	f := func() float64 {
		loss, _ := MaskedCrossEntropy(logits, labels)
		return loss
	}

	grad := MaskedCrossEntropyBackward(logits, labels)

	for i := range logits.data {
		want := numericalGrad(f, logits, i)
		if math.Abs(grad.data[i]-want) > 1e-4 {
			t.Errorf("grad[%d] = %f, numerical %f", i, grad.data[i], want)
		}
	}

	// Ignored rows get exactly zero gradient.
	for c := 0; c < 5; c++ {
		if grad.At(1, c) != 0 {
			t.Errorf("ignored row has gradient %f at col %d", grad.At(1, c), c)
		}
	}
}

func TestMatMulBackwardNumerical(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	a := NewTensorNormal(rng, 1.0, 3, 4)
	b := NewTensorNormal(rng, 1.0, 4, 2)
	weights := NewTensorNormal(rng, 1.0, 3, 2)

	f := func() float64 {
		c := MatMul(a, b)
		sum := 0.0
		for i := range c.data {
			sum += c.data[i] * weights.data[i]
		}
		return sum
	}

	gradA, gradB := MatMulBackward(a, b, weights)

	for i := range a.data {
		want := numericalGrad(f, a, i)
		if math.Abs(gradA.data[i]-want) > 1e-5 {
			t.Errorf("gradA[%d] = %f, numerical %f", i, gradA.data[i], want)
		}
	}
	for i := range b.data {
		want := numericalGrad(f, b, i)
		if math.Abs(gradB.data[i]-want) > 1e-5 {
			t.Errorf("gradB[%d] = %f, numerical %f", i, gradB.data[i], want)
		}
	}
}

package main

import (
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE: the two-optimizer split
// ===========================================================================
//
// The training recipe splits parameters between two optimizers:
//
//   ADAM handles embeddings, the LM head, and every 1-D parameter (norm
//   gains, biases). Each group carries its own learning-rate divisor;
//   the head in particular trains two orders of magnitude slower than the
//   body, which keeps the zero-initialized logits from blowing up early.
//
//   MUON handles the 2-D weight matrices inside the blocks. Instead of
//   scaling the raw momentum like SGD would, it orthogonalizes the momentum
//   matrix with a Newton-Schulz iteration and steps along that. The effect
//   is that every singular direction of the update moves at roughly the
//   same rate, which lets matrices use a much larger effective step.
//
// Newton-Schulz here is the quintic iteration: five rounds of
// X <- aX + bX(XᵀX) + cX(XᵀX)² after normalizing by the Frobenius norm.
// The coefficients (3.4445, -4.7750, 2.0315) trade exact convergence to the
// orthogonal polar factor for much faster flattening of the small singular
// values, which is all the optimizer needs.
//
// INTENTION: both optimizers consume the gradients accumulated by
// Backward and clear them; Step is the only entry point the training loop
// touches.
//
// ===========================================================================

// Learning-rate divisors per parameter group, relative to the base LR.
const (
	embedLRDivisor  = 4.0
	headLRDivisor   = 75.0
	scalarLRDivisor = 15.0
	muonLRDivisor   = 12.0
)

// adamGroup is one set of parameters sharing a learning-rate divisor.
type adamGroup struct {
	params  []*Tensor
	divisor float64
	m       [][]float64 // first moment per parameter
	v       [][]float64 // second moment per parameter
}

func newAdamGroup(params []*Tensor, divisor float64) *adamGroup {
	g := &adamGroup{
		params:  params,
		divisor: divisor,
		m:       make([][]float64, len(params)),
		v:       make([][]float64, len(params)),
	}
	for i, p := range params {
		g.m[i] = make([]float64, p.Size())
		g.v[i] = make([]float64, p.Size())
	}
	return g
}

// Adam implements Adam with bias correction over grouped parameters.
type Adam struct {
	beta1  float64
	beta2  float64
	eps    float64
	baseLR float64
	step   int
	groups []*adamGroup
}

// NewAdam builds the Adam side of the split for a model: embeddings at
// lr/4, the LM head at lr/75, and the 1-D parameters at lr/15.
func NewAdam(model *ESM, baseLR float64) *Adam {
	return &Adam{
		beta1:  0.8,
		beta2:  0.95,
		eps:    1e-10,
		baseLR: baseLR,
		groups: []*adamGroup{
			newAdamGroup([]*Tensor{model.tokenEmbed}, embedLRDivisor),
			newAdamGroup([]*Tensor{model.lmHead}, headLRDivisor),
			newAdamGroup(model.ScalarParams(), scalarLRDivisor),
		},
	}
}

// Step applies one Adam update scaled by lrScale and zeroes the gradients.
func (a *Adam) Step(lrScale float64) {
	a.step++
	bc1 := 1.0 - math.Pow(a.beta1, float64(a.step))
	bc2 := 1.0 - math.Pow(a.beta2, float64(a.step))

	for _, g := range a.groups {
		lr := a.baseLR / g.divisor * lrScale
		for i, p := range g.params {
			m, v := g.m[i], g.v[i]
			for j, grad := range p.grad {
				m[j] = a.beta1*m[j] + (1.0-a.beta1)*grad
				v[j] = a.beta2*v[j] + (1.0-a.beta2)*grad*grad
				mHat := m[j] / bc1
				vHat := v[j] / bc2
				p.data[j] -= lr * mHat / (math.Sqrt(vHat) + a.eps)
			}
			p.ZeroGrad()
		}
	}
}

// Muon optimizes 2-D matrices via orthogonalized momentum.
type Muon struct {
	baseLR   float64
	params   []*Tensor
	momentum [][]float64
}

// NewMuon builds the Muon side of the split: the block-internal weight
// matrices at lr/12.
func NewMuon(model *ESM, baseLR float64) *Muon {
	params := model.HiddenMatrices()
	m := &Muon{
		baseLR:   baseLR,
		params:   params,
		momentum: make([][]float64, len(params)),
	}
	for i, p := range params {
		m.momentum[i] = make([]float64, p.Size())
	}
	return m
}

// Step applies one Muon update and zeroes the gradients. momentumCoef comes
// from the schedule (warmed up 0.85 -> 0.95 early in training).
func (mu *Muon) Step(lrScale, momentumCoef float64) {
	lr := mu.baseLR / muonLRDivisor * lrScale

	for i, p := range mu.params {
		buf := mu.momentum[i]
		for j, grad := range p.grad {
			buf[j] = momentumCoef*buf[j] + grad
		}

		rows, cols := p.shape[0], p.shape[1]
		update := NewTensor(rows, cols)
		copy(update.data, buf)
		update = NewtonSchulz(update, 5)

		// Tall matrices get a larger step so the per-direction scale stays
		// comparable across shapes.
		scale := lr * math.Sqrt(math.Max(1.0, float64(rows)/float64(cols)))
		for j := range p.data {
			p.data[j] -= scale * update.data[j]
		}
		p.ZeroGrad()
	}
}

// Newton-Schulz quintic coefficients.
const (
	nsCoefA = 3.4445
	nsCoefB = -4.7750
	nsCoefC = 2.0315
)

// NewtonSchulz approximately orthogonalizes a 2-D matrix: the result has
// singular values near 1 in the directions the input spans. The input is
// not modified.
func NewtonSchulz(g *Tensor, iters int) *Tensor {
	if len(g.shape) != 2 {
		panic("muon: NewtonSchulz input must be 2D")
	}

	rows, cols := g.shape[0], g.shape[1]
	transposed := rows > cols

	x := NewTensor(g.shape...)
	copy(x.data, g.data)
	if transposed {
		x = Transpose(x)
	}

	norm := x.FrobeniusNorm()
	if norm == 0 {
		return NewTensor(g.shape...)
	}
	x = Scale(x, 1.0/(norm+1e-7))

	for i := 0; i < iters; i++ {
		a := MatMul(x, Transpose(x)) // X Xᵀ, (r, r) with r <= c
		b := Add(Scale(a, nsCoefB), Scale(MatMul(a, a), nsCoefC))
		x = Add(Scale(x, nsCoefA), MatMul(b, x))
	}

	if transposed {
		x = Transpose(x)
	}
	return x
}

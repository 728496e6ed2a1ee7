package main

import (
	"fmt"
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Backpropagation through the encoder. The forward pass records every
// intermediate a gradient formula needs (pre-norm inputs, rotated Q/K,
// attention weights, FFN pre-activations), then Backward walks the graph in
// reverse, chaining the primitives from autograd.go.
//
// Residual connections make the bookkeeping forgiving: at y = x + F(x) the
// upstream gradient flows to x unchanged AND through F, so gradients add at
// every join. The only subtlety specific to this architecture is RoPE: the
// rotation is orthogonal, so its backward is the inverse rotation
// (applyRoPE with invert=true), with no parameters and no stored state.
//
// Memory: caching costs roughly one extra activation set per block, the
// usual ~3-4x inference footprint of training.
//
// ===========================================================================

// AttentionCache stores per-layer attention activations for backward.
type AttentionCache struct {
	input   *Tensor // normed block input fed to the projections
	mask    *Tensor
	qRot    []*Tensor // per head, after rotary
	kRot    []*Tensor
	vHead   []*Tensor
	weights []*Tensor // per head, after softmax
	context *Tensor   // concatenated heads, before wo
}

// FFCache stores feed-forward activations for backward.
type FFCache struct {
	input         *Tensor
	preActivation *Tensor
	hidden        *Tensor
}

// BlockCache stores one block's activations.
type BlockCache struct {
	input   *Tensor // block input (ln1's input)
	mid     *Tensor // after attention residual (ln2's input)
	attnCch *AttentionCache
	ffCch   *FFCache
}

// ForwardCache stores everything Backward needs for one batch row.
type ForwardCache struct {
	inputIDs    []uint16
	blockCaches []*BlockCache
	lnFinalIn   *Tensor
	lnFinalOut  *Tensor
}

// ForwardWithCache runs the encoder and records activations for Backward.
func (m *ESM) ForwardWithCache(inputIDs []uint16, windowBlocks int) (*Tensor, *ForwardCache) {
	seqLen := len(inputIDs)
	if seqLen == 0 {
		panic("esm: empty input")
	}
	if seqLen > m.config.MaxSeqLen {
		panic(fmt.Sprintf("esm: sequence length %d exceeds maximum %d", seqLen, m.config.MaxSeqLen))
	}

	cache := &ForwardCache{
		inputIDs:    append([]uint16(nil), inputIDs...),
		blockCaches: make([]*BlockCache, m.config.NumLayers),
	}

	hidden := m.config.HiddenSize
	mask := buildAttentionMask(inputIDs, windowBlocks)

	// Token embedding lookup. No position table: positions enter through
	// the rotary encoding inside attention.
	x := NewTensor(seqLen, hidden)
	for i, tok := range inputIDs {
		if int(tok) >= m.config.VocabSize {
			panic(fmt.Sprintf("esm: token ID %d out of vocabulary range [0,%d)", tok, m.config.VocabSize))
		}
		copy(x.data[i*hidden:(i+1)*hidden], m.tokenEmbed.data[int(tok)*hidden:(int(tok)+1)*hidden])
	}

	for layer, block := range m.blocks {
		bc := &BlockCache{input: x}
		cache.blockCaches[layer] = bc

		normed1 := block.ln1.Forward(x)
		attnOut, attnCch := block.attn.forwardWithCache(normed1, mask)
		bc.attnCch = attnCch
		x = Add(x, attnOut)
		bc.mid = x

		normed2 := block.ln2.Forward(x)
		ffOut, ffCch := block.ff.forwardWithCache(normed2)
		bc.ffCch = ffCch
		x = Add(x, ffOut)
	}

	cache.lnFinalIn = x
	x = m.lnFinal.Forward(x)
	cache.lnFinalOut = x

	logits := MatMul(x, m.lmHead)
	return logits, cache
}

// forwardWithCache runs attention over an already-normalized input.
func (a *Attention) forwardWithCache(x, mask *Tensor) (*Tensor, *AttentionCache) {
	seqLen := x.shape[0]
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	cache := &AttentionCache{
		input:   x,
		mask:    mask,
		qRot:    make([]*Tensor, a.numHeads),
		kRot:    make([]*Tensor, a.numHeads),
		vHead:   make([]*Tensor, a.numHeads),
		weights: make([]*Tensor, a.numHeads),
	}

	q := MatMul(x, a.wq)
	k := MatMul(x, a.wk)
	v := MatMul(x, a.wv)

	context := NewTensor(seqLen, a.hiddenSize)

	for h := 0; h < a.numHeads; h++ {
		qRot := applyRoPE(extractHead(q, h, a.numHeads, a.headDim), false)
		kRot := applyRoPE(extractHead(k, h, a.numHeads, a.headDim), false)
		vHead := extractHead(v, h, a.numHeads, a.headDim)

		scores := Scale(MatMul(qRot, Transpose(kRot)), scale)
		for i := range scores.data {
			scores.data[i] += mask.data[i]
		}

		weights := Softmax(scores)
		ctxHead := MatMul(weights, vHead)

		cache.qRot[h] = qRot
		cache.kRot[h] = kRot
		cache.vHead[h] = vHead
		cache.weights[h] = weights

		insertHead(context, ctxHead, h, a.numHeads, a.headDim)
	}

	cache.context = context
	return MatMul(context, a.wo), cache
}

// forwardWithCache runs the feed-forward MLP, caching pre-activations.
func (ff *FeedForward) forwardWithCache(x *Tensor) (*Tensor, *FFCache) {
	cache := &FFCache{input: x}

	hidden := MatMul(x, ff.w1)
	cols := ff.b1.Size()
	for i := range hidden.data {
		hidden.data[i] += ff.b1.data[i%cols]
	}
	cache.preActivation = hidden

	hidden = GELU(hidden)
	cache.hidden = hidden

	out := MatMul(hidden, ff.w2)
	cols = ff.b2.Size()
	for i := range out.data {
		out.data[i] += ff.b2.data[i%cols]
	}
	return out, cache
}

// Backward propagates ∂L/∂logits through the model, accumulating parameter
// gradients. Call the optimizers afterwards; they clear the gradients.
func (m *ESM) Backward(gradLogits *Tensor, cache *ForwardCache) {
	const eps = 1e-5
	hidden := m.config.HiddenSize

	// LM head: logits = lnFinalOut @ lmHead.
	gradHead := MatMul(Transpose(cache.lnFinalOut), gradLogits)
	m.lmHead.AccumulateGrad(gradHead)
	gradX := MatMul(gradLogits, Transpose(m.lmHead))

	// Final LayerNorm.
	gradX, gGamma, gBeta := LayerNormBackward(cache.lnFinalIn, m.lnFinal.gamma, gradX, eps)
	m.lnFinal.gamma.AccumulateGrad(gGamma)
	m.lnFinal.beta.AccumulateGrad(gBeta)

	for layer := m.config.NumLayers - 1; layer >= 0; layer-- {
		block := m.blocks[layer]
		bc := cache.blockCaches[layer]

		// x_out = mid + FFN(LN2(mid))
		gradNormed2 := block.ff.backward(gradX, bc.ffCch)
		gradMid, gGamma2, gBeta2 := LayerNormBackward(bc.mid, block.ln2.gamma, gradNormed2, eps)
		block.ln2.gamma.AccumulateGrad(gGamma2)
		block.ln2.beta.AccumulateGrad(gBeta2)
		gradX = Add(gradX, gradMid)

		// mid = input + Attn(LN1(input))
		gradNormed1 := block.attn.backward(gradX, bc.attnCch)
		gradIn, gGamma1, gBeta1 := LayerNormBackward(bc.input, block.ln1.gamma, gradNormed1, eps)
		block.ln1.gamma.AccumulateGrad(gGamma1)
		block.ln1.beta.AccumulateGrad(gBeta1)
		gradX = Add(gradX, gradIn)
	}

	// Embedding rows accumulate the remaining gradient.
	for i, tok := range cache.inputIDs {
		base := int(tok) * hidden
		for d := 0; d < hidden; d++ {
			m.tokenEmbed.grad[base+d] += gradX.data[i*hidden+d]
		}
	}
}

// backward propagates gradients through attention, returning ∂L/∂input
// (the normalized block input).
func (a *Attention) backward(gradOut *Tensor, cache *AttentionCache) *Tensor {
	seqLen := cache.input.shape[0]
	scale := 1.0 / math.Sqrt(float64(a.headDim))

	// Output projection: out = context @ wo.
	gradContext, gradWo := MatMulBackward(cache.context, a.wo, gradOut)
	a.wo.AccumulateGrad(gradWo)

	gradQ := NewTensor(seqLen, a.hiddenSize)
	gradK := NewTensor(seqLen, a.hiddenSize)
	gradV := NewTensor(seqLen, a.hiddenSize)

	for h := 0; h < a.numHeads; h++ {
		gradCtxHead := extractHead(gradContext, h, a.numHeads, a.headDim)

		// ctxHead = weights @ vHead
		gradWeights, gradVHead := MatMulBackward(cache.weights[h], cache.vHead[h], gradCtxHead)

		// Softmax. Masked positions carry near-zero weights, so their score
		// gradients vanish without special handling.
		gradScores := SoftmaxBackward(cache.weights[h], gradWeights)
		gradScores = Scale(gradScores, scale)

		// scores = qRot @ kRotᵀ
		gradQRot, gradKRotT := MatMulBackward(cache.qRot[h], Transpose(cache.kRot[h]), gradScores)
		gradKRot := Transpose(gradKRotT)

		// Rotation is orthogonal: backward is the inverse rotation.
		insertHead(gradQ, applyRoPE(gradQRot, true), h, a.numHeads, a.headDim)
		insertHead(gradK, applyRoPE(gradKRot, true), h, a.numHeads, a.headDim)
		insertHead(gradV, gradVHead, h, a.numHeads, a.headDim)
	}

	// The three projections share the same input; gradients add.
	gradInQ, gradWq := MatMulBackward(cache.input, a.wq, gradQ)
	a.wq.AccumulateGrad(gradWq)
	gradInK, gradWk := MatMulBackward(cache.input, a.wk, gradK)
	a.wk.AccumulateGrad(gradWk)
	gradInV, gradWv := MatMulBackward(cache.input, a.wv, gradV)
	a.wv.AccumulateGrad(gradWv)

	return Add(Add(gradInQ, gradInK), gradInV)
}

// backward propagates gradients through the feed-forward MLP, returning
// ∂L/∂input.
func (ff *FeedForward) backward(gradOut *Tensor, cache *FFCache) *Tensor {
	// out = hidden @ w2 + b2
	gradHidden, gradW2 := MatMulBackward(cache.hidden, ff.w2, gradOut)
	ff.w2.AccumulateGrad(gradW2)

	cols := ff.b2.Size()
	for i := range gradOut.data {
		ff.b2.grad[i%cols] += gradOut.data[i]
	}

	gradPre := GELUBackward(cache.preActivation, gradHidden)

	// pre = input @ w1 + b1
	gradInput, gradW1 := MatMulBackward(cache.input, ff.w1, gradPre)
	ff.w1.AccumulateGrad(gradW1)

	cols = ff.b1.Size()
	for i := range gradPre.data {
		ff.b1.grad[i%cols] += gradPre.data[i]
	}

	return gradInput
}

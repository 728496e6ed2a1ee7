package main

import (
	"fmt"
	"math"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE: ESM-style bidirectional protein encoder
// ===========================================================================
//
// This file implements the encoder trained by the speedrun: a pre-norm
// transformer over the 33-token ESM alphabet with a masked-language-modeling
// head. It differs from a GPT-style decoder in three ways that matter:
//
//   ATTENTION: bidirectional. A residue's structural context comes from both
//   directions along the chain, so there is no causal mask. What *is* masked:
//   attention to <pad> targets, and anything beyond the sliding window.
//
//   POSITIONS: rotary (RoPE). Instead of a learned position table added to
//   the embeddings, each attention head rotates its query and key vectors by
//   a position-dependent angle. Relative offsets then fall out of the dot
//   product, which suits proteins: motif geometry is translation-invariant
//   along the chain.
//
//   WINDOW: training starts with each position attending only ±256 tokens
//   and widens to ±2048 on a schedule (see schedule.go). The dense mask here
//   is the CPU stand-in for the block-sparse attention kernels used on GPU.
//
// Layer layout is pre-norm:
//
//	x = x + Attn(LN(x))
//	x = x + FFN(LN(x))
//
// with a final LayerNorm before the untied LM head.
//
// The backward pass lives in esm_backward.go.
//
// ===========================================================================

// ModelConfig holds the encoder hyperparameters.
type ModelConfig struct {
	VocabSize  int // alphabet size (33 for ESM)
	NumLayers  int // transformer blocks
	NumHeads   int // attention heads
	HiddenSize int // model dimension
	FFHidden   int // feed-forward inner dimension (4x hidden)
	MaxSeqLen  int // maximum tokens per batch row
}

// DefaultModelConfig returns the speedrun's 150M-class configuration.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		VocabSize:  ESMVocabSize,
		NumLayers:  12,
		NumHeads:   6,
		HiddenSize: 768,
		FFHidden:   3072,
		MaxSeqLen:  1024,
	}
}

// Validate checks the configuration for internal consistency.
func (c ModelConfig) Validate() error {
	if c.VocabSize <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 || c.HiddenSize <= 0 || c.FFHidden <= 0 || c.MaxSeqLen <= 0 {
		return fmt.Errorf("model config: all dimensions must be positive: %+v", c)
	}
	if c.HiddenSize%c.NumHeads != 0 {
		return fmt.Errorf("model config: hidden size %d not divisible by %d heads", c.HiddenSize, c.NumHeads)
	}
	if (c.HiddenSize/c.NumHeads)%2 != 0 {
		return fmt.Errorf("model config: head dim %d must be even for rotary embedding", c.HiddenSize/c.NumHeads)
	}
	return nil
}

// ParamCount returns the total number of trainable parameters.
func (m *ESM) ParamCount() int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Size()
	}
	return total
}

// LayerNorm implements per-position layer normalization:
// y = gamma * (x - μ) / σ + beta.
type LayerNorm struct {
	dim   int
	eps   float64
	gamma *Tensor
	beta  *Tensor
}

// NewLayerNorm creates an identity-initialized LayerNorm.
func NewLayerNorm(dim int) *LayerNorm {
	gamma := NewTensor(dim)
	beta := NewTensor(dim)
	for i := 0; i < dim; i++ {
		gamma.data[i] = 1.0
	}
	return &LayerNorm{dim: dim, eps: 1e-5, gamma: gamma, beta: beta}
}

// Forward normalizes each row of x independently.
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("esm: LayerNorm input must be 2D")
	}

	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(rows, cols)

	for r := 0; r < rows; r++ {
		mean := 0.0
		for c := 0; c < cols; c++ {
			mean += x.data[r*cols+c]
		}
		mean /= float64(cols)

		variance := 0.0
		for c := 0; c < cols; c++ {
			diff := x.data[r*cols+c] - mean
			variance += diff * diff
		}
		variance /= float64(cols)

		std := math.Sqrt(variance + ln.eps)
		for c := 0; c < cols; c++ {
			out.data[r*cols+c] = (x.data[r*cols+c]-mean)/std*ln.gamma.data[c] + ln.beta.data[c]
		}
	}
	return out
}

// Attention implements bidirectional multi-head self-attention with rotary
// position encoding.
type Attention struct {
	hiddenSize int
	numHeads   int
	headDim    int

	wq, wk, wv, wo *Tensor
}

// NewAttention creates an attention layer with scaled-normal projections.
func NewAttention(rng *rand.Rand, hiddenSize, numHeads int) *Attention {
	headDim := hiddenSize / numHeads
	std := math.Sqrt(2.0 / float64(hiddenSize))

	return &Attention{
		hiddenSize: hiddenSize,
		numHeads:   numHeads,
		headDim:    headDim,
		wq:         NewTensorNormal(rng, std, hiddenSize, hiddenSize),
		wk:         NewTensorNormal(rng, std, hiddenSize, hiddenSize),
		wv:         NewTensorNormal(rng, std, hiddenSize, hiddenSize),
		wo:         NewTensorNormal(rng, std, hiddenSize, hiddenSize),
	}
}

// FeedForward implements the position-wise GELU MLP.
type FeedForward struct {
	w1, b1 *Tensor
	w2, b2 *Tensor
}

// NewFeedForward creates a feed-forward layer.
func NewFeedForward(rng *rand.Rand, hiddenSize, ffHidden int) *FeedForward {
	std := math.Sqrt(2.0 / float64(hiddenSize))
	return &FeedForward{
		w1: NewTensorNormal(rng, std, hiddenSize, ffHidden),
		b1: NewTensor(ffHidden),
		w2: NewTensorNormal(rng, std, ffHidden, hiddenSize),
		b2: NewTensor(hiddenSize),
	}
}

// EncoderBlock is one pre-norm transformer block.
type EncoderBlock struct {
	ln1  *LayerNorm
	attn *Attention
	ln2  *LayerNorm
	ff   *FeedForward
}

// ESM is the bidirectional encoder with an MLM head.
type ESM struct {
	config ModelConfig

	tokenEmbed *Tensor // (vocabSize, hiddenSize)
	blocks     []*EncoderBlock
	lnFinal    *LayerNorm
	lmHead     *Tensor // (hiddenSize, vocabSize), zero-initialized
}

// NewESM creates a model with weights drawn from rng. The LM head starts at
// zero, so the initial loss is exactly ln(vocabSize), a useful sanity
// anchor when comparing runs.
func NewESM(config ModelConfig, rng *rand.Rand) (*ESM, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	blocks := make([]*EncoderBlock, config.NumLayers)
	for i := range blocks {
		blocks[i] = &EncoderBlock{
			ln1:  NewLayerNorm(config.HiddenSize),
			attn: NewAttention(rng, config.HiddenSize, config.NumHeads),
			ln2:  NewLayerNorm(config.HiddenSize),
			ff:   NewFeedForward(rng, config.HiddenSize, config.FFHidden),
		}
	}

	return &ESM{
		config:     config,
		tokenEmbed: NewTensorNormal(rng, 0.02, config.VocabSize, config.HiddenSize),
		blocks:     blocks,
		lnFinal:    NewLayerNorm(config.HiddenSize),
		lmHead:     NewTensor(config.HiddenSize, config.VocabSize),
	}, nil
}

// Config returns the model configuration.
func (m *ESM) Config() ModelConfig {
	return m.config
}

// Parameters returns all trainable tensors. Order is stable and matches the
// checkpoint serialization order in checkpoint.go.
func (m *ESM) Parameters() []*Tensor {
	params := []*Tensor{m.tokenEmbed}
	for _, b := range m.blocks {
		params = append(params,
			b.ln1.gamma, b.ln1.beta,
			b.attn.wq, b.attn.wk, b.attn.wv, b.attn.wo,
			b.ln2.gamma, b.ln2.beta,
			b.ff.w1, b.ff.b1, b.ff.w2, b.ff.b2,
		)
	}
	params = append(params, m.lnFinal.gamma, m.lnFinal.beta, m.lmHead)
	return params
}

// HiddenMatrices returns the 2-D weight matrices inside the blocks, the
// parameter set Muon optimizes. Embeddings, the LM head, and all 1-D
// parameters are excluded and stay with Adam.
func (m *ESM) HiddenMatrices() []*Tensor {
	var mats []*Tensor
	for _, b := range m.blocks {
		mats = append(mats, b.attn.wq, b.attn.wk, b.attn.wv, b.attn.wo, b.ff.w1, b.ff.w2)
	}
	return mats
}

// ScalarParams returns all 1-D parameters (norm gains and biases).
func (m *ESM) ScalarParams() []*Tensor {
	var scalars []*Tensor
	for _, b := range m.blocks {
		scalars = append(scalars, b.ln1.gamma, b.ln1.beta, b.ln2.gamma, b.ln2.beta, b.ff.b1, b.ff.b2)
	}
	scalars = append(scalars, m.lnFinal.gamma, m.lnFinal.beta)
	return scalars
}

// Forward computes MLM logits for one batch row. windowBlocks bounds the
// attention reach in 128-token blocks. Returns (seqLen, vocabSize).
func (m *ESM) Forward(inputIDs []uint16, windowBlocks int) *Tensor {
	logits, _ := m.ForwardWithCache(inputIDs, windowBlocks)
	return logits
}

// ===========================================================================
// ROTARY POSITION ENCODING
// ===========================================================================

// applyRoPE rotates each position's vector by a position-dependent angle,
// pairing dimension d with d+headDim/2. With invert set it applies the
// transpose rotation, which is what the backward pass needs: a rotation's
// inverse is its transpose.
func applyRoPE(x *Tensor, invert bool) *Tensor {
	if len(x.shape) != 2 {
		panic("esm: RoPE input must be 2D")
	}

	seqLen, headDim := x.shape[0], x.shape[1]
	half := headDim / 2
	out := NewTensor(seqLen, headDim)

	for i := 0; i < seqLen; i++ {
		for d := 0; d < half; d++ {
			theta := float64(i) * math.Pow(10000, -2.0*float64(d)/float64(headDim))
			sin, cos := math.Sincos(theta)
			if invert {
				sin = -sin
			}
			x1 := x.data[i*headDim+d]
			x2 := x.data[i*headDim+half+d]
			out.data[i*headDim+d] = x1*cos - x2*sin
			out.data[i*headDim+half+d] = x1*sin + x2*cos
		}
	}
	return out
}

// ===========================================================================
// ATTENTION MASK
// ===========================================================================

// buildAttentionMask returns an additive (seqLen, seqLen) mask: 0 where
// position i may attend to position j, -1e9 where it may not. Attention is
// blocked to <pad> targets and beyond the sliding window.
func buildAttentionMask(inputIDs []uint16, windowBlocks int) *Tensor {
	seqLen := len(inputIDs)
	window := windowBlocks * windowBlockTokens
	mask := NewTensor(seqLen, seqLen)

	for i := 0; i < seqLen; i++ {
		for j := 0; j < seqLen; j++ {
			dist := i - j
			if dist < 0 {
				dist = -dist
			}
			if inputIDs[j] == TokPAD || dist >= window {
				mask.data[i*seqLen+j] = -1e9
			}
		}
	}
	return mask
}

// extractHead copies head h out of a (seqLen, hiddenSize) projection into a
// (seqLen, headDim) tensor.
func extractHead(x *Tensor, h, numHeads, headDim int) *Tensor {
	seqLen := x.shape[0]
	out := NewTensor(seqLen, headDim)
	hidden := numHeads * headDim
	for i := 0; i < seqLen; i++ {
		copy(out.data[i*headDim:(i+1)*headDim], x.data[i*hidden+h*headDim:i*hidden+(h+1)*headDim])
	}
	return out
}

// insertHead writes a (seqLen, headDim) tensor into head h of a
// (seqLen, hiddenSize) tensor.
func insertHead(dst, src *Tensor, h, numHeads, headDim int) {
	seqLen := src.shape[0]
	hidden := numHeads * headDim
	for i := 0; i < seqLen; i++ {
		copy(dst.data[i*hidden+h*headDim:i*hidden+(h+1)*headDim], src.data[i*headDim:(i+1)*headDim])
	}
}

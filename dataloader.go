package main

import (
	"fmt"
	"math/rand"
	"sort"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The padded batch loader. Shards hold a flat token stream of concatenated
// samples, each sample spanning <cls> ... <eos>. Training consumes
// fixed-size batches of batchTokens tokens, and an MLM encoder must never
// see a sample split across two batches mid-sequence without padding, so
// the loader repacks the stream:
//
//   - a sample that would cross the batch boundary pads the current batch
//     to the boundary and opens a fresh one;
//   - a sample longer than a whole batch is chunked evenly, each chunk
//     padded to a full batch;
//   - tokens after the last <eos> of a shard are carried into the next
//     shard (samples may straddle shard files).
//
// Shard order is reshuffled deterministically at every epoch boundary, and
// the loader caps the number of epochs; after the cap it drains leftovers
// and then reports exhaustion. This is the single-process rendition of the
// original distributed loader: rank and world size collapse to one reader,
// and parallelism lives in the matmul workers instead.
//
// ===========================================================================

// PaddedLoader streams fixed-size padded batches from a set of shard files.
type PaddedLoader struct {
	files       []string // current iteration order
	sortedFiles []string // original order, restored on Reset
	batchTokens int
	maxEpochs   int

	tokens    []uint16 // packed batches for the current shard
	leftover  []uint16 // partial sample carried across shards
	pos       int
	nextShard int
}

// NewPaddedLoader creates a loader over the shards matching pattern.
// batchTokens is the tokens-per-batch budget; maxEpochs caps how many times
// the shard set is traversed.
func NewPaddedLoader(pattern string, batchTokens, maxEpochs int) (*PaddedLoader, error) {
	if batchTokens <= 0 {
		return nil, fmt.Errorf("loader: batch size must be positive, got %d", batchTokens)
	}
	if maxEpochs <= 0 {
		return nil, fmt.Errorf("loader: max epochs must be positive, got %d", maxEpochs)
	}

	files, err := GlobShards(pattern)
	if err != nil {
		return nil, err
	}

	l := &PaddedLoader{
		files:       append([]string(nil), files...),
		sortedFiles: files,
		batchTokens: batchTokens,
		maxEpochs:   maxEpochs,
	}
	if err := l.Reset(); err != nil {
		return nil, err
	}
	return l, nil
}

// Files returns the shard files backing the loader.
func (l *PaddedLoader) Files() []string {
	return append([]string(nil), l.sortedFiles...)
}

// Reset rewinds the loader to the first shard in sorted order and discards
// any carried leftover, so repeated evaluation passes see identical batches.
func (l *PaddedLoader) Reset() error {
	l.files = append(l.files[:0], l.sortedFiles...)
	sort.Strings(l.files)
	l.nextShard = 0
	l.leftover = nil
	l.tokens = nil
	l.pos = 0
	return l.advance()
}

// NextBatch returns the next batch of up to batchTokens tokens. A nil slice
// means the loader is exhausted (epoch cap reached and leftovers drained).
func (l *PaddedLoader) NextBatch() ([]uint16, error) {
	for l.pos >= len(l.tokens) {
		if l.exhausted() {
			return nil, nil
		}
		if err := l.advance(); err != nil {
			return nil, err
		}
	}

	end := l.pos + l.batchTokens
	if end > len(l.tokens) {
		end = len(l.tokens)
	}
	batch := make([]uint16, end-l.pos)
	copy(batch, l.tokens[l.pos:end])
	l.pos = end
	return batch, nil
}

// exhausted reports whether no further tokens can be produced.
func (l *PaddedLoader) exhausted() bool {
	return l.nextShard >= l.maxEpochs*len(l.files) && len(l.leftover) == 0
}

// advance loads the next shard (prepending carried leftover), repacks it
// into padded batches, and stores the remainder after the final <eos>.
func (l *PaddedLoader) advance() error {
	l.pos = 0
	l.tokens = nil

	draining := false
	var raw []uint16
	if l.nextShard < l.maxEpochs*len(l.files) {
		shard, err := ReadShard(l.files[l.nextShard%len(l.files)])
		if err != nil {
			return err
		}
		raw = append(append(raw, l.leftover...), shard...)
		l.nextShard++

		// Epoch boundary: reshuffle shard order, seeded so every run
		// visits shards in the same sequence.
		if l.nextShard%len(l.files) == 0 {
			rng := rand.New(rand.NewSource(int64(l.nextShard)))
			rng.Shuffle(len(l.files), func(i, j int) {
				l.files[i], l.files[j] = l.files[j], l.files[i]
			})
		}
	} else {
		raw = l.leftover
		draining = true
	}
	l.leftover = nil

	if len(raw) == 0 {
		return nil
	}

	packed, leftover := packBatches(raw, l.batchTokens)
	if draining && len(leftover) > 0 {
		// Past the epoch cap no further shard can complete a trailing
		// partial sample, so emit it as a final short batch instead of
		// carrying it forever.
		packed = append(packed, leftover...)
		leftover = nil
	}
	l.tokens = packed
	l.leftover = leftover
	return nil
}

// packBatches splits raw at <eos> boundaries into samples and packs them
// into consecutive padded batches of batchTokens tokens. Returns the packed
// stream and the tokens after the last <eos>.
func packBatches(raw []uint16, batchTokens int) (packed, leftover []uint16) {
	packed = make([]uint16, 0, len(raw))
	curr := 0
	sampleStart := 0
	lastEnd := 0

	pad := func(n int) {
		for i := 0; i < n; i++ {
			packed = append(packed, TokPAD)
		}
	}

	for i, tok := range raw {
		if tok != TokEOS {
			continue
		}
		sample := raw[sampleStart : i+1]
		sampleStart = i + 1
		lastEnd = i + 1

		// Sample would cross the batch boundary: pad out the batch.
		if curr+len(sample) >= batchTokens {
			pad(batchTokens - curr)
			curr = 0
		}

		// Sample longer than a whole batch: chunk evenly, pad each chunk.
		if len(sample) > batchTokens {
			for _, chunk := range chunkEvenly(sample, len(sample)/batchTokens+1) {
				packed = append(packed, chunk...)
				pad(batchTokens - len(chunk))
			}
			curr = 0
			continue
		}

		packed = append(packed, sample...)
		curr += len(sample)
		if curr == batchTokens {
			curr = 0
		}
	}

	leftover = append([]uint16(nil), raw[lastEnd:]...)
	return packed, leftover
}

// chunkEvenly splits s into n chunks of ceil(len/n) tokens (the last chunk
// takes the remainder).
func chunkEvenly(s []uint16, n int) [][]uint16 {
	if n <= 1 {
		return [][]uint16{s}
	}
	size := (len(s) + n - 1) / n
	chunks := make([][]uint16, 0, n)
	for start := 0; start < len(s); start += size {
		end := start + size
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[start:end])
	}
	return chunks
}

// countNonPad returns the number of tokens that are not <pad>. Validation
// and test losses are weighted by this, so padded tail batches don't skew
// the mean.
func countNonPad(tokens []uint16) int {
	n := 0
	for _, t := range tokens {
		if t != TokPAD {
			n++
		}
	}
	return n
}

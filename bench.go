package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"time"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the throughput benchmark behind `esm2go bench`. The
// speedrun's goal is wall-clock time to a target loss, and on CPU that is
// dominated by two things: raw matmul throughput and how much of it the
// full training step (forward + backward + optimizer) actually realizes.
//
// WHAT WE'RE MEASURING:
//   - Matmul GFLOPS at model-relevant sizes, single- and multi-threaded
//   - Model forward tokens/sec at the training sequence length
//   - Full training-step time (forward + backward + both optimizers)
//
// The gap between the matmul ceiling and the training-step rate shows how
// much the non-matmul work (softmax, layernorm, masking, Newton-Schulz)
// costs on this host, which is what to optimize next.
//
// ===========================================================================

// BenchResult is a single benchmark measurement.
type BenchResult struct {
	Name       string        `json:"name"`
	Iterations int           `json:"iterations"`
	AvgTime    time.Duration `json:"avg_time_ns"`
	GFLOPS     float64       `json:"gflops,omitempty"`
	TokensPerS float64       `json:"tokens_per_sec,omitempty"`
}

// BenchSuite collects all measurements from one host.
type BenchSuite struct {
	Timestamp time.Time     `json:"timestamp"`
	OS        string        `json:"os"`
	Arch      string        `json:"arch"`
	NumCPU    int           `json:"num_cpu"`
	Results   []BenchResult `json:"results"`
}

// RunBenchSuite measures matmul and model throughput.
func RunBenchSuite(matmulSizes []int, seqLen int, iterations int) *BenchSuite {
	suite := &BenchSuite{
		Timestamp: time.Now(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		NumCPU:    runtime.NumCPU(),
	}

	rng := rand.New(rand.NewSource(42))

	for _, size := range matmulSizes {
		suite.Results = append(suite.Results,
			benchMatmul(rng, size, iterations, false),
			benchMatmul(rng, size, iterations, true),
		)
	}

	suite.Results = append(suite.Results, benchModel(rng, seqLen)...)
	return suite
}

func benchMatmul(rng *rand.Rand, size, iterations int, parallel bool) BenchResult {
	a := NewTensorNormal(rng, 1.0, size, size)
	b := NewTensorNormal(rng, 1.0, size, size)

	cfg := SingleThreadedConfig()
	name := fmt.Sprintf("matmul_%d_serial", size)
	if parallel {
		cfg = DefaultComputeConfig()
		name = fmt.Sprintf("matmul_%d_parallel", size)
	}

	MatMulWithConfig(a, b, cfg) // warmup

	start := time.Now()
	for i := 0; i < iterations; i++ {
		MatMulWithConfig(a, b, cfg)
	}
	elapsed := time.Since(start)
	avg := elapsed / time.Duration(iterations)

	flops := 2.0 * float64(size) * float64(size) * float64(size)
	return BenchResult{
		Name:       name,
		Iterations: iterations,
		AvgTime:    avg,
		GFLOPS:     flops / avg.Seconds() / 1e9,
	}
}

// benchModel measures forward and full-step throughput on a small model.
// A shallow config keeps the benchmark under a minute while exercising the
// same code paths as real training.
func benchModel(rng *rand.Rand, seqLen int) []BenchResult {
	config := ModelConfig{
		VocabSize:  ESMVocabSize,
		NumLayers:  2,
		NumHeads:   6,
		HiddenSize: 384,
		FFHidden:   1536,
		MaxSeqLen:  seqLen,
	}
	model, err := NewESM(config, rng)
	if err != nil {
		panic(err)
	}

	tokens := make([]uint16, seqLen)
	tokens[0] = TokCLS
	for i := 1; i < seqLen-1; i++ {
		tokens[i] = uint16(firstResidueID + rng.Intn(lastResidueID-firstResidueID+1))
	}
	tokens[seqLen-1] = TokEOS

	var results []BenchResult

	const fwdIters = 3
	model.Forward(tokens, maxWindowBlocks) // warmup
	start := time.Now()
	for i := 0; i < fwdIters; i++ {
		model.Forward(tokens, maxWindowBlocks)
	}
	avg := time.Since(start) / fwdIters
	results = append(results, BenchResult{
		Name:       "model_forward",
		Iterations: fwdIters,
		AvgTime:    avg,
		TokensPerS: float64(seqLen) / avg.Seconds(),
	})

	adam := NewAdam(model, 0.01)
	muon := NewMuon(model, 0.01)

	const stepIters = 3
	start = time.Now()
	for i := 0; i < stepIters; i++ {
		masked := ApplyMLMMasking(tokens, EvalMaskProb, rng)
		logits, cache := model.ForwardWithCache(masked.MaskedIDs, maxWindowBlocks)
		model.Backward(MaskedCrossEntropyBackward(logits, masked.Labels), cache)
		adam.Step(1.0)
		muon.Step(1.0, 0.95)
	}
	avg = time.Since(start) / stepIters
	results = append(results, BenchResult{
		Name:       "train_step",
		Iterations: stepIters,
		AvgTime:    avg,
		TokensPerS: float64(seqLen) / avg.Seconds(),
	})

	return results
}

// SaveJSON writes the suite to a file.
func (s *BenchSuite) SaveJSON(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("bench: marshal: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// PrintSummary writes a human-readable report to stdout.
func (s *BenchSuite) PrintSummary() {
	fmt.Printf("host: %s/%s, %d CPUs\n\n", s.OS, s.Arch, s.NumCPU)
	for _, r := range s.Results {
		switch {
		case r.GFLOPS > 0:
			fmt.Printf("  %-24s %12v  %8.2f GFLOPS\n", r.Name, r.AvgTime, r.GFLOPS)
		case r.TokensPerS > 0:
			fmt.Printf("  %-24s %12v  %8.1f tokens/sec\n", r.Name, r.AvgTime, r.TokensPerS)
		default:
			fmt.Printf("  %-24s %12v\n", r.Name, r.AvgTime)
		}
	}
}

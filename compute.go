package main

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Parallel execution of matrix multiplication. Training an encoder on CPU is
// dominated by matmuls (attention projections, scores, FFN, LM head), so this
// is the one place the repo spends effort on throughput.
//
// Strategy: split output rows across workers. Each worker writes a disjoint
// row range of the output, so no synchronization is needed beyond the final
// join. Small matrices stay single-threaded: goroutine overhead swamps any
// gain below ~64 rows.
//
// The single-threaded path is kept as a first-class configuration because it
// is deterministic and much easier to debug; tests compare the two paths.
//
// ===========================================================================

// ComputeConfig controls parallelization of tensor operations.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution.
	Parallel bool

	// NumWorkers is the number of worker goroutines. 0 means runtime.NumCPU().
	NumWorkers int

	// MinSizeForParallel is the minimum output dimension before the parallel
	// path is taken.
	MinSizeForParallel int
}

// DefaultComputeConfig returns the configuration used by training runs.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a deterministic single-worker configuration.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel
}

var globalComputeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig sets the process-wide compute configuration.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current compute configuration.
func GetGlobalComputeConfig() ComputeConfig {
	return globalComputeConfig
}

// MatMulWithConfig performs C = A @ B under an explicit configuration.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}

	m, k1 := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]
	if k1 != k2 {
		panic("tensor: incompatible dimensions for matmul")
	}
	k := k1

	out := NewTensor(m, n)

	if !cfg.shouldParallelize(m) || !cfg.shouldParallelize(n) {
		matmulRows(a, b, out, 0, m, n, k)
		return out
	}

	numWorkers := cfg.numWorkers()
	rowsPerWorker := (m + numWorkers - 1) / numWorkers

	var g errgroup.Group
	for w := 0; w < numWorkers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if end > m {
			end = m
		}
		if start >= m {
			break
		}
		g.Go(func() error {
			matmulRows(a, b, out, start, end, n, k)
			return nil
		})
	}
	// Workers never fail; Wait is just the join point.
	_ = g.Wait()
	return out
}

// matmulRows computes output rows [startRow, endRow). The inner loop is
// ordered i-k-j so that both B and the output row are walked sequentially,
// which matters far more than anything else on this hot path.
func matmulRows(a, b, out *Tensor, startRow, endRow, n, k int) {
	for i := startRow; i < endRow; i++ {
		aRow := a.data[i*k : (i+1)*k]
		outRow := out.data[i*n : (i+1)*n]
		for kk := 0; kk < k; kk++ {
			av := aRow[kk]
			if av == 0 {
				continue
			}
			bRow := b.data[kk*n : (kk+1)*n]
			for j := 0; j < n; j++ {
				outRow[j] += av * bRow[j]
			}
		}
	}
}

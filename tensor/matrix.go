package tensor

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// parallelThreshold is the multiply-add count below which Gemm stays on the
// calling goroutine.
const parallelThreshold = 1 << 15

// Gemm computes C = A'·B' (+ C when accumulate is set) for row-major
// matrices, where A' is A or Aᵀ and B' is B or Bᵀ. C is m×n and the shared
// dimension is k. Rows of C are distributed across GOMAXPROCS workers.
func Gemm(transA, transB bool, m, n, k int, a, b, c []float32, accumulate bool) {
	if len(c) < m*n {
		panic(fmt.Sprintf("gemm: output has %d elements, need %d", len(c), m*n))
	}

	rows := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			crow := c[i*n : (i+1)*n]
			if !accumulate {
				clear(crow)
			}
			switch {
			case !transA && !transB:
				arow := a[i*k : (i+1)*k]
				for p, av := range arow {
					if av == 0 {
						continue
					}
					brow := b[p*n : (p+1)*n]
					for j, bv := range brow {
						crow[j] += av * bv
					}
				}
			case !transA && transB:
				arow := a[i*k : (i+1)*k]
				for j := range crow {
					brow := b[j*k : (j+1)*k]
					var sum float32
					for p, av := range arow {
						sum += av * brow[p]
					}
					crow[j] += sum
				}
			case transA && !transB:
				for p := 0; p < k; p++ {
					av := a[p*m+i]
					if av == 0 {
						continue
					}
					brow := b[p*n : (p+1)*n]
					for j, bv := range brow {
						crow[j] += av * bv
					}
				}
			default:
				for j := range crow {
					var sum float32
					for p := 0; p < k; p++ {
						sum += a[p*m+i] * b[j*k+p]
					}
					crow[j] += sum
				}
			}
		}
	}

	workers := runtime.GOMAXPROCS(0)
	if m*n*k < parallelThreshold || workers == 1 || m == 1 {
		rows(0, m)
		return
	}
	if workers > m {
		workers = m
	}
	chunk := (m + workers - 1) / workers

	var g errgroup.Group
	for lo := 0; lo < m; lo += chunk {
		lo, hi := lo, min(lo+chunk, m)
		g.Go(func() error {
			rows(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

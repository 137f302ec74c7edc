// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/variants"
	"github.com/pkg/errors"
)

// Default tile sizes of the blocked MatMul. Tiles are limited to the matrix sizes.
const (
	matMulTileM = 32
	matMulTileN = 256
	matMulTileK = 128
)

// matMulBlockedDispatch splits the output in blocks of rows, processed in parallel.
func (b *Backend) matMulBlockedDispatch(p *variants.Params) variants.DispatchConfig {
	g := newMatMulGeometry(p)
	tileM, tileN, tileK := min(matMulTileM, max(g.m, 1)), min(matMulTileN, max(g.n, 1)), min(matMulTileK, max(g.k, 1))
	return variants.DispatchConfig{
		Global:      []int{g.numBatches() * g.m, g.n},
		Local:       []int{tileM, tileN},
		Parallelism: b.Parallelism(),
		Tiles:       map[string]int{"m": tileM, "n": tileN, "k": tileK},
	}
}

// buildMatMulBlocked builds the float32 MatMul tiled for the caches: operands read transposed are first
// packed row-major, then each worker computes a block of output rows, k-tile by k-tile, accumulating
// into contiguous output rows.
func (b *Backend) buildMatMulBlocked(name string, p *variants.Params, dispatch variants.DispatchConfig) (backends.Executable, error) {
	ep, err := newEpilogue[float32](p.Outputs[0].DType, p.PostOps)
	if err != nil {
		return nil, err
	}
	g := newMatMulGeometry(p)
	tileM, tileN, tileK := dispatch.Tiles["m"], dispatch.Tiles["n"], dispatch.Tiles["k"]
	if tileM <= 0 || tileN <= 0 || tileK <= 0 {
		return nil, errors.Wrapf(backends.ErrBuild, "%s: invalid tiles in dispatch {%s}", name, dispatch)
	}
	final := p.FinalOutputs()[0]
	return newExecutable(name, func(inputs []*backends.Buffer) []*backends.Buffer {
		lhs := backends.Flat[float32](inputs[0])
		rhs := backends.Flat[float32](inputs[1])
		var bias []float32
		if g.biasSize > 0 {
			bias = backends.Flat[float32](inputs[2])
		}
		if g.transA {
			packed := getScratch[float32](b, len(lhs))
			defer putScratch(b, packed)
			packTransposed(lhs, packed, g.numLhsMatrices, g.k, g.m)
			lhs = packed
		}
		if g.transB {
			packed := getScratch[float32](b, len(rhs))
			defer putScratch(b, packed)
			packTransposed(rhs, packed, g.numRhsMatrices, g.n, g.k)
			rhs = packed
		}

		matrixSize := g.m * g.n
		numBatches := g.numBatches()
		values := make([]float32, numBatches*matrixSize)
		rowBlocks := (g.m + tileM - 1) / tileM
		b.parallelFor(numBatches*rowBlocks, func(task int) {
			batchIdx, block := task/rowBlocks, task%rowBlocks
			lhsIdx, rhsIdx := g.matrices(batchIdx)
			lhsMatrix := lhs[lhsIdx*g.m*g.k : (lhsIdx+1)*g.m*g.k]
			rhsMatrix := rhs[rhsIdx*g.k*g.n : (rhsIdx+1)*g.k*g.n]
			out := values[batchIdx*matrixSize : (batchIdx+1)*matrixSize]
			rowStart, rowEnd := block*tileM, min((block+1)*tileM, g.m)
			for k0 := 0; k0 < g.k; k0 += tileK {
				kEnd := min(k0+tileK, g.k)
				for col0 := 0; col0 < g.n; col0 += tileN {
					colEnd := min(col0+tileN, g.n)
					for row := rowStart; row < rowEnd; row++ {
						outRow := out[row*g.n+col0 : row*g.n+colEnd]
						for kk := k0; kk < kEnd; kk++ {
							a := lhsMatrix[row*g.k+kk]
							rhsRow := rhsMatrix[kk*g.n+col0 : kk*g.n+colEnd]
							for jj, v := range rhsRow {
								outRow[jj] += a * v
							}
						}
					}
				}
			}
			if g.biasSize > 0 {
				for row := rowStart; row < rowEnd; row++ {
					outRow := out[row*g.n : (row+1)*g.n]
					if g.biasSize == 1 {
						for jj := range outRow {
							outRow[jj] += bias[0]
						}
					} else {
						for jj, v := range bias {
							outRow[jj] += v
						}
					}
				}
			}
			ep.apply(out[rowStart*g.n : rowEnd*g.n])
		})
		return []*backends.Buffer{newOutput(final, ep.finish(values))}
	}), nil
}

// packTransposed transposes numMatrices [rows, cols] matrices from src to dst.
func packTransposed(src, dst []float32, numMatrices, rows, cols int) {
	matrixSize := rows * cols
	for matrix := range numMatrices {
		s := src[matrix*matrixSize : (matrix+1)*matrixSize]
		d := dst[matrix*matrixSize : (matrix+1)*matrixSize]
		for row := range rows {
			for col := range cols {
				d[col*rows+row] = s[row*cols+col]
			}
		}
	}
}

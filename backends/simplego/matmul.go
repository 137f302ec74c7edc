// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/variants"
	"golang.org/x/exp/constraints"
)

// matMulGeometry holds the sizes of a MatMul with concrete shapes: the output batch axes, and for each
// operand the number of matrices and how they broadcast.
type matMulGeometry struct {
	m, k, n        int
	transA, transB bool

	batchDims                      []int
	lhsBatchDims, rhsBatchDims     []int
	numLhsMatrices, numRhsMatrices int

	// biasSize is 0 without bias, 1 for a scalar bias, n for a per-column bias.
	biasSize int
}

func newMatMulGeometry(p *variants.Params) matMulGeometry {
	lhs, rhs := p.Inputs[0], p.Inputs[1]
	rank := lhs.Rank()
	g := matMulGeometry{
		transA: p.Attrs.Bool(backends.AttrTransposeA, false),
		transB: p.Attrs.Bool(backends.AttrTransposeB, false),
	}
	g.m, g.k = lhs.Dimensions[rank-2], lhs.Dimensions[rank-1]
	if g.transA {
		g.m, g.k = g.k, g.m
	}
	g.n = rhs.Dimensions[rank-1]
	if g.transB {
		g.n = rhs.Dimensions[rank-2]
	}
	g.lhsBatchDims = lhs.Dimensions[:rank-2]
	g.rhsBatchDims = rhs.Dimensions[:rank-2]
	g.batchDims = make([]int, rank-2)
	g.numLhsMatrices, g.numRhsMatrices = 1, 1
	for axis := range rank - 2 {
		g.batchDims[axis] = max(g.lhsBatchDims[axis], g.rhsBatchDims[axis])
		g.numLhsMatrices *= g.lhsBatchDims[axis]
		g.numRhsMatrices *= g.rhsBatchDims[axis]
	}
	if len(p.Inputs) > 2 {
		g.biasSize = p.Inputs[2].Size()
	}
	return g
}

// numBatches returns the number of output matrices.
func (g *matMulGeometry) numBatches() int {
	numBatches := 1
	for _, dim := range g.batchDims {
		numBatches *= dim
	}
	return numBatches
}

// matrices returns the index of the lhs and rhs matrices used by the output matrix batchIdx.
func (g *matMulGeometry) matrices(batchIdx int) (lhsIdx, rhsIdx int) {
	lhsStride, rhsStride := 1, 1
	for axis := len(g.batchDims) - 1; axis >= 0; axis-- {
		idx := batchIdx % g.batchDims[axis]
		batchIdx /= g.batchDims[axis]
		if g.lhsBatchDims[axis] != 1 {
			lhsIdx += idx * lhsStride
		}
		if g.rhsBatchDims[axis] != 1 {
			rhsIdx += idx * rhsStride
		}
		lhsStride *= g.lhsBatchDims[axis]
		rhsStride *= g.rhsBatchDims[axis]
	}
	return
}

// lhsAt returns the offset of lhs[row, col] of the lhs matrix starting at base.
func (g *matMulGeometry) lhsAt(base, row, col int) int {
	if g.transA {
		return base + col*g.m + row
	}
	return base + row*g.k + col
}

// rhsAt returns the offset of rhs[row, col] of the rhs matrix starting at base.
func (g *matMulGeometry) rhsAt(base, row, col int) int {
	if g.transB {
		return base + col*g.k + row
	}
	return base + row*g.n + col
}

// buildMatMul builds the reference MatMul: one dot product per output element.
func (b *Backend) buildMatMul(name string, p *variants.Params) (backends.Executable, error) {
	if computeDType(p.Outputs[0].DType) == dtypes.Float64 {
		return matMulKernel[float64](b, name, p)
	}
	return matMulKernel[float32](b, name, p)
}

func matMulKernel[T constraints.Float](b *Backend, name string, p *variants.Params) (backends.Executable, error) {
	ep, err := newEpilogue[T](p.Outputs[0].DType, p.PostOps)
	if err != nil {
		return nil, err
	}
	g := newMatMulGeometry(p)
	final := p.FinalOutputs()[0]
	return newExecutable(name, func(inputs []*backends.Buffer) []*backends.Buffer {
		lhs, rhs := load[T](inputs[0].Flat()), load[T](inputs[1].Flat())
		var bias []T
		if g.biasSize > 0 {
			bias = load[T](inputs[2].Flat())
		}
		matrixSize := g.m * g.n
		values := make([]T, g.numBatches()*matrixSize)
		b.parallelFor(g.numBatches(), func(batchIdx int) {
			lhsIdx, rhsIdx := g.matrices(batchIdx)
			lhsBase, rhsBase := lhsIdx*g.m*g.k, rhsIdx*g.k*g.n
			out := values[batchIdx*matrixSize : (batchIdx+1)*matrixSize]
			for row := range g.m {
				for col := range g.n {
					var acc T
					for kk := range g.k {
						acc += lhs[g.lhsAt(lhsBase, row, kk)] * rhs[g.rhsAt(rhsBase, kk, col)]
					}
					switch g.biasSize {
					case 0:
					case 1:
						acc += bias[0]
					default:
						acc += bias[col]
					}
					out[row*g.n+col] = acc
				}
			}
		})
		ep.apply(values)
		return []*backends.Buffer{newOutput(final, ep.finish(values))}
	}), nil
}

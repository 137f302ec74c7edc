// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/gomlx/opdispatch/pkg/core/variants"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// buildBinary builds Add or Mul of two tensors with broadcasting, followed by the fused post-ops.
// Inputs and output are in the canonical layout.
func (b *Backend) buildBinary(name string, p *variants.Params) (backends.Executable, error) {
	if computeDType(p.Outputs[0].DType) == dtypes.Float64 {
		return binaryKernel[float64](name, p)
	}
	return binaryKernel[float32](name, p)
}

func binaryKernel[T constraints.Float](name string, p *variants.Params) (backends.Executable, error) {
	var fn func(x, y T) T
	switch p.Op {
	case backends.OpTypeAdd:
		fn = func(x, y T) T { return x + y }
	case backends.OpTypeMul:
		fn = func(x, y T) T { return x * y }
	default:
		return nil, errors.Wrapf(backends.ErrBuild, "%s: %s is not a binary operator", name, p.Op)
	}
	ep, err := newEpilogue[T](p.Outputs[0].DType, p.PostOps)
	if err != nil {
		return nil, err
	}
	outputShape := p.Outputs[0]
	final := p.FinalOutputs()[0]
	lhsStrides := broadcastStrides(p.Inputs[0], outputShape)
	rhsStrides := broadcastStrides(p.Inputs[1], outputShape)
	return newExecutable(name, func(inputs []*backends.Buffer) []*backends.Buffer {
		lhs, rhs := load[T](inputs[0].Flat()), load[T](inputs[1].Flat())
		values := make([]T, outputShape.Size())
		for flatIdx, indices := range outputShape.Iter() {
			values[flatIdx] = fn(lhs[stridedOffset(lhsStrides, indices)], rhs[stridedOffset(rhsStrides, indices)])
		}
		ep.apply(values)
		return []*backends.Buffer{newOutput(final, ep.finish(values))}
	}), nil
}

// broadcastStrides returns, for each axis of output, the stride of input along it, or 0 if input is
// broadcast along that axis. input is a scalar or has the same rank as output.
func broadcastStrides(input, output shapes.Shape) []int {
	strides := make([]int, output.Rank())
	if input.IsScalar() {
		return strides
	}
	stride := 1
	for axis := input.Rank() - 1; axis >= 0; axis-- {
		if input.Dimensions[axis] != 1 {
			strides[axis] = stride
		}
		stride *= input.Dimensions[axis]
	}
	return strides
}

func stridedOffset(strides, indices []int) int {
	offset := 0
	for axis, idx := range indices {
		offset += strides[axis] * idx
	}
	return offset
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/fusion"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/gomlx/opdispatch/pkg/core/variants"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// elementwiseLayouts accepts the input in the layout it comes in (plain if not yet constrained), and
// writes the output in the same layout: element-wise kernels work on the physical data directly.
func elementwiseLayouts(p *variants.Params) (inputs, outputs []shapes.Layout) {
	inputs, _ = variants.SameLayouts(p)
	outputs = make([]shapes.Layout, len(p.Outputs))
	for ii := range outputs {
		outputs[ii] = inputs[0].Clone()
	}
	return inputs, outputs
}

// elementwiseDispatch splits the physical elements in chunks processed in parallel.
func (b *Backend) elementwiseDispatch(p *variants.Params) variants.DispatchConfig {
	return variants.DispatchConfig{
		Global:      []int{p.Inputs[0].PhysicalSize()},
		Local:       []int{minParallelizeChunk},
		Parallelism: b.Parallelism(),
	}
}

// buildElementwise builds a single-input element-wise operator (an activation, Add or Mul with a constant,
// Linear or Quantize) followed by its fused post-ops.
func (b *Backend) buildElementwise(name string, p *variants.Params) (backends.Executable, error) {
	self, err := fusion.NewPostOp(p.Op, p.Attrs)
	if err != nil {
		return nil, errors.Wrapf(backends.ErrBuild, "%s: %v", name, err)
	}
	chain := append(fusion.Chain{self}, p.PostOps...)
	if computeDType(p.Inputs[0].DType) == dtypes.Float64 {
		return elementwiseKernel[float64](b, name, p, chain)
	}
	return elementwiseKernel[float32](b, name, p, chain)
}

func elementwiseKernel[T constraints.Float](b *Backend, name string, p *variants.Params, chain fusion.Chain) (backends.Executable, error) {
	ep, err := newEpilogue[T](p.Inputs[0].DType, chain)
	if err != nil {
		return nil, err
	}
	output := p.FinalOutputs()[0]
	if ep.outputDType() != output.DType {
		return nil, errors.Wrapf(backends.ErrBuild, "%s: chain %s produces %s, output is %s", name, chain, ep.outputDType(), output)
	}
	return newExecutable(name, func(inputs []*backends.Buffer) []*backends.Buffer {
		values := load[T](inputs[0].Flat())
		b.parallelChunks(len(values), minParallelizeChunk, func(start, end int) {
			ep.apply(values[start:end])
		})
		return []*backends.Buffer{newOutput(output, ep.finish(values))}
	}), nil
}

// buildReLUFloat32 builds the float32 ReLU, followed by its fused post-ops.
func (b *Backend) buildReLUFloat32(name string, p *variants.Params) (backends.Executable, error) {
	ep, err := newEpilogue[float32](dtypes.Float32, p.PostOps)
	if err != nil {
		return nil, err
	}
	output := p.FinalOutputs()[0]
	return newExecutable(name, func(inputs []*backends.Buffer) []*backends.Buffer {
		src := backends.Flat[float32](inputs[0])
		values := make([]float32, len(src))
		b.parallelChunks(len(src), minParallelizeChunk, func(start, end int) {
			reluFloat32(src[start:end], values[start:end])
			ep.apply(values[start:end])
		})
		return []*backends.Buffer{newOutput(output, ep.finish(values))}
	}), nil
}

// reluFloat32 processes 8 values per iteration, so the compiler can keep them in registers and
// drop the bounds checks.
func reluFloat32(src, dst []float32) {
	n := len(src)
	ii := 0
	for ; ii+8 <= n; ii += 8 {
		s := src[ii : ii+8 : ii+8]
		d := dst[ii : ii+8 : ii+8]
		d[0] = relu(s[0])
		d[1] = relu(s[1])
		d[2] = relu(s[2])
		d[3] = relu(s[3])
		d[4] = relu(s[4])
		d[5] = relu(s[5])
		d[6] = relu(s[6])
		d[7] = relu(s[7])
	}
	for ; ii < n; ii++ {
		dst[ii] = relu(src[ii])
	}
}

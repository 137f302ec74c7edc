// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/fusion"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/gomlx/opdispatch/pkg/core/variants"
	"github.com/gomlx/opdispatch/pkg/support/sets"
	"github.com/pkg/errors"
)

// Names of the kernel variants registered by the backend.
const (
	VariantReLUFloat32      = "relu_f32_vectorized"
	VariantActivation       = "activation_ref"
	VariantElementwise      = "eltwise_ref"
	VariantBinary           = "binary_broadcast_ref"
	VariantQuantize         = "quantize_ref"
	VariantMatMulBlocked    = "matmul_blocked"
	VariantMatMul           = "matmul_ref"
	VariantLRNWithinChannel = "lrn_within_channel_opt"
	VariantLRN              = "lrn_ref"
)

// Maximum length of the fused post-op chains.
const (
	maxFusedReference = 8
	maxFusedOptimized = 4
)

var (
	floatDTypes = []dtypes.DType{dtypes.Float16, dtypes.Float32, dtypes.Float64}
	allDTypes   = []dtypes.DType{dtypes.Int8, dtypes.Uint8, dtypes.Float16, dtypes.Float32, dtypes.Float64}
)

// allPostOps returns the set of all post-op kinds.
func allPostOps() sets.Set[fusion.Kind] {
	return sets.MakeWith(fusion.Quantize, fusion.Eltwise, fusion.Activation)
}

// newCatalogue registers the kernels of the backend, for each op the optimized ones first.
// The order of registration breaks ties of priority.
func (b *Backend) newCatalogue() *variants.Catalogue {
	c := variants.NewCatalogue()
	elementwiseKey := variants.NewKey(floatDTypes, shapes.LayoutPlain, shapes.LayoutBlocked).WithDynamicDims()

	// Activations.
	c.Register(backends.OpTypeReLU, &variants.Kernel{
		KernelName:     VariantReLUFloat32,
		KernelPriority: variants.PriorityVectorized,
		Key:            variants.NewKey([]dtypes.DType{dtypes.Float32}, shapes.LayoutPlain, shapes.LayoutBlocked).WithDynamicDims(),
		Fusable:        allPostOps(),
		MaxFused:       maxFusedOptimized,
		ValidateFn:     validateInputs(1),
		DispatchFn:     b.elementwiseDispatch,
		LayoutsFn:      elementwiseLayouts,
		BuildFn: func(p *variants.Params, _ variants.DispatchConfig) (backends.Executable, error) {
			return b.buildReLUFloat32(VariantReLUFloat32, p)
		},
	})
	for _, op := range []backends.OpType{
		backends.OpTypeReLU, backends.OpTypeSigmoid, backends.OpTypeTanh, backends.OpTypeGeLU, backends.OpTypeClamp} {
		c.Register(op, b.elementwiseKernel(VariantActivation, elementwiseKey, validateInputs(1)))
	}

	// Element-wise arithmetic.
	for _, op := range []backends.OpType{backends.OpTypeAdd, backends.OpTypeMul, backends.OpTypeLinear} {
		c.Register(op, b.elementwiseKernel(VariantElementwise, elementwiseKey, validateConstantOperand))
	}
	for _, op := range []backends.OpType{backends.OpTypeAdd, backends.OpTypeMul} {
		c.Register(op, &variants.Kernel{
			KernelName:     VariantBinary,
			KernelPriority: variants.PriorityReference,
			Key:            variants.NewKey(floatDTypes, shapes.LayoutPlain).WithDynamicDims(),
			Fusable:        allPostOps(),
			MaxFused:       maxFusedReference,
			ValidateFn:     validateInputs(2),
			BuildFn: func(p *variants.Params, _ variants.DispatchConfig) (backends.Executable, error) {
				return b.buildBinary(VariantBinary, p)
			},
		})
	}

	// Quantization: the output dtype is an integer, so the key includes the integer dtypes.
	c.Register(backends.OpTypeQuantize, &variants.Kernel{
		KernelName:     VariantQuantize,
		KernelPriority: variants.PriorityReference,
		Key:            variants.NewKey(allDTypes, shapes.LayoutPlain, shapes.LayoutBlocked).WithDynamicDims(),
		ValidateFn: func(p *variants.Params) error {
			if len(p.Inputs) != 1 || !p.Inputs[0].DType.IsFloat() {
				return errors.Errorf("quantization requires one float input, got %v", p.Inputs)
			}
			return nil
		},
		DispatchFn: b.elementwiseDispatch,
		LayoutsFn:  elementwiseLayouts,
		BuildFn: func(p *variants.Params, _ variants.DispatchConfig) (backends.Executable, error) {
			return b.buildElementwise(VariantQuantize, p)
		},
	})

	// MatMul.
	c.Register(backends.OpTypeMatMul, &variants.Kernel{
		KernelName:     VariantMatMulBlocked,
		KernelPriority: variants.PriorityOptimized,
		Key:            variants.NewKey([]dtypes.DType{dtypes.Float32}, shapes.LayoutPlain).WithDynamicDims().WithRanks(ranksUpTo(b.maxRank)...),
		Fusable:        allPostOps(),
		MaxFused:       maxFusedOptimized,
		DispatchFn:     b.matMulBlockedDispatch,
		BuildFn: func(p *variants.Params, dispatch variants.DispatchConfig) (backends.Executable, error) {
			return b.buildMatMulBlocked(VariantMatMulBlocked, p, dispatch)
		},
	})
	c.Register(backends.OpTypeMatMul, &variants.Kernel{
		KernelName:     VariantMatMul,
		KernelPriority: variants.PriorityReference,
		Key:            variants.NewKey(floatDTypes, shapes.LayoutPlain).WithDynamicDims(),
		Fusable:        allPostOps(),
		MaxFused:       maxFusedReference,
		BuildFn: func(p *variants.Params, _ variants.DispatchConfig) (backends.Executable, error) {
			return b.buildMatMul(VariantMatMul, p)
		},
	})

	// LRN.
	c.Register(backends.OpTypeLRN, &variants.Kernel{
		KernelName:     VariantLRNWithinChannel,
		KernelPriority: variants.PriorityOptimized,
		Key:            variants.NewKey([]dtypes.DType{dtypes.Float16, dtypes.Float32}, shapes.LayoutPlain).WithDynamicDims().WithRanks(4),
		Fusable:        allPostOps(),
		MaxFused:       maxFusedOptimized,
		ValidateFn:     validateLRNWithinChannel,
		DispatchFn:     b.lrnDispatch,
		BuildFn: func(p *variants.Params, _ variants.DispatchConfig) (backends.Executable, error) {
			return b.buildLRNWithinChannel(VariantLRNWithinChannel, p)
		},
	})
	c.Register(backends.OpTypeLRN, &variants.Kernel{
		KernelName:     VariantLRN,
		KernelPriority: variants.PriorityReference,
		Key:            variants.NewKey(floatDTypes, shapes.LayoutPlain).WithDynamicDims().WithRanks(4),
		Fusable:        allPostOps(),
		MaxFused:       maxFusedReference,
		ValidateFn:     validateLRN,
		DispatchFn:     b.lrnDispatch,
		BuildFn: func(p *variants.Params, _ variants.DispatchConfig) (backends.Executable, error) {
			return b.buildLRN(VariantLRN, p)
		},
	})
	return c
}

// elementwiseKernel returns the reference variant of a single-input element-wise operator.
func (b *Backend) elementwiseKernel(name string, key variants.CapabilityKey, validate func(p *variants.Params) error) *variants.Kernel {
	return &variants.Kernel{
		KernelName:     name,
		KernelPriority: variants.PriorityReference,
		Key:            key,
		Fusable:        allPostOps(),
		MaxFused:       maxFusedReference,
		ValidateFn:     validate,
		DispatchFn:     b.elementwiseDispatch,
		LayoutsFn:      elementwiseLayouts,
		BuildFn: func(p *variants.Params, _ variants.DispatchConfig) (backends.Executable, error) {
			return b.buildElementwise(name, p)
		},
	}
}

func validateInputs(count int) func(p *variants.Params) error {
	return func(p *variants.Params) error {
		if len(p.Inputs) != count {
			return errors.Errorf("%s requires %d inputs, got %d", p.Op, count, len(p.Inputs))
		}
		return nil
	}
}

// validateConstantOperand accepts Add and Mul with a single input and a constant operand, and Linear.
func validateConstantOperand(p *variants.Params) error {
	if len(p.Inputs) != 1 {
		return errors.Errorf("%s with %d inputs not supported, only a single input", p.Op, len(p.Inputs))
	}
	if p.Op != backends.OpTypeLinear && !p.Attrs.Has(backends.AttrConstant) {
		return errors.Errorf("%s requires the %q attribute with a single input", p.Op, backends.AttrConstant)
	}
	return nil
}

// ranksUpTo returns the ranks from 2 to maxRank.
func ranksUpTo(maxRank int) []int {
	ranks := make([]int, 0, maxRank-1)
	for rank := 2; rank <= maxRank; rank++ {
		ranks = append(ranks, rank)
	}
	return ranks
}

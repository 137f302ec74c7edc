// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

// OpType is an enum of the operator kinds a graph node can perform.
//
// The lightweight ones (activations, Add/Mul by a constant, Linear and Quantize) can also be
// attached to a preceding node as post-operations, see package fusion.
type OpType int

//go:generate go tool enumer -type=OpType -trimprefix=OpType -output=gen_optype_enumer.go optype.go

const (
	OpTypeInvalid OpType = iota

	// Activations: one input, same output shape.
	OpTypeReLU
	OpTypeSigmoid
	OpTypeTanh
	OpTypeGeLU
	OpTypeClamp

	// Elementwise: Add and Mul take a second input or a scalar AttrConstant; Linear computes alpha*x+beta.
	OpTypeAdd
	OpTypeMul
	OpTypeLinear

	// OpTypeMatMul multiplies the last two axes of its operands, with an optional bias as a third input.
	OpTypeMatMul

	// OpTypeLRN is the local response normalization over a [N, C, H, W] input.
	OpTypeLRN

	// OpTypeQuantize converts a float tensor to Int8 or Uint8 with a scale and a zero-point.
	OpTypeQuantize
)

// IsActivation returns whether the op is an activation function.
func (op OpType) IsActivation() bool {
	switch op {
	case OpTypeReLU, OpTypeSigmoid, OpTypeTanh, OpTypeGeLU, OpTypeClamp:
		return true
	}
	return false
}

// IsElementwise returns whether the op is an elementwise arithmetic op.
func (op OpType) IsElementwise() bool {
	switch op {
	case OpTypeAdd, OpTypeMul, OpTypeLinear:
		return true
	}
	return false
}

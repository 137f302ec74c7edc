// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference calculates the shape resulting from operations and validates its inputs.
//
// It works on declared shapes, where dimensions may still be shapes.DimDynamic: a dynamic dimension
// matches any other dimension, and the output keeps it dynamic (with its axis name) unless the other
// operand fixes it.
//
// Output shapes always have the canonical plain layout: physical layouts are decided later, by the
// kernel variant chosen for the node.
package shapeinference

import (
	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/gomlx/opdispatch/pkg/support/sets"
	"github.com/pkg/errors"
)

var (
	// FloatOperations operates only on float values.
	FloatOperations = sets.MakeWith(
		backends.OpTypeSigmoid,
		backends.OpTypeTanh,
		backends.OpTypeGeLU,
		backends.OpTypeLinear,
		backends.OpTypeLRN,
		backends.OpTypeQuantize,
	)

	// NumberOperations can take any type of number as input: integers or floats.
	NumberOperations = sets.MakeWith(
		backends.OpTypeReLU,
		backends.OpTypeClamp,
		backends.OpTypeAdd,
		backends.OpTypeMul,
		backends.OpTypeMatMul,
	)

	// UnaryOperations take one operand and don't change its shape.
	UnaryOperations = sets.MakeWith(
		backends.OpTypeReLU,
		backends.OpTypeSigmoid,
		backends.OpTypeTanh,
		backends.OpTypeGeLU,
		backends.OpTypeClamp,
		backends.OpTypeLinear,
	)
)

func checkDType(opType backends.OpType, operand shapes.Shape) error {
	if !operand.Ok() {
		return errors.Errorf("invalid shape %s for %s", operand, opType)
	}
	if FloatOperations.Has(opType) && !operand.DType.IsFloat() {
		return errors.Errorf("%s must have a float (Float32, Float16, ...) data type as input, got %s", opType, operand)
	}
	if NumberOperations.Has(opType) && !(operand.DType.IsFloat() || operand.DType.IsInt()) {
		return errors.Errorf("%s must have a number (Int32, Float32, ...) data type as input, got %s", opType, operand)
	}
	return nil
}

// mergeDim returns the dimension resulting from two matching dimensions, and whether they match.
// Dimensions of 1 are broadcast if broadcast is true.
func mergeDim(lhs, rhs int, broadcast bool) (int, bool) {
	switch {
	case lhs == rhs:
		return lhs, true
	case lhs == shapes.DimDynamic:
		return rhs, true
	case rhs == shapes.DimDynamic:
		return lhs, true
	case broadcast && lhs == 1:
		return rhs, true
	case broadcast && rhs == 1:
		return lhs, true
	}
	return 0, false
}

// plain returns a copy of the shape with the canonical plain layout.
func plain(s shapes.Shape) shapes.Shape {
	return s.WithLayout(shapes.Plain())
}

// UnaryOp checks the operand of an operation that doesn't change the shape (activations and Linear).
func UnaryOp(opType backends.OpType, operand shapes.Shape) (output shapes.Shape, err error) {
	if !UnaryOperations.Has(opType) {
		err = errors.Errorf("operation %s is not a unary operation, cannot process it with UnaryOp", opType)
		return
	}
	if err = checkDType(opType, operand); err != nil {
		return
	}
	return plain(operand), nil
}

// BinaryOp returns the output shape of Add or Mul, using the standard broadcasting rules:
// one of the sides can be a scalar, otherwise ranks must match and each dimension must either match
// or be 1.
func BinaryOp(opType backends.OpType, lhsShape, rhsShape shapes.Shape) (output shapes.Shape, err error) {
	if opType != backends.OpTypeAdd && opType != backends.OpTypeMul {
		err = errors.Errorf("operation %s is not a binary operation, cannot process it with BinaryOp", opType)
		return
	}
	if err = checkDType(opType, lhsShape); err != nil {
		return
	}
	if lhsShape.DType != rhsShape.DType {
		err = errors.Errorf("data types (DType) for BinaryOp %s must match, got %s and %s", opType, lhsShape, rhsShape)
		return
	}
	if rhsShape.IsScalar() {
		return plain(lhsShape), nil
	}
	if lhsShape.IsScalar() {
		return plain(rhsShape), nil
	}
	if lhsShape.Rank() != rhsShape.Rank() {
		err = errors.Errorf("if operands are not scalars, their rank must match for BinaryOp (%s), got shapes %s and %s",
			opType, lhsShape, rhsShape)
		return
	}
	output = plain(lhsShape)
	for axis := range output.Rank() {
		dim, ok := mergeDim(lhsShape.Dimensions[axis], rhsShape.Dimensions[axis], true)
		if !ok {
			err = errors.Errorf("dimension of axis #%d doesn't match and cannot be broadcast for BinaryOp (%s), got shapes %s and %s",
				axis, opType, lhsShape, rhsShape)
			return
		}
		output.Dimensions[axis] = dim
		if output.AxisName(axis) == "" && rhsShape.AxisName(axis) != "" {
			output = withAxisName(output, axis, rhsShape.AxisName(axis))
		}
	}
	return
}

func withAxisName(s shapes.Shape, axis int, name string) shapes.Shape {
	names := make([]string, s.Rank())
	copy(names, s.AxisNames)
	names[axis] = name
	return s.WithAxisNames(names...)
}

// MatMulOp returns the output shape of a matrix multiplication of the last two axes of lhs and rhs.
//
// The transpose flags swap the last two axes of the corresponding operand before the multiplication.
// Leading (batch) axes are broadcast. The optional bias (nil if not used) must be a scalar or a rank-1
// tensor with the number of output columns, it's added to every row of the output.
func MatMulOp(lhs, rhs shapes.Shape, bias *shapes.Shape, transposeA, transposeB bool) (output shapes.Shape, err error) {
	if err = checkDType(backends.OpTypeMatMul, lhs); err != nil {
		return
	}
	if lhs.DType != rhs.DType {
		err = errors.Errorf("data types (DType) for MatMul must match, got %s and %s", lhs, rhs)
		return
	}
	if lhs.Rank() < 2 || lhs.Rank() != rhs.Rank() {
		err = errors.Errorf("MatMul operands must have the same rank >= 2, got %s and %s", lhs, rhs)
		return
	}
	rank := lhs.Rank()
	mAxis, kAxis := rank-2, rank-1
	if transposeA {
		mAxis, kAxis = kAxis, mAxis
	}
	rhsK, nAxis := rank-2, rank-1
	if transposeB {
		rhsK, nAxis = nAxis, rhsK
	}
	if _, ok := mergeDim(lhs.Dimensions[kAxis], rhs.Dimensions[rhsK], false); !ok {
		err = errors.Errorf("MatMul contracting dimensions don't match: %s (transposed=%v) x %s (transposed=%v)",
			lhs, transposeA, rhs, transposeB)
		return
	}
	dims := make([]int, rank)
	names := make([]string, rank)
	for axis := range rank - 2 {
		dim, ok := mergeDim(lhs.Dimensions[axis], rhs.Dimensions[axis], true)
		if !ok {
			err = errors.Errorf("MatMul batch axis #%d cannot be broadcast: %s x %s", axis, lhs, rhs)
			return
		}
		dims[axis] = dim
		names[axis] = lhs.AxisName(axis)
		if names[axis] == "" {
			names[axis] = rhs.AxisName(axis)
		}
	}
	dims[rank-2], names[rank-2] = lhs.Dimensions[mAxis], lhs.AxisName(mAxis)
	dims[rank-1], names[rank-1] = rhs.Dimensions[nAxis], rhs.AxisName(nAxis)
	output = shapes.Make(lhs.DType, dims...)
	for _, name := range names {
		if name != "" {
			output = output.WithAxisNames(names...)
			break
		}
	}
	if bias != nil {
		if bias.DType != lhs.DType {
			err = errors.Errorf("MatMul bias %s must have the same dtype as the operands %s", *bias, lhs)
			return
		}
		switch {
		case bias.IsScalar():
		case bias.Rank() == 1:
			if _, ok := mergeDim(bias.Dimensions[0], dims[rank-1], true); !ok {
				err = errors.Errorf("MatMul bias %s doesn't match the output columns of %s", *bias, output)
				return
			}
		default:
			err = errors.Errorf("MatMul bias must be a scalar or rank-1, got %s", *bias)
			return
		}
	}
	return
}

// LRNOp checks the operand of a local response normalization: it must be a float [N, C, H, W] tensor
// and the local size an odd positive number.
func LRNOp(operand shapes.Shape, size int) (output shapes.Shape, err error) {
	if err = checkDType(backends.OpTypeLRN, operand); err != nil {
		return
	}
	if operand.Rank() != 4 {
		err = errors.Errorf("LRN requires a rank-4 [N, C, H, W] operand, got %s", operand)
		return
	}
	if size <= 0 || size%2 == 0 {
		err = errors.Errorf("LRN local size must be odd and positive, got %d", size)
		return
	}
	return plain(operand), nil
}

// QuantizeOp returns the shape of the quantized operand: same dimensions, with the target integer dtype.
func QuantizeOp(operand shapes.Shape, dtype dtypes.DType) (output shapes.Shape, err error) {
	if err = checkDType(backends.OpTypeQuantize, operand); err != nil {
		return
	}
	if dtype != dtypes.Int8 && dtype != dtypes.Uint8 {
		err = errors.Errorf("Quantize target dtype must be Int8 or Uint8, got %s", dtype)
		return
	}
	return plain(operand).WithDType(dtype), nil
}

// Infer returns the output shapes of the operation, for the given inputs and attributes.
//
// Add and Mul take either two inputs or one input and a backends.AttrConstant.
// MatMul takes two inputs, plus an optional third bias input.
func Infer(opType backends.OpType, inputs []shapes.Shape, attrs backends.Attributes) ([]shapes.Shape, error) {
	var output shapes.Shape
	var err error
	wantInputs := func(counts ...int) error {
		for _, count := range counts {
			if len(inputs) == count {
				return nil
			}
		}
		return errors.Errorf("%s takes %v inputs, got %d", opType, counts, len(inputs))
	}
	switch {
	case UnaryOperations.Has(opType):
		if err = wantInputs(1); err != nil {
			return nil, err
		}
		output, err = UnaryOp(opType, inputs[0])
	case opType == backends.OpTypeAdd || opType == backends.OpTypeMul:
		if err = wantInputs(1, 2); err != nil {
			return nil, err
		}
		if len(inputs) == 1 {
			if !attrs.Has(backends.AttrConstant) {
				return nil, errors.Errorf("%s with one input requires the attribute %q", opType, backends.AttrConstant)
			}
			output, err = BinaryOp(opType, inputs[0], shapes.Make(inputs[0].DType))
		} else {
			output, err = BinaryOp(opType, inputs[0], inputs[1])
		}
	case opType == backends.OpTypeMatMul:
		if err = wantInputs(2, 3); err != nil {
			return nil, err
		}
		var bias *shapes.Shape
		if len(inputs) == 3 {
			bias = &inputs[2]
		}
		output, err = MatMulOp(inputs[0], inputs[1], bias,
			attrs.Bool(backends.AttrTransposeA, false), attrs.Bool(backends.AttrTransposeB, false))
	case opType == backends.OpTypeLRN:
		if err = wantInputs(1); err != nil {
			return nil, err
		}
		output, err = LRNOp(inputs[0], attrs.Int(backends.AttrSize, 5))
	case opType == backends.OpTypeQuantize:
		if err = wantInputs(1); err != nil {
			return nil, err
		}
		output, err = QuantizeOp(inputs[0], attrs.DType(backends.AttrDType, dtypes.Int8))
	default:
		return nil, errors.Wrapf(backends.ErrNotImplemented, "shape inference for %s", opType)
	}
	if err != nil {
		return nil, err
	}
	return []shapes.Shape{output}, nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapeinference

import (
	"testing"

	. "github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Aliases
var (
	I8  = dtypes.Int8
	I32 = dtypes.Int32
	F16 = dtypes.Float16
	F32 = dtypes.Float32

	MS = shapes.Make
)

const D = shapes.DimDynamic

func TestUnaryOp(t *testing.T) {
	output, err := UnaryOp(OpTypeReLU, MS(I32, 3))
	require.NoError(t, err)
	assert.True(t, output.Equal(MS(I32, 3)))

	_, err = UnaryOp(OpTypeSigmoid, MS(I32, 3))
	require.Error(t, err)
	_, err = UnaryOp(OpTypeMatMul, MS(F32, 3))
	require.Error(t, err)

	// Layouts are reset to the canonical one.
	output, err = UnaryOp(OpTypeTanh, MS(F16, 2, 3).WithLayout(shapes.PlainOrder(1, 0)))
	require.NoError(t, err)
	assert.True(t, output.Equal(MS(F16, 2, 3)))
}

func TestBinaryOp(t *testing.T) {
	_, err := BinaryOp(OpTypeAdd, MS(F32, 2), MS(F16, 2))
	require.Error(t, err)
	_, err = BinaryOp(OpTypeReLU, MS(F32, 2), MS(F32, 2))
	require.Error(t, err)

	output, err := BinaryOp(OpTypeMul, MS(F32, 2, 3), MS(F32))
	require.NoError(t, err)
	assert.True(t, output.Equal(MS(F32, 2, 3)))

	output, err = BinaryOp(OpTypeAdd, MS(F32, 1, 3), MS(F32, 2, 1))
	require.NoError(t, err)
	assert.True(t, output.Equal(MS(F32, 2, 3)))

	_, err = BinaryOp(OpTypeAdd, MS(F32, 2, 3), MS(F32, 3, 3))
	require.Error(t, err)
	_, err = BinaryOp(OpTypeAdd, MS(F32, 2, 3), MS(F32, 3))
	require.Error(t, err)

	// Dynamic dimensions are fixed by the other side, and axis names are preserved.
	output, err = BinaryOp(OpTypeAdd, MS(F32, D, 3), MS(F32, 4, 3).WithAxisNames("batch", ""))
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3}, output.Dimensions)
	assert.Equal(t, "batch", output.AxisName(0))
}

func TestMatMulOp(t *testing.T) {
	output, err := MatMulOp(MS(F32, 2, 3), MS(F32, 3, 4), nil, false, false)
	require.NoError(t, err)
	assert.True(t, output.Equal(MS(F32, 2, 4)))

	output, err = MatMulOp(MS(F32, 3, 2), MS(F32, 4, 3), nil, true, true)
	require.NoError(t, err)
	assert.True(t, output.Equal(MS(F32, 2, 4)))

	output, err = MatMulOp(MS(F32, 5, 2, 3), MS(F32, 1, 3, 4), nil, false, false)
	require.NoError(t, err)
	assert.True(t, output.Equal(MS(F32, 5, 2, 4)))

	batch := MS(F32, D, 512).WithAxisNames("batch", "")
	output, err = MatMulOp(batch, MS(F32, 512, 128), nil, false, false)
	require.NoError(t, err)
	assert.Equal(t, []int{D, 128}, output.Dimensions)
	assert.Equal(t, "batch", output.AxisName(0))

	bias := MS(F32, 4)
	_, err = MatMulOp(MS(F32, 2, 3), MS(F32, 3, 4), &bias, false, false)
	require.NoError(t, err)
	badBias := MS(F32, 5)
	_, err = MatMulOp(MS(F32, 2, 3), MS(F32, 3, 4), &badBias, false, false)
	require.Error(t, err)

	_, err = MatMulOp(MS(F32, 2, 3), MS(F32, 4, 4), nil, false, false)
	require.Error(t, err)
	_, err = MatMulOp(MS(F32, 3), MS(F32, 3), nil, false, false)
	require.Error(t, err)
	_, err = MatMulOp(MS(F32, 2, 3), MS(F16, 3, 4), nil, false, false)
	require.Error(t, err)
}

func TestLRNAndQuantize(t *testing.T) {
	output, err := LRNOp(MS(F32, 1, 8, 4, 4), 5)
	require.NoError(t, err)
	assert.True(t, output.Equal(MS(F32, 1, 8, 4, 4)))
	_, err = LRNOp(MS(F32, 1, 8, 4, 4), 4)
	require.Error(t, err)
	_, err = LRNOp(MS(F32, 8, 4, 4), 5)
	require.Error(t, err)

	output, err = QuantizeOp(MS(F32, 2, 3), I8)
	require.NoError(t, err)
	assert.True(t, output.Equal(MS(I8, 2, 3)))
	_, err = QuantizeOp(MS(F32, 2, 3), I32)
	require.Error(t, err)
	_, err = QuantizeOp(MS(I32, 2, 3), I8)
	require.Error(t, err)
}

func TestInfer(t *testing.T) {
	outputs, err := Infer(OpTypeAdd, []shapes.Shape{MS(F32, 2, 3)}, Attributes{AttrConstant: 1.0})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.True(t, outputs[0].Equal(MS(F32, 2, 3)))

	_, err = Infer(OpTypeAdd, []shapes.Shape{MS(F32, 2, 3)}, nil)
	require.Error(t, err)

	outputs, err = Infer(OpTypeMatMul, []shapes.Shape{MS(F32, 3, 2), MS(F32, 3, 4)}, Attributes{AttrTransposeA: true})
	require.NoError(t, err)
	assert.True(t, outputs[0].Equal(MS(F32, 2, 4)))

	outputs, err = Infer(OpTypeQuantize, []shapes.Shape{MS(F16, 4)}, Attributes{AttrDType: dtypes.Uint8})
	require.NoError(t, err)
	assert.True(t, outputs[0].Equal(MS(dtypes.Uint8, 4)))

	_, err = Infer(OpTypeReLU, []shapes.Shape{MS(F32, 4), MS(F32, 4)}, nil)
	require.Error(t, err)
	_, err = Infer(OpTypeInvalid, []shapes.Shape{MS(F32, 4)}, nil)
	require.ErrorIs(t, err, ErrNotImplemented)
}

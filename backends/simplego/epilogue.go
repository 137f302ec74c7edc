// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/fusion"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// scalarFn returns the function of an element-wise operator (an activation, Add or Mul with a constant,
// or Linear) computed in T.
func scalarFn[T constraints.Float](op backends.OpType, attrs backends.Attributes) (func(T) T, error) {
	switch op {
	case backends.OpTypeReLU:
		return relu[T], nil
	case backends.OpTypeSigmoid:
		return func(x T) T { return T(1 / (1 + math.Exp(-float64(x)))) }, nil
	case backends.OpTypeTanh:
		return func(x T) T { return T(math.Tanh(float64(x))) }, nil
	case backends.OpTypeGeLU:
		return func(x T) T {
			x64 := float64(x)
			return T(0.5 * x64 * (1 + math.Erf(x64/math.Sqrt2)))
		}, nil
	case backends.OpTypeClamp:
		lowest, highest := T(attrs.Float(backends.AttrMin, 0)), T(attrs.Float(backends.AttrMax, 0))
		return func(x T) T { return min(max(x, lowest), highest) }, nil
	case backends.OpTypeAdd:
		c := T(attrs.Float(backends.AttrConstant, 0))
		return func(x T) T { return x + c }, nil
	case backends.OpTypeMul:
		c := T(attrs.Float(backends.AttrConstant, 1))
		return func(x T) T { return x * c }, nil
	case backends.OpTypeLinear:
		alpha, beta := T(attrs.Float(backends.AttrAlpha, 1)), T(attrs.Float(backends.AttrBeta, 0))
		return func(x T) T { return alpha*x + beta }, nil
	}
	return nil, errors.Wrapf(backends.ErrNotImplemented, "simplego: no element-wise function for %s", op)
}

// relu keeps NaNs.
func relu[T constraints.Float](x T) T {
	if x < 0 {
		return 0
	}
	return x
}

// epilogue applies a chain of post-ops to values computed in T, rounding to the storage dtype of the
// values after every stage, so fused and unfused executions produce the same results.
type epilogue[T constraints.Float] struct {
	dtype    dtypes.DType
	stages   []func(T) T
	round    func(T) T
	quantize *quantizer
}

// newEpilogue creates the epilogue for results of the given storage dtype.
// Errors wrap backends.ErrBuild.
func newEpilogue[T constraints.Float](dtype dtypes.DType, chain fusion.Chain) (*epilogue[T], error) {
	e := &epilogue[T]{dtype: dtype, round: rounder[T](dtype)}
	for ii, postOp := range chain {
		if postOp.Kind == fusion.Quantize {
			if ii != len(chain)-1 {
				return nil, errors.Wrapf(backends.ErrBuild, "post-ops %s: Quantize must be the last one", chain)
			}
			q, err := newQuantizer(postOp.Attrs)
			if err != nil {
				return nil, errors.Wrapf(backends.ErrBuild, "post-op %s: %v", postOp, err)
			}
			e.quantize = q
			continue
		}
		fn, err := scalarFn[T](postOp.Op, postOp.Attrs)
		if err != nil {
			return nil, errors.Wrapf(backends.ErrBuild, "post-op %s: %v", postOp, err)
		}
		e.stages = append(e.stages, fn)
	}
	return e, nil
}

// isIdentity returns whether apply does nothing.
func (e *epilogue[T]) isIdentity() bool {
	return len(e.stages) == 0 && e.round == nil
}

// apply rounds the values (results of the primary operator) and applies the element-wise post-ops, in place.
func (e *epilogue[T]) apply(values []T) {
	if e.isIdentity() {
		return
	}
	round := e.round
	for ii, v := range values {
		if round != nil {
			v = round(v)
		}
		for _, stage := range e.stages {
			v = stage(v)
			if round != nil {
				v = round(v)
			}
		}
		values[ii] = v
	}
}

// finish converts the values (after apply) to the flat data of the output: quantized integers if the
// chain ends with a Quantize, the storage dtype otherwise.
func (e *epilogue[T]) finish(values []T) any {
	if e.quantize != nil {
		return quantize(e.quantize, values)
	}
	return store(values, e.dtype)
}

// outputDType returns the dtype of the flat data returned by finish.
func (e *epilogue[T]) outputDType() dtypes.DType {
	if e.quantize != nil {
		return e.quantize.dtype
	}
	return e.dtype
}

// quantizer maps floats to integers: round-half-to-even(x / scale) + zeroPoint, saturated to the
// range of the integer dtype.
type quantizer struct {
	scale, zeroPoint float64
	dtype            dtypes.DType
	lowest, highest  float64
}

func newQuantizer(attrs backends.Attributes) (*quantizer, error) {
	q := &quantizer{
		scale:     attrs.Float(backends.AttrScale, 0),
		zeroPoint: float64(attrs.Int(backends.AttrZeroPoint, 0)),
		dtype:     attrs.DType(backends.AttrDType, dtypes.Int8),
	}
	if !(q.scale > 0) {
		return nil, errors.Errorf("quantization scale must be > 0, got %g", q.scale)
	}
	if q.dtype != dtypes.Int8 && q.dtype != dtypes.Uint8 {
		return nil, errors.Errorf("quantization dtype must be Int8 or Uint8, got %s", q.dtype)
	}
	lowest, highest := q.dtype.IntRange()
	q.lowest, q.highest = float64(lowest), float64(highest)
	if q.zeroPoint < q.lowest || q.zeroPoint > q.highest {
		return nil, errors.Errorf("quantization zero-point %g out of the range of %s", q.zeroPoint, q.dtype)
	}
	return q, nil
}

// value quantizes one value. NaN is mapped to the zero-point.
func (q *quantizer) value(x float64) float64 {
	v := math.RoundToEven(x/q.scale) + q.zeroPoint
	if math.IsNaN(v) {
		return q.zeroPoint
	}
	return min(max(v, q.lowest), q.highest)
}

func quantize[T constraints.Float](q *quantizer, values []T) any {
	switch q.dtype {
	case dtypes.Int8:
		flat := make([]int8, len(values))
		for ii, v := range values {
			flat[ii] = int8(q.value(float64(v)))
		}
		return flat
	default:
		flat := make([]uint8, len(values))
		for ii, v := range values {
			flat[ii] = uint8(q.value(float64(v)))
		}
		return flat
	}
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/fusion"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func randomValues(rng *rand.Rand, n int) []float32 {
	values := make([]float32, n)
	for ii := range values {
		values[ii] = rng.Float32()*2 - 1
	}
	return values
}

func TestActivations(t *testing.T) {
	b := newTestBackend(t, "")
	xs := []float64{-2, -0.5, 0, 0.5, 3}
	input := shapes.Make(dtypes.Float64, len(xs))
	testCases := []struct {
		op    backends.OpType
		attrs backends.Attributes
		fn    func(x float64) float64
	}{
		{backends.OpTypeReLU, nil, func(x float64) float64 { return max(x, 0) }},
		{backends.OpTypeSigmoid, nil, func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }},
		{backends.OpTypeTanh, nil, math.Tanh},
		{backends.OpTypeGeLU, nil, func(x float64) float64 { return x * 0.5 * math.Erfc(-x/math.Sqrt2) }},
		{backends.OpTypeClamp, backends.Attributes{backends.AttrMin: -1.0, backends.AttrMax: 1.0},
			func(x float64) float64 { return min(max(x, -1), 1) }},
	}
	for _, tc := range testCases {
		t.Run(tc.op.String(), func(t *testing.T) {
			exec := compile(t, b, tc.op, VariantActivation, []shapes.Shape{input}, tc.attrs)
			got := backends.Values[float64](run(t, exec, must.M1(backends.FromValues(input, xs))))
			want := make([]float64, len(xs))
			for ii, x := range xs {
				want[ii] = tc.fn(x)
			}
			assert.InDeltaSlice(t, want, got, 1e-12)
		})
	}

	// Linear, Add and Mul with a constant.
	exec := compile(t, b, backends.OpTypeLinear, VariantElementwise, []shapes.Shape{input},
		backends.Attributes{backends.AttrAlpha: 2.0, backends.AttrBeta: -1.0})
	got := backends.Values[float64](run(t, exec, must.M1(backends.FromValues(input, xs))))
	assert.Equal(t, []float64{-5, -2, -1, 0, 5}, got)
	exec = compile(t, b, backends.OpTypeMul, VariantElementwise, []shapes.Shape{input},
		backends.Attributes{backends.AttrConstant: -2.0})
	got = backends.Values[float64](run(t, exec, must.M1(backends.FromValues(input, xs))))
	assert.Equal(t, []float64{4, 1, 0, -1, -6}, got)
}

func TestReLUVectorized(t *testing.T) {
	b := newTestBackend(t, "parallelism=4")
	rng := rand.New(rand.NewPCG(42, 1))
	// Large enough to be split among workers, and not a multiple of 8.
	const size = 3*minParallelizeChunk + 5
	input := shapes.Make(dtypes.Float32, size)
	xs := randomValues(rng, size)
	xs[7] = float32(math.NaN())
	exec := compile(t, b, backends.OpTypeReLU, VariantReLUFloat32, []shapes.Shape{input}, nil)
	got := backends.Values[float32](run(t, exec, must.M1(backends.FromValues(input, xs))))
	require.Len(t, got, size)
	for ii, x := range xs {
		if ii == 7 {
			assert.True(t, math.IsNaN(float64(got[ii])))
			continue
		}
		require.Equalf(t, max(x, 0), got[ii], "element #%d", ii)
	}
}

// TestFusedEquivalence checks that fused post-ops give the same results as executing them one by one.
func TestFusedEquivalence(t *testing.T) {
	b := newTestBackend(t, "")
	chain := []fusion.PostOp{
		postOp(backends.OpTypeAdd, backends.Attributes{backends.AttrConstant: 0.5}),
		postOp(backends.OpTypeMul, backends.Attributes{backends.AttrConstant: 2.0}),
		postOp(backends.OpTypeClamp, backends.Attributes{backends.AttrMin: 0.0, backends.AttrMax: 3.0}),
	}
	quantizeAttrs := backends.Attributes{backends.AttrScale: 0.1, backends.AttrZeroPoint: 3, backends.AttrDType: dtypes.Int8}

	unfused := func(t *testing.T, variantOfReLU string, input shapes.Shape, x *backends.Buffer) (*backends.Buffer, *backends.Buffer) {
		y := run(t, compile(t, b, backends.OpTypeReLU, variantOfReLU, []shapes.Shape{input}, nil), x)
		for _, p := range chain {
			variant := VariantElementwise
			if p.Kind == fusion.Activation {
				variant = VariantActivation
			}
			y = run(t, compile(t, b, p.Op, variant, []shapes.Shape{input}, p.Attrs), y)
		}
		q := run(t, compile(t, b, backends.OpTypeQuantize, VariantQuantize, []shapes.Shape{input}, quantizeAttrs), y)
		return y, q
	}

	t.Run("Float32", func(t *testing.T) {
		input := shapes.Make(dtypes.Float32, 4, 16)
		x := must.M1(backends.FromValues(input, randomValues(rand.New(rand.NewPCG(1, 2)), input.Size())))
		wantY, wantQ := unfused(t, VariantReLUFloat32, input, x)

		fused := compile(t, b, backends.OpTypeReLU, VariantReLUFloat32, []shapes.Shape{input}, nil, chain...)
		assert.Equal(t, backends.Values[float32](wantY), backends.Values[float32](run(t, fused, x)))

		quantizeOp := postOp(backends.OpTypeQuantize, quantizeAttrs)
		fusedQ := compile(t, b, backends.OpTypeReLU, VariantActivation, []shapes.Shape{input}, nil, append(chain, quantizeOp)...)
		gotQ := run(t, fusedQ, x)
		assert.Equal(t, dtypes.Int8, gotQ.Shape().DType)
		assert.Equal(t, backends.Values[int8](wantQ), backends.Values[int8](gotQ))
	})

	t.Run("Float16", func(t *testing.T) {
		input := shapes.Make(dtypes.Float16, 4, 16)
		values := randomValues(rand.New(rand.NewPCG(3, 4)), input.Size())
		halfs := make([]float16.Float16, len(values))
		for ii, v := range values {
			halfs[ii] = float16.Fromfloat32(v * 3)
		}
		x := must.M1(backends.FromValues(input, halfs))
		wantY, _ := unfused(t, VariantActivation, input, x)
		fused := compile(t, b, backends.OpTypeReLU, VariantActivation, []shapes.Shape{input}, nil, chain...)
		assert.Equal(t, backends.Values[float16.Float16](wantY), backends.Values[float16.Float16](run(t, fused, x)))
	})
}

func TestQuantize(t *testing.T) {
	b := newTestBackend(t, "")
	input := shapes.Make(dtypes.Float32, 8)
	xs := []float32{-1, 0, 0.25, 0.75, 1.25, 100, -100, float32(math.NaN())}
	x := must.M1(backends.FromValues(input, xs))

	exec := compile(t, b, backends.OpTypeQuantize, VariantQuantize, []shapes.Shape{input},
		backends.Attributes{backends.AttrScale: 0.5, backends.AttrZeroPoint: 10, backends.AttrDType: dtypes.Uint8})
	assert.Equal(t, []uint8{8, 10, 10, 12, 12, 210, 0, 10}, backends.Values[uint8](run(t, exec, x)))

	exec = compile(t, b, backends.OpTypeQuantize, VariantQuantize, []shapes.Shape{input},
		backends.Attributes{backends.AttrScale: 0.5, backends.AttrDType: dtypes.Int8})
	assert.Equal(t, []int8{-2, 0, 0, 2, 2, 127, -128, 0}, backends.Values[int8](run(t, exec, x)))
}

func TestBinaryBroadcast(t *testing.T) {
	b := newTestBackend(t, "")
	lhsShape, rowShape, scalarShape := shapes.Make(dtypes.Float32, 2, 3), shapes.Make(dtypes.Float32, 1, 3), shapes.Make(dtypes.Float32)
	lhs := must.M1(backends.FromValues(lhsShape, []float32{1, 2, 3, 4, 5, 6}))

	exec := compile(t, b, backends.OpTypeAdd, VariantBinary, []shapes.Shape{lhsShape, rowShape}, nil)
	row := must.M1(backends.FromValues(rowShape, []float32{10, 20, 30}))
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, backends.Values[float32](run(t, exec, lhs, row)))

	exec = compile(t, b, backends.OpTypeMul, VariantBinary, []shapes.Shape{lhsShape, scalarShape}, nil,
		postOp(backends.OpTypeReLU, nil))
	scalar := must.M1(backends.FromValues(scalarShape, []float32{-2}))
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0}, backends.Values[float32](run(t, exec, lhs, scalar)))
}

// naiveMatMul computes the MatMul of rank-2 or rank-3 operands in float64.
func naiveMatMul(lhsShape, rhsShape shapes.Shape, lhs, rhs []float32, transA, transB bool, bias []float32) []float64 {
	rank := lhsShape.Rank()
	m, k := lhsShape.Dimensions[rank-2], lhsShape.Dimensions[rank-1]
	if transA {
		m, k = k, m
	}
	n := rhsShape.Dimensions[rank-1]
	if transB {
		n = rhsShape.Dimensions[rank-2]
	}
	lhsBatch, rhsBatch := 1, 1
	if rank == 3 {
		lhsBatch, rhsBatch = lhsShape.Dimensions[0], rhsShape.Dimensions[0]
	}
	numBatches := max(lhsBatch, rhsBatch)
	result := make([]float64, numBatches*m*n)
	for batch := range numBatches {
		a := lhs[(batch%lhsBatch)*m*k:]
		bb := rhs[(batch%rhsBatch)*k*n:]
		for row := range m {
			for col := range n {
				var sum float64
				for kk := range k {
					av := a[row*k+kk]
					if transA {
						av = a[kk*m+row]
					}
					bv := bb[kk*n+col]
					if transB {
						bv = bb[col*k+kk]
					}
					sum += float64(av) * float64(bv)
				}
				switch len(bias) {
				case 0:
				case 1:
					sum += float64(bias[0])
				default:
					sum += float64(bias[col])
				}
				result[(batch*m+row)*n+col] = sum
			}
		}
	}
	return result
}

func TestMatMul(t *testing.T) {
	b := newTestBackend(t, "parallelism=3")
	testCases := []struct {
		name           string
		lhs, rhs       []int
		transA, transB bool
		biasSize       int
	}{
		// Larger than the default tiles, so there are partial tiles in every direction.
		{name: "tiled", lhs: []int{40, 130}, rhs: []int{130, 300}},
		{name: "transposed", lhs: []int{130, 40}, rhs: []int{300, 130}, transA: true, transB: true},
		{name: "transposed_b", lhs: []int{5, 7}, rhs: []int{9, 7}, transB: true},
		{name: "batched", lhs: []int{3, 5, 7}, rhs: []int{3, 7, 9}},
		{name: "broadcast", lhs: []int{3, 5, 7}, rhs: []int{1, 7, 9}, biasSize: 9},
		{name: "scalar_bias", lhs: []int{5, 7}, rhs: []int{7, 9}, biasSize: 1},
	}
	rng := rand.New(rand.NewPCG(7, 11))
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			lhsShape, rhsShape := shapes.Make(dtypes.Float32, tc.lhs...), shapes.Make(dtypes.Float32, tc.rhs...)
			lhsValues, rhsValues := randomValues(rng, lhsShape.Size()), randomValues(rng, rhsShape.Size())
			inputShapes := []shapes.Shape{lhsShape, rhsShape}
			inputs := []*backends.Buffer{
				must.M1(backends.FromValues(lhsShape, lhsValues)),
				must.M1(backends.FromValues(rhsShape, rhsValues)),
			}
			var biasValues []float32
			if tc.biasSize > 0 {
				biasShape := shapes.Make(dtypes.Float32, tc.biasSize)
				if tc.biasSize == 1 {
					biasShape = shapes.Make(dtypes.Float32)
				}
				biasValues = randomValues(rng, tc.biasSize)
				inputShapes = append(inputShapes, biasShape)
				inputs = append(inputs, must.M1(backends.FromValues(biasShape, biasValues)))
			}
			attrs := backends.Attributes{backends.AttrTransposeA: tc.transA, backends.AttrTransposeB: tc.transB}
			want := naiveMatMul(lhsShape, rhsShape, lhsValues, rhsValues, tc.transA, tc.transB, biasValues)
			for _, variant := range []string{VariantMatMulBlocked, VariantMatMul} {
				exec := compile(t, b, backends.OpTypeMatMul, variant, inputShapes, attrs)
				got := run(t, exec, inputs...)
				gotValues := backends.Values[float32](got)
				require.Lenf(t, gotValues, len(want), "variant %s", variant)
				for ii, w := range want {
					require.InDeltaf(t, w, float64(gotValues[ii]), 1e-4, "variant %s, element #%d", variant, ii)
				}
			}
		})
	}
}

func TestMatMulFusedQuantize(t *testing.T) {
	b := newTestBackend(t, "")
	lhsShape, rhsShape := shapes.Make(dtypes.Float32, 2, 2), shapes.Make(dtypes.Float32, 2, 2)
	lhs := must.M1(backends.FromValues(lhsShape, []float32{1, 2, 3, 4}))
	rhs := must.M1(backends.FromValues(rhsShape, []float32{1, 0, -1, 1}))
	quantizeOp := postOp(backends.OpTypeQuantize, backends.Attributes{backends.AttrScale: 0.5, backends.AttrDType: dtypes.Int8})
	for _, variant := range []string{VariantMatMulBlocked, VariantMatMul} {
		exec := compile(t, b, backends.OpTypeMatMul, variant, []shapes.Shape{lhsShape, rhsShape}, nil,
			postOp(backends.OpTypeReLU, nil), quantizeOp)
		// [[1,2],[3,4]] x [[1,0],[-1,1]] = [[-1,2],[-1,4]] -> ReLU -> [[0,2],[0,4]] -> /0.5
		assert.Equal(t, []int8{0, 4, 0, 8}, backends.Values[int8](run(t, exec, lhs, rhs)), "variant %s", variant)
	}
}

func TestLRN(t *testing.T) {
	b := newTestBackend(t, "")

	t.Run("across", func(t *testing.T) {
		input := shapes.Make(dtypes.Float64, 1, 3, 1, 1)
		attrs := backends.Attributes{backends.AttrSize: 3, backends.AttrAlpha: 0.3, backends.AttrBeta: 0.5, backends.AttrK: 1.0}
		exec := compile(t, b, backends.OpTypeLRN, VariantLRN, []shapes.Shape{input}, attrs)
		got := backends.Values[float64](run(t, exec, must.M1(backends.FromValues(input, []float64{1, 2, 3}))))
		// alpha/size = 0.1, and the sums of squares are 5, 14 and 13.
		want := []float64{1 / math.Sqrt(1.5), 2 / math.Sqrt(2.4), 3 / math.Sqrt(2.3)}
		assert.InDeltaSlice(t, want, got, 1e-12)
	})

	t.Run("within", func(t *testing.T) {
		input := shapes.Make(dtypes.Float32, 1, 1, 2, 2)
		attrs := backends.Attributes{backends.AttrSize: 3, backends.AttrAlpha: 0.9, backends.AttrBeta: 1.0,
			backends.AttrK: 1.0, backends.AttrRegion: backends.RegionWithin}
		x := must.M1(backends.FromValues(input, []float32{1, 2, 3, 4}))
		// alpha/size² = 0.1, and every window covers the 4 values: 1 + 0.1*30 = 4.
		want := []float32{0.25, 0.5, 0.75, 1}
		for _, variant := range []string{VariantLRNWithinChannel, VariantLRN} {
			exec := compile(t, b, backends.OpTypeLRN, variant, []shapes.Shape{input}, attrs)
			assert.InDeltaSlicef(t, want, backends.Values[float32](run(t, exec, x)), 1e-6, "variant %s", variant)
		}
	})

	t.Run("optimized_vs_reference", func(t *testing.T) {
		input := shapes.Make(dtypes.Float32, 2, 3, 6, 7)
		attrs := backends.Attributes{backends.AttrSize: 3, backends.AttrAlpha: 0.5, backends.AttrRegion: backends.RegionWithin}
		x := must.M1(backends.FromValues(input, randomValues(rand.New(rand.NewPCG(5, 6)), input.Size())))
		optimized := backends.Values[float32](run(t, compile(t, b, backends.OpTypeLRN, VariantLRNWithinChannel, []shapes.Shape{input}, attrs), x))
		reference := backends.Values[float32](run(t, compile(t, b, backends.OpTypeLRN, VariantLRN, []shapes.Shape{input}, attrs), x))
		assert.InDeltaSlice(t, reference, optimized, 1e-6)
	})
}

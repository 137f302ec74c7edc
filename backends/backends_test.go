// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"testing"

	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

type fakeBackend struct {
	config string
}

func (b *fakeBackend) Name() string               { return "fake" }
func (b *fakeBackend) Description() string        { return "fake backend: " + b.config }
func (b *fakeBackend) Capabilities() Capabilities { return Capabilities{} }
func (b *fakeBackend) Finalize()                  {}

func TestRegistry(t *testing.T) {
	Register("fake", func(config string) (Backend, error) { return &fakeBackend{config: config}, nil })
	assert.Contains(t, List(), "fake")

	backend := must.M1(NewWithConfig("fake:parallelism=2"))
	assert.Equal(t, "fake backend: parallelism=2", backend.Description())

	backend = must.M1(NewWithConfig("fake"))
	assert.Equal(t, "fake backend: ", backend.Description())

	t.Setenv(ConfigEnvVar, "fake:from_env")
	backend = must.M1(New())
	assert.Equal(t, "fake backend: from_env", backend.Description())

	assert.Panics(t, func() { _, _ = NewWithConfig("unknown:x") })
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities{
		Operations: map[OpType]bool{OpTypeReLU: true},
		DTypes:     map[dtypes.DType]bool{dtypes.Float32: true},
	}
	assert.True(t, caps.Supports(OpTypeReLU, dtypes.Float32))
	assert.False(t, caps.Supports(OpTypeReLU, dtypes.Float16))
	assert.False(t, caps.Supports(OpTypeMatMul, dtypes.Float32))

	caps2 := caps.Clone()
	caps2.Operations[OpTypeMatMul] = true
	assert.False(t, caps.Operations[OpTypeMatMul])
}

func TestOpType(t *testing.T) {
	assert.Equal(t, "MatMul", OpTypeMatMul.String())
	op, err := OpTypeString("relu")
	require.NoError(t, err)
	assert.Equal(t, OpTypeReLU, op)
	assert.True(t, OpTypeGeLU.IsActivation())
	assert.False(t, OpTypeAdd.IsActivation())
	assert.True(t, OpTypeLinear.IsElementwise())
	assert.False(t, OpTypeQuantize.IsElementwise())
}

func TestAttributes(t *testing.T) {
	attrs := Attributes{
		AttrScale:      float32(0.5),
		AttrZeroPoint:  3,
		AttrTransposeA: true,
		AttrRegion:     RegionWithin,
		AttrDType:      "int8",
	}
	assert.Equal(t, 0.5, attrs.Float(AttrScale, 1))
	assert.Equal(t, 3.0, attrs.Float(AttrZeroPoint, 0))
	assert.Equal(t, 3, attrs.Int(AttrZeroPoint, 0))
	assert.Equal(t, 7, attrs.Int(AttrSize, 7))
	assert.True(t, attrs.Bool(AttrTransposeA, false))
	assert.False(t, attrs.Bool(AttrTransposeB, false))
	assert.Equal(t, RegionWithin, attrs.Text(AttrRegion, RegionAcross))
	assert.Equal(t, dtypes.Int8, attrs.DType(AttrDType, dtypes.Uint8))
	assert.Equal(t, "{dtype=int8, region=within, scale=0.5, transpose_a=true, zero_point=3}", attrs.String())

	clone := attrs.Clone()
	clone[AttrSize] = 3
	assert.False(t, attrs.Has(AttrSize))
	assert.Nil(t, Attributes(nil).Clone())

	assert.Equal(t, "Add{constant=2}", PostOp{Op: OpTypeAdd, Attrs: Attributes{AttrConstant: 2}}.String())
	assert.Equal(t, "ReLU", PostOp{Op: OpTypeReLU}.String())
}

func TestAttributesValidate(t *testing.T) {
	require.NoError(t, Attributes(nil).Validate())
	require.NoError(t, Attributes{
		AttrScale:      1,
		AttrZeroPoint:  float64(4),
		AttrDType:      dtypes.Uint8,
		AttrTransposeB: true,
		AttrRegion:     RegionAcross,
		"custom":       []int{1},
	}.Validate())

	err := Attributes{
		AttrZeroPoint:  3.7,
		AttrDType:      "Unit8",
		AttrTransposeA: "yes",
		AttrSize:       "5",
		AttrRegion:     1,
	}.Validate()
	require.ErrorIs(t, err, ErrInvalidAttribute)
	for _, name := range []string{AttrZeroPoint, AttrDType, AttrTransposeA, AttrSize, AttrRegion} {
		assert.Contains(t, err.Error(), fmt.Sprintf("%q", name))
	}
}

func TestDispatchConfig(t *testing.T) {
	d := DispatchConfig{Global: []int{8, 512}, Local: []int{1, 512}, Parallelism: 4, Tiles: map[string]int{"n": 8, "k": 64}}
	assert.Equal(t, "global=[8 512] local=[1 512] workers=4 tiles={k=64,n=8}", d.String())
	d2 := d
	assert.True(t, d.Equal(d2))
	d2.Global = []int{1, 512}
	assert.False(t, d.Equal(d2))
}

func TestBuffer(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2, 3)
	values := []float32{1, 2, 3, 4, 5, 6}
	b := must.M1(FromValues(shape, values))
	assert.Equal(t, values, Flat[float32](b))
	assert.Equal(t, "Buffer(Float32)[2 3]", b.String())

	// Transposed storage keeps the logical values.
	bT := must.M1(b.Relayout(shapes.PlainOrder(1, 0)))
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, Flat[float32](bT))
	assert.Equal(t, values, Values[float32](bT))
	same := must.M1(b.Relayout(shapes.Plain()))
	assert.Same(t, b, same)

	// Blocked storage is padded.
	nchw := shapes.Make(dtypes.Float16, 1, 3, 1, 1)
	f16 := []float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(2), float16.Fromfloat32(3)}
	bBlocked := must.M1(FromValues(nchw.WithLayout(shapes.Blocked(1, 2)), f16))
	assert.Len(t, Flat[float16.Float16](bBlocked), 4)
	assert.Equal(t, f16, Values[float16.Float16](bBlocked))

	_, err := FromValues(shape, []float32{1})
	require.Error(t, err)
	_, err = FromValues(shape, []float64{1, 2, 3, 4, 5, 6})
	require.Error(t, err)
	_, err = NewBuffer(shapes.Make(dtypes.Float32, shapes.DimDynamic))
	require.Error(t, err)
	_, err = NewBuffer(shapes.Make(dtypes.BFloat16, 2))
	require.ErrorIs(t, err, ErrNotImplemented)
	_, err = FromFlat(shape, []float32{1, 2})
	require.Error(t, err)
	_, err = FromFlat(shape, []int32{1, 2, 3, 4, 5, 6})
	require.Error(t, err)

	anyLayout := must.M1(NewBuffer(shape.WithLayout(shapes.Any())))
	assert.Equal(t, shapes.LayoutPlain, anyLayout.Shape().Layout.Kind)
	assert.Panics(t, func() { _ = Flat[int8](anyLayout) })
}

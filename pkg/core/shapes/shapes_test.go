// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	assert.True(t, s.Ok())
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, 3, s.Dim(-1))
	assert.Equal(t, uintptr(24), s.Memory())
	assert.True(t, s.IsFullyConcrete())
	assert.Equal(t, "(Float32)[2 3]", s.String())
	assert.Panics(t, func() { _ = s.Dim(2) })
	assert.Panics(t, func() { _ = Make(dtypes.Float32, -3) })

	scalar := Make(dtypes.Int64)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())
	assert.False(t, Invalid().Ok())

	dyn := Make(dtypes.Float16, DimDynamic, 512).WithAxisNames("batch", "")
	assert.True(t, dyn.HasDynamicDims())
	assert.True(t, dyn.HasNamedAxes())
	assert.False(t, dyn.IsFullyConcrete())
	assert.Equal(t, DimDynamic, dyn.Size())
	assert.Equal(t, uintptr(0), dyn.Memory())
	assert.Equal(t, "(Float16)[batch=? 512]", dyn.String())

	zero := Make(dtypes.Float32, 4, 0)
	assert.True(t, zero.IsZeroSize())
	assert.Equal(t, 0, zero.PhysicalSize())
}

func TestEqual(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	assert.True(t, s.Equal(Make(dtypes.Float32, 2, 3)))
	assert.True(t, s.Equal(s.WithAxisNames("a", "b")), "axis names must not matter")
	assert.False(t, s.Equal(Make(dtypes.Float16, 2, 3)))
	assert.False(t, s.Equal(Make(dtypes.Float32, 3, 2)))
	assert.False(t, s.Equal(s.WithLayout(Any())))
	assert.True(t, s.Equal(s.WithLayout(PlainOrder(0, 1))))
	assert.False(t, s.Equal(s.WithLayout(PlainOrder(1, 0))))
	assert.True(t, s.EqualDimensions(s.WithLayout(PlainOrder(1, 0))))
}

func TestLayout(t *testing.T) {
	dims := []int{2, 3}

	t.Run("Plain", func(t *testing.T) {
		l := Plain()
		assert.True(t, l.IsCanonical(2))
		assert.NoError(t, l.Validate(2))
		assert.Equal(t, 6, l.PhysicalSize(dims))
		assert.Equal(t, 5, l.Offset(dims, []int{1, 2}))
		assert.Equal(t, "plain", l.String())
	})

	t.Run("Transposed", func(t *testing.T) {
		l := Plain().TransposeLastTwo(2)
		assert.True(t, l.IsTransposedLastTwo(2))
		assert.False(t, l.IsCanonical(2))
		// Element [1, 2] of a [2, 3] matrix stored column-major.
		assert.Equal(t, 2*2+1, l.Offset(dims, []int{1, 2}))
		assert.Equal(t, "plain[1 0]", l.String())
		assert.True(t, l.TransposeLastTwo(2).IsCanonical(2))
	})

	t.Run("Blocked", func(t *testing.T) {
		// [N=1, C=5, W=2] blocked by 4 on the channels axis: [N, ceil(C/4), W, 4].
		bdims := []int{1, 5, 2}
		l := Blocked(1, 4)
		require.NoError(t, l.Validate(3))
		assert.Equal(t, 1*2*2*4, l.PhysicalSize(bdims))
		assert.Equal(t, 0, l.Offset(bdims, []int{0, 0, 0}))
		assert.Equal(t, 3, l.Offset(bdims, []int{0, 3, 0}))
		assert.Equal(t, 4, l.Offset(bdims, []int{0, 0, 1}))
		assert.Equal(t, 8, l.Offset(bdims, []int{0, 4, 0}))
		assert.Error(t, Blocked(3, 4).Validate(3))
		assert.Error(t, Blocked(0, 0).Validate(3))

		// Offsets must be unique.
		s := Make(dtypes.Float32, bdims...).WithLayout(l)
		seen := make(map[int]bool)
		for _, indices := range s.Iter() {
			offset := s.Offset(indices)
			assert.False(t, seen[offset])
			assert.Less(t, offset, s.PhysicalSize())
			seen[offset] = true
		}
		assert.Len(t, seen, 10)
	})

	t.Run("Strided", func(t *testing.T) {
		l := Strided(8, 1)
		require.NoError(t, l.Validate(2))
		assert.Error(t, l.Validate(3))
		assert.Equal(t, 1+8+2, l.PhysicalSize(dims))
		assert.Equal(t, 10, l.Offset(dims, []int{1, 2}))
	})

	assert.Error(t, PlainOrder(0, 0).Validate(2))
	assert.Error(t, PlainOrder(0).Validate(2))
	assert.True(t, Any().Equal(Any(), 3))
	assert.False(t, Any().Equal(Plain(), 3))
}

func TestBindings(t *testing.T) {
	pattern := Make(dtypes.Float32, DimDynamic, 512).WithAxisNames("batch", "")
	bindings := AxisBindings{}
	require.NoError(t, bindings.Match(pattern, Make(dtypes.Float32, 8, 512)))
	assert.Equal(t, "batch=8", bindings.Key())

	// Same name, different value.
	err := bindings.Clone().Match(pattern, Make(dtypes.Float32, 4, 512))
	assert.ErrorContains(t, err, "batch")

	assert.Error(t, AxisBindings{}.Match(pattern, Make(dtypes.Float32, 8, 256)))
	assert.Error(t, AxisBindings{}.Match(pattern, Make(dtypes.Float16, 8, 512)))
	assert.Error(t, AxisBindings{}.Match(pattern, Make(dtypes.Float32, 8, 512, 1)))
	assert.Error(t, AxisBindings{}.Match(pattern, pattern))

	resolved := pattern.Resolve(bindings)
	assert.Equal(t, []int{8, 512}, resolved.Dimensions)
	assert.Equal(t, DimDynamic, pattern.Dimensions[0], "Resolve must not change the receiver")

	assert.Equal(t, "", AxisBindings(nil).Key())
	assert.Nil(t, AxisBindings(nil).Clone())
	assert.Equal(t, "a=1,b=2", AxisBindings{"b": 2, "a": 1}.Key())
}

func TestSignature(t *testing.T) {
	s1 := Make(dtypes.Float32, 1, 512)
	s2 := Make(dtypes.Float32, 8, 512)
	assert.Equal(t, Signature(s1, s2), Signature(s1.Clone(), s2.WithAxisNames("batch", "")))
	assert.NotEqual(t, Signature(s1), Signature(s2))
	assert.NotEqual(t, Signature(s1), Signature(s1.WithDType(dtypes.Float16)))
	assert.NotEqual(t, Signature(s2), Signature(s2.WithLayout(PlainOrder(1, 0))))
	assert.NotEqual(t, Signature(s2), Signature(s2.WithLayout(Any())))
	assert.Equal(t, Signature(s2), Signature(s2.WithLayout(PlainOrder(0, 1))))
	assert.NotEqual(t, Signature(s1, s2), Signature(s2, s1))
}

func TestIter(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	var got [][]int
	for flatIdx, indices := range s.Iter() {
		assert.Equal(t, len(got), flatIdx)
		got = append(got, append([]int(nil), indices...))
	}
	assert.Equal(t, [][]int{{0, 0}, {0, 1}, {0, 2}, {1, 0}, {1, 1}, {1, 2}}, got)

	count := 0
	for range Make(dtypes.Float32).Iter() {
		count++
	}
	assert.Equal(t, 1, count, "scalars have one element")

	for range Make(dtypes.Float32, 3, 0).Iter() {
		t.Fatal("zero-sized shapes must not yield")
	}
	assert.Panics(t, func() { _ = Make(dtypes.Float32, DimDynamic).Iter() })
}

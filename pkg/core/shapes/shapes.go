// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the tensor descriptor used by the dispatch engine: the element type,
// the dimensions (some of which may be unknown until execution) and the physical memory layout.
//
// Shapes are values: methods never mutate the receiver, and Clone should be used before changing
// any of its slices.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
)

// DimDynamic marks a dimension whose value is only known at execution time.
const DimDynamic = -1

// Shape describes one tensor: element type, dimensions and physical layout.
//
// AxisNames is optional: when set, axes with the same name across the descriptors of a node
// must be bound to the same concrete value. A named axis is usually also dynamic.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
	AxisNames  []string
	Layout     Layout
}

// Make returns a Shape with the canonical (row-major) plain layout.
//
// Dimensions can be DimDynamic, any other negative value panics.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions), Layout: Plain()}
	for _, dim := range dimensions {
		if dim < 0 && dim != DimDynamic {
			exceptions.Panicf("shapes.Make(%s): invalid dimension %d, dimensions must be >= 0 or DimDynamic", s, dim)
		}
	}
	return s
}

// Invalid returns an invalid shape, used as the zero value in error returns.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank == 0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axes are counted from the end.
// It panics if the axis is out of range.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjusted]
}

// AxisName returns the name of the axis, or "" if it is not named.
func (s Shape) AxisName(axis int) string {
	if axis < 0 || axis >= len(s.AxisNames) {
		return ""
	}
	return s.AxisNames[axis]
}

// HasNamedAxes returns whether any axis is named.
func (s Shape) HasNamedAxes() bool {
	return slices.ContainsFunc(s.AxisNames, func(name string) bool { return name != "" })
}

// HasDynamicDims returns whether some dimension is unknown.
func (s Shape) HasDynamicDims() bool {
	return slices.Contains(s.Dimensions, DimDynamic)
}

// IsFullyConcrete returns whether all dimensions are known: only fully concrete shapes can be
// bound to a compiled plan.
func (s Shape) IsFullyConcrete() bool {
	return s.Ok() && !s.HasDynamicDims()
}

// Size returns the number of logical elements, or DimDynamic if some dimension is unknown.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		if dim == DimDynamic {
			return DimDynamic
		}
		size *= dim
	}
	return size
}

// IsZeroSize returns whether some concrete dimension is 0, in which case there is nothing to compute.
func (s Shape) IsZeroSize() bool {
	return slices.Contains(s.Dimensions, 0)
}

// PhysicalSize returns the number of elements that need to be allocated to store the tensor in its layout.
// Blocked layouts pad the blocked axis up to a multiple of the block size.
func (s Shape) PhysicalSize() int {
	if !s.IsFullyConcrete() {
		return DimDynamic
	}
	return s.Layout.PhysicalSize(s.Dimensions)
}

// Memory returns the number of bytes needed to store the tensor, or 0 if dimensions are not concrete.
func (s Shape) Memory() uintptr {
	size := s.PhysicalSize()
	if size <= 0 {
		return 0
	}
	return uintptr(size * s.DType.Size())
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{
		DType:      s.DType,
		Dimensions: slices.Clone(s.Dimensions),
		AxisNames:  slices.Clone(s.AxisNames),
		Layout:     s.Layout.Clone(),
	}
}

// WithLayout returns a copy of the shape with the given layout.
func (s Shape) WithLayout(layout Layout) Shape {
	s2 := s.Clone()
	s2.Layout = layout.Clone()
	return s2
}

// WithDType returns a copy of the shape with the given dtype.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// WithAxisNames returns a copy of the shape with the given axis names.
// Use "" for unnamed axes. It panics if the number of names doesn't match the rank.
func (s Shape) WithAxisNames(names ...string) Shape {
	if len(names) != s.Rank() {
		exceptions.Panicf("Shape.WithAxisNames: got %d names for shape %s of rank %d", len(names), s, s.Rank())
	}
	s2 := s.Clone()
	s2.AxisNames = slices.Clone(names)
	return s2
}

// EqualDimensions returns whether both shapes have the same dtype and dimensions, regardless of layout.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Equal returns whether both shapes have the same dtype, dimensions and layout.
// Axis names are not compared: they only guide the binding of dynamic dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.EqualDimensions(s2) && s.Layout.Equal(s2.Layout, s.Rank())
}

// String implements fmt.Stringer. Dynamic dimensions are printed as "?", prefixed by the axis name if any.
func (s Shape) String() string {
	parts := make([]string, len(s.Dimensions))
	for axis, dim := range s.Dimensions {
		name := s.AxisName(axis)
		switch {
		case dim == DimDynamic && name != "":
			parts[axis] = name + "=?"
		case dim == DimDynamic:
			parts[axis] = "?"
		case name != "":
			parts[axis] = fmt.Sprintf("%s=%d", name, dim)
		default:
			parts[axis] = fmt.Sprintf("%d", dim)
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "(%s)", s.DType)
	if len(parts) > 0 {
		fmt.Fprintf(&sb, "[%s]", strings.Join(parts, " "))
	}
	if !s.Layout.IsCanonical(s.Rank()) {
		fmt.Fprintf(&sb, "{%s}", s.Layout)
	}
	return sb.String()
}

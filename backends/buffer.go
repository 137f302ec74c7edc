// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"reflect"

	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Buffer holds the data of one tensor, stored as a flat Go slice in the physical layout of its shape.
//
// A blocked layout stores padding elements, which are zero when the buffer is created.
type Buffer struct {
	shape shapes.Shape
	flat  any
}

func concreteLayout(shape shapes.Shape) (shapes.Shape, error) {
	if !shape.IsFullyConcrete() {
		return shape, errors.Errorf("buffers require a fully concrete shape, got %s", shape)
	}
	if shape.Layout.Kind == shapes.LayoutAny {
		shape = shape.WithLayout(shapes.Plain())
	}
	if err := shape.Layout.Validate(shape.Rank()); err != nil {
		return shape, err
	}
	return shape, nil
}

// NewBuffer allocates a zero-initialized buffer for the shape.
// A LayoutAny shape is stored in the canonical plain layout.
func NewBuffer(shape shapes.Shape) (*Buffer, error) {
	shape, err := concreteLayout(shape)
	if err != nil {
		return nil, err
	}
	goType := shape.DType.GoType()
	if goType == nil {
		return nil, errors.Wrapf(ErrNotImplemented, "buffers of dtype %s", shape.DType)
	}
	size := shape.PhysicalSize()
	return &Buffer{shape: shape, flat: reflect.MakeSlice(reflect.SliceOf(goType), size, size).Interface()}, nil
}

// FromFlat creates a buffer using the flat slice (not copied) as storage.
// The flat slice must be in the physical layout of the shape, and have exactly shape.PhysicalSize() elements.
func FromFlat(shape shapes.Shape, flat any) (*Buffer, error) {
	shape, err := concreteLayout(shape)
	if err != nil {
		return nil, err
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice || flatV.Type().Elem() != shape.DType.GoType() {
		return nil, errors.Errorf("flat data of type %T doesn't match shape %s", flat, shape)
	}
	if flatV.Len() != shape.PhysicalSize() {
		return nil, errors.Errorf("flat data has %d elements, but shape %s requires %d",
			flatV.Len(), shape, shape.PhysicalSize())
	}
	return &Buffer{shape: shape, flat: flat}, nil
}

// FromValues creates a buffer with the shape's layout, from values given in logical row-major order.
func FromValues[T dtypes.Supported](shape shapes.Shape, values []T) (*Buffer, error) {
	if dtype := dtypes.FromGenericsType[T](); dtype != shape.DType {
		return nil, errors.Errorf("values of dtype %s don't match shape %s", dtype, shape)
	}
	b, err := NewBuffer(shape)
	if err != nil {
		return nil, err
	}
	if len(values) != b.shape.Size() {
		return nil, errors.Errorf("got %d values, but shape %s has %d elements", len(values), shape, b.shape.Size())
	}
	flat := b.flat.([]T)
	for flatIdx, indices := range b.shape.Iter() {
		flat[b.shape.Offset(indices)] = values[flatIdx]
	}
	return b, nil
}

// Shape of the buffer. Its layout is never LayoutAny.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// Flat returns the underlying storage, a slice of the Go type of the buffer's dtype, in physical layout.
func (b *Buffer) Flat() any { return b.flat }

// Flat returns the underlying storage of the buffer as a []T, in physical layout.
// It panics if T doesn't match the buffer's dtype.
func Flat[T dtypes.Supported](b *Buffer) []T {
	flat, ok := b.flat.([]T)
	if !ok {
		panic(errors.Errorf("buffer of shape %s has storage %T, not %T", b.shape, b.flat, flat))
	}
	return flat
}

// Values returns a copy of the buffer contents in logical row-major order, regardless of its layout.
// It panics if T doesn't match the buffer's dtype.
func Values[T dtypes.Supported](b *Buffer) []T {
	flat := Flat[T](b)
	values := make([]T, b.shape.Size())
	for flatIdx, indices := range b.shape.Iter() {
		values[flatIdx] = flat[b.shape.Offset(indices)]
	}
	return values
}

func relayout[T any](src []T, srcShape, dstShape shapes.Shape, dst []T) {
	for _, indices := range srcShape.Iter() {
		dst[dstShape.Offset(indices)] = src[srcShape.Offset(indices)]
	}
}

// Relayout returns a new buffer with the same logical contents stored in the given layout.
// If the layout is already the same, it returns b itself.
func (b *Buffer) Relayout(layout shapes.Layout) (*Buffer, error) {
	if b.shape.Layout.Equal(layout, b.shape.Rank()) {
		return b, nil
	}
	dst, err := NewBuffer(b.shape.WithLayout(layout))
	if err != nil {
		return nil, err
	}
	switch src := b.flat.(type) {
	case []float32:
		relayout(src, b.shape, dst.shape, dst.flat.([]float32))
	case []float64:
		relayout(src, b.shape, dst.shape, dst.flat.([]float64))
	case []float16.Float16:
		relayout(src, b.shape, dst.shape, dst.flat.([]float16.Float16))
	case []int8:
		relayout(src, b.shape, dst.shape, dst.flat.([]int8))
	case []uint8:
		relayout(src, b.shape, dst.shape, dst.flat.([]uint8))
	case []int32:
		relayout(src, b.shape, dst.shape, dst.flat.([]int32))
	case []int64:
		relayout(src, b.shape, dst.shape, dst.flat.([]int64))
	case []bool:
		relayout(src, b.shape, dst.shape, dst.flat.([]bool))
	default:
		return nil, errors.Wrapf(ErrNotImplemented, "relayout of buffer with storage %T", b.flat)
	}
	return dst, nil
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	if b == nil {
		return "<nil buffer>"
	}
	return fmt.Sprintf("Buffer%s", b.shape)
}

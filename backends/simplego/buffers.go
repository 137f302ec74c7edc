// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// scratchKey identifies a pool of scratch slices.
type scratchKey struct {
	dtype  dtypes.DType
	length int
}

// getScratchPool for given dtype/length.
func (b *Backend) getScratchPool(dtype dtypes.DType, length int) *sync.Pool {
	key := scratchKey{dtype: dtype, length: length}
	poolInterface, ok := b.scratchPools.Load(key)
	if !ok {
		poolInterface, _ = b.scratchPools.LoadOrStore(key, &sync.Pool{})
	}
	return poolInterface.(*sync.Pool)
}

// getScratch returns a zeroed slice of the given length, from the backend pool if available.
// Scratch slices are for temporary values inside a kernel, and should be returned with putScratch.
func getScratch[T dtypes.Supported](b *Backend, length int) []T {
	pool := b.getScratchPool(dtypes.FromGenericsType[T](), length)
	if s, ok := pool.Get().([]T); ok {
		clear(s)
		return s
	}
	return make([]T, length)
}

// putScratch returns the slice to the backend pool.
// After this any references to the slice should be dropped.
func putScratch[T dtypes.Supported](b *Backend, s []T) {
	if s == nil {
		return
	}
	b.getScratchPool(dtypes.FromGenericsType[T](), len(s)).Put(s)
}

// newOutput wraps flat data in a buffer of the given shape. It panics (caught by the executable) if they
// don't match.
func newOutput(shape shapes.Shape, flat any) *backends.Buffer {
	buf, err := backends.FromFlat(shape, flat)
	if err != nil {
		exceptions.Panicf("failed to create output %s: %+v", shape, err)
	}
	return buf
}

// computeDType returns the dtype values of dtype are computed in: float16 values are computed in float32.
func computeDType(dtype dtypes.DType) dtypes.DType {
	if dtype == dtypes.Float16 {
		return dtypes.Float32
	}
	return dtype
}

// load converts the flat data of a float buffer to a new slice of the compute type T.
func load[T constraints.Float](flat any) []T {
	switch src := flat.(type) {
	case []float32:
		values := make([]T, len(src))
		for ii, v := range src {
			values[ii] = T(v)
		}
		return values
	case []float64:
		values := make([]T, len(src))
		for ii, v := range src {
			values[ii] = T(v)
		}
		return values
	case []float16.Float16:
		values := make([]T, len(src))
		for ii, v := range src {
			values[ii] = T(v.Float32())
		}
		return values
	}
	exceptions.Panicf("simplego: can't load flat data of type %T as floats", flat)
	return nil
}

// store converts values to flat data of the given float dtype. The values slice may be reused.
func store[T constraints.Float](values []T, dtype dtypes.DType) any {
	switch dtype {
	case dtypes.Float16:
		flat := make([]float16.Float16, len(values))
		for ii, v := range values {
			flat[ii] = float16.Fromfloat32(float32(v))
		}
		return flat
	case dtypes.Float32:
		if flat, ok := any(values).([]float32); ok {
			return flat
		}
		flat := make([]float32, len(values))
		for ii, v := range values {
			flat[ii] = float32(v)
		}
		return flat
	case dtypes.Float64:
		if flat, ok := any(values).([]float64); ok {
			return flat
		}
		flat := make([]float64, len(values))
		for ii, v := range values {
			flat[ii] = float64(v)
		}
		return flat
	}
	exceptions.Panicf("simplego: can't store floats as %s", dtype)
	return nil
}

// rounder returns a function that rounds a value of the compute type to the precision of dtype, or nil if
// the compute type already has that precision.
func rounder[T constraints.Float](dtype dtypes.DType) func(T) T {
	if dtype == dtypes.Float16 {
		return func(x T) T { return T(float16.Fromfloat32(float32(x)).Float32()) }
	}
	return nil
}

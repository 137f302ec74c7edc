// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes defines the element types a tensor descriptor can hold.
//
// It is a reduced version of the GoMLX dtypes: only the types the dispatch engine needs to describe
// kernel capabilities are listed. Not every listed DType has a Go native type: BFloat16 can be declared
// in capability keys and descriptors, but it has no reference kernels.
package dtypes

import (
	"maps"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is an enum that represents the element type of a tensor.
type DType int32

//go:generate go tool enumer -type=DType -output=gen_dtype_enumer.go dtypes.go

const (
	InvalidDType DType = iota
	Bool
	Int8
	Uint8
	Int32
	Int64
	Float16
	BFloat16
	Float32
	Float64
)

// Short aliases, convenient for capability tables and tests.
const (
	I8   = Int8
	U8   = Uint8
	I32  = Int32
	I64  = Int64
	F16  = Float16
	BF16 = BFloat16
	F32  = Float32
	F64  = Float64
)

// MapOfNames maps names (including short aliases and lower-case versions) to DTypes.
// Used when parsing command-line flags and configuration strings.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Bool":         Bool,
	"Int8":         Int8,
	"I8":           Int8,
	"Uint8":        Uint8,
	"U8":           Uint8,
	"Int32":        Int32,
	"I32":          Int32,
	"Int64":        Int64,
	"I64":          Int64,
	"Float16":      Float16,
	"F16":          Float16,
	"BFloat16":     BFloat16,
	"BF16":         BFloat16,
	"Float32":      Float32,
	"F32":          Float32,
	"Float64":      Float64,
	"F64":          Float64,
}

func init() {
	// Add a mapping to the lower-case version of dtypes.
	for _, key := range slices.Collect(maps.Keys(MapOfNames)) {
		lowerKey := strings.ToLower(key)
		if _, found := MapOfNames[lowerKey]; !found {
			MapOfNames[lowerKey] = MapOfNames[key]
		}
	}
}

// Parse returns the DType for the given name, accepting the aliases in MapOfNames.
func Parse(name string) (DType, error) {
	dtype, found := MapOfNames[name]
	if !found {
		return InvalidDType, errors.Errorf("unknown dtype %q", name)
	}
	return dtype, nil
}

// Supported lists the Go types that have a corresponding DType with storage in a buffer.
type Supported interface {
	bool | int8 | uint8 | int32 | int64 | float16.Float16 | float32 | float64
}

// FromGenericsType returns the DType enum for the given type.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case uint8:
		return Uint8
	case int32:
		return Int32
	case int64:
		return Int64
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return InvalidDType
}

var float16Type = reflect.TypeOf(float16.Float16(0))

// GoType returns the Go type used to store values of the dtype, or nil if there is none.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Bool:
		return reflect.TypeOf(true)
	case Int8:
		return reflect.TypeOf(int8(0))
	case Uint8:
		return reflect.TypeOf(uint8(0))
	case Int32:
		return reflect.TypeOf(int32(0))
	case Int64:
		return reflect.TypeOf(int64(0))
	case Float16:
		return float16Type
	case Float32:
		return reflect.TypeOf(float32(0))
	case Float64:
		return reflect.TypeOf(float64(0))
	default:
		return nil
	}
}

// Size returns the number of bytes of one element of the dtype.
func (dtype DType) Size() int {
	switch dtype {
	case Bool, Int8, Uint8:
		return 1
	case Float16, BFloat16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// Bits returns the number of bits for the given DType.
func (dtype DType) Bits() int {
	return dtype.Size() * 8
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == BFloat16 || dtype == Float32 || dtype == Float64
}

// IsHalfPrecision returns whether dtype is a 16 bits floating point type.
func (dtype DType) IsHalfPrecision() bool {
	return dtype == Float16 || dtype == BFloat16
}

// IsInt returns whether dtype is an integer type, signed or not.
func (dtype DType) IsInt() bool {
	return dtype == Int8 || dtype == Uint8 || dtype == Int32 || dtype == Int64
}

// IsUnsigned returns whether dtype is an unsigned integer.
func (dtype DType) IsUnsigned() bool {
	return dtype == Uint8
}

// IntRange returns the lowest and highest values representable by an integer dtype.
// For other dtypes it returns (0, 0).
func (dtype DType) IntRange() (lowest, highest int64) {
	switch dtype {
	case Int8:
		return math.MinInt8, math.MaxInt8
	case Uint8:
		return 0, math.MaxUint8
	case Int32:
		return math.MinInt32, math.MaxInt32
	case Int64:
		return math.MinInt64, math.MaxInt64
	default:
		return 0, 0
	}
}

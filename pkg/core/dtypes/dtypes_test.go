// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMapOfNames(t *testing.T) {
	for _, name := range []string{"Float16", "float16", "F16", "f16"} {
		assert.Equal(t, Float16, MapOfNames[name], "name %q", name)
	}
	for _, name := range []string{"BFloat16", "bfloat16", "BF16", "bf16"} {
		assert.Equal(t, BFloat16, MapOfNames[name], "name %q", name)
	}
	dtype, err := Parse("i8")
	require.NoError(t, err)
	assert.Equal(t, Int8, dtype)
	_, err = Parse("complex64")
	require.Error(t, err)
}

func TestFromGenericsType(t *testing.T) {
	assert.Equal(t, Float32, FromGenericsType[float32]())
	assert.Equal(t, Float16, FromGenericsType[float16.Float16]())
	assert.Equal(t, Int8, FromGenericsType[int8]())
	assert.Equal(t, Uint8, FromGenericsType[uint8]())
}

func TestProperties(t *testing.T) {
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 16, BFloat16.Bits())
	assert.True(t, BFloat16.IsHalfPrecision())
	assert.False(t, Float32.IsHalfPrecision())
	assert.True(t, Uint8.IsUnsigned())
	assert.Nil(t, BFloat16.GoType())
	lo, hi := Int8.IntRange()
	assert.Equal(t, int64(-128), lo)
	assert.Equal(t, int64(127), hi)
	lo, hi = Uint8.IntRange()
	assert.Equal(t, int64(0), lo)
	assert.Equal(t, int64(255), hi)
	assert.Equal(t, "Float32", Float32.String())
	assert.Equal(t, "DType(99)", DType(99).String())
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
)

// Capabilities of the SimpleGo backend: the set of supported operations and data types.
//
// Integer dtypes are only produced by Quantize.
var Capabilities = backends.Capabilities{
	Operations: map[backends.OpType]bool{
		// Activations:
		backends.OpTypeReLU:    true,
		backends.OpTypeSigmoid: true,
		backends.OpTypeTanh:    true,
		backends.OpTypeGeLU:    true,
		backends.OpTypeClamp:   true,

		// Element-wise:
		backends.OpTypeAdd:    true,
		backends.OpTypeMul:    true,
		backends.OpTypeLinear: true,

		// Others:
		backends.OpTypeMatMul:   true,
		backends.OpTypeLRN:      true,
		backends.OpTypeQuantize: true,
	},

	DTypes: map[dtypes.DType]bool{
		dtypes.Int8:    true,
		dtypes.Uint8:   true,
		dtypes.Float16: true,
		dtypes.Float32: true,
		dtypes.Float64: true,
	},
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"runtime"
	"testing"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/backends/shapeinference"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/fusion"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/gomlx/opdispatch/pkg/core/variants"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, config string) *Backend {
	t.Helper()
	b, err := newBackend(config)
	require.NoError(t, err)
	t.Cleanup(b.Finalize)
	return b
}

// compile builds the named variant for the inputs, with the outputs given by shape inference.
func compile(t *testing.T, b *Backend, op backends.OpType, variant string, inputs []shapes.Shape,
	attrs backends.Attributes, postOps ...fusion.PostOp) backends.Executable {
	t.Helper()
	v, found := b.Catalogue().Lookup(op, variant)
	require.Truef(t, found, "variant %q not registered for %s", variant, op)
	if attrs == nil {
		attrs = backends.Attributes{}
	}
	outputs, err := shapeinference.Infer(op, inputs, attrs)
	require.NoError(t, err)
	p := &variants.Params{Op: op, Inputs: inputs, Outputs: outputs, Attrs: attrs, PostOps: postOps}
	require.NoError(t, v.SupportedKey().Covers(p))
	require.NoError(t, v.Validate(p))
	exec, err := v.Build(p, v.DefaultDispatch(p))
	require.NoError(t, err)
	t.Cleanup(exec.Finalize)
	return exec
}

// run executes exec and returns its only output.
func run(t *testing.T, exec backends.Executable, inputs ...*backends.Buffer) *backends.Buffer {
	t.Helper()
	outputs, err := exec.Run(inputs)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	return outputs[0]
}

func postOp(op backends.OpType, attrs backends.Attributes) fusion.PostOp {
	return must.M1(fusion.NewPostOp(op, attrs))
}

func TestNew(t *testing.T) {
	b := newTestBackend(t, "")
	assert.Equal(t, runtime.NumCPU(), b.Parallelism())
	assert.Equal(t, DefaultMaxRank, b.MaxRank())
	assert.Equal(t, BackendName, b.String())

	b = newTestBackend(t, "parallelism=2, maxrank=3")
	assert.Equal(t, 2, b.Parallelism())
	assert.Equal(t, 3, b.MaxRank())

	b = newTestBackend(t, "parallelism=0")
	assert.Equal(t, 1, b.Parallelism())

	for _, config := range []string{"parallelism", "parallelism=x", "parallelism=-2", "maxrank=1", "threads=4"} {
		_, err := newBackend(config)
		assert.Errorf(t, err, "config %q should fail", config)
	}

	backend, err := backends.NewWithConfig(BackendName + ":parallelism=1")
	require.NoError(t, err)
	defer backend.Finalize()
	assert.Equal(t, "SimpleGo (go)", backend.Name())
	_, isProvider := backend.(variants.Provider)
	assert.True(t, isProvider)
}

func TestCatalogueSelection(t *testing.T) {
	b := newTestBackend(t, "maxrank=3")
	selected := func(op backends.OpType, inputs []shapes.Shape, attrs backends.Attributes) string {
		if attrs == nil {
			attrs = backends.Attributes{}
		}
		outputs := must.M1(shapeinference.Infer(op, inputs, attrs))
		candidates, err := b.Catalogue().SelectWithReasons(&variants.Params{Op: op, Inputs: inputs, Outputs: outputs, Attrs: attrs})
		require.NotEmptyf(t, candidates, "no candidates for %s: %v", op, err)
		return candidates[0].Variant.Name()
	}
	f16, f32, f64 := dtypes.Float16, dtypes.Float32, dtypes.Float64

	assert.Equal(t, VariantReLUFloat32, selected(backends.OpTypeReLU, []shapes.Shape{shapes.Make(f32, 4, 8)}, nil))
	assert.Equal(t, VariantActivation, selected(backends.OpTypeReLU, []shapes.Shape{shapes.Make(f16, 4, 8)}, nil))
	assert.Equal(t, VariantActivation, selected(backends.OpTypeTanh, []shapes.Shape{shapes.Make(f32, 4, 8)}, nil))
	assert.Equal(t, VariantElementwise, selected(backends.OpTypeAdd, []shapes.Shape{shapes.Make(f32, 4)},
		backends.Attributes{backends.AttrConstant: 1.0}))
	assert.Equal(t, VariantBinary, selected(backends.OpTypeAdd, []shapes.Shape{shapes.Make(f32, 4), shapes.Make(f32, 4)}, nil))
	assert.Equal(t, VariantQuantize, selected(backends.OpTypeQuantize, []shapes.Shape{shapes.Make(f32, 4)},
		backends.Attributes{backends.AttrScale: 0.5, backends.AttrDType: dtypes.Int8}))

	matmul := func(dtype dtypes.DType, batch ...int) []shapes.Shape {
		return []shapes.Shape{
			shapes.Make(dtype, append(batch, 4, 8)...),
			shapes.Make(dtype, append(batch, 8, 2)...),
		}
	}
	assert.Equal(t, VariantMatMulBlocked, selected(backends.OpTypeMatMul, matmul(f32), nil))
	assert.Equal(t, VariantMatMulBlocked, selected(backends.OpTypeMatMul, matmul(f32, 3), nil))
	assert.Equal(t, VariantMatMul, selected(backends.OpTypeMatMul, matmul(f64), nil))
	// Rank 4 is above maxrank=3.
	assert.Equal(t, VariantMatMul, selected(backends.OpTypeMatMul, matmul(f32, 2, 3), nil))

	lrnInput := []shapes.Shape{shapes.Make(f32, 1, 2, 5, 5)}
	assert.Equal(t, VariantLRNWithinChannel, selected(backends.OpTypeLRN, lrnInput,
		backends.Attributes{backends.AttrRegion: backends.RegionWithin}))
	assert.Equal(t, VariantLRN, selected(backends.OpTypeLRN, lrnInput, nil))
	assert.Equal(t, VariantLRN, selected(backends.OpTypeLRN, []shapes.Shape{shapes.Make(f64, 1, 2, 5, 5)},
		backends.Attributes{backends.AttrRegion: backends.RegionWithin}))
}

func TestDispatch(t *testing.T) {
	b := newTestBackend(t, "parallelism=4")
	p := &variants.Params{
		Op:      backends.OpTypeMatMul,
		Inputs:  []shapes.Shape{shapes.Make(dtypes.Float32, 8, 512), shapes.Make(dtypes.Float32, 512, 512)},
		Outputs: []shapes.Shape{shapes.Make(dtypes.Float32, 8, 512)},
		Attrs:   backends.Attributes{},
	}
	d := b.matMulBlockedDispatch(p)
	assert.Equal(t, []int{8, 512}, d.Global)
	assert.Equal(t, []int{8, 256}, d.Local)
	assert.Equal(t, 4, d.Parallelism)
	assert.Equal(t, map[string]int{"m": 8, "n": 256, "k": 128}, d.Tiles)

	p.Inputs[0] = shapes.Make(dtypes.Float32, 1, 512)
	p.Outputs[0] = shapes.Make(dtypes.Float32, 1, 512)
	d2 := b.matMulBlockedDispatch(p)
	assert.False(t, d.Equal(d2))
	assert.Equal(t, []int{1, 512}, d2.Global)
}

func TestExecutableErrors(t *testing.T) {
	b := newTestBackend(t, "")
	input := shapes.Make(dtypes.Float32, 4)
	exec := compile(t, b, backends.OpTypeReLU, VariantReLUFloat32, []shapes.Shape{input}, nil)

	// Wrong dtype: the kernel panics, and Run reports it as a runtime error.
	wrong := must.M1(backends.FromValues(shapes.Make(dtypes.Int8, 4), []int8{1, 2, 3, 4}))
	_, err := exec.Run([]*backends.Buffer{wrong})
	require.ErrorIs(t, err, backends.ErrRuntime)

	exec.Finalize()
	good := must.M1(backends.FromValues(input, []float32{1, 2, 3, 4}))
	_, err = exec.Run([]*backends.Buffer{good})
	require.ErrorIs(t, err, backends.ErrRuntime)
}

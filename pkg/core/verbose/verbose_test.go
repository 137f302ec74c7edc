// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package verbose

import (
	"bytes"
	"testing"
	"time"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/plan"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for config, want := range map[string]struct {
		level    int
		colorize bool
	}{
		"":   {0, false},
		"0":  {0, false},
		"1":  {1, false},
		"3":  {3, false},
		"12": {2, true},
		"21": {1, true},
	} {
		level, colorize, err := ParseLevel(config)
		require.NoError(t, err)
		assert.Equal(t, want.level, level, "level for %q", config)
		assert.Equal(t, want.colorize, colorize, "colorize for %q", config)
	}
	_, _, err := ParseLevel("yes")
	assert.Error(t, err)
	_, _, err = ParseLevel("-1")
	assert.Error(t, err)
}

func snapshot() *plan.Snapshot {
	out := shapes.Make(dtypes.Float32, 8, 128)
	return &plan.Snapshot{
		Node:      "mm0",
		Op:        backends.OpTypeMatMul,
		Variant:   "matmul_blocked",
		Dispatch:  backends.DispatchConfig{Global: []int{8, 128}, Parallelism: 2},
		Precision: dtypes.Float32,
		Inputs:    []shapes.Shape{shapes.Make(dtypes.Float32, 8, 512), shapes.Make(dtypes.Float32, 512, 128)},
		Outputs:   []shapes.Shape{out},
		BuildTime: time.Millisecond,
		RunTime:   2 * time.Microsecond,
	}
}

func TestPrinter(t *testing.T) {
	p, err := New("0", &bytes.Buffer{})
	require.NoError(t, err)
	assert.Nil(t, p)

	var buf bytes.Buffer
	p, err = New("1", &buf)
	require.NoError(t, err)
	p.ExecuteStart("mm0", backends.OpTypeMatMul)
	p.ExecuteEnd(snapshot())
	assert.Equal(t, "mm0:MatMul variant=matmul_blocked build=1ms run=2µs\n", buf.String())

	buf.Reset()
	p, err = New("3", &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Level())
	s := snapshot()
	s.CacheHit = true
	p.ExecuteStart("mm0", backends.OpTypeMatMul)
	p.ExecuteEnd(s)
	got := buf.String()
	assert.Contains(t, got, "start mm0:MatMul\n")
	assert.Contains(t, got, "dispatch={global=[8 128] local=[] workers=2}")
	assert.Contains(t, got, "precision=Float32")
	assert.Contains(t, got, "cache_hit=true")
	assert.Contains(t, got, "out_bytes=4.1 kB")
	assert.NotContains(t, got, "build=")
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvVar, "")
	p, err := FromEnv()
	require.NoError(t, err)
	assert.Nil(t, p)

	t.Setenv(EnvVar, "2")
	p, err = FromEnv()
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 2, p.Level())
}

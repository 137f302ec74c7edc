// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plan

import (
	"testing"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingExecutable struct {
	finalized *int
}

func (e countingExecutable) Run([]*backends.Buffer) ([]*backends.Buffer, error) { return nil, nil }
func (e countingExecutable) Finalize()                                          { *e.finalized++ }

func newPlan(finalized *int, batch int) *Plan {
	inputs := []shapes.Shape{shapes.Make(dtypes.Float32, batch, 512)}
	p := New("ref", inputs, []shapes.Shape{shapes.Make(dtypes.Float32, batch, 512)})
	p.Executable = countingExecutable{finalized}
	return p
}

func TestPlan(t *testing.T) {
	var finalized int
	p := newPlan(&finalized, 8)
	assert.False(t, p.Empty)
	assert.True(t, p.Matches([]shapes.Shape{shapes.Make(dtypes.Float32, 8, 512)}))
	assert.False(t, p.Matches([]shapes.Shape{shapes.Make(dtypes.Float32, 1, 512)}))
	assert.NotEqual(t, p.ID, newPlan(&finalized, 8).ID)
	assert.Contains(t, p.String(), `variant="ref"`)

	p.Finalize()
	p.Finalize()
	assert.Equal(t, 1, finalized)
	assert.Nil(t, p.Executable)

	empty := New("ref", []shapes.Shape{shapes.Make(dtypes.Float32, 0, 512)},
		[]shapes.Shape{shapes.Make(dtypes.Float32, 0, 512)})
	assert.True(t, empty.Empty)
}

func TestCache(t *testing.T) {
	var finalized int
	c := NewCache(2)
	p1, p2, p3 := newPlan(&finalized, 1), newPlan(&finalized, 2), newPlan(&finalized, 3)
	c.Put(p1)
	c.Put(p2)
	got, found := c.Get(p1.Signature)
	require.True(t, found)
	assert.Same(t, p1, got)

	// p2 is now the least recently used.
	c.Put(p3)
	assert.Equal(t, 2, c.Len())
	_, found = c.Get(p2.Signature)
	assert.False(t, found)
	assert.Equal(t, 1, finalized)
	assert.Equal(t, []string{p3.Signature, p1.Signature}, c.Signatures())

	// Replacing a plan with the same signature finalizes the old one.
	p1b := newPlan(&finalized, 1)
	c.Put(p1b)
	assert.Equal(t, 2, finalized)
	got, _ = c.Get(p1.Signature)
	assert.Same(t, p1b, got)
	c.Put(p1b)
	assert.Equal(t, 2, finalized)

	c.SetMaxSize(1)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 3, finalized)

	c.Purge()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 4, finalized)

	assert.Panics(t, func() { c.SetMaxSize(0) })
	unlimited := NewCache(-1)
	for batch := range 50 {
		unlimited.Put(newPlan(&finalized, batch+1))
	}
	assert.Equal(t, 50, unlimited.Len())
	assert.Equal(t, -1, unlimited.MaxSize())
}

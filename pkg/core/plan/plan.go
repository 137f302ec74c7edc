// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plan defines the compiled execution plan of an operator node, bound to concrete shapes
// and to one variant, and the per-node cache of plans keyed by shape signature.
package plan

import (
	"fmt"
	"time"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/fusion"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/google/uuid"
)

// Plan is a compiled operator ready to execute. It's owned by exactly one node.
type Plan struct {
	// ID identifies the plan: a plan reused from the cache keeps its ID.
	ID uuid.UUID

	// Variant is the name of the variant the plan was built from.
	Variant string

	// Signature of the bound input shapes, see Signature.
	Signature string

	// Inputs are the bound input shapes: fully concrete, with the layouts the variant requires.
	Inputs []shapes.Shape

	// Outputs are the shapes of the results, after the fused post-ops.
	Outputs []shapes.Shape

	// Bindings of the named axes for the bound shapes.
	Bindings shapes.AxisBindings

	Dispatch backends.DispatchConfig

	// PostOps fused in the executable.
	PostOps fusion.Chain

	// Executable is nil if Empty.
	Executable backends.Executable

	// Empty is set when some output has no elements: there is nothing to compute, and execution
	// returns empty buffers without calling the backend.
	Empty bool

	BuildTime time.Duration
}

// New returns a plan with a new ID for the bound inputs.
func New(variant string, inputs, outputs []shapes.Shape) *Plan {
	p := &Plan{
		ID:        uuid.New(),
		Variant:   variant,
		Signature: Signature(inputs),
		Inputs:    inputs,
		Outputs:   outputs,
	}
	for _, output := range outputs {
		if output.IsZeroSize() {
			p.Empty = true
		}
	}
	return p
}

// Signature returns the shape signature of a list of input shapes: all facts a compiled plan depends on,
// dimensions, dtypes and layouts.
func Signature(inputs []shapes.Shape) string {
	return shapes.Signature(inputs...)
}

// Matches returns whether the plan is bound to the given input shapes.
func (p *Plan) Matches(inputs []shapes.Shape) bool {
	return p.Signature == Signature(inputs)
}

// Finalize frees the executable. The plan can't be executed afterward.
func (p *Plan) Finalize() {
	if p.Executable != nil {
		p.Executable.Finalize()
		p.Executable = nil
	}
}

// String implements fmt.Stringer.
func (p *Plan) String() string {
	return fmt.Sprintf("plan %s: variant=%q inputs=%v outputs=%v dispatch={%s} post-ops=%s",
		p.ID, p.Variant, p.Inputs, p.Outputs, p.Dispatch, p.PostOps)
}

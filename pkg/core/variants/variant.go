// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package variants holds the catalogue of kernel implementation variants per operator kind,
// and the selection of the variants usable for a given configuration.
//
// Variants are registered once, usually at package initialization by a backend, in a fixed order:
// the order of registration breaks ties of priority, so selection is deterministic.
package variants

import (
	"fmt"
	"slices"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/fusion"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/gomlx/opdispatch/pkg/support/sets"
	"github.com/pkg/errors"
)

// DispatchConfig is how a compiled variant splits its work, see backends.DispatchConfig.
type DispatchConfig = backends.DispatchConfig

// Priority of a variant: lower values are tried first.
type Priority int

// Priority tiers: variants of the same tier are ordered by registration.
const (
	PriorityOptimized  Priority = 100
	PriorityVectorized Priority = 200
	PriorityGeneric    Priority = 500
	PriorityReference  Priority = 1000
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityOptimized:
		return "optimized"
	case PriorityVectorized:
		return "vectorized"
	case PriorityGeneric:
		return "generic"
	case PriorityReference:
		return "reference"
	}
	return fmt.Sprintf("%d", int(p))
}

// Params holds the configuration a variant is selected, validated and built for.
//
// During negotiation dimensions may be shapes.DimDynamic and layouts shapes.LayoutAny. When building
// a plan, all shapes are fully concrete and have the layouts required by the variant.
type Params struct {
	Op      backends.OpType
	Inputs  []shapes.Shape
	Outputs []shapes.Shape
	Attrs   backends.Attributes

	// PostOps to fuse. For Variant.Build these are only the ones the variant accepted.
	PostOps fusion.Chain

	// TransposeIn marks inputs whose last two axes are swapped: MatMul reads them transposed.
	TransposeIn []bool
}

// Clone returns a deep copy of the parameters.
func (p *Params) Clone() *Params {
	p2 := &Params{
		Op:          p.Op,
		Inputs:      make([]shapes.Shape, len(p.Inputs)),
		Outputs:     make([]shapes.Shape, len(p.Outputs)),
		Attrs:       p.Attrs.Clone(),
		PostOps:     p.PostOps.Clone(),
		TransposeIn: slices.Clone(p.TransposeIn),
	}
	for ii, s := range p.Inputs {
		p2.Inputs[ii] = s.Clone()
	}
	for ii, s := range p.Outputs {
		p2.Outputs[ii] = s.Clone()
	}
	return p2
}

// IsTransposed returns whether input #idx is read transposed.
func (p *Params) IsTransposed(idx int) bool {
	return idx < len(p.TransposeIn) && p.TransposeIn[idx]
}

// IsConcrete returns whether all inputs and outputs are fully concrete.
func (p *Params) IsConcrete() bool {
	for _, s := range p.Inputs {
		if !s.IsFullyConcrete() {
			return false
		}
	}
	for _, s := range p.Outputs {
		if !s.IsFullyConcrete() {
			return false
		}
	}
	return true
}

// FinalOutputs returns the output shapes after the post-ops, e.g. Int8 after a Quantize.
func (p *Params) FinalOutputs() []shapes.Shape {
	outputs := make([]shapes.Shape, len(p.Outputs))
	for ii, s := range p.Outputs {
		outputs[ii] = p.PostOps.OutputShape(s)
	}
	return outputs
}

// String implements fmt.Stringer.
func (p *Params) String() string {
	return fmt.Sprintf("%s(inputs=%v, outputs=%v, attrs=%s, post-ops=%s)", p.Op, p.Inputs, p.Outputs, p.Attrs, p.PostOps)
}

// Variant is one concrete strategy to compute an operator.
type Variant interface {
	// Name of the variant, unique per operator kind.
	Name() string

	// Priority of the variant: lower is tried first.
	Priority() Priority

	// SupportedKey is checked before Validate to cheaply reject configurations.
	SupportedKey() CapabilityKey

	// Validate returns nil if the variant can handle the configuration, or an error with the reason.
	// It must accept unknown dimensions (it's called during negotiation) and be cheap.
	Validate(p *Params) error

	// DefaultDispatch returns the dispatch configuration for fully concrete parameters.
	DefaultDispatch(p *Params) DispatchConfig

	// SupportedPostOps returns the post-op kinds the variant can fuse.
	SupportedPostOps() sets.Set[fusion.Kind]

	// MaxPostOps is the maximum length of the fused chain.
	MaxPostOps() int

	// Layouts returns the physical layouts required for each input and output.
	// They are never shapes.LayoutAny.
	Layouts(p *Params) (inputs, outputs []shapes.Layout)

	// Build compiles the variant for fully concrete parameters (with the required layouts), including
	// p.PostOps. Errors should wrap backends.ErrBuild.
	Build(p *Params, dispatch DispatchConfig) (backends.Executable, error)
}

// Kernel implements Variant with function fields, so backends can declare variants as literals.
//
// Nil functions take defaults: ValidateFn accepts everything, DispatchFn uses the first output dimensions
// as the global size with the backend's parallelism, and LayoutsFn requires the canonical plain layout on
// every port.
type Kernel struct {
	KernelName     string
	KernelPriority Priority
	Key            CapabilityKey
	Fusable        sets.Set[fusion.Kind]
	MaxFused       int

	ValidateFn func(p *Params) error
	DispatchFn func(p *Params) DispatchConfig
	LayoutsFn  func(p *Params) (inputs, outputs []shapes.Layout)
	BuildFn    func(p *Params, dispatch DispatchConfig) (backends.Executable, error)
}

var _ Variant = (*Kernel)(nil)

// Name implements Variant.
func (k *Kernel) Name() string { return k.KernelName }

// Priority implements Variant.
func (k *Kernel) Priority() Priority { return k.KernelPriority }

// SupportedKey implements Variant.
func (k *Kernel) SupportedKey() CapabilityKey { return k.Key }

// Validate implements Variant.
func (k *Kernel) Validate(p *Params) error {
	if k.ValidateFn == nil {
		return nil
	}
	return k.ValidateFn(p)
}

// DefaultDispatch implements Variant.
func (k *Kernel) DefaultDispatch(p *Params) DispatchConfig {
	if k.DispatchFn != nil {
		return k.DispatchFn(p)
	}
	d := DispatchConfig{Parallelism: 1}
	if len(p.Outputs) > 0 {
		d.Global = slices.Clone(p.Outputs[0].Dimensions)
	}
	return d
}

// SupportedPostOps implements Variant.
func (k *Kernel) SupportedPostOps() sets.Set[fusion.Kind] {
	if k.Fusable == nil {
		return sets.Make[fusion.Kind]()
	}
	return k.Fusable
}

// MaxPostOps implements Variant.
func (k *Kernel) MaxPostOps() int { return k.MaxFused }

// Layouts implements Variant.
func (k *Kernel) Layouts(p *Params) (inputs, outputs []shapes.Layout) {
	if k.LayoutsFn != nil {
		return k.LayoutsFn(p)
	}
	return PlainLayouts(len(p.Inputs)), PlainLayouts(len(p.Outputs))
}

// Build implements Variant.
func (k *Kernel) Build(p *Params, dispatch DispatchConfig) (backends.Executable, error) {
	if k.BuildFn == nil {
		return nil, errors.Wrapf(backends.ErrBuild, "variant %q has no builder", k.KernelName)
	}
	return k.BuildFn(p, dispatch)
}

// String implements fmt.Stringer.
func (k *Kernel) String() string {
	return fmt.Sprintf("%s(priority=%s, key=%s)", k.KernelName, k.KernelPriority, k.Key)
}

// PlainLayouts returns n canonical plain layouts.
func PlainLayouts(n int) []shapes.Layout {
	layouts := make([]shapes.Layout, n)
	for ii := range layouts {
		layouts[ii] = shapes.Plain()
	}
	return layouts
}

// SameLayouts requires for each port the layout it already has, or the canonical plain layout if
// it's not yet constrained. For variants that can read and write any layout.
func SameLayouts(p *Params) (inputs, outputs []shapes.Layout) {
	pick := func(ss []shapes.Shape) []shapes.Layout {
		layouts := make([]shapes.Layout, len(ss))
		for ii, s := range ss {
			if s.Layout.Kind == shapes.LayoutAny {
				layouts[ii] = shapes.Plain()
			} else {
				layouts[ii] = s.Layout.Clone()
			}
		}
		return layouts
	}
	return pick(p.Inputs), pick(p.Outputs)
}

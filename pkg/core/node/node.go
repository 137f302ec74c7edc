// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package node implements the unit of planning of the dispatch engine: an operator with its attributes,
// declared input/output shapes and fusion chain, that negotiates a kernel variant at graph-build time
// and owns the compiled plans bound to the concrete shapes seen at execution time.
//
// A node goes through the states Unplanned -> Planned (rebuilding or reusing cached plans as shapes
// change) and, if a plan can't be built, Invalid, until Reconfigure is called.
//
// A node is not safe for concurrent use: at most one EnsurePlanCurrent/Execute pair may be in flight.
// Different nodes share no mutable state and can be executed concurrently.
package node

import (
	"fmt"
	"slices"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/backends/shapeinference"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/fusion"
	"github.com/gomlx/opdispatch/pkg/core/plan"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/gomlx/opdispatch/pkg/core/variants"
	"github.com/pkg/errors"
)

var (
	// ErrPlanInvalidated is wrapped when new shapes invalidate the chosen variant. It's followed by a
	// re-selection, and only surfaces if that fails too (together with variants.ErrUnsupportedConfiguration).
	ErrPlanInvalidated = errors.New("plan invalidated")

	// ErrStalePlan is wrapped when Execute is called with shapes the current plan was not built for.
	ErrStalePlan = errors.New("stale plan")

	// ErrInvalidState is wrapped when using a node in the Invalid state: it must be reconfigured first.
	ErrInvalidState = errors.New("node in invalid state")
)

// State of the node's plan.
type State int

const (
	Unplanned State = iota
	Planned
	Invalid
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Unplanned:
		return "Unplanned"
	case Planned:
		return "Planned"
	case Invalid:
		return "Invalid"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Snapshot is the read-only report of one execution, see plan.Snapshot.
type Snapshot = plan.Snapshot

// Observer is called around executions, see plan.Observer.
type Observer = plan.Observer

// Error attaches the origin of an error: node, operator, variant and shapes.
type Error struct {
	Op      backends.OpType
	Node    string
	Variant string
	Inputs  []shapes.Shape
	Err     error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("node %q (%s, variant=%q, inputs=%v): %v", e.Node, e.Op, e.Variant, e.Inputs, e.Err)
}

// Unwrap returns the wrapped error, so errors.Is works with the sentinel errors.
func (e *Error) Unwrap() error { return e.Err }

// Conversion is a layout conversion the graph must apply to an input before feeding it to the node.
type Conversion struct {
	Input    int
	From, To shapes.Layout
}

// String implements fmt.Stringer.
func (c Conversion) String() string {
	return fmt.Sprintf("input #%d: %s -> %s", c.Input, c.From, c.To)
}

// Requirements are the results of the negotiation: the layouts required for each input and output,
// the conversions needed for inputs declared with other layouts, and the inputs read transposed.
type Requirements struct {
	Variant         string
	Inputs, Outputs []shapes.Layout
	Conversions     []Conversion
	TransposeIn     []bool
}

// Node is an operator of the graph. Create it with New.
type Node struct {
	name      string
	op        backends.OpType
	attrs     backends.Attributes
	catalogue *variants.Catalogue

	// inputs and outputs as declared: dims may be dynamic. After negotiation their layouts are the
	// required ones. outputs are the primary outputs, before post-ops.
	inputs, outputs []shapes.Shape
	declIn, declOut []shapes.Shape

	// reinterpret marks MatMul inputs stored with the last two axes swapped, which are read as
	// plain tensors of the swapped dimensions, with the transpose flag flipped.
	reinterpret []bool
	transposeIn []bool

	// requested chain of post-ops, split by the chosen variant in fused and detached ones.
	requested  fusion.Chain
	negotiated bool
	chosen     variants.Candidate
	reqs       *Requirements
	detached   []*Node
	fusedInto  *Node

	state       State
	invalidErr  error
	current     *plan.Plan
	cache       *plan.Cache
	cacheHit    bool
	reselected  int
	fusionAware bool

	observer     Observer
	lastSnapshot *Snapshot
}

// New creates a node for the operator, with the declared input shapes (dimensions may be
// shapes.DimDynamic, layouts may be shapes.LayoutAny) and optionally the declared outputs.
// If outputs is nil they are inferred from the inputs. Attributes with a value of the wrong type are an
// error wrapping backends.ErrInvalidAttribute.
//
// Variants are selected from catalogue, or from variants.Default if it is nil.
func New(catalogue *variants.Catalogue, name string, op backends.OpType, attrs backends.Attributes,
	inputs, outputs []shapes.Shape) (*Node, error) {
	if catalogue == nil {
		catalogue = variants.Default
	}
	if err := attrs.Validate(); err != nil {
		return nil, &Error{Op: op, Node: name, Inputs: inputs, Err: err}
	}
	n := &Node{
		name:        name,
		op:          op,
		attrs:       attrs.Clone(),
		catalogue:   catalogue,
		reinterpret: make([]bool, len(inputs)),
		transposeIn: make([]bool, len(inputs)),
		cache:       plan.NewCache(plan.DefaultMaxCacheSize),
	}
	if n.attrs == nil {
		n.attrs = backends.Attributes{}
	}
	n.inputs = make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		n.inputs[ii] = n.adaptShape(ii, input)
	}
	inferred, err := shapeinference.Infer(op, n.inputs, n.effectiveAttrs())
	if err != nil {
		return nil, n.wrapErr(err, inputs)
	}
	for ii := range inferred {
		inferred[ii] = inferred[ii].WithLayout(shapes.Any())
	}
	if outputs != nil {
		if len(outputs) != len(inferred) {
			return nil, n.wrapErr(errors.Errorf("%s has %d outputs, %d declared", op, len(inferred), len(outputs)), inputs)
		}
		for ii, output := range outputs {
			if !compatible(inferred[ii], output) {
				return nil, n.wrapErr(errors.Errorf("declared output #%d %s doesn't match the inferred %s",
					ii, output, inferred[ii]), inputs)
			}
			inferred[ii] = output.Clone()
		}
	}
	n.outputs = inferred
	n.declIn = cloneShapes(n.inputs)
	n.declOut = cloneShapes(n.outputs)
	return n, nil
}

func cloneShapes(ss []shapes.Shape) []shapes.Shape {
	clones := make([]shapes.Shape, len(ss))
	for ii, s := range ss {
		clones[ii] = s.Clone()
	}
	return clones
}

// compatible returns whether two declared shapes can describe the same tensor: same dtype and rank,
// and equal dimensions where both are known.
func compatible(s1, s2 shapes.Shape) bool {
	if s1.DType != s2.DType || s1.Rank() != s2.Rank() {
		return false
	}
	for axis, dim := range s1.Dimensions {
		dim2 := s2.Dimensions[axis]
		if dim != dim2 && dim != shapes.DimDynamic && dim2 != shapes.DimDynamic {
			return false
		}
	}
	return true
}

// adaptShape reinterprets a MatMul operand stored with its last two axes swapped as the plain tensor of
// the swapped dimensions, and flips its transpose flag. The data is the same, so there is no conversion.
func (n *Node) adaptShape(idx int, s shapes.Shape) shapes.Shape {
	if n.op != backends.OpTypeMatMul || idx > 1 {
		return s
	}
	reinterpret := s.Layout.IsTransposedLastTwo(s.Rank())
	n.reinterpret[idx] = reinterpret
	n.transposeIn[idx] = n.attrTranspose(idx) != reinterpret
	if reinterpret {
		return swapLastTwo(s)
	}
	return s
}

func swapLastTwo(s shapes.Shape) shapes.Shape {
	rank := s.Rank()
	s2 := s.WithLayout(shapes.Plain())
	s2.Dimensions[rank-2], s2.Dimensions[rank-1] = s2.Dimensions[rank-1], s2.Dimensions[rank-2]
	if len(s2.AxisNames) == rank {
		s2.AxisNames[rank-2], s2.AxisNames[rank-1] = s2.AxisNames[rank-1], s2.AxisNames[rank-2]
	}
	return s2
}

// adaptRuntimeShape is like adaptShape for shapes given at execution: only inputs reinterpreted at
// negotiation are adapted, and only if they come with the swapped layout.
func (n *Node) adaptRuntimeShape(idx int, s shapes.Shape) shapes.Shape {
	if idx < len(n.reinterpret) && n.reinterpret[idx] && s.Layout.IsTransposedLastTwo(s.Rank()) {
		return swapLastTwo(s)
	}
	return s
}

func (n *Node) attrTranspose(idx int) bool {
	if idx == 0 {
		return n.attrs.Bool(backends.AttrTransposeA, false)
	}
	return n.attrs.Bool(backends.AttrTransposeB, false)
}

// effectiveAttrs returns the attributes passed to shape inference and variants: for MatMul the
// transpose attributes reflect the reinterpreted inputs.
func (n *Node) effectiveAttrs() backends.Attributes {
	attrs := n.attrs.Clone()
	if n.op == backends.OpTypeMatMul && len(n.transposeIn) >= 2 {
		attrs[backends.AttrTransposeA] = n.transposeIn[0]
		attrs[backends.AttrTransposeB] = n.transposeIn[1]
	}
	return attrs
}

func (n *Node) params(inputs, outputs []shapes.Shape, postOps fusion.Chain) *variants.Params {
	return &variants.Params{
		Op:          n.op,
		Inputs:      inputs,
		Outputs:     outputs,
		Attrs:       n.effectiveAttrs(),
		PostOps:     postOps,
		TransposeIn: slices.Clone(n.transposeIn),
	}
}

func (n *Node) wrapErr(err error, inputs []shapes.Shape) error {
	var variant string
	if n.chosen.Variant != nil {
		variant = n.chosen.Variant.Name()
	}
	return &Error{Op: n.op, Node: n.name, Variant: variant, Inputs: inputs, Err: err}
}

// Name of the node.
func (n *Node) Name() string { return n.name }

// Op returns the operator kind.
func (n *Node) Op() backends.OpType { return n.op }

// Attrs returns the operator attributes. They should not be changed.
func (n *Node) Attrs() backends.Attributes { return n.attrs }

// State of the node.
func (n *Node) State() State { return n.state }

// InvalidReason returns the error that moved the node to the Invalid state, or nil.
func (n *Node) InvalidReason() error { return n.invalidErr }

// Inputs returns the declared input shapes. After negotiation, they carry the required layouts.
func (n *Node) Inputs() []shapes.Shape { return n.inputs }

// Outputs returns the declared output shapes, after all the post-ops (e.g. Int8 after a Quantize).
func (n *Node) Outputs() []shapes.Shape {
	outputs := make([]shapes.Shape, len(n.outputs))
	for ii, s := range n.outputs {
		outputs[ii] = n.requested.OutputShape(s)
	}
	return outputs
}

// PostOps returns the chain of post-ops requested for the node, fused or not.
func (n *Node) PostOps() fusion.Chain { return n.requested }

// FusedPostOps returns the post-ops fused into the chosen variant.
func (n *Node) FusedPostOps() fusion.Chain { return n.chosen.PostOps }

// UnfusedPostOps returns the post-ops executed as separate steps after the node's own plan.
func (n *Node) UnfusedPostOps() fusion.Chain { return n.chosen.Unfused }

// FusedInto returns the node this node was absorbed into as a post-op, or nil.
func (n *Node) FusedInto() *Node { return n.fusedInto }

// Variant returns the name of the chosen variant, or "" before negotiation.
func (n *Node) Variant() string {
	if n.chosen.Variant == nil {
		return ""
	}
	return n.chosen.Variant.Name()
}

// Requirements returns the results of the negotiation, or nil before it.
func (n *Node) Requirements() *Requirements { return n.reqs }

// Plan returns the current plan, or nil.
func (n *Node) Plan() *plan.Plan { return n.current }

// PlannedOutputs returns the output shapes produced by Execute with the current plan, after the
// unfused post-ops, or nil if the node has no plan.
func (n *Node) PlannedOutputs() []shapes.Shape {
	if n.current == nil {
		return nil
	}
	if len(n.detached) > 0 {
		return n.detached[len(n.detached)-1].PlannedOutputs()
	}
	return n.current.Outputs
}

// CacheLen returns the number of cached plans.
func (n *Node) CacheLen() int { return n.cache.Len() }

// Reselections returns how many times new shapes invalidated the chosen variant and another one was selected.
func (n *Node) Reselections() int { return n.reselected }

// LastSnapshot returns the report of the last execution, or nil.
func (n *Node) LastSnapshot() *Snapshot { return n.lastSnapshot }

// SetMaxCache sets the maximum number of plans cached by the node: -1 means unlimited.
// The default is plan.DefaultMaxCacheSize.
func (n *Node) SetMaxCache(maxSize int) *Node {
	n.cache.SetMaxSize(maxSize)
	return n
}

// SetObserver sets an observer called around every execution, nil to remove it.
func (n *Node) SetObserver(observer Observer) *Node {
	n.observer = observer
	return n
}

// SetFusionAwareRanking makes the negotiation prefer variants fusing more post-ops over higher
// priority ones. Off by default. Changing it resets the negotiation.
func (n *Node) SetFusionAwareRanking(enabled bool) *Node {
	if n.fusionAware != enabled {
		n.fusionAware = enabled
		n.resetNegotiation()
	}
	return n
}

// RuntimePrecision returns the dtype the operator computes in: the dtype of its first input,
// or of its output if it has no inputs.
func (n *Node) RuntimePrecision() dtypes.DType {
	if len(n.inputs) > 0 {
		return n.inputs[0].DType
	}
	if len(n.outputs) > 0 {
		return n.outputs[0].DType
	}
	return dtypes.InvalidDType
}

// IsQuantized returns whether the node outputs quantized integers, that is, its chain ends with a Quantize.
func (n *Node) IsQuantized() bool { return n.requested.EndsWithQuantize() }

// FusingAxis returns the axis of the output along which per-channel post-op parameters are broadcast:
// the last one.
func (n *Node) FusingAxis() int {
	if len(n.outputs) == 0 {
		return 0
	}
	return max(n.outputs[0].Rank()-1, 0)
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("%s:%s(%v)->%v", n.name, n.op, n.inputs, n.Outputs())
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package node

import (
	"fmt"
	"slices"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/fusion"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/gomlx/opdispatch/pkg/core/variants"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// Negotiate selects the variant for the declared configuration, splits the requested post-ops into
// fused and unfused ones, and returns the layouts the variant requires. The node's declared shapes
// take the required layouts.
//
// It's called implicitly by CheckFusion, Fuse and EnsurePlanCurrent, and once negotiated it returns
// the same results, until something resets the negotiation (AddPostOp, SetFusionAwareRanking, Reconfigure).
//
// If no variant supports the configuration the node becomes Invalid, and the error wraps
// variants.ErrUnsupportedConfiguration.
func (n *Node) Negotiate() (*Requirements, error) {
	if n.state == Invalid {
		return nil, n.wrapErr(errors.Wrapf(ErrInvalidState, "%v", n.invalidErr), n.inputs)
	}
	if n.negotiated {
		return n.reqs, nil
	}
	// Candidates are selected on dtypes only for the inputs: a variant requiring another layout
	// than the declared one gets a conversion.
	relaxed := make([]shapes.Shape, len(n.inputs))
	for ii, input := range n.inputs {
		relaxed[ii] = input.WithLayout(shapes.Any())
	}
	candidates, rejected := n.catalogue.SelectWithReasons(n.params(relaxed, n.outputs, n.requested))
	if len(candidates) == 0 {
		return nil, n.invalidate(rejected, n.inputs)
	}
	if n.fusionAware {
		candidates = variants.RankFusionAware(candidates)
	}
	p := n.params(n.inputs, n.outputs, n.requested)
	var adopted bool
	for _, c := range candidates {
		err := n.adopt(c, p)
		if err == nil {
			adopted = true
			break
		}
		rejected = multierr.Append(rejected, errors.WithMessagef(err, "variant %q", c.Variant.Name()))
	}
	if !adopted {
		return nil, n.invalidate(errors.Wrapf(variants.ErrUnsupportedConfiguration, "no usable variant: %v", rejected), n.inputs)
	}
	if klog.V(2).Enabled() && rejected != nil {
		klog.Infof("node %q: variants rejected: %v", n.name, rejected)
	}
	if klog.V(1).Enabled() {
		klog.Infof("node %q (%s): negotiated variant %q, fused %s, unfused %s, conversions %v",
			n.name, n.op, n.Variant(), n.chosen.PostOps, n.chosen.Unfused, n.reqs.Conversions)
	}
	return n.reqs, nil
}

// adoption is the result of adopting a candidate variant, computed by resolve and applied by apply.
type adoption struct {
	candidate       variants.Candidate
	reqs            *Requirements
	inputs, outputs []shapes.Shape
	detached        []*Node
}

// adopt makes c the chosen variant for the parameters p: it records the required layouts and the
// conversions, and creates the nodes for the unfused post-ops.
func (n *Node) adopt(c variants.Candidate, p *variants.Params) error {
	a, err := n.resolve(c, p)
	if err != nil {
		return err
	}
	n.apply(a)
	return nil
}

// resolve computes the adoption of c for the declared parameters p, without changing the node.
// The required layouts are queried with the candidate's fused chain, since they may depend on it.
func (n *Node) resolve(c variants.Candidate, p *variants.Params) (*adoption, error) {
	p = p.Clone()
	p.PostOps = c.PostOps
	inLayouts, outLayouts := c.Variant.Layouts(p)
	if len(inLayouts) != len(p.Inputs) || len(outLayouts) != len(p.Outputs) {
		return nil, errors.Errorf("variant %q returned %d input and %d output layouts for %d inputs and %d outputs",
			c.Variant.Name(), len(inLayouts), len(outLayouts), len(p.Inputs), len(p.Outputs))
	}
	required := p.Clone()
	for ii := range required.Inputs {
		required.Inputs[ii].Layout = inLayouts[ii].Clone()
	}
	for ii := range required.Outputs {
		required.Outputs[ii].Layout = outLayouts[ii].Clone()
	}
	if err := c.Variant.SupportedKey().Covers(required); err != nil {
		return nil, errors.WithMessage(err, "required layouts")
	}
	a := &adoption{
		candidate: c,
		reqs: &Requirements{
			Variant:     c.Variant.Name(),
			Inputs:      inLayouts,
			Outputs:     outLayouts,
			TransposeIn: slices.Clone(n.transposeIn),
		},
		inputs:  make([]shapes.Shape, len(p.Inputs)),
		outputs: make([]shapes.Shape, len(p.Outputs)),
	}
	for ii, input := range p.Inputs {
		layout := inLayouts[ii]
		if input.Layout.Kind != shapes.LayoutAny && !input.Layout.Equal(layout, input.Rank()) {
			a.reqs.Conversions = append(a.reqs.Conversions, Conversion{Input: ii, From: input.Layout, To: layout})
		}
		a.inputs[ii] = input.WithLayout(layout)
	}
	for ii, output := range p.Outputs {
		a.outputs[ii] = output.WithLayout(outLayouts[ii])
	}

	if len(c.Unfused) > 0 {
		shape := c.PostOps.OutputShape(a.outputs[0])
		for _, postOp := range c.Unfused {
			child, err := n.newDetached(postOp, shape)
			if err != nil {
				return nil, errors.WithMessagef(err, "unfused post-op %s", postOp)
			}
			a.detached = append(a.detached, child)
			shape = child.outputs[0]
		}
	}
	return a, nil
}

func (n *Node) apply(a *adoption) {
	n.inputs, n.outputs = a.inputs, a.outputs
	n.chosen = a.candidate
	n.reqs = a.reqs
	n.detached = a.detached
	n.negotiated = true
}

// ConversionsFor returns the layout conversions needed to feed inputs of the given shapes to the node:
// one for each input whose layout differs from the one required by the negotiated variant.
//
// Requirements.Conversions only covers the declared layouts. An input produced by another node is
// declared with shapes.LayoutAny, and its layout is only known once its producer is negotiated: the
// graph calls this with the actual shapes to get the conversions for those too.
func (n *Node) ConversionsFor(inputs []shapes.Shape) ([]Conversion, error) {
	reqs, err := n.Negotiate()
	if err != nil {
		return nil, err
	}
	if len(inputs) != len(reqs.Inputs) {
		return nil, n.wrapErr(errors.Errorf("%d inputs given, %s takes %d", len(inputs), n.op, len(reqs.Inputs)), inputs)
	}
	var conversions []Conversion
	for ii, input := range inputs {
		adapted := n.adaptRuntimeShape(ii, input)
		required := reqs.Inputs[ii]
		if adapted.Layout.Kind == shapes.LayoutAny || adapted.Layout.Equal(required, adapted.Rank()) {
			continue
		}
		conversions = append(conversions, Conversion{Input: ii, From: input.Layout.Clone(), To: required.Clone()})
	}
	return conversions, nil
}

// newDetached creates and negotiates the node that executes an unfused post-op on its own.
func (n *Node) newDetached(postOp fusion.PostOp, input shapes.Shape) (*Node, error) {
	name := fmt.Sprintf("%s/%s", n.name, postOp.Op)
	child, err := New(n.catalogue, name, postOp.Op, postOp.Attrs, []shapes.Shape{input}, nil)
	if err != nil {
		return nil, err
	}
	child.fusionAware = n.fusionAware
	child.cache.SetMaxSize(n.cache.MaxSize())
	if _, err := child.Negotiate(); err != nil {
		return nil, err
	}
	return child, nil
}

// invalidate moves the node to the Invalid state.
func (n *Node) invalidate(err error, inputs []shapes.Shape) error {
	wrapped := n.wrapErr(err, inputs)
	n.state = Invalid
	n.invalidErr = wrapped
	n.dropPlans()
	klog.Warningf("node %q (%s) is now invalid: %v", n.name, n.op, err)
	return wrapped
}

// dropPlans finalizes all plans, including the ones of the unfused post-ops.
func (n *Node) dropPlans() {
	n.current = nil
	n.cache.Purge()
	for _, child := range n.detached {
		child.dropPlans()
	}
}

// resetNegotiation drops the negotiated variant and plans: the next use of the node negotiates again.
func (n *Node) resetNegotiation() {
	n.dropPlans()
	n.negotiated = false
	n.chosen = variants.Candidate{}
	n.reqs = nil
	n.detached = nil
	n.inputs = cloneShapes(n.declIn)
	n.outputs = cloneShapes(n.declOut)
	if n.state == Planned {
		n.state = Unplanned
	}
}

// Reconfigure moves an Invalid node back to Unplanned, dropping the negotiated variant, so it can be
// negotiated and planned again. It's a no-op for a node that is not Invalid.
func (n *Node) Reconfigure() {
	if n.state != Invalid {
		return
	}
	n.state = Unplanned
	n.invalidErr = nil
	n.resetNegotiation()
}

// AddPostOp appends an operator to the requested chain of post-ops of the node. The chosen variant
// fuses as much of the chain as it can and the rest executes as separate steps, in order.
//
// It fails, wrapping fusion.ErrFusionRejected, if the post-op can't follow the chain (e.g. anything
// after a Quantize). It resets the negotiation.
func (n *Node) AddPostOp(op backends.OpType, attrs backends.Attributes) error {
	if len(n.outputs) != 1 {
		return n.wrapErr(errors.Wrapf(fusion.ErrFusionRejected, "%s has %d outputs, post-ops need exactly one",
			n.op, len(n.outputs)), n.inputs)
	}
	p, err := fusion.NewPostOp(op, attrs)
	if err != nil {
		return n.wrapErr(err, n.inputs)
	}
	if err := fusion.CheckAttachable(n.requested, p, n.outputs[0].DType); err != nil {
		return n.wrapErr(err, n.inputs)
	}
	n.requested = append(n.requested, p)
	n.resetNegotiation()
	return nil
}

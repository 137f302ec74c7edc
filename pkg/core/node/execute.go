// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package node

import (
	"time"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/backends/shapeinference"
	"github.com/gomlx/opdispatch/pkg/core/plan"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/gomlx/opdispatch/pkg/core/variants"
	"github.com/gomlx/opdispatch/pkg/core/verbose"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// EnsurePlanCurrent makes the node's current plan the one for the given concrete input shapes, and
// returns it. The inputs must have the layouts in Requirements (after the conversions).
//
//   - If the shapes didn't change since the last call, the current plan is returned as is.
//   - If a plan for the shapes is in the cache, it's reused, with its ID.
//   - Otherwise a plan is built for the chosen variant. If the new shapes are outside what the variant
//     supports, another variant is selected (ErrPlanInvalidated is only logged) and the cache is purged.
//     If no variant supports them, or the build fails, the node becomes Invalid.
//
// Shapes that don't match the declared ones are an error, but don't change the state of the node.
func (n *Node) EnsurePlanCurrent(inputs []shapes.Shape) (*plan.Plan, error) {
	if n.state == Invalid {
		return nil, n.wrapErr(errors.Wrapf(ErrInvalidState, "%v", n.invalidErr), inputs)
	}
	if _, err := n.Negotiate(); err != nil {
		return nil, err
	}
	if len(inputs) != len(n.inputs) {
		return nil, n.wrapErr(errors.Errorf("%d inputs given, %s takes %d", len(inputs), n.op, len(n.inputs)), inputs)
	}
	adapted := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		adapted[ii] = n.adaptRuntimeShape(ii, input)
	}
	signature := plan.Signature(adapted)
	n.cacheHit = true
	if n.current == nil || n.current.Signature != signature {
		if cached, found := n.cache.Get(signature); found {
			n.current = cached
			if klog.V(2).Enabled() {
				klog.Infof("node %q: reusing cached plan %s", n.name, cached)
			}
		} else {
			p, err := n.buildPlan(adapted)
			if err != nil {
				return nil, err
			}
			n.current = p
			n.cacheHit = false
		}
	}

	outputs := n.current.Outputs
	for _, child := range n.detached {
		childPlan, err := child.EnsurePlanCurrent([]shapes.Shape{outputs[0].WithLayout(child.reqs.Inputs[0])})
		if err != nil {
			return nil, n.invalidate(errors.WithMessagef(err, "unfused post-op %s", child.op), inputs)
		}
		outputs = childPlan.Outputs
	}
	n.state = Planned
	return n.current, nil
}

func checkVariant(v variants.Variant, p *variants.Params) error {
	if err := v.SupportedKey().Covers(p); err != nil {
		return err
	}
	return v.Validate(p)
}

// buildPlan builds (and caches) a plan for the concrete inputs, already adapted.
func (n *Node) buildPlan(inputs []shapes.Shape) (*plan.Plan, error) {
	bindings := shapes.AxisBindings{}
	for ii, input := range inputs {
		if err := bindings.Match(n.inputs[ii], input); err != nil {
			return nil, n.wrapErr(errors.WithMessagef(err, "input #%d", ii), inputs)
		}
		if required := n.reqs.Inputs[ii]; !input.Layout.Equal(required, input.Rank()) {
			return nil, n.wrapErr(errors.Errorf("input #%d has layout %s, but variant %q requires %s",
				ii, input.Layout, n.Variant(), required), inputs)
		}
	}
	outputs, err := shapeinference.Infer(n.op, inputs, n.effectiveAttrs())
	if err != nil {
		return nil, n.wrapErr(err, inputs)
	}
	for ii := range outputs {
		if err := bindings.Match(n.outputs[ii], outputs[ii]); err != nil {
			return nil, n.wrapErr(errors.WithMessagef(err, "output #%d", ii), inputs)
		}
		outputs[ii] = outputs[ii].WithLayout(n.reqs.Outputs[ii])
	}

	p := n.params(inputs, outputs, n.chosen.PostOps)
	if err := checkVariant(n.chosen.Variant, p); err != nil {
		if err := n.reselect(p, err); err != nil {
			return nil, err
		}
		for ii := range outputs {
			outputs[ii] = outputs[ii].WithLayout(n.reqs.Outputs[ii])
		}
		p = n.params(inputs, outputs, n.chosen.PostOps)
	}

	v := n.chosen.Variant
	dispatch := v.DefaultDispatch(p)
	newPlan := plan.New(v.Name(), inputs, p.FinalOutputs())
	newPlan.Bindings = bindings
	newPlan.Dispatch = dispatch
	newPlan.PostOps = n.chosen.PostOps.Clone()
	if !newPlan.Empty {
		start := time.Now()
		exe, err := v.Build(p, dispatch)
		if err != nil {
			if !errors.Is(err, backends.ErrBuild) {
				err = errors.Wrapf(backends.ErrBuild, "%v", err)
			}
			return nil, n.invalidate(err, inputs)
		}
		newPlan.Executable = exe
		newPlan.BuildTime = time.Since(start)
	}
	n.cache.Put(newPlan)
	if klog.V(1).Enabled() {
		klog.Infof("node %q: built plan %s in %s", n.name, newPlan, newPlan.BuildTime)
	}
	return newPlan, nil
}

// reselect is called when the chosen variant doesn't support the concrete parameters p. It selects
// another variant reading the inputs in their current layouts, and purges the cache.
// If there is none the node becomes Invalid.
func (n *Node) reselect(p *variants.Params, cause error) error {
	previous := n.Variant()
	invalidated := errors.Wrapf(ErrPlanInvalidated, "variant %q: %v", previous, cause)
	klog.V(1).Infof("node %q: %v, selecting another variant", n.name, invalidated)

	query := p.Clone()
	query.PostOps = n.requested
	for ii := range query.Outputs {
		query.Outputs[ii].Layout = shapes.Any()
	}
	candidates, rejected := n.catalogue.SelectWithReasons(query)
	if n.fusionAware {
		candidates = variants.RankFusionAware(candidates)
	}
	for _, c := range candidates {
		if c.Variant.Name() == previous {
			continue
		}
		withPostOps := query.Clone()
		withPostOps.PostOps = c.PostOps
		inLayouts, outLayouts := c.Variant.Layouts(withPostOps)
		if !layoutsMatch(query.Inputs, inLayouts) || len(outLayouts) != len(n.outputs) {
			rejected = multierr.Append(rejected, errors.Errorf("variant %q requires input layouts %v", c.Variant.Name(), inLayouts))
			continue
		}
		n.dropPlans()
		declOut := make([]shapes.Shape, len(n.outputs))
		for ii, output := range n.outputs {
			declOut[ii] = output.WithLayout(outLayouts[ii])
		}
		var detached []*Node
		shape := c.PostOps.OutputShape(declOut[0])
		for _, postOp := range c.Unfused {
			child, err := n.newDetached(postOp, shape)
			if err != nil {
				return n.invalidate(multierr.Combine(invalidated, err), p.Inputs)
			}
			detached = append(detached, child)
			shape = child.outputs[0]
		}
		n.chosen = c
		n.outputs = declOut
		n.detached = detached
		n.reqs.Variant = c.Variant.Name()
		n.reqs.Outputs = outLayouts
		n.reselected++
		klog.V(1).Infof("node %q: variant %q replaced by %q", n.name, previous, c.Variant.Name())
		return nil
	}
	if len(candidates) > 0 || rejected == nil {
		rejected = errors.Wrapf(variants.ErrUnsupportedConfiguration, "no other variant for %s: %v", query, rejected)
	}
	return n.invalidate(multierr.Combine(invalidated, rejected), p.Inputs)
}

func layoutsMatch(inputs []shapes.Shape, layouts []shapes.Layout) bool {
	if len(inputs) != len(layouts) {
		return false
	}
	for ii, input := range inputs {
		if !input.Layout.Equal(layouts[ii], input.Rank()) {
			return false
		}
	}
	return true
}

// Execute runs the current plan, and the unfused post-ops, on the inputs. The inputs must have
// exactly the shapes (and layouts) the plan was built for: EnsurePlanCurrent must be called first.
//
// Errors from the backend are wrapped with backends.ErrRuntime and the node context (see Error).
// Execute doesn't change the node's plans.
func (n *Node) Execute(inputs []*backends.Buffer) ([]*backends.Buffer, error) {
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		inputShapes[ii] = input.Shape()
	}
	switch n.state {
	case Invalid:
		return nil, n.wrapErr(errors.Wrapf(ErrInvalidState, "%v", n.invalidErr), inputShapes)
	case Unplanned:
		return nil, n.wrapErr(errors.Wrap(ErrStalePlan, "node has no plan"), inputShapes)
	}
	buffers := make([]*backends.Buffer, len(inputs))
	adapted := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		buffers[ii] = input
		adapted[ii] = n.adaptRuntimeShape(ii, inputShapes[ii])
		if !adapted[ii].Equal(inputShapes[ii]) {
			// Same data, read as the plain tensor of the swapped dimensions.
			var err error
			buffers[ii], err = backends.FromFlat(adapted[ii], input.Flat())
			if err != nil {
				return nil, n.wrapErr(err, inputShapes)
			}
		}
	}
	current := n.current
	if !current.Matches(adapted) {
		return nil, n.wrapErr(errors.Wrapf(ErrStalePlan, "plan bound to %s, got %s",
			current.Signature, plan.Signature(adapted)), inputShapes)
	}

	observe := verbose.Enabled && n.observer != nil
	if observe {
		n.observer.ExecuteStart(n.name, n.op)
	}
	start := time.Now()
	outputs, err := n.runPlan(current, buffers)
	if err != nil {
		return nil, n.wrapErr(err, inputShapes)
	}
	for _, child := range n.detached {
		input, err := outputs[0].Relayout(child.reqs.Inputs[0])
		if err != nil {
			return nil, n.wrapErr(err, inputShapes)
		}
		outputs, err = child.Execute([]*backends.Buffer{input})
		if err != nil {
			return nil, n.wrapErr(errors.WithMessagef(err, "unfused post-op %s", child.op), inputShapes)
		}
	}
	runTime := time.Since(start)

	outputShapes := make([]shapes.Shape, len(outputs))
	for ii, output := range outputs {
		outputShapes[ii] = output.Shape()
	}
	snapshot := &Snapshot{
		Node:      n.name,
		Op:        n.op,
		Variant:   current.Variant,
		PlanID:    current.ID,
		Dispatch:  current.Dispatch,
		Precision: n.RuntimePrecision(),
		PostOps:   current.PostOps,
		Unfused:   n.chosen.Unfused,
		Inputs:    inputShapes,
		Outputs:   outputShapes,
		CacheHit:  n.cacheHit,
		BuildTime: current.BuildTime,
		RunTime:   runTime,
	}
	n.lastSnapshot = snapshot
	if observe {
		n.observer.ExecuteEnd(snapshot)
	}
	return outputs, nil
}

func (n *Node) runPlan(p *plan.Plan, inputs []*backends.Buffer) ([]*backends.Buffer, error) {
	if p.Empty {
		outputs := make([]*backends.Buffer, len(p.Outputs))
		for ii, s := range p.Outputs {
			var err error
			if outputs[ii], err = backends.NewBuffer(s); err != nil {
				return nil, errors.Wrapf(backends.ErrRuntime, "allocating empty output #%d: %v", ii, err)
			}
		}
		return outputs, nil
	}
	outputs, err := p.Executable.Run(inputs)
	if err != nil {
		if !errors.Is(err, backends.ErrRuntime) {
			err = errors.Wrapf(backends.ErrRuntime, "%v", err)
		}
		return nil, err
	}
	if len(outputs) != len(p.Outputs) {
		return nil, errors.Wrapf(backends.ErrRuntime, "variant %q returned %d outputs, expected %d",
			p.Variant, len(outputs), len(p.Outputs))
	}
	return outputs, nil
}

// Run is EnsurePlanCurrent followed by Execute, for the shapes of the given inputs.
func (n *Node) Run(inputs ...*backends.Buffer) ([]*backends.Buffer, error) {
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		inputShapes[ii] = input.Shape()
	}
	if _, err := n.EnsurePlanCurrent(inputShapes); err != nil {
		return nil, err
	}
	return n.Execute(inputs)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package node

import (
	"slices"

	"github.com/gomlx/opdispatch/pkg/core/fusion"
	"github.com/gomlx/opdispatch/pkg/core/variants"
	"github.com/pkg/errors"
)

// CanFuse returns whether successor can be absorbed as a post-op of the node. See CheckFusion.
func (n *Node) CanFuse(successor *Node) bool {
	return n.CheckFusion(successor) == nil
}

// CheckFusion returns nil if successor can be absorbed as a post-op of the node, or the reason why not,
// wrapping fusion.ErrFusionRejected. The node is negotiated first if needed.
//
// The node doesn't know the graph: the caller must make sure successor is the only consumer of
// the node's output, and that it reads it as its only tensor operand.
func (n *Node) CheckFusion(successor *Node) error {
	reject := func(format string, args ...any) error {
		return errors.Wrapf(fusion.ErrFusionRejected, format, args...)
	}
	switch {
	case successor == nil || successor == n:
		return reject("invalid successor")
	case successor.fusedInto != nil:
		return reject("%q is already fused into %q", successor.name, successor.fusedInto.name)
	case n.fusedInto != nil:
		return reject("%q is itself fused into %q", n.name, n.fusedInto.name)
	case len(n.outputs) != 1:
		return reject("%s has %d outputs, post-ops need exactly one", n.op, len(n.outputs))
	case len(successor.inputs) != 1:
		return reject("%s has %d tensor operands, other operands must be constant attributes",
			successor.op, len(successor.inputs))
	case len(successor.requested) > 0:
		return reject("%q has its own post-ops %s", successor.name, successor.requested)
	}
	if !compatible(successor.declIn[0], n.Outputs()[0]) {
		return reject("%q input %s doesn't match the output %s of %q",
			successor.name, successor.declIn[0], n.Outputs()[0], n.name)
	}
	p, err := fusion.NewPostOp(successor.op, successor.attrs)
	if err != nil {
		return err
	}
	if _, err := n.Negotiate(); err != nil {
		return errors.WithMessagef(err, "can't fuse %s", p)
	}
	v := n.chosen.Variant
	if len(n.chosen.Unfused) > 0 {
		return reject("post-ops %s already execute unfused, %s can't be fused after them", n.chosen.Unfused, p)
	}
	if !v.SupportedPostOps().Has(p.Kind) {
		return reject("variant %q can't fuse %s post-ops", v.Name(), p.Kind)
	}
	if len(n.chosen.PostOps) >= v.MaxPostOps() {
		return reject("variant %q fuses at most %d post-ops", v.Name(), v.MaxPostOps())
	}
	if err := fusion.CheckAttachable(n.chosen.PostOps, p, n.outputs[0].DType); err != nil {
		return err
	}
	chain := append(slices.Clone(n.chosen.PostOps), p)
	if err := v.Validate(n.params(n.inputs, n.outputs, chain)); err != nil {
		return reject("variant %q rejects the chain %s: %v", v.Name(), chain, err)
	}
	if _, err := n.resolveChain(chain); err != nil {
		return reject("variant %q can't lay out the chain %s: %v", v.Name(), chain, err)
	}
	return nil
}

// resolveChain computes the adoption of the chosen variant fusing chain: the required layouts are
// queried again, since they may depend on the fused post-ops.
func (n *Node) resolveChain(chain fusion.Chain) (*adoption, error) {
	c := variants.Candidate{Variant: n.chosen.Variant, PostOps: chain}
	return n.resolve(c, n.params(n.declIn, n.declOut, chain))
}

// Fuse absorbs successor as the last post-op of the node, and marks successor as fused: it must no
// longer be executed on its own. The required layouts are negotiated again for the longer chain, and
// the node's plans are dropped.
func (n *Node) Fuse(successor *Node) error {
	if err := n.CheckFusion(successor); err != nil {
		return n.wrapErr(err, n.inputs)
	}
	p, _ := fusion.NewPostOp(successor.op, successor.attrs)
	a, err := n.resolveChain(append(slices.Clone(n.chosen.PostOps), p))
	if err != nil {
		return n.wrapErr(errors.Wrapf(fusion.ErrFusionRejected, "%v", err), n.inputs)
	}
	n.requested = append(n.requested, p)
	n.apply(a)
	successor.fusedInto = n
	n.dropPlans()
	if n.state == Planned {
		n.state = Unplanned
	}
	return nil
}

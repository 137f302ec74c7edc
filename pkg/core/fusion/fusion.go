// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fusion defines the chains of lightweight post-operations (quantize, elementwise arithmetic
// and activations) that can be folded into the compiled plan of a preceding operator.
//
// A chain is ordered: post-ops are applied in sequence to the primary output. Fusion never changes
// results: a post-op that can't be fused is executed as a separate step.
package fusion

import (
	"strings"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/backends/shapeinference"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/gomlx/opdispatch/pkg/support/sets"
	"github.com/pkg/errors"
)

// Kind of post-operation. Kernel variants declare which kinds they can fuse.
type Kind int

//go:generate go tool enumer -type=Kind -output=gen_kind_enumer.go fusion.go

const (
	InvalidKind Kind = iota
	Quantize
	Eltwise
	Activation
)

// ErrFusionRejected is wrapped by the errors explaining why a post-op could not be fused.
// It is not fatal: the post-op is then executed on its own.
var ErrFusionRejected = errors.New("fusion rejected")

// KindOf returns the post-op kind of the operator, and false if it cannot be used as a post-op.
func KindOf(op backends.OpType) (Kind, bool) {
	switch {
	case op.IsActivation():
		return Activation, true
	case op.IsElementwise():
		return Eltwise, true
	case op == backends.OpTypeQuantize:
		return Quantize, true
	}
	return InvalidKind, false
}

// PostOp is one element of a Chain.
type PostOp struct {
	Kind Kind
	backends.PostOp
}

// NewPostOp creates a PostOp for the operator. It fails (wrapping ErrFusionRejected) if the operator
// has no post-op kind, and (wrapping backends.ErrInvalidAttribute) if an attribute has a value of the
// wrong type.
func NewPostOp(op backends.OpType, attrs backends.Attributes) (PostOp, error) {
	kind, ok := KindOf(op)
	if !ok {
		return PostOp{}, errors.Wrapf(ErrFusionRejected, "%s is not a known post-op kind", op)
	}
	if err := attrs.Validate(); err != nil {
		return PostOp{}, errors.WithMessagef(err, "post-op %s", op)
	}
	return PostOp{Kind: kind, PostOp: backends.PostOp{Op: op, Attrs: attrs.Clone()}}, nil
}

// Chain of post-ops, applied in order to the output of the primary operator.
type Chain []PostOp

// Clone returns a copy of the chain.
func (c Chain) Clone() Chain {
	if c == nil {
		return nil
	}
	c2 := make(Chain, len(c))
	for ii, p := range c {
		c2[ii] = p
		c2[ii].Attrs = p.Attrs.Clone()
	}
	return c2
}

// Kinds returns the set of post-op kinds in the chain.
func (c Chain) Kinds() sets.Set[Kind] {
	kinds := sets.Make[Kind](len(c))
	for _, p := range c {
		kinds.Insert(p.Kind)
	}
	return kinds
}

// Ops returns the chain in the form passed to the backend.
func (c Chain) Ops() []backends.PostOp {
	ops := make([]backends.PostOp, len(c))
	for ii, p := range c {
		ops[ii] = p.PostOp
	}
	return ops
}

// String implements fmt.Stringer.
func (c Chain) String() string {
	parts := make([]string, len(c))
	for ii, p := range c {
		parts[ii] = p.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Restrict splits the chain in the part a variant can fuse and the part it can't.
//
// Since order matters, kept is the longest prefix whose kinds are all in supported and whose
// length is at most maxLen. Everything after the first post-op that can't be fused is dropped,
// and must be executed separately, in order, after the fused ones.
func (c Chain) Restrict(supported sets.Set[Kind], maxLen int) (kept, dropped Chain) {
	n := 0
	for n < len(c) && n < maxLen && supported.Has(c[n].Kind) {
		n++
	}
	kept, dropped = c[:n:n].Clone(), c[n:].Clone()
	if len(kept) == 0 {
		kept = nil
	}
	if len(dropped) == 0 {
		dropped = nil
	}
	return
}

// OutputDType returns the dtype of the result of the chain applied to an output of the given dtype.
func (c Chain) OutputDType(primary dtypes.DType) dtypes.DType {
	dtype := primary
	for _, p := range c {
		if p.Kind == Quantize {
			dtype = p.Attrs.DType(backends.AttrDType, dtypes.Int8)
		}
	}
	return dtype
}

// EndsWithQuantize returns whether the last post-op is a Quantize, in which case the operator
// outputs integers.
func (c Chain) EndsWithQuantize() bool {
	return len(c) > 0 && c[len(c)-1].Kind == Quantize
}

// OutputShape returns the shape after applying the chain to the primary output shape.
func (c Chain) OutputShape(primary shapes.Shape) shapes.Shape {
	return primary.WithDType(c.OutputDType(primary.DType))
}

// CheckAttachable checks whether p can be appended to chain, when the primary operator outputs
// the given dtype. Errors wrap ErrFusionRejected, or backends.ErrInvalidAttribute if an attribute of p
// has a value of the wrong type.
//
// The rules:
//   - nothing can follow a Quantize: its integer output would be a type mismatch;
//   - the post-op must accept the dtype produced by the chain so far;
//   - Add and Mul need their second operand as the scalar attribute backends.AttrConstant;
//   - Clamp needs min <= max;
//   - Quantize needs a positive scale, an Int8 or Uint8 target and a zero-point inside its range.
func CheckAttachable(chain Chain, p PostOp, outputDType dtypes.DType) error {
	if err := p.Attrs.Validate(); err != nil {
		return errors.WithMessagef(err, "can't attach %s", p)
	}
	if chain.EndsWithQuantize() {
		return errors.Wrapf(ErrFusionRejected, "type mismatch: %s can't follow a Quantize", p)
	}
	dtype := chain.OutputDType(outputDType)
	operand := shapes.Make(dtype)
	var err error
	switch p.Kind {
	case Activation:
		_, err = shapeinference.UnaryOp(p.Op, operand)
		if err == nil && p.Op == backends.OpTypeClamp &&
			p.Attrs.Float(backends.AttrMin, 0) > p.Attrs.Float(backends.AttrMax, 0) {
			err = errors.Errorf("Clamp with min=%g > max=%g", p.Attrs.Float(backends.AttrMin, 0), p.Attrs.Float(backends.AttrMax, 0))
		}
	case Eltwise:
		if p.Op == backends.OpTypeLinear {
			_, err = shapeinference.UnaryOp(p.Op, operand)
		} else if !p.Attrs.Has(backends.AttrConstant) {
			err = errors.Errorf("%s can only be fused with a constant second operand (attribute %q)", p.Op, backends.AttrConstant)
		} else {
			_, err = shapeinference.BinaryOp(p.Op, operand, operand)
		}
	case Quantize:
		err = checkQuantize(p.Attrs, dtype)
	default:
		err = errors.Errorf("%s is not a known post-op kind", p.Op)
	}
	if err != nil {
		return errors.Wrapf(ErrFusionRejected, "can't attach %s to output of dtype %s: %v", p, dtype, err)
	}
	return nil
}

func checkQuantize(attrs backends.Attributes, input dtypes.DType) error {
	target := attrs.DType(backends.AttrDType, dtypes.Int8)
	if _, err := shapeinference.QuantizeOp(shapes.Make(input), target); err != nil {
		return err
	}
	if scale := attrs.Float(backends.AttrScale, 0); !(scale > 0) {
		return errors.Errorf("Quantize scale must be > 0, got %g", scale)
	}
	zeroPoint := int64(attrs.Int(backends.AttrZeroPoint, 0))
	lowest, highest := target.IntRange()
	if zeroPoint < lowest || zeroPoint > highest {
		return errors.Errorf("Quantize zero-point %d out of range [%d, %d] of %s", zeroPoint, lowest, highest, target)
	}
	return nil
}

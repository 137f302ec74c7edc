// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package variants

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/gomlx/opdispatch/pkg/support/sets"
	"github.com/pkg/errors"
)

// TypeLayout is an element type paired with a layout kind.
type TypeLayout struct {
	DType  dtypes.DType
	Layout shapes.LayoutKind
}

// String implements fmt.Stringer.
func (tl TypeLayout) String() string {
	return fmt.Sprintf("%s/%s", tl.DType, tl.Layout)
}

// CapabilityKey is a compact description of what a variant supports, checked before the (more expensive)
// Variant.Validate.
type CapabilityKey struct {
	// Pairs of (dtype, layout kind) supported for every input and output.
	Pairs sets.Set[TypeLayout]

	// AnyRank accepts any rank, otherwise the rank of the first input and of the outputs must be in Ranks.
	AnyRank bool
	Ranks   sets.Set[int]

	// DynamicDims accepts descriptors with unknown dimensions, that is, the variant can be negotiated
	// before the shapes are known and re-planned at execution time.
	DynamicDims bool

	// Grouped accepts backends.AttrGroups > 1.
	Grouped bool
}

// NewKey returns a CapabilityKey supporting all combinations of the given dtypes and layout kinds,
// for any rank.
func NewKey(dtypesList []dtypes.DType, layouts ...shapes.LayoutKind) CapabilityKey {
	k := CapabilityKey{Pairs: sets.Make[TypeLayout](), AnyRank: true}
	for _, dtype := range dtypesList {
		for _, layout := range layouts {
			k.Pairs.Insert(TypeLayout{dtype, layout})
		}
	}
	return k
}

// WithRanks returns a copy of the key restricted to the given ranks.
func (k CapabilityKey) WithRanks(ranks ...int) CapabilityKey {
	k.AnyRank = false
	k.Ranks = sets.MakeWith(ranks...)
	return k
}

// WithDynamicDims returns a copy of the key that accepts unknown dimensions.
func (k CapabilityKey) WithDynamicDims() CapabilityKey {
	k.DynamicDims = true
	return k
}

// WithGrouped returns a copy of the key that accepts grouped computations.
func (k CapabilityKey) WithGrouped() CapabilityKey {
	k.Grouped = true
	return k
}

// hasDType returns whether some pair has the dtype, used for ports whose layout is not yet constrained.
func (k CapabilityKey) hasDType(dtype dtypes.DType) bool {
	for pair := range k.Pairs {
		if pair.DType == dtype {
			return true
		}
	}
	return false
}

// Covers returns nil if the key covers the parameters, or an error with the reason otherwise.
func (k CapabilityKey) Covers(p *Params) error {
	checkPort := func(kind string, idx int, s shapes.Shape) error {
		if s.Layout.Kind == shapes.LayoutAny {
			if !k.hasDType(s.DType) {
				return errors.Errorf("%s #%d dtype %s not supported", kind, idx, s.DType)
			}
		} else if !k.Pairs.Has(TypeLayout{s.DType, s.Layout.Kind}) {
			return errors.Errorf("%s #%d %s not supported", kind, idx, TypeLayout{s.DType, s.Layout.Kind})
		}
		if !k.DynamicDims && s.HasDynamicDims() {
			return errors.Errorf("%s #%d %s has unknown dimensions", kind, idx, s)
		}
		return nil
	}
	for ii, s := range p.Inputs {
		if err := checkPort("input", ii, s); err != nil {
			return err
		}
	}
	for ii, s := range p.Outputs {
		if err := checkPort("output", ii, s); err != nil {
			return err
		}
	}
	if !k.AnyRank {
		if len(p.Inputs) > 0 && !k.Ranks.Has(p.Inputs[0].Rank()) {
			return errors.Errorf("rank %d not in supported ranks %v", p.Inputs[0].Rank(), sets.Sorted(k.Ranks))
		}
		for _, s := range p.Outputs {
			if !k.Ranks.Has(s.Rank()) {
				return errors.Errorf("output rank %d not in supported ranks %v", s.Rank(), sets.Sorted(k.Ranks))
			}
		}
	}
	if groups := p.Attrs.Int(backends.AttrGroups, 1); groups > 1 && !k.Grouped {
		return errors.Errorf("grouped computation (groups=%d) not supported", groups)
	}
	return nil
}

// String implements fmt.Stringer.
func (k CapabilityKey) String() string {
	pairs := make([]string, 0, len(k.Pairs))
	for pair := range k.Pairs {
		pairs = append(pairs, pair.String())
	}
	slices.Sort(pairs)
	var sb strings.Builder
	fmt.Fprintf(&sb, "{%s", strings.Join(pairs, " "))
	if k.AnyRank {
		sb.WriteString(" rank=any")
	} else {
		fmt.Fprintf(&sb, " rank=%v", sets.Sorted(k.Ranks))
	}
	if k.DynamicDims {
		sb.WriteString(" dynamic")
	}
	if k.Grouped {
		sb.WriteString(" grouped")
	}
	sb.WriteString("}")
	return sb.String()
}

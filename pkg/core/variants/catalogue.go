// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package variants

import (
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/fusion"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// ErrUnsupportedConfiguration is wrapped when no registered variant covers and validates a configuration.
var ErrUnsupportedConfiguration = errors.New("unsupported configuration")

// Catalogue holds the variants registered per operator kind, in registration order.
//
// Registration is expected at initialization time. Selection only reads the catalogue and is safe
// to be called concurrently.
type Catalogue struct {
	mu       sync.RWMutex
	variants map[backends.OpType][]Variant
}

// Provider is implemented by backends that keep their own catalogue.
type Provider interface {
	Catalogue() *Catalogue
}

// NewCatalogue returns an empty catalogue.
func NewCatalogue() *Catalogue {
	return &Catalogue{variants: make(map[backends.OpType][]Variant)}
}

// Default catalogue, used by Register.
var Default = NewCatalogue()

// Register the variant for the operator kind in the Default catalogue.
func Register(op backends.OpType, v Variant) {
	Default.Register(op, v)
}

// Register appends the variant to the ones for the operator kind.
// It panics if a variant with the same name is already registered for the op.
func (c *Catalogue) Register(op backends.OpType, v Variant) {
	if v == nil {
		exceptions.Panicf("variants.Register(%s, nil)", op)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.variants[op] {
		if existing.Name() == v.Name() {
			exceptions.Panicf("variant %q already registered for %s", v.Name(), op)
		}
	}
	c.variants[op] = append(c.variants[op], v)
}

// Variants returns the variants registered for the op, in registration order.
func (c *Catalogue) Variants(op backends.OpType) []Variant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.variants[op])
}

// Lookup returns the variant registered for op with the given name.
func (c *Catalogue) Lookup(op backends.OpType, name string) (Variant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.variants[op] {
		if v.Name() == name {
			return v, true
		}
	}
	return nil, false
}

// Ops returns the operator kinds with registered variants, sorted.
func (c *Catalogue) Ops() []backends.OpType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.variants))
}

// Candidate is a variant usable for a configuration, with the part of the requested post-op chain
// it fuses (PostOps) and the part it doesn't (Unfused).
type Candidate struct {
	Variant Variant
	PostOps fusion.Chain
	Unfused fusion.Chain
}

// Select returns the variants usable for the parameters, best first:
//
//  1. Variants whose SupportedKey doesn't cover the parameters are filtered out.
//  2. The remaining ones must pass Validate.
//  3. Survivors are ordered by priority, ties broken by registration order.
//  4. p.PostOps is restricted, per candidate, to what the variant can fuse.
//
// The result is empty if no variant validates.
func (c *Catalogue) Select(p *Params) []Candidate {
	candidates, _ := c.SelectWithReasons(p)
	return candidates
}

// SelectWithReasons is like Select, and also returns the reasons why variants were rejected, combined
// with multierr. So rejected can be non-nil even when there are candidates. If there are none, rejected
// wraps ErrUnsupportedConfiguration.
func (c *Catalogue) SelectWithReasons(p *Params) (candidates []Candidate, rejected error) {
	registered := c.Variants(p.Op)
	var reasons error
	var survivors []Variant
	for _, v := range registered {
		if err := v.SupportedKey().Covers(p); err != nil {
			reasons = multierr.Append(reasons, errors.WithMessagef(err, "variant %q", v.Name()))
			continue
		}
		if err := v.Validate(p); err != nil {
			reasons = multierr.Append(reasons, errors.WithMessagef(err, "variant %q", v.Name()))
			continue
		}
		survivors = append(survivors, v)
	}
	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].Priority() < survivors[j].Priority()
	})
	candidates = make([]Candidate, 0, len(survivors))
	for _, v := range survivors {
		kept, dropped := p.PostOps.Restrict(v.SupportedPostOps(), v.MaxPostOps())
		candidates = append(candidates, Candidate{Variant: v, PostOps: kept, Unfused: dropped})
	}
	if klog.V(2).Enabled() {
		klog.Infof("variants.Select(%s): %d of %d variants usable", p, len(candidates), len(registered))
	}
	if len(candidates) == 0 {
		if len(registered) == 0 {
			return nil, errors.Wrapf(ErrUnsupportedConfiguration, "no variants registered for %s", p.Op)
		}
		return nil, errors.Wrapf(ErrUnsupportedConfiguration, "no variant for %s: %v", p, reasons)
	}
	return candidates, reasons
}

// RankFusionAware reorders candidates by the number of post-ops they fuse, most first, keeping the
// priority order among candidates that fuse the same number. It returns a new slice.
//
// This is not used by default: priority is the only ranking criterion unless this is explicitly
// enabled (see node.Node.SetFusionAwareRanking).
func RankFusionAware(candidates []Candidate) []Candidate {
	ranked := slices.Clone(candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return len(ranked[i].PostOps) > len(ranked[j].PostOps)
	})
	return ranked
}

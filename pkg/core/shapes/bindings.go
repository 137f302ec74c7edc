// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// AxisBindings maps axis names to concrete dimension values.
// Used to resolve dynamic shapes to concrete shapes at execution time.
type AxisBindings map[string]int

// Key returns a canonical string representation: "name1=val1,name2=val2" with names sorted.
// Returns an empty string for empty or nil bindings.
func (ab AxisBindings) Key() string {
	if len(ab) == 0 {
		return ""
	}
	names := make([]string, 0, len(ab))
	for name := range ab {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, ab[name])
	}
	return strings.Join(parts, ",")
}

// Clone returns a copy of the bindings.
func (ab AxisBindings) Clone() AxisBindings {
	if ab == nil {
		return nil
	}
	clone := make(AxisBindings, len(ab))
	for k, v := range ab {
		clone[k] = v
	}
	return clone
}

// Match checks that the concrete shape is an instance of the pattern, and records the values of the
// pattern's named axes in ab.
//
// It returns an error if:
//   - the concrete shape has unknown dimensions;
//   - ranks or dtypes differ;
//   - a static dimension of the pattern differs from the concrete one;
//   - a named axis was already bound (by this or a previous call) to a different value.
//
// Layouts are not compared.
func (ab AxisBindings) Match(pattern, concrete Shape) error {
	if !concrete.IsFullyConcrete() {
		return errors.Errorf("shape %s is not fully concrete", concrete)
	}
	if pattern.Rank() != concrete.Rank() {
		return errors.Errorf("rank mismatch: declared %s, got %s", pattern, concrete)
	}
	if pattern.DType != concrete.DType {
		return errors.Errorf("dtype mismatch: declared %s, got %s", pattern, concrete)
	}
	for axis, dim := range pattern.Dimensions {
		value := concrete.Dimensions[axis]
		if name := pattern.AxisName(axis); name != "" {
			if existing, found := ab[name]; found && existing != value {
				return errors.Errorf("axis %q bound to %d, but %s has %d at axis #%d",
					name, existing, concrete, value, axis)
			}
			ab[name] = value
		}
		if dim != DimDynamic && dim != value {
			return errors.Errorf("dimension of axis #%d mismatch: declared %s, got %s", axis, pattern, concrete)
		}
	}
	return nil
}

// Resolve replaces named axes with concrete values from bindings.
// A named axis without a binding stays as it is. The receiver is not modified.
func (s Shape) Resolve(bindings AxisBindings) Shape {
	result := s.Clone()
	if !s.HasNamedAxes() || len(bindings) == 0 {
		return result
	}
	for axis, name := range s.AxisNames {
		if value, found := bindings[name]; found && name != "" {
			result.Dimensions[axis] = value
		}
	}
	return result
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"strconv"
	"strings"
)

// Signature returns a canonical string of all the facts of the shapes that a compiled plan depends on:
// dtypes, dimensions and layouts. Axis names are left out.
//
// Two lists of shapes have the same signature if and only if they are pairwise Equal.
func Signature(shapes ...Shape) string {
	var sb strings.Builder
	for ii, s := range shapes {
		if ii > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(s.DType.String())
		sb.WriteByte('[')
		for axis, dim := range s.Dimensions {
			if axis > 0 {
				sb.WriteByte(',')
			}
			if dim == DimDynamic {
				sb.WriteByte('?')
			} else {
				sb.WriteString(strconv.Itoa(dim))
			}
		}
		sb.WriteByte(']')
		if s.Layout.Kind == LayoutAny || s.Layout.IsCanonical(s.Rank()) {
			// Canonical plain and unconstrained are kept apart, since a plan never binds LayoutAny.
			sb.WriteString(s.Layout.Kind.String())
		} else {
			sb.WriteString(s.Layout.String())
		}
	}
	return sb.String()
}

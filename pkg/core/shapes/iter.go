// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"iter"

	"github.com/gomlx/exceptions"
)

// Iter iterates sequentially (row-major) over all logical indices of the given concrete shape.
//
// It yields the logical flat index (counter) and a slice of indices for each axis.
// The yielded slice is owned by Iter: don't change it inside the loop.
func (s Shape) Iter() iter.Seq2[int, []int] {
	if !s.IsFullyConcrete() {
		exceptions.Panicf("Shape.Iter() requires a fully concrete shape, got %s", s)
	}
	indices := make([]int, s.Rank())
	return func(yield func(int, []int) bool) {
		if s.IsZeroSize() {
			return
		}
		rank := s.Rank()
		flatIdx := 0
		for {
			if !yield(flatIdx, indices) {
				return
			}
			flatIdx++
			axis := rank - 1
			for ; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					break
				}
				indices[axis] = 0
			}
			if axis < 0 {
				return
			}
		}
	}
}

// Offset returns the position in the flat storage of the element at the given logical indices.
// It requires a fully concrete shape.
func (s Shape) Offset(indices []int) int {
	return s.Layout.Offset(s.Dimensions, indices)
}

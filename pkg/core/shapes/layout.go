// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// LayoutKind enumerates the families of physical memory layouts.
type LayoutKind int

const (
	// LayoutAny means the layout is not constrained yet. It is only valid during negotiation,
	// a compiled plan always binds a concrete layout.
	LayoutAny LayoutKind = iota

	// LayoutPlain is a dense layout, with the axes stored in Layout.Order (outermost first).
	// With the identity order (or a nil Order) this is the canonical row-major layout.
	LayoutPlain

	// LayoutBlocked splits Layout.BlockedAxis into blocks of Layout.BlockSize elements stored innermost
	// (e.g. "nChw16c"). The blocked axis is padded to a multiple of the block size.
	LayoutBlocked

	// LayoutStrided uses an explicit stride (in elements) per axis.
	LayoutStrided
)

// String implements fmt.Stringer.
func (k LayoutKind) String() string {
	switch k {
	case LayoutAny:
		return "any"
	case LayoutPlain:
		return "plain"
	case LayoutBlocked:
		return "blocked"
	case LayoutStrided:
		return "strided"
	default:
		return fmt.Sprintf("LayoutKind(%d)", int(k))
	}
}

// Layout describes how the logical elements of a tensor are placed in memory.
type Layout struct {
	Kind LayoutKind

	// Order of the axes, outermost first. Used by LayoutPlain and LayoutBlocked, nil means identity.
	Order []int

	// BlockedAxis and BlockSize are used by LayoutBlocked.
	BlockedAxis, BlockSize int

	// Strides are used by LayoutStrided, one per axis, in number of elements.
	Strides []int
}

// Any returns the unconstrained layout.
func Any() Layout { return Layout{Kind: LayoutAny} }

// Plain returns the canonical row-major layout.
func Plain() Layout { return Layout{Kind: LayoutPlain} }

// PlainOrder returns a dense layout with the axes stored in the given order, outermost first.
func PlainOrder(order ...int) Layout {
	return Layout{Kind: LayoutPlain, Order: slices.Clone(order)}
}

// Blocked returns a blocked layout for the given axis and block size, otherwise row-major.
func Blocked(axis, blockSize int) Layout {
	return Layout{Kind: LayoutBlocked, BlockedAxis: axis, BlockSize: blockSize}
}

// Strided returns a layout with the explicit strides given (in elements).
func Strided(strides ...int) Layout {
	return Layout{Kind: LayoutStrided, Strides: slices.Clone(strides)}
}

// Clone returns a deep copy of the layout.
func (l Layout) Clone() Layout {
	l2 := l
	l2.Order = slices.Clone(l.Order)
	l2.Strides = slices.Clone(l.Strides)
	return l2
}

// AxesOrder returns the order of the axes for the given rank, outermost first.
func (l Layout) AxesOrder(rank int) []int {
	if len(l.Order) == rank {
		return l.Order
	}
	order := make([]int, rank)
	for axis := range order {
		order[axis] = axis
	}
	return order
}

func isIdentity(order []int) bool {
	for ii, axis := range order {
		if ii != axis {
			return false
		}
	}
	return true
}

// IsCanonical returns whether the layout is the row-major dense layout (or unconstrained).
func (l Layout) IsCanonical(rank int) bool {
	switch l.Kind {
	case LayoutAny:
		return true
	case LayoutPlain:
		return isIdentity(l.AxesOrder(rank))
	default:
		return false
	}
}

// IsTransposedLastTwo returns whether l is a dense layout equal to the canonical layout with the last
// two axes swapped. That is how a transposed matrix operand is stored.
func (l Layout) IsTransposedLastTwo(rank int) bool {
	if l.Kind != LayoutPlain || rank < 2 {
		return false
	}
	order := l.AxesOrder(rank)
	for ii := range rank - 2 {
		if order[ii] != ii {
			return false
		}
	}
	return order[rank-2] == rank-1 && order[rank-1] == rank-2
}

// TransposeLastTwo returns the dense layout with the last two axes swapped relative to l's order.
// Only meaningful for LayoutPlain (or LayoutAny, taken as canonical).
func (l Layout) TransposeLastTwo(rank int) Layout {
	order := slices.Clone(l.AxesOrder(rank))
	if rank >= 2 {
		order[rank-2], order[rank-1] = order[rank-1], order[rank-2]
	}
	return PlainOrder(order...)
}

// Validate checks that the layout is consistent with the given rank.
func (l Layout) Validate(rank int) error {
	switch l.Kind {
	case LayoutAny:
		return nil
	case LayoutPlain, LayoutBlocked:
		if l.Order != nil {
			if len(l.Order) != rank {
				return errors.Errorf("layout %s has an order of length %d, expected rank %d", l, len(l.Order), rank)
			}
			seen := make([]bool, rank)
			for _, axis := range l.Order {
				if axis < 0 || axis >= rank || seen[axis] {
					return errors.Errorf("layout %s has an invalid axes order for rank %d", l, rank)
				}
				seen[axis] = true
			}
		}
		if l.Kind == LayoutBlocked {
			if l.BlockedAxis < 0 || l.BlockedAxis >= rank {
				return errors.Errorf("layout %s has blocked axis out of range for rank %d", l, rank)
			}
			if l.BlockSize <= 0 {
				return errors.Errorf("layout %s has invalid block size %d", l, l.BlockSize)
			}
		}
		return nil
	case LayoutStrided:
		if len(l.Strides) != rank {
			return errors.Errorf("layout %s has %d strides, expected rank %d", l, len(l.Strides), rank)
		}
		for _, stride := range l.Strides {
			if stride < 0 {
				return errors.Errorf("layout %s has negative strides", l)
			}
		}
		return nil
	default:
		return errors.Errorf("unknown layout kind %s", l.Kind)
	}
}

// Equal returns whether both layouts place elements identically for tensors of the given rank.
func (l Layout) Equal(l2 Layout, rank int) bool {
	if l.IsCanonical(rank) && l2.IsCanonical(rank) {
		// LayoutAny is only equal to itself.
		return (l.Kind == LayoutAny) == (l2.Kind == LayoutAny)
	}
	if l.Kind != l2.Kind {
		return false
	}
	switch l.Kind {
	case LayoutPlain:
		return slices.Equal(l.AxesOrder(rank), l2.AxesOrder(rank))
	case LayoutBlocked:
		return l.BlockedAxis == l2.BlockedAxis && l.BlockSize == l2.BlockSize &&
			slices.Equal(l.AxesOrder(rank), l2.AxesOrder(rank))
	case LayoutStrided:
		return slices.Equal(l.Strides, l2.Strides)
	}
	return true
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// PhysicalSize returns the number of elements to allocate for a tensor with the given concrete dimensions.
func (l Layout) PhysicalSize(dims []int) int {
	if slices.Contains(dims, 0) {
		return 0
	}
	switch l.Kind {
	case LayoutBlocked:
		size := l.BlockSize
		for axis, dim := range dims {
			if axis == l.BlockedAxis {
				dim = ceilDiv(dim, l.BlockSize)
			}
			size *= dim
		}
		return size
	case LayoutStrided:
		size := 1
		for axis, dim := range dims {
			size += (dim - 1) * l.Strides[axis]
		}
		return size
	default:
		size := 1
		for _, dim := range dims {
			size *= dim
		}
		return size
	}
}

// Offset returns the position in the flat storage of the element at the given logical indices,
// for a tensor with the given concrete dimensions.
func (l Layout) Offset(dims, indices []int) int {
	rank := len(dims)
	switch l.Kind {
	case LayoutStrided:
		offset := 0
		for axis, idx := range indices {
			offset += idx * l.Strides[axis]
		}
		return offset
	case LayoutBlocked:
		order := l.AxesOrder(rank)
		stride := l.BlockSize
		offset := indices[l.BlockedAxis] % l.BlockSize
		for ii := rank - 1; ii >= 0; ii-- {
			axis := order[ii]
			dim, idx := dims[axis], indices[axis]
			if axis == l.BlockedAxis {
				dim, idx = ceilDiv(dim, l.BlockSize), idx/l.BlockSize
			}
			offset += idx * stride
			stride *= dim
		}
		return offset
	default:
		order := l.AxesOrder(rank)
		stride := 1
		offset := 0
		for ii := rank - 1; ii >= 0; ii-- {
			axis := order[ii]
			offset += indices[axis] * stride
			stride *= dims[axis]
		}
		return offset
	}
}

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l.Kind {
	case LayoutPlain:
		if l.Order == nil || isIdentity(l.Order) {
			return "plain"
		}
		return fmt.Sprintf("plain%v", l.Order)
	case LayoutBlocked:
		var sb strings.Builder
		fmt.Fprintf(&sb, "blocked(axis=%d,block=%d)", l.BlockedAxis, l.BlockSize)
		if l.Order != nil && !isIdentity(l.Order) {
			fmt.Fprintf(&sb, "%v", l.Order)
		}
		return sb.String()
	case LayoutStrided:
		return fmt.Sprintf("strided%v", l.Strides)
	default:
		return l.Kind.String()
	}
}

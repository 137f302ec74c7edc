// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/variants"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// LRN defaults.
const (
	DefaultLRNSize  = 5
	DefaultLRNAlpha = 1e-4
	DefaultLRNBeta  = 0.75
	DefaultLRNK     = 1.0
)

// lrnParams are the attributes of an LRN over a [N, C, H, W] input.
type lrnParams struct {
	batch, channels, height, width int
	size                           int
	alpha, beta, k                 float64
	within                         bool
}

func newLRNParams(p *variants.Params) (lrnParams, error) {
	dims := p.Inputs[0].Dimensions
	lp := lrnParams{
		batch: dims[0], channels: dims[1], height: dims[2], width: dims[3],
		size:  p.Attrs.Int(backends.AttrSize, DefaultLRNSize),
		alpha: p.Attrs.Float(backends.AttrAlpha, DefaultLRNAlpha),
		beta:  p.Attrs.Float(backends.AttrBeta, DefaultLRNBeta),
		k:     p.Attrs.Float(backends.AttrK, DefaultLRNK),
	}
	switch region := p.Attrs.Text(backends.AttrRegion, backends.RegionAcross); region {
	case backends.RegionAcross:
	case backends.RegionWithin:
		lp.within = true
	default:
		return lp, errors.Errorf("LRN region must be %q or %q, got %q", backends.RegionAcross, backends.RegionWithin, region)
	}
	return lp, nil
}

// scale returns the factor multiplying the sum of squares: alpha divided by the number of values summed.
func (lp *lrnParams) scale() float64 {
	if lp.within {
		return lp.alpha / float64(lp.size*lp.size)
	}
	return lp.alpha / float64(lp.size)
}

// validateLRN checks the region attribute.
func validateLRN(p *variants.Params) error {
	region := p.Attrs.Text(backends.AttrRegion, backends.RegionAcross)
	if region != backends.RegionAcross && region != backends.RegionWithin {
		return errors.Errorf("LRN region %q not supported", region)
	}
	return nil
}

// validateLRNWithinChannel accepts only normalizations within the channel.
func validateLRNWithinChannel(p *variants.Params) error {
	if region := p.Attrs.Text(backends.AttrRegion, backends.RegionAcross); region != backends.RegionWithin {
		return errors.Errorf("only LRN within the channel is supported, got region %q", region)
	}
	return nil
}

// lrnDispatch processes one [H, W] plane per task.
func (b *Backend) lrnDispatch(p *variants.Params) variants.DispatchConfig {
	dims := p.Inputs[0].Dimensions
	return variants.DispatchConfig{
		Global:      []int{dims[0] * dims[1], dims[2], dims[3]},
		Local:       []int{1, dims[2], dims[3]},
		Parallelism: b.Parallelism(),
	}
}

// buildLRN builds the reference LRN, across or within channels, with a direct sum over the window of
// every element.
func (b *Backend) buildLRN(name string, p *variants.Params) (backends.Executable, error) {
	if computeDType(p.Outputs[0].DType) == dtypes.Float64 {
		return lrnKernel[float64](b, name, p)
	}
	return lrnKernel[float32](b, name, p)
}

func lrnKernel[T constraints.Float](b *Backend, name string, p *variants.Params) (backends.Executable, error) {
	lp, err := newLRNParams(p)
	if err != nil {
		return nil, errors.Wrapf(backends.ErrBuild, "%s: %v", name, err)
	}
	ep, err := newEpilogue[T](p.Outputs[0].DType, p.PostOps)
	if err != nil {
		return nil, err
	}
	final := p.FinalOutputs()[0]
	half := lp.size / 2
	scale := lp.scale()
	return newExecutable(name, func(inputs []*backends.Buffer) []*backends.Buffer {
		x := load[T](inputs[0].Flat())
		values := make([]T, len(x))
		planeSize := lp.height * lp.width
		b.parallelFor(lp.batch*lp.channels, func(plane int) {
			n, c := plane/lp.channels, plane%lp.channels
			for h := range lp.height {
				for w := range lp.width {
					var sum float64
					if lp.within {
						for hh := max(h-half, 0); hh <= min(h+half, lp.height-1); hh++ {
							for ww := max(w-half, 0); ww <= min(w+half, lp.width-1); ww++ {
								v := float64(x[plane*planeSize+hh*lp.width+ww])
								sum += v * v
							}
						}
					} else {
						for cc := max(c-half, 0); cc <= min(c+half, lp.channels-1); cc++ {
							v := float64(x[(n*lp.channels+cc)*planeSize+h*lp.width+w])
							sum += v * v
						}
					}
					idx := plane*planeSize + h*lp.width + w
					values[idx] = T(float64(x[idx]) / math.Pow(lp.k+scale*sum, lp.beta))
				}
			}
		})
		ep.apply(values)
		return []*backends.Buffer{newOutput(final, ep.finish(values))}
	}), nil
}

// buildLRNWithinChannel builds the LRN within the channel with separable window sums: the squares of a
// plane are summed first along the rows, then along the columns, so each element costs O(size)
// instead of O(size²).
func (b *Backend) buildLRNWithinChannel(name string, p *variants.Params) (backends.Executable, error) {
	lp, err := newLRNParams(p)
	if err != nil {
		return nil, errors.Wrapf(backends.ErrBuild, "%s: %v", name, err)
	}
	if !lp.within {
		return nil, errors.Wrapf(backends.ErrBuild, "%s: only LRN within the channel is supported", name)
	}
	ep, err := newEpilogue[float32](p.Outputs[0].DType, p.PostOps)
	if err != nil {
		return nil, err
	}
	final := p.FinalOutputs()[0]
	half := lp.size / 2
	scale := lp.scale()
	return newExecutable(name, func(inputs []*backends.Buffer) []*backends.Buffer {
		x := load[float32](inputs[0].Flat())
		values := make([]float32, len(x))
		planeSize := lp.height * lp.width
		b.parallelFor(lp.batch*lp.channels, func(plane int) {
			src := x[plane*planeSize : (plane+1)*planeSize]
			dst := values[plane*planeSize : (plane+1)*planeSize]
			squares := getScratch[float64](b, planeSize)
			rowSums := getScratch[float64](b, planeSize)
			defer putScratch(b, squares)
			defer putScratch(b, rowSums)
			for ii, v := range src {
				squares[ii] = float64(v) * float64(v)
			}
			for h := range lp.height {
				row := squares[h*lp.width : (h+1)*lp.width]
				for w := range lp.width {
					var sum float64
					for ww := max(w-half, 0); ww <= min(w+half, lp.width-1); ww++ {
						sum += row[ww]
					}
					rowSums[h*lp.width+w] = sum
				}
			}
			for h := range lp.height {
				for w := range lp.width {
					var sum float64
					for hh := max(h-half, 0); hh <= min(h+half, lp.height-1); hh++ {
						sum += rowSums[hh*lp.width+w]
					}
					idx := h*lp.width + w
					dst[idx] = float32(float64(src[idx]) / math.Pow(lp.k+scale*sum, lp.beta))
				}
			}
			ep.apply(dst)
		})
		return []*backends.Buffer{newOutput(final, ep.finish(values))}
	}), nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"slices"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/node"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Prepare makes the plans of every node current for the given shapes of the parameters, building
// them or taking them from the nodes' caches. Nodes are planned as soon as their operands are,
// concurrently, with at most SetParallelism builds at a time.
//
// Run prepares the nodes it executes anyway: Prepare moves the build cost ahead of time.
func (g *Graph) Prepare(ctx context.Context, paramShapes ...shapes.Shape) error {
	if len(paramShapes) != len(g.params) {
		return errors.Errorf("graph %q has %d parameters, got %d shapes", g.name, len(g.params), len(paramShapes))
	}
	index := make(map[*entry]int, len(g.entries))
	ready := make([]chan struct{}, len(g.entries))
	for ii, e := range g.entries {
		index[e] = ii
		ready[ii] = make(chan struct{})
	}
	planned := make([][]shapes.Shape, len(g.entries))

	eg, ctx := errgroup.WithContext(ctx)
	if g.parallelism > 0 {
		eg.SetLimit(g.parallelism)
	}
	for ii, e := range g.entries {
		if e.fusedInto != nil {
			close(ready[ii])
			continue
		}
		eg.Go(func() error {
			inputs := make([]shapes.Shape, len(e.operands))
			for jj, operand := range e.operands {
				if operand.producer == nil {
					inputs[jj] = paramShapes[operand.param]
					continue
				}
				producerIdx := index[g.resolve(operand.producer)]
				select {
				case <-ready[producerIdx]:
				case <-ctx.Done():
					return ctx.Err()
				}
				inputs[jj] = planned[producerIdx][0]
			}
			conversions, err := e.node.ConversionsFor(inputs)
			if err != nil {
				return err
			}
			e.conversions = conversions
			for _, c := range conversions {
				inputs[c.Input] = inputs[c.Input].WithLayout(c.To)
			}
			if _, err := e.node.EnsurePlanCurrent(inputs); err != nil {
				return err
			}
			planned[ii] = e.node.PlannedOutputs()
			close(ready[ii])
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return errors.WithMessagef(err, "graph %q", g.name)
	}
	if klog.V(1).Enabled() {
		klog.Infof("graph %q: prepared %d nodes for %v", g.name, len(g.entries), paramShapes)
	}
	return nil
}

// Run executes the nodes in creation order on the parameters, and returns the buffers of the outputs
// (see Output). Nodes fused into others are not executed: their value is computed by the node they were
// fused into.
func (g *Graph) Run(params ...*backends.Buffer) ([]*backends.Buffer, error) {
	if len(params) != len(g.params) {
		return nil, errors.Errorf("graph %q has %d parameters, got %d buffers", g.name, len(g.params), len(params))
	}
	if len(g.outputs) == 0 {
		return nil, errors.Errorf("graph %q has no outputs", g.name)
	}
	results := make(map[*entry]*backends.Buffer, len(g.entries))
	valueOf := func(v *Value) *backends.Buffer {
		if v.producer == nil {
			return params[v.param]
		}
		return results[g.resolve(v.producer)]
	}
	for _, e := range g.entries {
		if e.fusedInto != nil {
			continue
		}
		inputs := make([]*backends.Buffer, len(e.operands))
		for ii, operand := range e.operands {
			inputs[ii] = valueOf(operand)
		}
		inputShapes := make([]shapes.Shape, len(inputs))
		for ii, input := range inputs {
			inputShapes[ii] = input.Shape()
		}
		conversions, err := e.node.ConversionsFor(inputShapes)
		if err != nil {
			return nil, errors.WithMessagef(err, "graph %q", g.name)
		}
		e.conversions = conversions
		if inputs, err = convert(conversions, inputs); err != nil {
			return nil, errors.WithMessagef(err, "graph %q, node %q", g.name, e.node.Name())
		}
		outputs, err := e.node.Run(inputs...)
		if err != nil {
			return nil, errors.WithMessagef(err, "graph %q", g.name)
		}
		results[e] = outputs[0]
	}
	outputs := make([]*backends.Buffer, len(g.outputs))
	for ii, v := range g.outputs {
		outputs[ii] = valueOf(v)
	}
	return outputs, nil
}

// convert applies the layout conversions required by a node to its inputs.
func convert(conversions []node.Conversion, inputs []*backends.Buffer) ([]*backends.Buffer, error) {
	for _, c := range conversions {
		input := inputs[c.Input]
		if input.Shape().Layout.Equal(c.To, input.Shape().Rank()) {
			continue
		}
		converted, err := input.Relayout(c.To)
		if err != nil {
			return nil, errors.WithMessagef(err, "converting input #%d", c.Input)
		}
		inputs[c.Input] = converted
	}
	return inputs, nil
}

// Conversions returns the layout conversions applied to the inputs of the node producing v in the last
// Prepare or Run. It's nil for parameters, for nodes fused into others, and for nodes whose inputs already
// have the required layouts.
func (g *Graph) Conversions(v *Value) []node.Conversion {
	if v == nil || v.producer == nil || v.producer.fusedInto != nil {
		return nil
	}
	return slices.Clone(v.producer.conversions)
}

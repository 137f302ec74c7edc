// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph builds and runs small graphs of operator nodes.
//
// It's the frontend side of the dispatch engine: it creates the nodes (see package node), tracks which
// nodes consume each value, folds post-op nodes into their producers (see Graph.FuseAll) and drives the
// nodes in creation order, applying the layout conversions they negotiated.
//
// A Graph is not safe for concurrent use.
package graph

import (
	"slices"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/fusion"
	"github.com/gomlx/opdispatch/pkg/core/node"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/gomlx/opdispatch/pkg/core/variants"
	"github.com/gomlx/opdispatch/pkg/core/verbose"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Graph holds the parameters and nodes, in creation order.
type Graph struct {
	name      string
	backend   backends.Backend
	catalogue *variants.Catalogue

	params  []*Value
	entries []*entry
	names   map[string]bool
	outputs []*Value

	fusionDisabled bool
	parallelism    int
	maxCache       int
	maxCacheSet    bool
	observer       node.Observer
}

// entry is a node of the graph with its operands and the entries consuming its output.
type entry struct {
	node      *node.Node
	value     *Value
	operands  []*Value
	consumers []*entry
	fusedInto *entry
	isOutput  bool

	// conversions applied to the inputs in the last Prepare or Run.
	conversions []node.Conversion
}

// Value is a tensor of the graph: a parameter or the output of a node.
type Value struct {
	graph    *Graph
	name     string
	shape    shapes.Shape
	param    int
	producer *entry
}

// Name of the parameter or of the node producing the value.
func (v *Value) Name() string { return v.name }

// Shape returns the declared shape of the value. Dimensions may be dynamic.
func (v *Value) Shape() shapes.Shape {
	if v.producer != nil {
		return v.producer.node.Outputs()[0]
	}
	return v.shape
}

// Node returns the node producing the value, or nil for parameters.
func (v *Value) Node() *node.Node {
	if v.producer == nil {
		return nil
	}
	return v.producer.node
}

// IsParameter returns whether the value is a parameter of the graph.
func (v *Value) IsParameter() bool { return v.producer == nil }

// New creates an empty graph whose nodes use the kernels of the backend: its own catalogue if it
// implements variants.Provider, otherwise variants.Default.
//
// If OPDISPATCH_VERBOSE is set, every node reports its executions to a verbose.Printer.
func New(backend backends.Backend, name string) *Graph {
	g := &Graph{
		name:      name,
		backend:   backend,
		catalogue: variants.Default,
		names:     make(map[string]bool),
	}
	if provider, ok := backend.(variants.Provider); ok {
		g.catalogue = provider.Catalogue()
	}
	if verbose.Enabled {
		printer, err := verbose.FromEnv()
		if err != nil {
			klog.Warningf("graph %q: ignoring %s: %v", name, verbose.EnvVar, err)
		} else if printer != nil {
			g.observer = printer
		}
	}
	return g
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Backend used by the graph.
func (g *Graph) Backend() backends.Backend { return g.backend }

// Catalogue of variants used by the nodes of the graph.
func (g *Graph) Catalogue() *variants.Catalogue { return g.catalogue }

// DisableFusion makes AttachFusionCandidate and FuseAll reject every fusion.
func (g *Graph) DisableFusion() *Graph {
	g.fusionDisabled = true
	return g
}

// SetParallelism sets the maximum number of plans built concurrently by Prepare. Values <= 0 mean no limit.
func (g *Graph) SetParallelism(n int) *Graph {
	g.parallelism = n
	return g
}

// SetMaxCache sets the plan cache size of every node, including the ones created afterward.
func (g *Graph) SetMaxCache(maxSize int) *Graph {
	g.maxCache, g.maxCacheSet = maxSize, true
	for _, e := range g.entries {
		e.node.SetMaxCache(maxSize)
	}
	return g
}

// SetObserver sets the observer of the executions of every node, including the ones created afterward.
// It replaces the one configured by OPDISPATCH_VERBOSE. Use nil to disable.
func (g *Graph) SetObserver(observer node.Observer) *Graph {
	g.observer = observer
	for _, e := range g.entries {
		e.node.SetObserver(observer)
	}
	return g
}

// Parameter adds an input to the graph. Its dimensions may be shapes.DimDynamic.
func (g *Graph) Parameter(name string, shape shapes.Shape) (*Value, error) {
	if err := g.claimName(name); err != nil {
		return nil, err
	}
	v := &Value{graph: g, name: name, shape: shape.Clone(), param: len(g.params)}
	g.params = append(g.params, v)
	return v, nil
}

// Parameters returns the parameters of the graph, in creation order.
func (g *Graph) Parameters() []*Value { return slices.Clone(g.params) }

func (g *Graph) claimName(name string) error {
	if name == "" {
		return errors.Errorf("graph %q: empty name", g.name)
	}
	if g.names[name] {
		return errors.Errorf("graph %q: name %q already used", g.name, name)
	}
	g.names[name] = true
	return nil
}

// CreateNode adds a node computing op over the operands, and returns its output.
// The node's declared inputs are the declared shapes of the operands.
func (g *Graph) CreateNode(name string, op backends.OpType, attrs backends.Attributes, operands ...*Value) (*Value, error) {
	inputs := make([]shapes.Shape, len(operands))
	for ii, operand := range operands {
		if operand == nil || operand.graph != g {
			return nil, errors.Errorf("graph %q: operand #%d of %q doesn't belong to the graph", g.name, ii, name)
		}
		inputs[ii] = operand.Shape()
	}
	if err := g.claimName(name); err != nil {
		return nil, err
	}
	n, err := node.New(g.catalogue, name, op, attrs, inputs, nil)
	if err != nil {
		delete(g.names, name)
		return nil, err
	}
	if len(n.Outputs()) != 1 {
		delete(g.names, name)
		return nil, errors.Errorf("graph %q: node %q has %d outputs, only single output nodes are supported",
			g.name, name, len(n.Outputs()))
	}
	if g.maxCacheSet {
		n.SetMaxCache(g.maxCache)
	}
	if g.observer != nil {
		n.SetObserver(g.observer)
	}
	e := &entry{node: n, operands: slices.Clone(operands)}
	e.value = &Value{graph: g, name: name, param: -1, producer: e}
	for _, operand := range operands {
		if operand.producer != nil {
			producer := g.resolve(operand.producer)
			producer.consumers = append(producer.consumers, e)
		}
	}
	g.entries = append(g.entries, e)
	return e.value, nil
}

// Nodes returns the nodes of the graph in creation order, including the ones fused into others.
func (g *Graph) Nodes() []*node.Node {
	nodes := make([]*node.Node, len(g.entries))
	for ii, e := range g.entries {
		nodes[ii] = e.node
	}
	return nodes
}

// Consumers returns the nodes consuming the value.
func (g *Graph) Consumers(v *Value) []*node.Node {
	if v.producer == nil {
		var nodes []*node.Node
		for _, e := range g.entries {
			if slices.Contains(e.operands, v) {
				nodes = append(nodes, e.node)
			}
		}
		return nodes
	}
	producer := g.resolve(v.producer)
	nodes := make([]*node.Node, len(producer.consumers))
	for ii, e := range producer.consumers {
		nodes[ii] = e.node
	}
	return nodes
}

// Output sets the values returned by Run. A value marked as output can't have its consumer fused into it.
func (g *Graph) Output(values ...*Value) error {
	for ii, v := range values {
		if v == nil || v.graph != g {
			return errors.Errorf("graph %q: output #%d doesn't belong to the graph", g.name, ii)
		}
	}
	for _, v := range g.outputs {
		if v.producer != nil {
			v.producer.isOutput = false
		}
	}
	g.outputs = slices.Clone(values)
	for _, v := range g.outputs {
		if v.producer != nil {
			v.producer.isOutput = true
		}
	}
	return nil
}

// resolve returns the entry executing e: e itself, or the entry it was fused into.
func (g *Graph) resolve(e *entry) *entry {
	for e.fusedInto != nil {
		e = e.fusedInto
	}
	return e
}

// AttachFusionCandidate absorbs the node producing successor as a post-op of the node producing
// producer. It fails, wrapping fusion.ErrFusionRejected, unless:
//
//   - fusion is enabled in the graph;
//   - successor's node reads producer as its only tensor operand;
//   - it's the only consumer of producer, which is not an output of the graph;
//   - the producer's node accepts it (see node.Node.CheckFusion).
//
// After fusion successor and producer refer to the same buffer, computed by producer's node.
func (g *Graph) AttachFusionCandidate(producer, successor *Value) error {
	reject := func(format string, args ...any) error {
		return errors.Wrapf(fusion.ErrFusionRejected, format, args...)
	}
	switch {
	case producer == nil || successor == nil || producer.graph != g || successor.graph != g:
		return errors.Errorf("graph %q: fusion candidates must belong to the graph", g.name)
	case g.fusionDisabled:
		return reject("fusion is disabled in graph %q", g.name)
	case producer.producer == nil:
		return reject("%q is a parameter", producer.name)
	case successor.producer == nil:
		return reject("%q is a parameter", successor.name)
	}
	p, s := g.resolve(producer.producer), successor.producer
	switch {
	case s.fusedInto != nil:
		return reject("%q is already fused", successor.name)
	case len(s.operands) != 1 || s.operands[0].producer == nil || g.resolve(s.operands[0].producer) != p:
		return reject("%q must read %q as its only tensor operand", successor.name, producer.name)
	case p.isOutput:
		return reject("%q is an output of the graph", producer.name)
	case len(p.consumers) != 1 || p.consumers[0] != s:
		return reject("%q has %d consumers, it must be consumed only by %q", producer.name, len(p.consumers), successor.name)
	}
	if err := p.node.Fuse(s.node); err != nil {
		return err
	}
	s.fusedInto = p
	p.consumers = s.consumers
	s.consumers = nil
	p.isOutput = p.isOutput || s.isOutput
	if klog.V(1).Enabled() {
		klog.Infof("graph %q: fused %q into %q, post-ops %s", g.name, s.node.Name(), p.node.Name(), p.node.PostOps())
	}
	return nil
}

// FuseAll walks the nodes in creation order and fuses each node's sole consumer into it while possible.
// Rejected fusions are not errors: the consumer is simply executed on its own. It returns the number of
// nodes fused.
func (g *Graph) FuseAll() (int, error) {
	if g.fusionDisabled {
		return 0, nil
	}
	var fused int
	for _, e := range g.entries {
		if e.fusedInto != nil {
			continue
		}
		for len(e.consumers) == 1 && !e.isOutput {
			successor := e.consumers[0]
			if _, isPostOp := fusion.KindOf(successor.node.Op()); !isPostOp {
				break
			}
			err := g.AttachFusionCandidate(e.value, successor.value)
			if err != nil {
				if errors.Is(err, fusion.ErrFusionRejected) {
					if klog.V(1).Enabled() {
						klog.Infof("graph %q: %v", g.name, err)
					}
					break
				}
				return fused, err
			}
			fused++
		}
	}
	return fused, nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"slices"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/graph"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Scenario describes a graph to benchmark and the shapes to sweep its parameters over.
type Scenario struct {
	Name       string             `yaml:"name"`
	Parameters []ParameterSpec    `yaml:"parameters"`
	Nodes      []NodeSpec         `yaml:"nodes"`
	Outputs    []string           `yaml:"outputs"`
	Sweep      []map[string][]int `yaml:"sweep"`
}

// ParameterSpec declares a parameter: dimensions of -1 are dynamic, and set by each sweep step.
type ParameterSpec struct {
	Name       string      `yaml:"name"`
	DType      string      `yaml:"dtype"`
	Dimensions []int       `yaml:"shape"`
	Layout     *LayoutSpec `yaml:"layout,omitempty"`
}

// LayoutSpec is a physical layout: "plain" (with an optional axes order) or "blocked".
type LayoutSpec struct {
	Kind      string `yaml:"kind"`
	Order     []int  `yaml:"order,omitempty"`
	Axis      int    `yaml:"axis,omitempty"`
	BlockSize int    `yaml:"block,omitempty"`
}

// NodeSpec declares a node: operator, attributes and operands (names of parameters or previous nodes).
type NodeSpec struct {
	Name   string         `yaml:"name"`
	Op     string         `yaml:"op"`
	Inputs []string       `yaml:"inputs"`
	Attrs  map[string]any `yaml:"attrs,omitempty"`
}

// defaultScenario is used when no -scenario is given: a small MLP block with a quantized output,
// and an LRN branch.
const defaultScenario = `
name: mlp_block
parameters:
  - {name: x, dtype: Float32, shape: [-1, 256]}
  - {name: w1, dtype: Float32, shape: [256, 512]}
  - {name: w2, dtype: Float32, shape: [128, 512]}
  - {name: image, dtype: Float32, shape: [-1, 16, 28, 28]}
nodes:
  - {name: fc1, op: MatMul, inputs: [x, w1]}
  - {name: act1, op: GeLU, inputs: [fc1]}
  - {name: fc2, op: MatMul, inputs: [act1, w2], attrs: {transpose_b: true}}
  - {name: relu2, op: ReLU, inputs: [fc2]}
  - {name: quant, op: Quantize, inputs: [relu2], attrs: {scale: 0.05, zero_point: 0, dtype: Uint8}}
  - {name: lrn, op: LRN, inputs: [image], attrs: {size: 5, region: within}}
  - {name: scaled, op: Linear, inputs: [lrn], attrs: {alpha: 0.5, beta: 0.1}}
outputs: [quant, scaled]
sweep:
  - {x: [1, 256], image: [1, 16, 28, 28]}
  - {x: [16, 256], image: [2, 16, 28, 28]}
  - {x: [64, 256], image: [4, 16, 28, 28]}
  - {x: [1, 256], image: [1, 16, 28, 28]}
`

// ParseScenario parses a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	s := &Scenario{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, errors.Wrap(err, "failed to parse scenario")
	}
	if len(s.Nodes) == 0 {
		return nil, errors.Errorf("scenario %q has no nodes", s.Name)
	}
	if len(s.Outputs) == 0 {
		s.Outputs = []string{s.Nodes[len(s.Nodes)-1].Name}
	}
	if len(s.Sweep) == 0 {
		s.Sweep = []map[string][]int{{}}
	}
	return s, nil
}

// LoadScenario reads the scenario from a file, or returns the default one if path is empty.
func LoadScenario(path string) (*Scenario, error) {
	if path == "" {
		return ParseScenario([]byte(defaultScenario))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read scenario from %q", path)
	}
	return ParseScenario(data)
}

func (l *LayoutSpec) layout() (shapes.Layout, error) {
	if l == nil {
		return shapes.Plain(), nil
	}
	switch l.Kind {
	case "", "plain":
		if len(l.Order) > 0 {
			return shapes.PlainOrder(l.Order...), nil
		}
		return shapes.Plain(), nil
	case "blocked":
		return shapes.Blocked(l.Axis, l.BlockSize), nil
	}
	return shapes.Layout{}, errors.Errorf("unknown layout kind %q", l.Kind)
}

func (p *ParameterSpec) shape() (shapes.Shape, error) {
	dtype, err := dtypes.Parse(p.DType)
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "parameter %q", p.Name)
	}
	layout, err := p.Layout.layout()
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "parameter %q", p.Name)
	}
	shape := shapes.Make(dtype, p.Dimensions...).WithLayout(layout)
	if err := layout.Validate(shape.Rank()); err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "parameter %q", p.Name)
	}
	return shape, nil
}

// Build creates the graph of the scenario.
func (s *Scenario) Build(backend backends.Backend) (*graph.Graph, error) {
	g := graph.New(backend, s.Name)
	values := make(map[string]*graph.Value)
	for _, p := range s.Parameters {
		shape, err := p.shape()
		if err != nil {
			return nil, err
		}
		v, err := g.Parameter(p.Name, shape)
		if err != nil {
			return nil, err
		}
		values[p.Name] = v
	}
	for _, spec := range s.Nodes {
		op, err := backends.OpTypeString(spec.Op)
		if err != nil {
			return nil, errors.Wrapf(err, "node %q", spec.Name)
		}
		operands := make([]*graph.Value, len(spec.Inputs))
		for ii, name := range spec.Inputs {
			operands[ii] = values[name]
			if operands[ii] == nil {
				return nil, errors.Errorf("node %q: unknown input %q", spec.Name, name)
			}
		}
		v, err := g.CreateNode(spec.Name, op, backends.Attributes(spec.Attrs), operands...)
		if err != nil {
			return nil, err
		}
		values[spec.Name] = v
	}
	outputs := make([]*graph.Value, len(s.Outputs))
	for ii, name := range s.Outputs {
		outputs[ii] = values[name]
		if outputs[ii] == nil {
			return nil, errors.Errorf("unknown output %q", name)
		}
	}
	if err := g.Output(outputs...); err != nil {
		return nil, err
	}
	return g, nil
}

// StepShapes returns the concrete shapes of the parameters for a sweep step: dimensions given in the step
// replace the declared ones.
func (s *Scenario) StepShapes(g *graph.Graph, step map[string][]int) ([]shapes.Shape, error) {
	params := g.Parameters()
	result := make([]shapes.Shape, len(params))
	for ii, param := range params {
		shape := param.Shape().Clone()
		if dims, found := step[param.Name()]; found {
			if len(dims) != shape.Rank() {
				return nil, errors.Errorf("sweep step for %q has rank %d, declared %s", param.Name(), len(dims), shape)
			}
			shape.Dimensions = slices.Clone(dims)
		}
		if !shape.IsFullyConcrete() {
			return nil, errors.Errorf("sweep step doesn't set the dynamic dimensions of %q: %s", param.Name(), shape)
		}
		result[ii] = shape
	}
	return result, nil
}

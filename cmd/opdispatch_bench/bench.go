// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/fusion"
	"github.com/gomlx/opdispatch/pkg/core/node"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/gomlx/opdispatch/pkg/core/verbose"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Options of a benchmark.
type Options struct {
	Runs        int
	Fusion      bool
	Parallelism int
	Progress    bool
}

// Report of a benchmark.
type Report struct {
	Scenario string
	Fused    int
	Steps    []*StepReport
}

// StepReport holds the statistics of one step of the sweep.
type StepReport struct {
	Shapes  []shapes.Shape
	Prepare time.Duration
	Nodes   []*NodeStats
}

// NodeStats are the executions of a node during one step.
type NodeStats struct {
	Node     string
	Op       backends.OpType
	Variant  string
	PlanID   string
	Fused    fusion.Chain
	Unfused  fusion.Chain
	Dispatch backends.DispatchConfig
	Build    time.Duration
	Runs     int
	Run      time.Duration
	OutBytes uint64
}

// AverageRun returns the average duration of the executions.
func (s *NodeStats) AverageRun() time.Duration {
	if s.Runs == 0 {
		return 0
	}
	return s.Run / time.Duration(s.Runs)
}

// collector implements node.Observer, accumulating NodeStats, and forwards the executions to next.
type collector struct {
	mu    sync.Mutex
	next  node.Observer
	stats map[string]*NodeStats
	order []*NodeStats
}

func (c *collector) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = make(map[string]*NodeStats)
	c.order = nil
}

// ExecuteStart implements node.Observer.
func (c *collector) ExecuteStart(name string, op backends.OpType) {
	if c.next != nil {
		c.next.ExecuteStart(name, op)
	}
}

// ExecuteEnd implements node.Observer.
func (c *collector) ExecuteEnd(s *node.Snapshot) {
	if c.next != nil {
		c.next.ExecuteEnd(s)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	stats, found := c.stats[s.Node]
	if !found {
		stats = &NodeStats{
			Node:     s.Node,
			Op:       s.Op,
			Variant:  s.Variant,
			PlanID:   s.PlanID.String(),
			Fused:    s.PostOps,
			Unfused:  s.Unfused,
			Dispatch: s.Dispatch,
			Build:    s.BuildTime,
		}
		for _, output := range s.Outputs {
			stats.OutBytes += uint64(output.Memory())
		}
		c.stats[s.Node] = stats
		c.order = append(c.order, stats)
	}
	stats.Runs++
	stats.Run += s.RunTime
}

// Bench builds the graph of the scenario and, for each step of its sweep, prepares it and runs it
// opts.Runs times on random inputs.
func Bench(backend backends.Backend, scenario *Scenario, opts Options) (*Report, error) {
	g, err := scenario.Build(backend)
	if err != nil {
		return nil, err
	}
	if !opts.Fusion {
		g.DisableFusion()
	}
	g.SetParallelism(opts.Parallelism)
	report := &Report{Scenario: scenario.Name}
	if report.Fused, err = g.FuseAll(); err != nil {
		return nil, err
	}

	c := &collector{}
	if verbose.Enabled {
		if printer, err := verbose.FromEnv(); err != nil {
			klog.Warningf("Ignoring %s: %v", verbose.EnvVar, err)
		} else if printer != nil {
			c.next = printer
		}
	}
	g.SetObserver(c)

	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = progressbar.NewOptions(len(scenario.Sweep)*opts.Runs,
			progressbar.OptionSetDescription(scenario.Name),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish())
		defer func() { _ = bar.Finish() }()
	}
	rng := rand.New(rand.NewPCG(0, 0))
	for stepIdx, step := range scenario.Sweep {
		stepShapes, err := scenario.StepShapes(g, step)
		if err != nil {
			return nil, errors.WithMessagef(err, "sweep step #%d", stepIdx)
		}
		start := time.Now()
		if err := g.Prepare(context.Background(), stepShapes...); err != nil {
			return nil, errors.WithMessagef(err, "sweep step #%d", stepIdx)
		}
		prepare := time.Since(start)
		inputs := make([]*backends.Buffer, len(stepShapes))
		for ii, shape := range stepShapes {
			if inputs[ii], err = randomBuffer(rng, shape); err != nil {
				return nil, err
			}
		}
		c.reset()
		for range opts.Runs {
			if _, err := g.Run(inputs...); err != nil {
				return nil, errors.WithMessagef(err, "sweep step #%d", stepIdx)
			}
			if bar != nil {
				_ = bar.Add(1)
			}
		}
		report.Steps = append(report.Steps, &StepReport{Shapes: stepShapes, Prepare: prepare, Nodes: c.order})
	}
	return report, nil
}

// randomBuffer returns a buffer with values uniformly distributed in [-1, 1).
func randomBuffer(rng *rand.Rand, shape shapes.Shape) (*backends.Buffer, error) {
	n := shape.Size()
	switch shape.DType {
	case dtypes.Float16:
		values := make([]float16.Float16, n)
		for ii := range values {
			values[ii] = float16.Fromfloat32(rng.Float32()*2 - 1)
		}
		return backends.FromValues(shape, values)
	case dtypes.Float32:
		values := make([]float32, n)
		for ii := range values {
			values[ii] = rng.Float32()*2 - 1
		}
		return backends.FromValues(shape, values)
	case dtypes.Float64:
		values := make([]float64, n)
		for ii := range values {
			values[ii] = rng.Float64()*2 - 1
		}
		return backends.FromValues(shape, values)
	}
	return nil, errors.Errorf("random values of dtype %s not supported", shape.DType)
}

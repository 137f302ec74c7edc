// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// opdispatch_bench builds the graph of a scenario, prepares and runs it for each step of a sweep of
// parameter shapes, and reports for every node the variant chosen, the fused post-ops, the dispatch
// and the build and run times.
//
// Usage:
//
//	opdispatch_bench [-backend=go:parallelism=4] [-scenario=scenario.yaml] [-runs=10] [-nofusion]
//
// Without -scenario it runs a built-in MLP block. Set OPDISPATCH_VERBOSE to also print every execution.
package main

import (
	"flag"
	"os"

	"github.com/gomlx/opdispatch/backends"
	_ "github.com/gomlx/opdispatch/backends/simplego"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagBackend = flag.String("backend", "",
		"Backend configuration, formatted as \"<backend>:<config>\", e.g. \"go:parallelism=4\". "+
			"If empty, $"+backends.ConfigEnvVar+" or the first registered backend is used.")
	flagScenario = flag.String("scenario", "", "YAML file describing the graph and the sweep of shapes. "+
		"If empty a built-in MLP block is used.")
	flagRuns        = flag.Int("runs", 10, "Number of executions per step of the sweep.")
	flagNoFusion    = flag.Bool("nofusion", false, "Disable the fusion of post-op nodes into their producers.")
	flagParallelism = flag.Int("prepare_parallelism", 0, "Maximum number of plans built concurrently, 0 for no limit.")
	flagProgress    = flag.Bool("progress", true, "Display a progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	backend := must.M1(newBackend(*flagBackend))
	defer backend.Finalize()
	scenario := must.M1(LoadScenario(*flagScenario))
	report, err := Bench(backend, scenario, Options{
		Runs:        *flagRuns,
		Fusion:      !*flagNoFusion,
		Parallelism: *flagParallelism,
		Progress:    *flagProgress,
	})
	if err != nil {
		klog.Errorf("Benchmark of %q failed: %+v", scenario.Name, err)
		os.Exit(1)
	}
	PrintReport(os.Stdout, backend, report)
}

func newBackend(config string) (backends.Backend, error) {
	if config == "" {
		return backends.New()
	}
	return backends.NewWithConfig(config)
}

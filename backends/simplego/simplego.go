// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, and not very fast, but very portable backend written in pure Go.
//
// It provides its own catalogue of kernel variants (see Backend.Catalogue): a reference kernel for every
// operator and dtype it supports, plus a few optimized ones (a blocked float32 MatMul, a vectorized
// float32 ReLU and a within-channel LRN).
//
// The configuration is a comma-separated list of options:
//
//   - "parallelism=N": number of workers used by the parallel kernels. 0 runs everything in the calling
//     goroutine, -1 means unlimited. The default is the number of CPUs.
//   - "maxrank=N": the largest rank accepted by the optimized MatMul. The default is 4.
//
// E.g.: OPDISPATCH_BACKEND="go:parallelism=4,maxrank=3".
package simplego

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/internal/workerspool"
	"github.com/gomlx/opdispatch/pkg/core/variants"
	"github.com/pkg/errors"
)

// BackendName to be used in OPDISPATCH_BACKEND to specify this backend.
const BackendName = "go"

// DefaultMaxRank is the default largest rank accepted by the optimized MatMul.
const DefaultMaxRank = 4

// Registers New() as the constructor for the "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new SimpleGo Backend. See the package documentation for the configuration.
func New(config string) (backends.Backend, error) {
	return newBackend(config)
}

func newBackend(config string) (*Backend, error) {
	b := &Backend{
		config:  config,
		maxRank: DefaultMaxRank,
	}
	parallelism := 0
	for _, option := range strings.Split(config, ",") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, found := strings.Cut(option, "=")
		if !found {
			return nil, errors.Errorf("backend %q: invalid option %q, options take the form key=value", BackendName, option)
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, errors.Wrapf(err, "backend %q: invalid value for option %q", BackendName, key)
		}
		switch strings.TrimSpace(key) {
		case "parallelism":
			if n < -1 {
				return nil, errors.Errorf("backend %q: parallelism must be >= -1, got %d", BackendName, n)
			}
			parallelism = n
			if n == 0 {
				// Sequential: a pool of 1 runs every task in the calling goroutine.
				parallelism = 1
			}
		case "maxrank":
			if n < 2 {
				return nil, errors.Errorf("backend %q: maxrank must be >= 2, got %d", BackendName, n)
			}
			b.maxRank = n
		default:
			return nil, errors.Errorf("backend %q: unknown option %q", BackendName, key)
		}
	}
	b.workers = workerspool.New(parallelism)
	b.catalogue = b.newCatalogue()
	return b, nil
}

// Backend implements the backends.Backend interface, and variants.Provider.
type Backend struct {
	config  string
	workers *workerspool.Pool
	maxRank int

	catalogue *variants.Catalogue

	// scratchPools are a map to pools of scratch slices that can be reused.
	// The underlying type is map[scratchKey]*sync.Pool.
	scratchPools sync.Map

	mu        sync.Mutex
	finalized bool
}

// Compile-time checks.
var (
	_ backends.Backend  = (*Backend)(nil)
	_ variants.Provider = (*Backend)(nil)
)

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return "SimpleGo (go)"
}

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("Simple Go Portable Backend (parallelism=%d, maxrank=%d)", b.Parallelism(), b.maxRank)
}

// Capabilities returns information about what is supported by this backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities
}

// Catalogue implements variants.Provider: the kernels of this backend.
func (b *Backend) Catalogue() *variants.Catalogue {
	return b.catalogue
}

// Parallelism returns the number of workers used by the parallel kernels.
func (b *Backend) Parallelism() int {
	if b.workers.IsUnlimited() {
		return runtime.NumCPU()
	}
	return b.workers.MaxParallelism()
}

// MaxRank returns the largest rank accepted by the optimized MatMul.
func (b *Backend) MaxRank() int { return b.maxRank }

// Finalize releases the pooled scratch memory. Executables built before remain usable.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.finalized = true
	b.scratchPools.Clear()
}

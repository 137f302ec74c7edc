// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/opdispatch/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// executable implements backends.Executable for the kernels of this backend.
// Kernels report errors by panicking: Run converts the panics to errors wrapping backends.ErrRuntime.
type executable struct {
	name string
	run  func(inputs []*backends.Buffer) []*backends.Buffer
}

var _ backends.Executable = (*executable)(nil)

func newExecutable(name string, run func(inputs []*backends.Buffer) []*backends.Buffer) *executable {
	return &executable{name: name, run: run}
}

// Run implements backends.Executable.
func (e *executable) Run(inputs []*backends.Buffer) (outputs []*backends.Buffer, err error) {
	run := e.run
	if run == nil {
		return nil, errors.Wrapf(backends.ErrRuntime, "kernel %q was finalized", e.name)
	}
	err = exceptions.TryCatch[error](func() { outputs = run(inputs) })
	if err != nil {
		return nil, errors.Wrapf(backends.ErrRuntime, "kernel %q failed: %v", e.name, err)
	}
	return outputs, nil
}

// Finalize implements backends.Executable.
func (e *executable) Finalize() {
	if klog.V(3).Enabled() {
		klog.Infof("simplego: finalizing kernel %q", e.name)
	}
	e.run = nil
}

// minParallelizeChunk is the minimum number of elements to parallelize over.
const minParallelizeChunk = 4096

// parallelChunks calls fn over consecutive ranges [start, end) covering [0, n), with at least chunk
// elements each (except the last), using the backend workers.
// Panics in fn are re-raised in the calling goroutine.
func (b *Backend) parallelChunks(n, chunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	chunk = max(chunk, 1)
	numChunks := (n + chunk - 1) / chunk
	if numChunks == 1 {
		fn(0, n)
		return
	}
	b.parallelFor(numChunks, func(ii int) {
		fn(ii*chunk, min((ii+1)*chunk, n))
	})
}

// parallelFor calls fn(ii) for ii in [0, n) using the backend workers.
// Panics in fn are re-raised in the calling goroutine.
func (b *Backend) parallelFor(n int, fn func(ii int)) {
	err := b.workers.ForEach(n, func(ii int) error {
		return exceptions.TryCatch[error](func() { fn(ii) })
	})
	if err != nil {
		panic(err)
	}
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

// Executable is the API for compiled operators ready to execute, the handle produced by a kernel variant.
//
// Its internal representation is opaque to the dispatch engine.
type Executable interface {
	// Run the executable. The number and shapes (including layouts) of the inputs must match those the
	// executable was built for. Errors should wrap ErrRuntime.
	Run(inputs []*Buffer) ([]*Buffer, error)

	// Finalize immediately frees resources associated to the executable.
	Finalize()
}

// ExecutableFn adapts a function to the Executable interface, with a no-op Finalize.
type ExecutableFn func(inputs []*Buffer) ([]*Buffer, error)

// Run implements Executable.
func (fn ExecutableFn) Run(inputs []*Buffer) ([]*Buffer, error) { return fn(inputs) }

// Finalize implements Executable.
func (fn ExecutableFn) Finalize() {}

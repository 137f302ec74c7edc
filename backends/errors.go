// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/pkg/errors"

var (
	// ErrNotImplemented is returned (wrapped) by a backend for an operation or dtype it does not support.
	ErrNotImplemented = errors.New("not implemented")

	// ErrBuild is wrapped by errors reported while compiling an executable for a concrete configuration.
	ErrBuild = errors.New("backend build failed")

	// ErrRuntime is wrapped by errors reported while running a compiled executable.
	ErrRuntime = errors.New("backend run failed")

	// ErrInvalidAttribute is wrapped by the errors of attributes set with a value of the wrong type,
	// see Attributes.Validate.
	ErrInvalidAttribute = errors.New("invalid attribute")
)

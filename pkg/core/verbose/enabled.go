// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !noverbose

package verbose

// Enabled is false when building with the "noverbose" tag, in which case observers are compiled out
// of the execution path.
const Enabled = true

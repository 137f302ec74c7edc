// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plan

import (
	"time"

	"github.com/gomlx/opdispatch/backends"
	"github.com/gomlx/opdispatch/pkg/core/dtypes"
	"github.com/gomlx/opdispatch/pkg/core/fusion"
	"github.com/gomlx/opdispatch/pkg/core/shapes"
	"github.com/google/uuid"
)

// Snapshot is a read-only report of one execution of a node, for observers.
// Nothing in the dispatch engine depends on it being consumed.
type Snapshot struct {
	Node    string
	Op      backends.OpType
	Variant string
	PlanID  uuid.UUID

	Dispatch backends.DispatchConfig

	// Precision is the dtype the operator computes in.
	Precision dtypes.DType

	// PostOps fused in the plan, and Unfused the ones executed as separate steps.
	PostOps, Unfused fusion.Chain

	Inputs, Outputs []shapes.Shape

	// CacheHit is set if the plan was not built for this execution.
	CacheHit bool

	BuildTime, RunTime time.Duration
}

// Observer is called around every execution of a node.
type Observer interface {
	// ExecuteStart is called before running the node.
	ExecuteStart(node string, op backends.OpType)

	// ExecuteEnd is called after a successful execution.
	ExecuteEnd(s *Snapshot)
}

// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"context"

	"ledgerStore/pkg/health"
)

// HealthChecker reports whether the durable root pointer agrees with the
// engine's committed root.
type HealthChecker struct {
	engine *Engine
}

// NewHealthChecker creates a health checker for e
func NewHealthChecker(e *Engine) *HealthChecker {
	return &HealthChecker{engine: e}
}

// Name implements health.Checker.
func (c *HealthChecker) Name() string { return "state_engine" }

// Check implements health.Checker.
func (c *HealthChecker) Check(ctx context.Context) health.Result {
	if err := ctx.Err(); err != nil {
		return health.Unhealthy("%v", err)
	}

	current := c.engine.CurrentRoot()
	head, ok, err := c.engine.index.ReadHead()
	if err != nil {
		return health.Unhealthy("failed to read current state root: %v", err)
	}
	if !ok {
		return health.Unhealthy("no committed state root")
	}

	var res health.Result
	if head != current {
		// a commit may be between pointer write and the in-memory update
		res = health.Degraded("durable root differs from in-memory root")
	} else {
		res = health.Healthy("committed root is durable")
	}
	return res.
		With("root", string(current)).
		With("durable_root", string(head)).
		With("state", c.engine.State().String())
}

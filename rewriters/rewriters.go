/*
 *	Copyright 2024 The graphrt Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package rewriters implements the optimization passes that mutate a graph
// in place before execution, and the fixed-point driver that applies them.
//
// A Pass performs one full scan of the graph and reports whether it changed
// anything. Passes are applied repeatedly until a full round reports no
// modification, which is what makes chains of rewrite opportunities (the
// output of one rewrite becoming a candidate for the next) correct without
// relying on any same-scan ordering subtlety.
package rewriters

import (
	"k8s.io/klog/v2"

	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/types/status"
)

// Pass is a single graph-rewriting optimization. Apply scans the resolved
// graph once, applies every non-overlapping rewrite it finds, and reports
// whether the graph was modified. A non-matching candidate is a skip, never
// an error; errors are reserved for rewrites that left the graph invalid.
//
// Apply must leave the graph resolved when it returns with modified == true.
type Pass interface {
	// Name identifies the pass in logs.
	Name() string

	// Apply runs one scan over g.
	Apply(g *graph.Graph) (modified bool, err error)
}

// maxRounds caps the fixed-point iteration: a pass that keeps reporting
// modifications beyond this is cycling, not converging.
const maxRounds = 128

// FixedPoint applies the given passes in order, repeatedly, until one full
// round reports no modification. The graph is resolved before the first
// round if needed.
//
// Any error from a pass, or a failure to converge, is returned as-is: a
// Resolve failure after a rewrite batch indicates the rewrite produced an
// invalid graph and must surface, never be swallowed.
func FixedPoint(g *graph.Graph, passes ...Pass) error {
	if !g.IsResolved() {
		if err := g.Resolve(); err != nil {
			return err
		}
	}
	for round := 0; round < maxRounds; round++ {
		anyModified := false
		for _, pass := range passes {
			modified, err := pass.Apply(g)
			if err != nil {
				return status.Wrapf(status.CodeOf(err), err, "pass %q failed on graph %q", pass.Name(), g.Name())
			}
			if modified {
				klog.V(1).Infof("pass %q modified graph %q (round %d)", pass.Name(), g.Name(), round)
				anyModified = true
			}
		}
		if !anyModified {
			return nil
		}
	}
	return status.Errorf(status.StructuralError,
		"optimization of graph %q did not converge after %d rounds", g.Name(), maxRounds)
}

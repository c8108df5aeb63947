// Copyright 2026 The gVisor Authors.
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

package interp

import (
	"gvisor.dev/x86core/pkg/intercept"
	"gvisor.dev/x86core/pkg/metric"
	"gvisor.dev/x86core/pkg/x86"
)

// Metrics counts the instructions executed by an Engine.
type Metrics struct {
	// Ops is broken down by instruction and outcome.
	Ops *metric.Uint64Metric

	// Faults is broken down by exception vector.
	Faults *metric.Uint64Metric

	// Exits is broken down by intercept kind.
	Exits *metric.Uint64Metric
}

var outcomeNames = []string{"completed", "faulted", "deferred", "aborted"}

// NewMetrics registers the engine metrics in r.
func NewMetrics(r *metric.Registry) (*Metrics, error) {
	ops, err := r.NewUint64Metric("/interp/ops", "Privileged instructions executed.",
		metric.NewField("op", OpNames()...),
		metric.NewField("outcome", outcomeNames...))
	if err != nil {
		return nil, err
	}
	var vectors []string
	for v := x86.DivideByZero; v <= x86.PageFault; v++ {
		vectors = append(vectors, v.String())
	}
	faults, err := r.NewUint64Metric("/interp/faults", "Guest exceptions raised.",
		metric.NewField("vector", vectors...))
	if err != nil {
		return nil, err
	}
	var kinds []string
	for k := intercept.ReadCR; k <= intercept.FarTransfer; k++ {
		kinds = append(kinds, k.String())
	}
	exits, err := r.NewUint64Metric("/interp/exits", "Instructions deferred to the outer hypervisor.",
		metric.NewField("kind", kinds...))
	if err != nil {
		return nil, err
	}
	return &Metrics{Ops: ops, Faults: faults, Exits: exits}, nil
}

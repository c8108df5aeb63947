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

package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/x86core/pkg/cpu"
	"gvisor.dev/x86core/pkg/interp"
	"gvisor.dev/x86core/pkg/log"
)

// Options configure Run.
type Options struct {
	// Metrics, if set, counts the operations of every vCPU.
	Metrics *interp.Metrics
}

// Result is the result of one step.
type Result struct {
	VCPU    string
	Step    int
	Op      string
	Outcome cpu.Outcome

	// Retries is the number of attempts that aborted transiently.
	Retries int

	// Err describes how the step differed from its expectation.
	Err error
}

// String implements fmt.Stringer.
func (r Result) String() string {
	status := "ok"
	if r.Err != nil {
		status = "FAIL: " + r.Err.Error()
	}
	return fmt.Sprintf("%s step %d %s: %v: %s", r.VCPU, r.Step, r.Op, r.Outcome, status)
}

// Report is the result of a run.
type Report struct {
	Name    string
	Results []Result

	// Intercepts is the number of intercepts the shared configuration
	// reported.
	Intercepts uint64

	// States are the final vCPU states by name.
	States map[string]*cpu.State
}

// Failed returns the steps that did not meet their expectation.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Err summarizes the failed steps, or returns nil if there are none.
func (r *Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("scenario %q: %d of %d steps failed, first: %v", r.Name, len(failed), len(r.Results), failed[0])
}

// Run executes s. Each vCPU runs its steps in order on its own goroutine
// and the vCPUs are not synchronized with each other. Run fails only if the
// machine cannot be built or ctx is done; steps that miss their expectation
// are recorded in the report.
func Run(ctx context.Context, s *Scenario, opts Options) (*Report, error) {
	m, err := s.build()
	if err != nil {
		return nil, fmt.Errorf("building scenario %q: %w", s.Name, err)
	}
	vcpus, err := m.vcpus(s, opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("building scenario %q: %w", s.Name, err)
	}
	log.Infof("Running scenario %q on %d vcpus, cpu %v", s.Name, len(vcpus), m.features)

	results := make([][]Result, len(vcpus))
	g, ctx := errgroup.WithContext(ctx)
	for i, v := range vcpus {
		i, v := i, v
		g.Go(func() error {
			res, err := v.run(ctx, s.retries())
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r := &Report{
		Name:       s.Name,
		Intercepts: m.gate.Hits(),
		States:     make(map[string]*cpu.State),
	}
	for i, v := range vcpus {
		r.Results = append(r.Results, results[i]...)
		r.States[v.name] = v.state
	}
	return r, nil
}

func (v *vcpu) run(ctx context.Context, retries uint64) ([]Result, error) {
	out := make([]Result, 0, len(v.steps))
	for i, s := range v.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v.decode(i, s)
		before := *v.state
		o, n, err := v.exec(ctx, s, retries)
		if err != nil {
			return nil, fmt.Errorf("%s step %d: %w", v.name, i, err)
		}
		res := Result{
			VCPU:    v.name,
			Step:    i,
			Op:      s.Op,
			Outcome: o,
			Retries: n,
			Err:     s.check(o, &before, v.state, v.mem),
		}
		if res.Err != nil {
			log.Warningf("%v: %v", log.VCPU(v.id), res)
		} else if log.IsLogging(log.Debug) {
			log.Debugf("%v: %v -> %v", log.VCPU(v.id), res, v.state)
		}
		out = append(out, res)
	}
	return out, nil
}

// exec runs one step, re-driving it while it aborts transiently. It returns
// the last outcome and the number of transient aborts.
func (v *vcpu) exec(ctx context.Context, s *compiled, retries uint64) (cpu.Outcome, int, error) {
	var (
		o       cpu.Outcome
		aborted int
	)
	op := func() error {
		o = s.exec(v.engine, v.state, s)
		if !cpu.Retryable(o) {
			return nil
		}
		aborted++
		return o.(cpu.Aborted).Err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), retries), ctx)
	if err := backoff.Retry(op, b); err != nil && ctx.Err() != nil {
		return nil, aborted, ctx.Err()
	}
	return o, aborted, nil
}

// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package demo holds a few commands used by the compmake binary and by
// tests.
package demo

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/compmake/engine/define"
	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/engine/registry"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// Counters count the invocations of the demo commands.
type Counters struct {
	Double     atomic.Int64
	Statistics atomic.Int64
	Recurse    atomic.Int64
	Terminal   atomic.Int64
	Countdown  atomic.Int64
}

// Register registers the demo commands:
//
//	double(x)          2*x
//	statistics(xs)     sum of xs
//	recurse(n)         dynamic, defines recurse(n-1) as r<n-1>, or terminal() as g when n is 1
//	terminal()         "g"
//	fail(msg)          always fails
//	countdown(n)       step command counting to n, one step per call, n more
//	                   when more output is requested
//	sleep(d)           sleeps for duration d, honoring cancellation
func Register(reg registry.Registry) *Counters {
	c := &Counters{}
	reg.MustRegister("double", func(ctx context.Context, args *registry.Args) (any, error) {
		c.Double.Inc()
		x, err := args.Int(0)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(registry.Stdout(ctx), "double(%d)\n", x)
		return 2 * x, nil
	})
	reg.MustRegister("statistics", func(_ context.Context, args *registry.Args) (any, error) {
		c.Statistics.Inc()
		var xs []int64
		if err := args.Decode(0, &xs); err != nil {
			return nil, err
		}
		var sum int64
		for _, x := range xs {
			sum += x
		}
		return sum, nil
	})
	reg.MustRegisterDynamic("recurse", func(ctx registry.Context, args *registry.Args) (any, error) {
		c.Recurse.Inc()
		n, err := args.Int(0)
		if err != nil {
			return nil, err
		}
		if n <= 1 {
			return ctx.Comp("terminal", define.JobID("g"))
		}
		return ctx.CompDynamic("recurse", n-1, define.JobID(fmt.Sprintf("r%d", n-1)))
	})
	reg.MustRegister("terminal", func(_ context.Context, _ *registry.Args) (any, error) {
		c.Terminal.Inc()
		return "g", nil
	})
	reg.MustRegister("fail", func(_ context.Context, args *registry.Args) (any, error) {
		msg, err := args.String(0)
		if err != nil {
			return nil, err
		}
		return nil, errors.New(msg)
	})
	reg.MustRegisterStep("countdown", func(_ context.Context, args *registry.Args, state *registry.StepState) (*registry.Step, error) {
		c.Countdown.Inc()
		n, err := args.Int(0)
		if err != nil {
			return nil, err
		}
		// Partial results are [done, target], the final result is done.
		done, target := int64(0), n
		switch {
		case state.Checkpoint == nil:
		case state.Resumed || state.Iteration > 0:
			var partial []int64
			if err := model.Convert(state.Checkpoint, &partial); err != nil || len(partial) != 2 {
				return nil, errors.Errorf("bad checkpoint %v", state.Checkpoint)
			}
			done, target = partial[0], partial[1]
		case state.More:
			if done, err = registry.ToInt64(state.Checkpoint); err != nil {
				return nil, err
			}
			target = done + n
		}
		if done >= target {
			return registry.Complete(done), nil
		}
		return registry.Progress([]int64{done + 1, target}, int(done+1), int(target)), nil
	})
	reg.MustRegister("sleep", func(ctx context.Context, args *registry.Args) (any, error) {
		s, err := args.String(0)
		if err != nil {
			return nil, err
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, errors.Trace(err)
		}
		select {
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		case <-time.After(d):
		}
		return s, nil
	})
	return c
}

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

package define

import (
	"fmt"
	"sync"

	cmcontext "github.com/pingcap/compmake/engine/context"
	"github.com/pingcap/compmake/engine/event"
	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/engine/query"
	"github.com/pingcap/compmake/engine/registry"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Option customizes a job definition. Options are passed among the
// positional arguments of Comp and CompDynamic.
type Option interface {
	apply(*options)
}

type options struct {
	jobID  string
	kwargs map[string]any
}

type jobIDOption string

func (o jobIDOption) apply(opts *options) { opts.jobID = string(o) }

type kwargsOption map[string]any

func (o kwargsOption) apply(opts *options) {
	if opts.kwargs == nil {
		opts.kwargs = make(map[string]any, len(o))
	}
	for k, v := range o {
		opts.kwargs[k] = v
	}
}

// JobID sets the id of the defined job instead of deriving one.
func JobID(id string) Option {
	return jobIDOption(id)
}

// Kwargs passes keyword arguments to the command.
func Kwargs(kwargs map[string]any) Option {
	return kwargsOption(kwargs)
}

// Definer defines jobs on behalf of the session or of a running dynamic job.
// It remembers the jobs defined so far, which is the set a dynamic job is
// diffed against after it ran.
type Definer struct {
	// definer is the job id recorded as the last element of DefinedBy.
	definer string
	chain   []string

	mu      sync.Mutex
	defined map[string]struct{}
	order   []string
}

// NewRoot returns the definer of the session.
func NewRoot() *Definer {
	return &Definer{
		definer: model.Root,
		chain:   []string{model.Root},
		defined: make(map[string]struct{}),
	}
}

// ForJob returns the definer used while job runs.
func ForJob(job *model.Job) *Definer {
	chain := append(append([]string(nil), job.DefinedBy...), job.JobID)
	if len(job.DefinedBy) == 0 {
		chain = []string{model.Root, job.JobID}
	}
	return &Definer{
		definer: job.JobID,
		chain:   chain,
		defined: make(map[string]struct{}),
	}
}

// ID returns the id of the defining job, model.Root for the session.
func (d *Definer) ID() string {
	return d.definer
}

// Defined returns the sorted ids defined so far.
func (d *Definer) Defined() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return model.SortedSet(d.order)
}

// Reset forgets the jobs defined so far, e.g. before the definitions of a
// session are run again.
func (d *Definer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defined = make(map[string]struct{})
	d.order = nil
}

// Comp defines a job running a plain or step command and returns a promise
// of its result.
func (d *Definer) Comp(ctx cmcontext.Context, command string, args ...any) (model.Promise, error) {
	return d.comp(ctx, command, false, args)
}

// CompDynamic defines a job running a dynamic command, which may define
// further jobs while it runs.
func (d *Definer) CompDynamic(ctx cmcontext.Context, command string, args ...any) (model.Promise, error) {
	return d.comp(ctx, command, true, args)
}

func (d *Definer) comp(ctx cmcontext.Context, command string, dynamic bool, rawArgs []any) (model.Promise, error) {
	vars := ctx.GlobalVars()
	cmd, err := vars.Registry.Lookup(command)
	if err != nil {
		return model.Promise{}, err
	}
	switch {
	case dynamic && cmd.Kind != registry.KindDynamic:
		return model.Promise{}, errors.ErrCommandKindMismatch.GenWithStackByArgs(command, cmd.Kind, registry.KindDynamic)
	case !dynamic && cmd.Kind == registry.KindDynamic:
		return model.Promise{}, errors.ErrCommandKindMismatch.GenWithStackByArgs(command, cmd.Kind, "plain or step")
	}

	opts := &options{}
	var positional []model.Value
	for i, a := range rawArgs {
		if o, ok := a.(Option); ok {
			o.apply(opts)
			continue
		}
		v, err := model.ValueOf(a)
		if err != nil {
			return model.Promise{}, errors.WrapError(errors.ErrInvalidArgument, err,
				fmt.Sprintf("argument %d of %s", i, command))
		}
		positional = append(positional, v)
	}
	var kwargs map[string]model.Value
	if len(opts.kwargs) > 0 {
		kwargs = make(map[string]model.Value, len(opts.kwargs))
		for k, a := range opts.kwargs {
			v, err := model.ValueOf(a)
			if err != nil {
				return model.Promise{}, errors.WrapError(errors.ErrInvalidArgument, err,
					fmt.Sprintf("keyword argument %s of %s", k, command))
			}
			kwargs[k] = v
		}
	}

	jobID, err := d.reserveID(command, opts.jobID)
	if err != nil {
		return model.Promise{}, err
	}
	job := model.NewJob(jobID, command, positional, kwargs, d.chain)
	job.NeedsContext = dynamic

	if err := d.store(ctx, job); err != nil {
		d.release(jobID)
		return model.Promise{}, err
	}
	cmcontext.Publish(ctx, event.Event{Type: event.JobDefined, JobID: jobID})
	return model.Promise{JobID: jobID}, nil
}

// reserveID validates or derives the job id and marks it as defined.
func (d *Definer) reserveID(command, jobID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if jobID != "" {
		if err := model.ValidateJobID(jobID); err != nil {
			return "", err
		}
		if _, ok := d.defined[jobID]; ok {
			return "", errors.ErrJobAlreadyDefined.GenWithStackByArgs(jobID)
		}
	} else {
		prefix := command + "-"
		if d.definer != model.Root {
			prefix = d.definer + "-" + prefix
		}
		for n := 1; ; n++ {
			candidate := fmt.Sprintf("%s%d", prefix, n)
			if _, ok := d.defined[candidate]; !ok {
				jobID = candidate
				break
			}
		}
		if err := model.ValidateJobID(jobID); err != nil {
			return "", err
		}
	}
	d.defined[jobID] = struct{}{}
	d.order = append(d.order, jobID)
	return jobID, nil
}

func (d *Definer) release(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.defined, jobID)
	d.order = model.RemoveSorted(model.SortedSet(d.order), jobID)
}

// store writes job and keeps the edges of its old and new children
// symmetric.
func (d *Definer) store(ctx cmcontext.Context, job *model.Job) error {
	db := ctx.GlobalVars().DB
	jobID := job.JobID
	if model.ContainsSorted(job.Children, jobID) {
		return errors.ErrJobCycle.GenWithStackByArgs(jobID, jobID)
	}

	return db.UpdateGraph(ctx, func() error {
		for _, c := range job.Children {
			ok, err := db.JobExists(ctx, c)
			if err != nil {
				return err
			}
			if !ok {
				return errors.ErrJobNotFound.GenWithStackByArgs(c)
			}
		}

		existing, err := db.GetJob(ctx, jobID)
		if err != nil && !errors.Is(err, errors.ErrJobNotFound) {
			return err
		}
		var oldChildren []string
		if existing != nil {
			// A new job has no parents, so only a redefinition can close a cycle.
			ancestors, err := query.Parents(ctx, db, jobID)
			if err != nil {
				return err
			}
			for _, c := range job.Children {
				if model.ContainsSorted(ancestors, c) {
					return errors.ErrJobCycle.GenWithStackByArgs(jobID, c)
				}
			}

			if existing.Definer() != job.Definer() {
				log.Warn("job redefined by a different definer",
					zap.String("job-id", jobID),
					zap.String("previous-definer", existing.Definer()),
					zap.String("definer", job.Definer()))
			}
			job.Parents = existing.Parents
			job.DynamicChildren = existing.DynamicChildren
			oldChildren = existing.Children

			if !existing.SameDefinition(job) {
				log.Info("job definition changed, invalidating its result", zap.String("job-id", jobID))
				if err := db.DeleteResults(ctx, jobID); err != nil {
					return err
				}
				cmcontext.Publish(ctx, event.Event{Type: event.JobRedefined, JobID: jobID})
			}
		}

		for _, c := range model.Difference(oldChildren, job.Children) {
			if err := updateJob(ctx, c, func(child *model.Job) { child.RemoveParent(jobID) }); err != nil {
				return err
			}
		}
		for _, c := range model.Difference(job.Children, oldChildren) {
			if err := updateJob(ctx, c, func(child *model.Job) { child.AddParent(jobID) }); err != nil {
				return err
			}
		}
		return db.SetJob(ctx, job)
	})
}

func updateJob(ctx cmcontext.Context, jobID string, fn func(*model.Job)) error {
	db := ctx.GlobalVars().DB
	job, err := db.GetJob(ctx, jobID)
	if errors.Is(err, errors.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	fn(job)
	return db.SetJob(ctx, job)
}

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

package redefine

import (
	cmcontext "github.com/pingcap/compmake/engine/context"
	"github.com/pingcap/compmake/engine/event"
	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/engine/query"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Reconcile is called after the dynamic job definer ran successfully and
// defined current. Jobs it defined last time but not this time are deleted
// together with everything they defined. current becomes the new record.
// It returns the deleted jobs.
func Reconcile(ctx cmcontext.Context, definer string, current []string) ([]string, error) {
	db := ctx.GlobalVars().DB
	current = model.SortedSet(current)
	var deleted []string
	err := db.UpdateGraph(ctx, func() error {
		job, err := db.GetJob(ctx, definer)
		if err != nil {
			return err
		}
		var gone []string
		for _, id := range model.Difference(job.Defined(), current) {
			j, err := db.GetJob(ctx, id)
			if errors.Is(err, errors.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			// Another definer took the job over, it is not ours to delete.
			if j.Definer() != definer {
				continue
			}
			gone = append(gone, id)
		}
		if len(gone) > 0 {
			log.Info("dynamic job no longer defines jobs, deleting them",
				zap.String("job-id", definer), zap.Strings("jobs", gone))
		}
		deleted, err = deleteJobs(ctx, gone)
		if err != nil {
			return err
		}

		job, err = db.GetJob(ctx, definer)
		if err != nil {
			return err
		}
		job.SetDefined(current)
		return db.SetJob(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// RecordPartial is called after the dynamic job definer failed. The jobs it
// defined before failing stay in the graph and are added to its record, so
// that the next successful run deletes those it does not define again.
func RecordPartial(ctx cmcontext.Context, definer string, defined []string) error {
	if len(defined) == 0 {
		return nil
	}
	db := ctx.GlobalVars().DB
	return db.UpdateGraph(ctx, func() error {
		job, err := db.GetJob(ctx, definer)
		if err != nil {
			return err
		}
		job.SetDefined(append(job.Defined(), defined...))
		return db.SetJob(ctx, job)
	})
}

// DeleteJobs deletes ids and their definition closure: every record of
// every job, and the edges pointing at them from surviving jobs. It returns
// the deleted jobs.
func DeleteJobs(ctx cmcontext.Context, ids []string) ([]string, error) {
	db := ctx.GlobalVars().DB
	var deleted []string
	err := db.UpdateGraph(ctx, func() error {
		var err error
		deleted, err = deleteJobs(ctx, ids)
		return err
	})
	return deleted, err
}

// deleteJobs must be called with the graph lock held.
func deleteJobs(ctx cmcontext.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db := ctx.GlobalVars().DB
	closure, err := query.DefinitionClosure(ctx, db, ids...)
	if err != nil {
		return nil, err
	}
	all := model.SortedSet(append(append([]string(nil), ids...), closure...))

	var deleted []string
	for _, id := range all {
		job, err := db.GetJob(ctx, id)
		if errors.Is(err, errors.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, c := range job.Children {
			if model.ContainsSorted(all, c) {
				continue
			}
			if err := update(ctx, c, func(child *model.Job) { child.RemoveParent(id) }); err != nil {
				return nil, err
			}
		}
		for _, p := range job.Parents {
			if model.ContainsSorted(all, p) {
				continue
			}
			if err := update(ctx, p, func(parent *model.Job) { parent.RemoveChild(id) }); err != nil {
				return nil, err
			}
			// The parent lost one of its inputs, its result is meaningless.
			log.Warn("deleting a job that is still used, invalidating its consumer",
				zap.String("job-id", id), zap.String("consumer", p))
			if err := db.DeleteResults(ctx, p); err != nil {
				return nil, err
			}
		}
		if err := db.DeleteRecords(ctx, id, model.AllRecordKinds...); err != nil {
			return nil, err
		}
		deleted = append(deleted, id)
		cmcontext.Publish(ctx, event.Event{Type: event.JobDeleted, JobID: id})
	}
	return deleted, nil
}

func update(ctx cmcontext.Context, jobID string, fn func(*model.Job)) error {
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

// CleanOtherJobs deletes every job that is not reachable from roots, either
// as a dependency or through the definition closure. With no roots, the
// jobs defined directly by the session are the roots.
func CleanOtherJobs(ctx cmcontext.Context, roots []string) ([]string, error) {
	db := ctx.GlobalVars().DB
	var deleted []string
	err := db.UpdateGraph(ctx, func() error {
		all, err := db.AllJobs(ctx)
		if err != nil {
			return err
		}
		if len(roots) == 0 {
			for _, id := range all {
				job, err := db.GetJob(ctx, id)
				if err != nil {
					return err
				}
				if len(job.DefinedBy) == 1 && job.DefinedBy[0] == model.Root {
					roots = append(roots, id)
				}
			}
		}

		reachable, err := Reachable(ctx, roots)
		if err != nil {
			return err
		}
		others := model.Difference(all, reachable)
		if len(others) == 0 {
			return nil
		}
		log.Info("deleting jobs not reachable from the session", zap.Strings("jobs", others))
		deleted, err = deleteJobs(ctx, others)
		return err
	})
	return deleted, err
}

// Reachable returns the sorted jobs reachable from roots through
// dependencies and definitions, roots included.
func Reachable(ctx cmcontext.Context, roots []string) ([]string, error) {
	db := ctx.GlobalVars().DB
	reachable := model.SortedSet(roots)
	for {
		tree, err := query.Tree(ctx, db, reachable...)
		if err != nil {
			return nil, err
		}
		defined, err := query.DefinitionClosure(ctx, db, tree...)
		if err != nil {
			return nil, err
		}
		next := model.SortedSet(append(tree, defined...))
		if len(next) == len(reachable) {
			return next, nil
		}
		reachable = next
	}
}

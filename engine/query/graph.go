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

package query

import (
	"context"
	"sort"

	"github.com/pingcap/compmake/engine/jobdb"
	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/pkg/errors"
)

// DirectChildren returns the jobs jobID depends on.
func DirectChildren(ctx context.Context, db *jobdb.DB, jobID string) ([]string, error) {
	job, err := db.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.Children, nil
}

// DirectParents returns the jobs depending on jobID.
func DirectParents(ctx context.Context, db *jobdb.DB, jobID string) ([]string, error) {
	job, err := db.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.Parents, nil
}

// Children returns the transitive dependencies of jobIDs, excluding jobIDs
// themselves unless they are reachable from one another.
func Children(ctx context.Context, db *jobdb.DB, jobIDs ...string) ([]string, error) {
	return closure(ctx, db, jobIDs, false, func(j *model.Job) []string { return j.Children })
}

// Parents returns the transitive dependents of jobIDs.
func Parents(ctx context.Context, db *jobdb.DB, jobIDs ...string) ([]string, error) {
	return closure(ctx, db, jobIDs, false, func(j *model.Job) []string { return j.Parents })
}

// Tree returns jobIDs together with all their transitive dependencies.
func Tree(ctx context.Context, db *jobdb.DB, jobIDs ...string) ([]string, error) {
	return closure(ctx, db, jobIDs, true, func(j *model.Job) []string { return j.Children })
}

// DefinitionClosure returns the jobs defined by jobIDs during their last
// execution, and recursively the jobs those defined. Jobs that no longer
// exist are skipped.
func DefinitionClosure(ctx context.Context, db *jobdb.DB, jobIDs ...string) ([]string, error) {
	return closure(ctx, db, jobIDs, false, func(j *model.Job) []string { return j.Defined() })
}

func closure(
	ctx context.Context, db *jobdb.DB, start []string, inclusive bool, next func(*model.Job) []string,
) ([]string, error) {
	result := make(map[string]struct{})
	visited := make(map[string]struct{})
	stack := append([]string(nil), start...)
	if inclusive {
		for _, id := range start {
			result[id] = struct{}{}
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}

		job, err := db.GetJob(ctx, id)
		if errors.Is(err, errors.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, n := range next(job) {
			result[n] = struct{}{}
			stack = append(stack, n)
		}
	}
	return setToSorted(result), nil
}

// TopTargets returns the jobs no other job depends on.
func TopTargets(ctx context.Context, db *jobdb.DB) ([]string, error) {
	return filterJobs(ctx, db, func(j *model.Job) bool { return len(j.Parents) == 0 })
}

// BottomTargets returns the jobs without dependencies.
func BottomTargets(ctx context.Context, db *jobdb.DB) ([]string, error) {
	return filterJobs(ctx, db, func(j *model.Job) bool { return len(j.Children) == 0 })
}

// DynamicJobs returns the jobs that may define further jobs.
func DynamicJobs(ctx context.Context, db *jobdb.DB) ([]string, error) {
	return filterJobs(ctx, db, func(j *model.Job) bool { return j.IsDynamic() })
}

func filterJobs(ctx context.Context, db *jobdb.DB, pred func(*model.Job) bool) ([]string, error) {
	all, err := db.AllJobs(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range all {
		job, err := db.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if pred(job) {
			out = append(out, id)
		}
	}
	return out, nil
}

// JobsInState returns the sorted jobs whose cache is in one of states.
func JobsInState(ctx context.Context, db *jobdb.DB, states ...model.CacheState) ([]string, error) {
	all, err := db.AllJobs(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range all {
		cache, err := db.GetCache(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, s := range states {
			if cache.State == s {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

// Dependents returns the jobs whose readiness may change when jobID
// completes: its direct parents, and the consumers of every dynamic job
// that defined it, since those wait for the jobs their input defined.
func Dependents(ctx context.Context, db *jobdb.DB, jobID string) ([]string, error) {
	job, err := db.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	for _, p := range job.Parents {
		out[p] = struct{}{}
	}
	for _, definer := range job.DefinedBy {
		if definer == model.Root {
			continue
		}
		d, err := db.GetJob(ctx, definer)
		if errors.Is(err, errors.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, p := range d.Parents {
			out[p] = struct{}{}
		}
	}
	return setToSorted(out), nil
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

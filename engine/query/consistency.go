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
	"fmt"

	"github.com/pingcap/compmake/engine/jobdb"
	"github.com/pingcap/compmake/engine/model"
)

// Problem is one inconsistency found in the job database.
type Problem struct {
	JobID       string
	Description string
}

// String implements fmt.Stringer
func (p Problem) String() string {
	return p.JobID + ": " + p.Description
}

// CheckConsistency validates the whole job graph of db: edge symmetry,
// dangling and self edges, cycles, definition chains, definition records
// and results of finished jobs.
func CheckConsistency(ctx context.Context, db *jobdb.DB) ([]Problem, error) {
	ids, err := db.AllJobs(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make(map[string]*model.Job, len(ids))
	for _, id := range ids {
		job, err := db.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs[id] = job
	}

	var problems []Problem
	report := func(id, format string, args ...any) {
		problems = append(problems, Problem{JobID: id, Description: fmt.Sprintf(format, args...)})
	}

	for _, id := range ids {
		job := jobs[id]
		if job.JobID != id {
			report(id, "record is stored under the wrong id %s", job.JobID)
		}
		for _, c := range job.Children {
			if c == id {
				report(id, "depends on itself")
				continue
			}
			child, ok := jobs[c]
			if !ok {
				report(id, "child %s does not exist", c)
				continue
			}
			if !model.ContainsSorted(child.Parents, id) {
				report(id, "child %s does not list it as parent", c)
			}
		}
		for _, p := range job.Parents {
			parent, ok := jobs[p]
			if !ok {
				report(id, "parent %s does not exist", p)
				continue
			}
			if !model.ContainsSorted(parent.Children, id) {
				report(id, "parent %s does not list it as child", p)
			}
		}
		var promised []string
		for _, a := range job.Args {
			promised = append(promised, a.Promises()...)
		}
		for _, a := range job.Kwargs {
			promised = append(promised, a.Promises()...)
		}
		if d := model.Difference(model.SortedSet(promised), job.Children); len(d) > 0 {
			report(id, "arguments reference %v which are not children", d)
		}
		if len(job.DefinedBy) == 0 || job.DefinedBy[0] != model.Root {
			report(id, "definition chain %v does not start at %s", job.DefinedBy, model.Root)
		}
		for _, d := range job.Defined() {
			if _, ok := jobs[d]; !ok {
				report(id, "defined job %s does not exist", d)
			}
		}
		if len(job.Defined()) > 0 && !job.IsDynamic() {
			report(id, "defined jobs but is not dynamic")
		}

		cache, err := db.GetCache(ctx, id)
		if err != nil {
			return nil, err
		}
		if cache.State.HasResult() {
			ok, err := db.UserObjectExists(ctx, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				report(id, "state is %s but there is no result", cache.State)
			}
		}
	}

	for _, cycle := range findCycles(ids, jobs) {
		report(cycle[0], "dependency cycle %v", cycle)
	}

	// Records without a job definition are leftovers of a partial delete.
	for _, kind := range []model.RecordKind{model.KindCache, model.KindUserObject, model.KindTmpObject} {
		withRecord, err := db.JobsWithRecord(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, id := range withRecord {
			if _, ok := jobs[id]; !ok {
				report(id, "%s record without job definition", kind)
			}
		}
	}
	return problems, nil
}

// findCycles returns one cycle per strongly connected group reached by DFS.
func findCycles(ids []string, jobs map[string]*model.Job) [][]string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(ids))
	var (
		stack  []string
		cycles [][]string
	)
	var dfs func(id string)
	dfs = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		job := jobs[id]
		for _, c := range job.Children {
			if _, ok := jobs[c]; !ok || c == id {
				continue
			}
			switch color[c] {
			case white:
				dfs(c)
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == c {
						cycles = append(cycles, append([]string(nil), stack[i:]...))
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}
	for _, id := range ids {
		if color[id] == white {
			dfs(id)
		}
	}
	return cycles
}

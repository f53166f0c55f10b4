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

// Package selector evaluates job set expressions such as
//
//	not failed
//	all except stats*
//	double-* in done
//
// Operators, from the loosest: "not" (complement, only as the first word),
// "except" or "but" (difference), "in", "and" or "intersect"
// (intersection). An expression is split at the first occurrence of the
// loosest operator it contains, and both sides are evaluated recursively.
// Plain words are job ids, globs or aliases, and a sequence of them is a
// union.
package selector

import (
	"context"
	"sort"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/pingcap/compmake/engine/jobdb"
	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/engine/query"
	"github.com/pingcap/compmake/engine/storage"
	"github.com/pingcap/compmake/pkg/errors"
)

const opNot = "not"

var (
	differenceOps   = []string{"except", "but"}
	intersectionOps = []string{"in", "and", "intersect"}
)

// aliases maps alias names to the job sets they denote.
var aliases = map[string]func(s *Selector) ([]string, error){
	"all": func(s *Selector) ([]string, error) { return s.all() },
	"done": func(s *Selector) ([]string, error) {
		return query.JobsInState(s.ctx, s.db, model.Done)
	},
	"failed": func(s *Selector) ([]string, error) {
		return query.JobsInState(s.ctx, s.db, model.Failed)
	},
	"blocked": func(s *Selector) ([]string, error) {
		return query.JobsInState(s.ctx, s.db, model.Blocked)
	},
	"not_started": func(s *Selector) ([]string, error) {
		return query.JobsInState(s.ctx, s.db, model.NotStarted)
	},
	"in_progress": func(s *Selector) ([]string, error) {
		return query.JobsInState(s.ctx, s.db, model.InProgress)
	},
	"more_requested": func(s *Selector) ([]string, error) {
		return query.JobsInState(s.ctx, s.db, model.MoreRequested)
	},
	"uptodate": func(s *Selector) ([]string, error) { return s.upToDate(true) },
	"todo":     func(s *Selector) ([]string, error) { return s.upToDate(false) },
	"top": func(s *Selector) ([]string, error) {
		return query.TopTargets(s.ctx, s.db)
	},
	"bottom": func(s *Selector) ([]string, error) {
		return query.BottomTargets(s.ctx, s.db)
	},
	"dynamic": func(s *Selector) ([]string, error) {
		return query.DynamicJobs(s.ctx, s.db)
	},
}

// Aliases returns the sorted alias names.
func Aliases() []string {
	out := make([]string, 0, len(aliases))
	for name := range aliases {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Selector evaluates expressions against one job database. The set of all
// jobs and the up-to-date status are computed once per Selector.
type Selector struct {
	ctx  context.Context
	db   *jobdb.DB
	memo *query.Memo

	allJobs []string
}

// New creates a Selector.
func New(ctx context.Context, db *jobdb.DB) *Selector {
	return &Selector{ctx: ctx, db: db, memo: query.NewMemo()}
}

// Select splits expr into words like a shell and evaluates it.
func Select(ctx context.Context, db *jobdb.DB, expr string) ([]string, error) {
	words, err := shellwords.Parse(expr)
	if err != nil {
		return nil, errors.WrapError(errors.ErrSelectorSyntax, err, expr, "unbalanced quotes")
	}
	return New(ctx, db).Eval(words)
}

// Eval evaluates an expression given as words. The result is sorted and
// has no duplicates. No words select no jobs.
func (s *Selector) Eval(words []string) ([]string, error) {
	if len(words) == 0 {
		return nil, nil
	}
	set, err := s.eval(words, strings.Join(words, " "))
	if err != nil {
		return nil, err
	}
	return sorted(set), nil
}

type jobSet = map[string]struct{}

func (s *Selector) eval(words []string, expr string) (jobSet, error) {
	if len(words) == 0 {
		return nil, errors.ErrSelectorSyntax.GenWithStackByArgs(expr, "missing operand")
	}
	if words[0] == opNot {
		all, err := s.all()
		if err != nil {
			return nil, err
		}
		sub, err := s.eval(words[1:], expr)
		if err != nil {
			return nil, err
		}
		return difference(toSet(all), sub), nil
	}
	if i := indexOf(words, differenceOps); i >= 0 {
		left, right, err := s.evalSides(words, i, expr)
		if err != nil {
			return nil, err
		}
		return difference(left, right), nil
	}
	if i := indexOf(words, intersectionOps); i >= 0 {
		left, right, err := s.evalSides(words, i, expr)
		if err != nil {
			return nil, err
		}
		return intersection(left, right), nil
	}

	out := make(jobSet)
	for _, w := range words {
		if w == opNot {
			return nil, errors.ErrSelectorSyntax.GenWithStackByArgs(expr, `"not" must start an expression`)
		}
		ids, err := s.word(w)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *Selector) evalSides(words []string, i int, expr string) (jobSet, jobSet, error) {
	if i == 0 || i == len(words)-1 {
		return nil, nil, errors.ErrSelectorSyntax.GenWithStackByArgs(expr,
			"missing operand of "+words[i])
	}
	left, err := s.eval(words[:i], expr)
	if err != nil {
		return nil, nil, err
	}
	right, err := s.eval(words[i+1:], expr)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

// word resolves an alias, a glob or a job id.
func (s *Selector) word(w string) ([]string, error) {
	if alias, ok := aliases[w]; ok {
		return alias(s)
	}
	if strings.ContainsAny(w, "*?[") {
		all, err := s.all()
		if err != nil {
			return nil, err
		}
		var out []string
		for _, id := range all {
			ok, err := storage.Match(w, id)
			if err != nil {
				return nil, errors.WrapError(errors.ErrSelectorSyntax, err, w, "bad pattern")
			}
			if ok {
				out = append(out, id)
			}
		}
		if len(out) == 0 {
			return nil, errors.ErrSelectorNoMatch.GenWithStackByArgs(w)
		}
		return out, nil
	}
	ok, err := s.db.JobExists(s.ctx, w)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.ErrJobNotFound.GenWithStackByArgs(w)
	}
	return []string{w}, nil
}

func (s *Selector) all() ([]string, error) {
	if s.allJobs == nil {
		all, err := s.db.AllJobs(s.ctx)
		if err != nil {
			return nil, err
		}
		s.allJobs = all
	}
	return s.allJobs, nil
}

func (s *Selector) upToDate(want bool) ([]string, error) {
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range all {
		ok, _, err := query.UpToDate(s.ctx, s.db, id, s.memo)
		if err != nil {
			return nil, err
		}
		if ok == want {
			out = append(out, id)
		}
	}
	return out, nil
}

func indexOf(words []string, ops []string) int {
	for i, w := range words {
		for _, op := range ops {
			if w == op {
				return i
			}
		}
	}
	return -1
}

func toSet(ids []string) jobSet {
	out := make(jobSet, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func difference(a, b jobSet) jobSet {
	out := make(jobSet, len(a))
	for id := range a {
		if _, ok := b[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func intersection(a, b jobSet) jobSet {
	out := make(jobSet)
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func sorted(set jobSet) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

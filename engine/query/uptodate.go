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
	"sync"
	"time"

	"github.com/pingcap/compmake/engine/jobdb"
	"github.com/pingcap/compmake/engine/model"
)

// Reasons reported by UpToDate.
const (
	ReasonUpToDate             = "up to date"
	ReasonNotStarted           = "Not started"
	ReasonChildrenNotUpToDate  = "Children not up to date"
	ReasonChildrenUpdated      = "Children have been updated"
	ReasonInProgress           = "Resuming progress"
	ReasonFailed               = "Failed"
	ReasonBlocked              = "Blocked"
	ReasonDynamicNotUpToDate   = "Dynamic children not up to date"
	ReasonDynamicChildrenNewer = "Dynamic children have been updated"
)

// Memo remembers the jobs found up-to-date during one scheduling pass.
// A job found up-to-date stays so until the pass ends, so only positive
// answers are stored. It is safe for concurrent use.
type Memo struct {
	mu sync.RWMutex
	ok map[string]struct{}
}

// NewMemo creates an empty memo.
func NewMemo() *Memo {
	return &Memo{ok: make(map[string]struct{})}
}

// Has reports whether jobID was found up-to-date.
func (m *Memo) Has(jobID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ok[jobID]
	return ok
}

// Add records jobID as up-to-date.
func (m *Memo) Add(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ok[jobID] = struct{}{}
}

// Forget drops jobIDs, e.g. after they were redefined.
func (m *Memo) Forget(jobIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range jobIDs {
		delete(m.ok, id)
	}
}

// UpToDate reports whether the stored result of jobID is valid: the job is
// done, every child is up-to-date and no child completed after it. For a
// dynamic job, the jobs it defined must be up-to-date as well.
// The reason explains a negative answer.
func UpToDate(ctx context.Context, db *jobdb.DB, jobID string, memo *Memo) (bool, string, error) {
	if memo == nil {
		memo = NewMemo()
	}
	ok, reason, err := SelfUpToDate(ctx, db, jobID, memo)
	if err != nil || !ok {
		return ok, reason, err
	}
	return dynamicUpToDate(ctx, db, jobID, memo)
}

// SelfUpToDate is UpToDate ignoring the jobs defined by jobID.
func SelfUpToDate(ctx context.Context, db *jobdb.DB, jobID string, memo *Memo) (bool, string, error) {
	if memo == nil {
		memo = NewMemo()
	}
	if memo.Has(jobID) {
		return true, ReasonUpToDate, nil
	}
	cache, err := db.GetCache(ctx, jobID)
	if err != nil {
		return false, "", err
	}
	if cache.State == model.NotStarted {
		return false, ReasonNotStarted, nil
	}
	job, err := db.GetJob(ctx, jobID)
	if err != nil {
		return false, "", err
	}
	for _, child := range job.Children {
		ok, _, err := UpToDate(ctx, db, child, memo)
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, ReasonChildrenNotUpToDate, nil
		}
	}
	for _, child := range job.Children {
		latest, err := latestTimestamp(ctx, db, child)
		if err != nil {
			return false, "", err
		}
		if latest.After(cache.Timestamp) {
			return false, ReasonChildrenUpdated, nil
		}
	}
	switch cache.State {
	case model.InProgress:
		return false, ReasonInProgress, nil
	case model.Failed:
		return false, ReasonFailed, nil
	case model.Blocked:
		return false, ReasonBlocked, nil
	}
	return true, ReasonUpToDate, nil
}

func dynamicUpToDate(ctx context.Context, db *jobdb.DB, jobID string, memo *Memo) (bool, string, error) {
	job, err := db.GetJob(ctx, jobID)
	if err != nil {
		return false, "", err
	}
	for _, defined := range job.Defined() {
		ok, _, err := UpToDate(ctx, db, defined, memo)
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, ReasonDynamicNotUpToDate, nil
		}
	}
	memo.Add(jobID)
	return true, ReasonUpToDate, nil
}

// latestTimestamp is the completion time of jobID or, for a dynamic job, of
// the last job in its definition closure, since its result may be a promise
// of one of them.
func latestTimestamp(ctx context.Context, db *jobdb.DB, jobID string) (time.Time, error) {
	cache, err := db.GetCache(ctx, jobID)
	if err != nil {
		return time.Time{}, err
	}
	latest := cache.Timestamp
	closure, err := DefinitionClosure(ctx, db, jobID)
	if err != nil {
		return time.Time{}, err
	}
	for _, id := range closure {
		c, err := db.GetCache(ctx, id)
		if err != nil {
			return time.Time{}, err
		}
		if c.Timestamp.After(latest) {
			latest = c.Timestamp
		}
	}
	return latest, nil
}

// ListTodoTargets returns the sorted jobs that must run to bring targets
// up-to-date: the targets that are not, together with their children that
// are not. A dynamic job that is itself valid but whose defined jobs are not
// contributes those jobs instead of itself.
func ListTodoTargets(ctx context.Context, db *jobdb.DB, targets []string, memo *Memo) ([]string, error) {
	if memo == nil {
		memo = NewMemo()
	}
	todo := make(map[string]struct{})
	seen := make(map[string]struct{})
	var visit func(id string) error
	visit = func(id string) error {
		if _, ok := seen[id]; ok {
			return nil
		}
		seen[id] = struct{}{}

		ok, _, err := UpToDate(ctx, db, id, memo)
		if err != nil || ok {
			return err
		}
		job, err := db.GetJob(ctx, id)
		if err != nil {
			return err
		}
		self, _, err := SelfUpToDate(ctx, db, id, memo)
		if err != nil {
			return err
		}
		if self {
			for _, defined := range job.Defined() {
				if err := visit(defined); err != nil {
					return err
				}
			}
			return nil
		}
		todo[id] = struct{}{}
		for _, child := range job.Children {
			if err := visit(child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, target := range targets {
		if err := visit(target); err != nil {
			return nil, err
		}
	}
	return setToSorted(todo), nil
}

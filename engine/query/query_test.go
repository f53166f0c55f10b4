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
	"testing"
	"time"

	"github.com/pingcap/compmake/engine/jobdb"
	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/engine/storage"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1000, 0)

type graph struct {
	t   *testing.T
	ctx context.Context
	db  *jobdb.DB
}

func newGraph(t *testing.T) *graph {
	db, err := jobdb.New(storage.NewMemory(), "test", 0)
	require.NoError(t, err)
	return &graph{t: t, ctx: context.Background(), db: db}
}

// job stores id depending on children, keeping edges symmetric.
func (g *graph) job(id string, children ...string) *model.Job {
	args := make([]model.Value, 0, len(children))
	for _, c := range children {
		args = append(args, model.PromiseValue(c))
	}
	job := model.NewJob(id, "f", args, nil, []string{model.Root})
	for _, c := range children {
		child, err := g.db.GetJob(g.ctx, c)
		require.NoError(g.t, err)
		child.AddParent(id)
		require.NoError(g.t, g.db.SetJob(g.ctx, child))
	}
	require.NoError(g.t, g.db.SetJob(g.ctx, job))
	return job
}

// done marks id as completed at epoch+sec.
func (g *graph) done(id string, sec int) {
	c := model.NewCache()
	require.NoError(g.t, c.Transition(model.InProgress))
	require.NoError(g.t, c.Transition(model.Done))
	c.Timestamp = epoch.Add(time.Duration(sec) * time.Second)
	require.NoError(g.t, g.db.SetCache(g.ctx, id, c))
	require.NoError(g.t, g.db.SetUserObject(g.ctx, id, model.LiteralValue(int64(sec))))
}

func (g *graph) state(id string, s model.CacheState) {
	c, err := g.db.GetCache(g.ctx, id)
	require.NoError(g.t, err)
	c.State = s
	require.NoError(g.t, g.db.SetCache(g.ctx, id, c))
}

func (g *graph) upToDate(id string) (bool, string) {
	ok, reason, err := UpToDate(g.ctx, g.db, id, NewMemo())
	require.NoError(g.t, err)
	return ok, reason
}

func TestUpToDate(t *testing.T) {
	t.Parallel()

	g := newGraph(t)
	g.job("a")
	g.job("b", "a")
	g.job("c", "b")

	ok, reason := g.upToDate("c")
	require.False(t, ok)
	require.Equal(t, ReasonNotStarted, reason)

	g.done("c", 3)
	ok, reason = g.upToDate("c")
	require.False(t, ok)
	require.Equal(t, ReasonChildrenNotUpToDate, reason)

	g.done("a", 1)
	g.done("b", 2)
	ok, _ = g.upToDate("c")
	require.True(t, ok)

	// A child completing after its parent makes the parent stale.
	g.done("b", 4)
	ok, reason = g.upToDate("c")
	require.False(t, ok)
	require.Equal(t, ReasonChildrenUpdated, reason)
	ok, _ = g.upToDate("b")
	require.True(t, ok)

	g.done("c", 4)
	ok, _ = g.upToDate("c")
	require.True(t, ok)

	cases := []struct {
		state  model.CacheState
		ok     bool
		reason string
	}{
		{model.InProgress, false, ReasonInProgress},
		{model.Failed, false, ReasonFailed},
		{model.Blocked, false, ReasonBlocked},
		{model.MoreRequested, true, ReasonUpToDate},
		{model.Done, true, ReasonUpToDate},
	}
	for _, tc := range cases {
		g.state("c", tc.state)
		ok, reason := g.upToDate("c")
		require.Equal(t, tc.ok, ok, tc.state.String())
		require.Equal(t, tc.reason, reason, tc.state.String())
	}
}

func TestMemo(t *testing.T) {
	t.Parallel()

	g := newGraph(t)
	g.job("a")
	g.done("a", 1)

	memo := NewMemo()
	ok, _, err := UpToDate(g.ctx, g.db, "a", memo)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, memo.Has("a"))

	// Within a pass the memo wins over the stored state.
	g.state("a", model.Failed)
	ok, _, err = UpToDate(g.ctx, g.db, "a", memo)
	require.NoError(t, err)
	require.True(t, ok)

	memo.Forget("a")
	ok, _, err = UpToDate(g.ctx, g.db, "a", memo)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDynamicChildren(t *testing.T) {
	t.Parallel()

	g := newGraph(t)
	d := g.job("d")
	d.NeedsContext = true
	d.SetDefined([]string{"x"})
	require.NoError(t, g.db.SetJob(g.ctx, d))
	x := model.NewJob("x", "f", nil, nil, []string{model.Root, "d"})
	require.NoError(t, g.db.SetJob(g.ctx, x))
	g.job("consumer", "d")

	g.done("d", 1)
	ok, reason := g.upToDate("d")
	require.False(t, ok)
	require.Equal(t, ReasonDynamicNotUpToDate, reason)
	self, _, err := SelfUpToDate(g.ctx, g.db, "d", nil)
	require.NoError(t, err)
	require.True(t, self)

	// d itself needs not run again, only the job it defined.
	todo, err := ListTodoTargets(g.ctx, g.db, []string{"consumer"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"consumer", "x"}, todo)

	dependents, err := Dependents(g.ctx, g.db, "x")
	require.NoError(t, err)
	require.Equal(t, []string{"consumer"}, dependents)

	g.done("x", 2)
	g.done("consumer", 3)
	ok, _ = g.upToDate("consumer")
	require.True(t, ok)

	// The result of d may come from x, so a newer x makes consumer stale.
	g.done("x", 4)
	ok, reason = g.upToDate("consumer")
	require.False(t, ok)
	require.Equal(t, ReasonChildrenUpdated, reason)
}

func TestGraphQueries(t *testing.T) {
	t.Parallel()

	g := newGraph(t)
	g.job("a")
	g.job("b", "a")
	g.job("c", "a")
	g.job("d", "b", "c")
	g.job("e")

	ctx, db := g.ctx, g.db
	children, err := Children(ctx, db, "d")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, children)
	parents, err := Parents(ctx, db, "a")
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "d"}, parents)
	tree, err := Tree(ctx, db, "b", "e")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "e"}, tree)
	top, err := TopTargets(ctx, db)
	require.NoError(t, err)
	require.Equal(t, []string{"d", "e"}, top)
	bottom, err := BottomTargets(ctx, db)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "e"}, bottom)

	g.done("a", 1)
	g.done("b", 2)
	todo, err := ListTodoTargets(ctx, db, top, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d", "e"}, todo)

	failed, err := JobsInState(ctx, db, model.Done)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, failed)
}

func TestDefinitionClosure(t *testing.T) {
	t.Parallel()

	g := newGraph(t)
	for _, id := range []string{"r3", "r2", "r1", "g"} {
		g.job(id)
	}
	for _, pair := range [][2]string{{"r3", "r2"}, {"r2", "r1"}, {"r1", "g"}} {
		j, err := g.db.GetJob(g.ctx, pair[0])
		require.NoError(t, err)
		j.NeedsContext = true
		j.SetDefined([]string{pair[1], "gone"})
		require.NoError(t, g.db.SetJob(g.ctx, j))
	}
	closure, err := DefinitionClosure(g.ctx, g.db, "r3")
	require.NoError(t, err)
	require.Equal(t, []string{"g", "gone", "r1", "r2"}, closure)
}

func TestCheckConsistency(t *testing.T) {
	t.Parallel()

	g := newGraph(t)
	g.job("a")
	g.job("b", "a")
	problems, err := CheckConsistency(g.ctx, g.db)
	require.NoError(t, err)
	require.Empty(t, problems)

	// Break symmetry, add a dangling child and an orphan cache.
	a, err := g.db.GetJob(g.ctx, "a")
	require.NoError(t, err)
	a.Parents = nil
	a.AddChild("missing")
	require.NoError(t, g.db.SetJob(g.ctx, a))
	require.NoError(t, g.db.SetCache(g.ctx, "ghost", model.NewCache()))
	g.state("b", model.Done)

	problems, err = CheckConsistency(g.ctx, g.db)
	require.NoError(t, err)
	var ids []string
	for _, p := range problems {
		ids = append(ids, p.JobID)
	}
	require.ElementsMatch(t, []string{"a", "b", "b", "ghost"}, ids)
}

func TestFindCycles(t *testing.T) {
	t.Parallel()

	jobs := map[string]*model.Job{
		"a": {JobID: "a", Children: []string{"b"}},
		"b": {JobID: "b", Children: []string{"c"}},
		"c": {JobID: "c", Children: []string{"a"}},
		"d": {JobID: "d", Children: []string{"a"}},
	}
	cycles := findCycles([]string{"a", "b", "c", "d"}, jobs)
	require.Equal(t, [][]string{{"a", "b", "c"}}, cycles)
}

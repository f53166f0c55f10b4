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

package selector

import (
	"context"
	"testing"

	"github.com/pingcap/compmake/engine/jobdb"
	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/engine/storage"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/stretchr/testify/require"
)

// newTestDB stores a, b, c, d and dyn, with c depending on a and b.
// a is done, b failed, c blocked, d not started and dyn is dynamic.
func newTestDB(t *testing.T) *jobdb.DB {
	ctx := context.Background()
	db, err := jobdb.New(storage.NewMemory(), "test", 0)
	require.NoError(t, err)

	root := []string{model.Root}
	a := model.NewJob("a", "f", nil, nil, root)
	a.AddParent("c")
	b := model.NewJob("b", "f", nil, nil, root)
	b.AddParent("c")
	c := model.NewJob("c", "f", []model.Value{model.PromiseValue("a"), model.PromiseValue("b")}, nil, root)
	d := model.NewJob("d", "f", nil, nil, root)
	dyn := model.NewJob("dyn", "f", nil, nil, root)
	dyn.NeedsContext = true
	for _, j := range []*model.Job{a, b, c, d, dyn} {
		require.NoError(t, db.SetJob(ctx, j))
	}
	for id, state := range map[string]model.CacheState{
		"a": model.Done, "b": model.Failed, "c": model.Blocked,
	} {
		cache := model.NewCache()
		cache.State = state
		require.NoError(t, db.SetCache(ctx, id, cache))
	}
	require.NoError(t, db.SetUserObject(ctx, "a", model.LiteralValue(1)))
	return db
}

func TestSelect(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()
	cases := []struct {
		expr     string
		expected []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"b a a", []string{"a", "b"}},
		{"all", []string{"a", "b", "c", "d", "dyn"}},
		{"not a", []string{"b", "c", "d", "dyn"}},
		{"not not a", []string{"a"}},
		{"all except failed", []string{"a", "c", "d", "dyn"}},
		{"not failed", []string{"a", "c", "d", "dyn"}},
		{"a b in a b c", []string{"a", "b"}},
		{"a b c but b", []string{"a", "c"}},
		{"all and blocked", []string{"c"}},
		{"all intersect done", []string{"a"}},
		{"all except a in a b", []string{"c", "d", "dyn"}},
		{"not a except b", []string{"b", "c", "d", "dyn"}},
		{"d*", []string{"d", "dyn"}},
		{"'d?n'", []string{"dyn"}},
		{"top", []string{"c", "d", "dyn"}},
		{"bottom", []string{"a", "b", "d", "dyn"}},
		{"dynamic", []string{"dyn"}},
		{"not_started", []string{"d", "dyn"}},
		{"in_progress", []string{}},
		{"more_requested", []string{}},
		{"uptodate", []string{"a"}},
		{"todo", []string{"b", "c", "d", "dyn"}},
	}
	for _, c := range cases {
		got, err := Select(ctx, db, c.expr)
		require.NoError(t, err, c.expr)
		if len(c.expected) == 0 {
			require.Empty(t, got, c.expr)
			continue
		}
		require.Equal(t, c.expected, got, c.expr)
	}
}

func TestSelectErrors(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()
	cases := []struct {
		expr string
		err  *errors.Error
	}{
		{"ghost", errors.ErrJobNotFound},
		{"x*", errors.ErrSelectorNoMatch},
		{"except a", errors.ErrSelectorSyntax},
		{"a in", errors.ErrSelectorSyntax},
		{"not", errors.ErrSelectorSyntax},
		{"a not b", errors.ErrSelectorSyntax},
		{"'a", errors.ErrSelectorSyntax},
		{"[", errors.ErrSelectorSyntax},
	}
	for _, c := range cases {
		_, err := Select(ctx, db, c.expr)
		require.True(t, errors.Is(err, c.err), "%s: %v", c.expr, err)
		require.True(t, errors.IsUserError(err), c.expr)
	}
}

func TestAliases(t *testing.T) {
	t.Parallel()

	names := Aliases()
	require.Len(t, names, 12)
	for _, name := range names {
		// Aliases can never be shadowed by a job.
		require.Error(t, model.ValidateJobID(name), name)
	}
}

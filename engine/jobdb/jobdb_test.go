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

package jobdb

import (
	"context"
	"testing"

	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/engine/storage"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) (*DB, *storage.Memory) {
	store := storage.NewMemory()
	db, err := New(store, "ns", 2)
	require.NoError(t, err)
	return db, store
}

func TestJobRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, store := newTestDB(t)

	_, err := db.GetJob(ctx, "a")
	require.True(t, errors.Is(err, errors.ErrJobNotFound))

	job := model.NewJob("a", "cmd", []model.Value{model.LiteralValue(int64(1))}, nil, []string{model.Root})
	require.NoError(t, db.SetJob(ctx, job))

	// Callers get copies, mutating them does not change the stored job.
	got, err := db.GetJob(ctx, "a")
	require.NoError(t, err)
	got.AddParent("p")
	again, err := db.GetJob(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, again.Parents)

	// Reads go to the store once the LRU evicted the entry.
	for _, id := range []string{"b", "c", "d"} {
		require.NoError(t, db.SetJob(ctx, model.NewJob(id, "cmd", nil, nil, []string{model.Root})))
	}
	got, err = db.GetJob(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "cmd", got.Command)
	require.Equal(t, []string{model.Root}, got.DefinedBy)

	ids, err := db.AllJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d"}, ids)

	ok, err := db.JobExists(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, db.DeleteJob(ctx, "b"))
	ok, err = db.JobExists(ctx, "b")
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, errors.Is(db.DeleteJob(ctx, "b"), errors.ErrJobNotFound))

	// Another namespace in the same store is independent.
	other, err := New(store, "other", 0)
	require.NoError(t, err)
	ids, err = other.AllJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestCacheAndObjects(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, _ := newTestDB(t)

	c, err := db.GetCache(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, model.NotStarted, c.State)
	ok, err := db.CacheExists(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)

	c.State = model.Done
	c.Exception = "x"
	require.NoError(t, db.SetCache(ctx, "a", c))
	c, err = db.GetCache(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, model.Done, c.State)
	require.Equal(t, "x", c.Exception)

	require.NoError(t, db.SetUserObject(ctx, "a", model.LiteralValue("result")))
	v, err := db.GetUserObject(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "result", v.Interface())
	require.NoError(t, db.SetTmpObject(ctx, "a", model.LiteralValue(int64(7))))
	v, err = db.GetTmpObject(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, int64(7), v.Interface())

	_, err = db.GetUserObject(ctx, "missing")
	require.True(t, storage.IsNotFound(err))

	ids, err := db.JobsWithRecord(ctx, model.KindUserObject)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)

	require.NoError(t, db.DeleteResults(ctx, "a"))
	require.NoError(t, db.DeleteResults(ctx, "a"))
	for _, exists := range []func(context.Context, string) (bool, error){
		db.CacheExists, db.UserObjectExists, db.TmpObjectExists,
	} {
		ok, err := exists(ctx, "a")
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestSerializationError(t *testing.T) {
	t.Parallel()

	db, _ := newTestDB(t)
	err := db.SetUserObject(context.Background(), "a", model.LiteralValue(make(chan int)))
	require.True(t, errors.Is(err, errors.ErrSerialization), "%v", err)
}

func TestUpdateGraph(t *testing.T) {
	t.Parallel()

	db, _ := newTestDB(t)
	called := false
	err := db.UpdateGraph(context.Background(), func() error {
		called = true
		return errors.ErrCompmakeBug.GenWithStackByArgs("x")
	})
	require.True(t, called)
	require.True(t, errors.Is(err, errors.ErrCompmakeBug))

	// The lock is released after fn returns.
	require.NoError(t, db.UpdateGraph(context.Background(), func() error { return nil }))
	require.NoError(t, db.ReopenAfterFork())
	require.NoError(t, db.Close())
}

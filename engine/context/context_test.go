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

package context

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap/compmake/engine/event"
	"github.com/pingcap/compmake/engine/jobdb"
	"github.com/pingcap/compmake/engine/storage"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) Context {
	db, err := jobdb.New(storage.NewMemory(), "test", 0)
	require.NoError(t, err)
	ctx := NewContext4Test(context.Background(), db, nil)
	t.Cleanup(ctx.GlobalVars().Events.Close)
	return ctx
}

func TestVars(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	require.Nil(t, ctx.JobVars())
	require.Equal(t, "root", ZapFieldJob(ctx).String)

	jobCtx := WithJobVars(ctx, &JobVars{JobID: "job-1", DefinedBy: []string{"root"}})
	require.Equal(t, "job-1", jobCtx.JobVars().JobID)
	require.Equal(t, "job-1", ZapFieldJob(jobCtx).String)
	require.Same(t, ctx.GlobalVars(), jobCtx.GlobalVars())
}

func TestCancel(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	jobCtx := WithJobVars(ctx, &JobVars{JobID: "job-1"})
	cctx, cancel := WithCancel(jobCtx)
	require.NoError(t, cctx.Err())
	require.Equal(t, "job-1", cctx.JobVars().JobID)

	cancel()
	select {
	case <-cctx.Done():
	case <-time.After(time.Second):
		require.FailNow(t, "context not canceled")
	}
	require.ErrorIs(t, cctx.Err(), context.Canceled)
	require.NoError(t, ctx.Err())
}

type valueKey struct{}

func TestWithStdContext(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	std := context.WithValue(ctx.StdContext(), valueKey{}, "v")
	wrapped := WithStdContext(ctx, std)
	require.Equal(t, "v", wrapped.Value(valueKey{}))
	require.Nil(t, ctx.Value(valueKey{}))
	require.Same(t, ctx.GlobalVars(), wrapped.GlobalVars())
}

func TestPublish(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	r := ctx.GlobalVars().Events.Subscribe()
	Publish(ctx, event.Event{Type: event.JobDefined, JobID: "a"})

	select {
	case ev := <-r.C:
		require.Equal(t, event.JobDefined, ev.Type)
		require.Equal(t, "host-4-test", ev.Host)
		require.False(t, ev.Time.IsZero())
	case <-time.After(5 * time.Second):
		require.FailNow(t, "event not delivered")
	}
}

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

package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/compmake/pkg/leakutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

func TestBusBasics(t *testing.T) {
	t.Parallel()

	b := NewBus()
	defer b.Close()

	const (
		numReceivers = 4
		numEvents    = 100
	)
	var wg sync.WaitGroup
	for i := 0; i < numReceivers; i++ {
		r := b.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.Close()
			for i := 0; i < numEvents; i++ {
				ev := <-r.C
				require.Equal(t, JobSucceeded, ev.Type)
				require.Equal(t, i, ev.Progress.Done)
			}
		}()
	}

	for i := 0; i < numEvents; i++ {
		b.Publish(Event{Type: JobSucceeded, Progress: Progress{Done: i, Total: numEvents}})
	}
	wg.Wait()
}

func TestBusFlushAndSubscribeFunc(t *testing.T) {
	t.Parallel()

	b := NewBus()
	defer b.Close()

	var (
		mu  sync.Mutex
		got []string
	)
	cancel := b.SubscribeFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.JobID)
	})

	b.Publish(Event{Type: JobStarted, JobID: "a"})
	b.Publish(Event{Type: JobStarted, JobID: "b"})
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()
	require.NoError(t, b.Flush(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b"}, got)
}

func TestBusClose(t *testing.T) {
	t.Parallel()

	b := NewBus()
	r := b.Subscribe()
	b.Close()
	b.Close()
	_, ok := <-r.C
	require.False(t, ok)
	// Publishing after close is a no-op.
	b.Publish(Event{Type: JobStarted})
	require.NoError(t, b.Flush(context.Background()))
}

func TestEventString(t *testing.T) {
	t.Parallel()

	ev := Event{Type: JobProgress, JobID: "j", Progress: Progress{Done: 1, Total: 3}}
	require.Equal(t, "job-progress j 1/3", ev.String())
	ev = Event{Type: JobFailed, JobID: "j", Reason: "boom"}
	require.Equal(t, "job-failed j: boom", ev.String())
}

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

package manager

import (
	"context"
	"os/exec"
	"testing"
	"time"

	cmcontext "github.com/pingcap/compmake/engine/context"
	"github.com/pingcap/compmake/engine/define"
	"github.com/pingcap/compmake/engine/demo"
	"github.com/pingcap/compmake/engine/event"
	"github.com/pingcap/compmake/engine/execute"
	"github.com/pingcap/compmake/engine/jobdb"
	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/engine/registry"
	"github.com/pingcap/compmake/engine/storage"
	"github.com/pingcap/compmake/pkg/config"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/pingcap/compmake/pkg/leakutil"
	perrors "github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

type fixture struct {
	t        *testing.T
	ctx      cmcontext.Context
	db       *jobdb.DB
	counters *demo.Counters
	root     *define.Definer
	cfg      *config.ManagerConfig
}

func newFixture(t *testing.T, store storage.Storage) *fixture {
	db, err := jobdb.New(store, "test", 0)
	require.NoError(t, err)
	reg := registry.NewRegistry()
	counters := demo.Register(reg)
	reg.MustRegister("identity", func(_ context.Context, args *registry.Args) (any, error) {
		return args.Get(0)
	})
	// redefine(id, v, ...) defines id as identity(v).
	reg.MustRegisterDynamic("redefine", func(ctx registry.Context, args *registry.Args) (any, error) {
		id, err := args.String(0)
		if err != nil {
			return nil, err
		}
		v, err := args.Get(1)
		if err != nil {
			return nil, err
		}
		if _, err := ctx.Comp("identity", v, define.JobID(id)); err != nil {
			return nil, err
		}
		return id, nil
	})
	ctx := cmcontext.NewContext4Test(context.Background(), db, reg)
	t.Cleanup(ctx.GlobalVars().Events.Close)

	cfg := config.GetDefaultConfig().Manager
	cfg.PollInterval = time.Millisecond
	cfg.GetTimeout = 10 * time.Millisecond
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 5 * time.Millisecond
	cfg.Parallelism = 4
	return &fixture{
		t: t, ctx: ctx, db: db, counters: counters, root: define.NewRoot(), cfg: cfg,
	}
}

func (f *fixture) comp(command string, args ...any) model.Promise {
	p, err := f.root.Comp(f.ctx, command, args...)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) compDynamic(command string, args ...any) model.Promise {
	p, err := f.root.CompDynamic(f.ctx, command, args...)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) run(backend Backend, recurse bool, targets ...string) *Report {
	m := New(backend, f.cfg, recurse)
	require.NoError(f.t, m.AddTargets(f.ctx, targets, false))
	report, err := m.Process(f.ctx)
	require.NoError(f.t, err)
	return report
}

func (f *fixture) state(jobID string) model.CacheState {
	c, err := f.db.GetCache(f.ctx, jobID)
	require.NoError(f.t, err)
	return c.State
}

func (f *fixture) value(jobID string) any {
	v, err := f.db.GetUserObject(f.ctx, jobID)
	require.NoError(f.t, err)
	return v.Interface()
}

func stubUsage() (ResourceUsage, error) {
	return ResourceUsage{MemUsedPercent: 10, MemAvailable: 1 << 30, CPULoadPercent: 10}, nil
}

func TestStatistics(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"local", "pool"} {
		f := newFixture(t, storage.NewMemory())
		backend := Backend(NewLocalBackend(false))
		if name == "pool" {
			backend = NewPoolBackend(f.cfg).WithSampler(stubUsage)
		}
		var xs []model.Promise
		for _, x := range []int{42, 43, 44} {
			xs = append(xs, f.comp("double", x))
		}
		f.comp("statistics", xs, define.JobID("stats"))

		report := f.run(backend, false, "stats")
		require.True(t, report.OK(), name)
		require.NoError(t, report.Err())
		require.Equal(t, []string{"double-1", "double-2", "double-3", "stats"}, report.Done, name)
		require.Equal(t, int64(258), f.value("stats"), name)

		// A second run has nothing to do.
		report = f.run(backend, false, "stats")
		require.Empty(t, report.Done, name)
		require.Equal(t, int64(3), f.counters.Double.Load(), name)
		require.Equal(t, int64(1), f.counters.Statistics.Load(), name)
	}
}

func TestFailureCascade(t *testing.T) {
	t.Parallel()

	f := newFixture(t, storage.NewMemory())
	sub := f.ctx.GlobalVars().Events.Subscribe()
	defer sub.Close()

	a := f.comp("double", 1, define.JobID("A"))
	b := f.comp("fail", "boom", define.Kwargs(map[string]any{"after": a}), define.JobID("B"))
	c := f.comp("identity", b, define.JobID("C"))
	f.comp("identity", c, define.JobID("D"))
	f.comp("double", 2, define.JobID("E"))

	report := f.run(NewLocalBackend(false), false, "D", "E")
	require.False(t, report.OK())
	require.True(t, errors.Is(report.Err(), errors.ErrJobsFailed))
	require.Equal(t, []string{"A", "E"}, report.Done)
	require.Equal(t, []string{"B"}, report.Failed)
	require.Equal(t, []string{"C", "D"}, report.Blocked)
	require.Equal(t, "blocked by B", report.Reasons["C"])

	require.Equal(t, model.Done, f.state("A"))
	require.Equal(t, model.Failed, f.state("B"))
	require.Equal(t, model.Blocked, f.state("C"))
	require.Equal(t, model.Blocked, f.state("D"))

	require.NoError(t, f.ctx.GlobalVars().Events.Flush(f.ctx))
	blocked := map[string]bool{}
	var last event.Type
	for len(sub.C) > 0 {
		ev := <-sub.C
		if ev.Type == event.JobBlocked {
			blocked[ev.JobID] = true
		}
		last = ev.Type
	}
	require.Equal(t, map[string]bool{"C": true, "D": true}, blocked)
	require.Equal(t, event.ManagerFailed, last)
}

func TestRecurseChain(t *testing.T) {
	t.Parallel()

	f := newFixture(t, storage.NewMemory())
	r5 := f.compDynamic("recurse", 5, define.JobID("r5"))
	f.comp("identity", r5, define.JobID("out"))

	report := f.run(NewPoolBackend(f.cfg).WithSampler(stubUsage), true, "out")
	require.True(t, report.OK())
	require.Equal(t, []string{"g", "out", "r1", "r2", "r3", "r4", "r5"}, report.Done)
	require.Empty(t, report.Postponed)

	for i, id := range []string{"r5", "r4", "r3", "r2", "r1", "g"} {
		require.Equal(t, model.Done, f.state(id), id)
		job, err := f.db.GetJob(f.ctx, id)
		require.NoError(t, err)
		require.Len(t, job.DefinedBy, i+1, id)
	}
	// Promises returned by dynamic jobs are followed to the end of the chain.
	require.Equal(t, "g", f.value("out"))
}

func TestRecurseRerunsRedefinedJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, storage.NewMemory())
	x := f.comp("identity", 1, define.JobID("x"))
	// d waits for x, then gives x a different definition.
	f.compDynamic("redefine", "x", 2, x, define.JobID("d"))

	report := f.run(NewLocalBackend(false), true, "d")
	require.True(t, report.OK())
	require.Equal(t, []string{"d", "x"}, report.Done)
	require.Empty(t, report.Todo)
	require.Equal(t, model.Done, f.state("x"))
	require.Equal(t, int64(2), f.value("x"))
}

func TestPostponedWithoutRecurse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, storage.NewMemory())
	r2 := f.compDynamic("recurse", 2, define.JobID("r2"))
	f.comp("identity", r2, define.JobID("out"))

	// Every run makes the jobs the previous one defined.
	report := f.run(NewLocalBackend(false), false, "out")
	require.True(t, report.OK())
	require.Equal(t, []string{"r2"}, report.Done)
	require.Equal(t, []string{"out"}, report.Postponed)

	report = f.run(NewLocalBackend(false), false, "out")
	require.Equal(t, []string{"r1"}, report.Done)
	require.Equal(t, []string{"out"}, report.Postponed)

	report = f.run(NewLocalBackend(false), false, "out")
	require.Equal(t, []string{"g", "out"}, report.Done)
	require.Empty(t, report.Postponed)
	require.Equal(t, model.Done, f.state("out"))
}

func TestMoreTargets(t *testing.T) {
	t.Parallel()

	f := newFixture(t, storage.NewMemory())
	f.comp("countdown", 2, define.JobID("c"))
	f.run(NewLocalBackend(false), false, "c")
	require.Equal(t, int64(2), f.value("c"))

	m := New(NewLocalBackend(false), f.cfg, false)
	require.NoError(t, m.AddTargets(f.ctx, []string{"c"}, true))
	report, err := m.Process(f.ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, report.Done)
	require.Equal(t, int64(4), f.value("c"))

	_, err = m.Process(f.ctx)
	require.True(t, errors.Is(err, errors.ErrManagerClosed))
	require.True(t, errors.Is(m.AddTargets(f.ctx, []string{"c"}, false), errors.ErrManagerClosed))
}

// flakyBackend reports a host failure for the first attempts of every job.
type flakyBackend struct {
	*LocalBackend
	failures int
	attempts map[string]int
}

func (b *flakyBackend) InstanceJob(ctx cmcontext.Context, jobID string, more bool) (AsyncResult, error) {
	b.attempts[jobID]++
	if b.attempts[jobID] <= b.failures {
		return &settledResult{err: errors.ErrHostFailed.GenWithStackByArgs("flaky", jobID)}, nil
	}
	return b.LocalBackend.InstanceJob(ctx, jobID, more)
}

func TestRetryInterrupted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, storage.NewMemory())
	f.cfg.MaxInterruptions = 2
	f.comp("double", 1, define.JobID("a"))

	backend := &flakyBackend{LocalBackend: NewLocalBackend(false), failures: 2, attempts: map[string]int{}}
	report := f.run(backend, false, "a")
	require.True(t, report.OK())
	require.Equal(t, []string{"a"}, report.Done)
	require.Equal(t, 3, backend.attempts["a"])

	f.comp("double", 2, define.JobID("b"))
	f.comp("identity", model.Promise{JobID: "b"}, define.JobID("c"))
	backend = &flakyBackend{LocalBackend: NewLocalBackend(false), failures: 5, attempts: map[string]int{}}
	report = f.run(backend, false, "c")
	require.Equal(t, []string{"b"}, report.Failed)
	require.Equal(t, []string{"c"}, report.Blocked)
	require.Equal(t, 3, backend.attempts["b"])
	// The job itself never ran, so it is not marked failed.
	require.Equal(t, model.NotStarted, f.state("b"))
}

func TestCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, storage.NewMemory())
	f.comp("sleep", "1h", define.JobID("s"))
	ctx, cancel := cmcontext.WithCancel(f.ctx)

	m := New(NewPoolBackend(f.cfg).WithSampler(stubUsage), f.cfg, false)
	require.NoError(t, m.AddTargets(ctx, []string{"s"}, false))
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	report, err := m.Process(ctx)
	require.Equal(t, context.Canceled, perrors.Cause(err))
	require.Equal(t, []string{"s"}, report.Todo)
	require.Empty(t, report.Failed)
	require.Equal(t, model.InProgress, f.state("s"))
}

func TestComputePriorities(t *testing.T) {
	t.Parallel()

	f := newFixture(t, storage.NewMemory())
	a := f.comp("double", 1, define.JobID("a"))
	b := f.comp("identity", a, define.JobID("b"))
	f.comp("identity", b, define.JobID("c"))
	f.comp("identity", a, define.JobID("d"))
	f.comp("double", 3, define.JobID("e"))

	prio, err := ComputePriorities(f.ctx, f.db, []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"a": -1, "b": -1, "c": 0, "d": 0, "e": 0}, prio)

	// Only parents inside the set count.
	prio, err = ComputePriorities(f.ctx, f.db, []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"a": -1, "b": 0}, prio)

	require.True(t, readyLess(readyItem{"z", 0}, readyItem{"a", -1}))
	require.True(t, readyLess(readyItem{"a", 0}, readyItem{"b", 0}))
}

func TestPoolCanAcceptJob(t *testing.T) {
	t.Parallel()

	cfg := config.GetDefaultConfig().Manager
	cfg.Parallelism = 2
	cfg.MinFreeMemory = 1 << 20
	usage := ResourceUsage{MemUsedPercent: 95, MemAvailable: 1 << 10, CPULoadPercent: 300}
	b := NewPoolBackend(cfg).WithSampler(func() (ResourceUsage, error) { return usage, nil })

	reasons := map[string]string{}
	require.True(t, b.CanAcceptJob(reasons), "one job always runs")

	b.running.Store(1)
	require.False(t, b.CanAcceptJob(reasons))
	require.Contains(t, reasons, "memory")
	require.Contains(t, reasons, "free-memory")
	require.Contains(t, reasons, "cpu")

	b.running.Store(2)
	reasons = map[string]string{}
	require.False(t, b.CanAcceptJob(reasons))
	require.Equal(t, "2/2 slots in use", reasons["slots"])
}

// funcHost runs jobs in process, or fails when broken is set.
type funcHost struct {
	name   string
	broken bool
	runs   atomic.Int64
}

func (h *funcHost) Name() string { return h.name }
func (h *funcHost) Slots() int   { return 1 }

func (h *funcHost) Run(ctx cmcontext.Context, jobID string, more bool) (*JobResult, error) {
	h.runs.Inc()
	if h.broken {
		return nil, errors.ErrHostFailed.GenWithStackByArgs(h.name, jobID)
	}
	res, err := execute.MakeJob(ctx, jobID, execute.Options{More: more})
	if err != nil {
		return nil, err
	}
	return resultOf(res, h.name), nil
}

func TestClusterBackend(t *testing.T) {
	t.Parallel()

	_, err := NewClusterBackend(newFixture(t, storage.NewMemory()).db, &funcHost{name: "h"})
	require.True(t, errors.Is(err, errors.ErrStorageNotShareable))

	fs, err := storage.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, fs)
	var xs []model.Promise
	for _, x := range []int{42, 43, 44} {
		xs = append(xs, f.comp("double", x))
	}
	f.comp("statistics", xs, define.JobID("stats"))

	bad := &funcHost{name: "bad", broken: true}
	good := &funcHost{name: "good"}
	backend, err := NewClusterBackend(f.db, bad, good)
	require.NoError(t, err)
	report := f.run(backend, false, "stats")
	require.True(t, report.OK())
	require.Equal(t, int64(258), f.value("stats"))
	require.Equal(t, int64(4), good.runs.Load())
	require.LessOrEqual(t, bad.runs.Load(), int64(1))
	if bad.runs.Load() == 1 {
		require.Equal(t, []string{"bad"}, backend.FailedHosts())
	}

	// Without any working host the run cannot go on.
	f.comp("double", 7, define.JobID("seven"))
	backend, err = NewClusterBackend(f.db, &funcHost{name: "bad", broken: true})
	require.NoError(t, err)
	m := New(backend, f.cfg, false)
	require.NoError(t, m.AddTargets(f.ctx, []string{"seven"}, false))
	_, err = m.Process(f.ctx)
	require.True(t, errors.Is(err, errors.ErrManagerResourceExhausted))
}

func TestProcessHost(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}
	f := newFixture(t, storage.NewMemory())
	f.comp("double", 1, define.JobID("j"))

	cases := []struct {
		script string
		check  func(res *JobResult, err error)
	}{
		{"test \"$0\" = j", func(res *JobResult, err error) {
			require.NoError(t, err)
			require.Equal(t, "j", res.JobID)
			require.Equal(t, "h1", res.Host)
		}},
		{"exit 113", func(_ *JobResult, err error) {
			require.True(t, errors.Is(err, errors.ErrJobFailed))
		}},
		{"exit 3", func(_ *JobResult, err error) {
			require.True(t, errors.Is(err, errors.ErrHostFailed))
		}},
	}
	for _, c := range cases {
		h := NewProcessHost("h1", 0, []string{"sh", "-c", c.script, config.JobPlaceholder})
		require.Equal(t, 1, h.Slots())
		c.check(h.Run(f.ctx, "j", false))
	}

	h := NewProcessHost("h2", 1, []string{"/nonexistent/compmake-worker"})
	_, err := h.Run(f.ctx, "j", false)
	require.True(t, errors.Is(err, errors.ErrHostFailed))

	require.Equal(t, []string{"w", "--job", "x", "--more"},
		NewProcessHost("h", 1, []string{"w", "--job", "{job}"}).command("x", true))
}

func TestInitMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	InitMetrics(reg)
	jobOutcomeCounter.WithLabelValues("metrics-test", outcomeSucceeded).Inc()
	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

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

// Package session ties a job database, a command registry and the manager
// together, and exposes the operations of the batch command surface.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	cmcontext "github.com/pingcap/compmake/engine/context"
	"github.com/pingcap/compmake/engine/define"
	"github.com/pingcap/compmake/engine/event"
	"github.com/pingcap/compmake/engine/execute"
	"github.com/pingcap/compmake/engine/jobdb"
	"github.com/pingcap/compmake/engine/manager"
	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/engine/query"
	"github.com/pingcap/compmake/engine/redefine"
	"github.com/pingcap/compmake/engine/registry"
	"github.com/pingcap/compmake/engine/selector"
	"github.com/pingcap/compmake/engine/storage"
	"github.com/pingcap/compmake/pkg/clock"
	"github.com/pingcap/compmake/pkg/config"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var stateColors = map[model.CacheState]*color.Color{
	model.NotStarted:    color.New(color.Reset),
	model.InProgress:    color.New(color.FgCyan),
	model.MoreRequested: color.New(color.FgBlue),
	model.Failed:        color.New(color.FgRed, color.Bold),
	model.Done:          color.New(color.FgGreen),
	model.Blocked:       color.New(color.FgYellow),
}

// Session is one user of a job database.
type Session struct {
	ctx  cmcontext.Context
	db   *jobdb.DB
	cfg  *config.Config
	root *define.Definer
	out  io.Writer

	unsubscribe func()
}

// Open opens the storage selected by cfg and returns a session over it.
// Reports of the commands are written to out.
func Open(ctx context.Context, cfg *config.Config, reg registry.Registry, out io.Writer) (*Session, error) {
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	db, err := jobdb.New(store, cfg.Namespace, cfg.Storage.JobCacheSize)
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}
	host := os.Getenv(manager.HostEnv)
	if host == "" {
		host, _ = os.Hostname()
	}
	vars := &cmcontext.GlobalVars{
		DB:       db,
		Registry: reg,
		Events:   event.NewBus(),
		Clock:    clock.New(),
		Config:   cfg,
		Host:     host,
	}
	log.Info("session opened",
		zap.String("namespace", cfg.Namespace),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("path", cfg.Storage.Path))
	return NewWithContext(cmcontext.NewContext(ctx, vars), out), nil
}

// NewWithContext returns a session over the vars of ctx. The session owns
// the database and the event bus of ctx.
func NewWithContext(ctx cmcontext.Context, out io.Writer) *Session {
	vars := ctx.GlobalVars()
	cfg := vars.Config
	if cfg == nil {
		cfg = config.GetDefaultConfig()
	}
	s := &Session{
		ctx:  ctx,
		db:   vars.DB,
		cfg:  cfg,
		root: define.NewRoot(),
		out:  out,
	}
	if vars.Events != nil {
		s.unsubscribe = vars.Events.SubscribeFunc(func(ev event.Event) {
			log.Debug("scheduler event", zap.Stringer("event", ev))
		})
	}
	return s
}

// Context returns the scheduler context of the session.
func (s *Session) Context() cmcontext.Context {
	return s.ctx
}

// DB returns the job database.
func (s *Session) DB() *jobdb.DB {
	return s.db
}

// Close releases the event bus and the storage.
func (s *Session) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if ev := s.ctx.GlobalVars().Events; ev != nil {
		ev.Close()
	}
	return s.db.Close()
}

// bind returns the scheduler context with the cancellation of ctx.
func (s *Session) bind(ctx context.Context) cmcontext.Context {
	if ctx == nil {
		return s.ctx
	}
	return cmcontext.WithStdContext(s.ctx, ctx)
}

// Comp defines a job of the session.
func (s *Session) Comp(command string, args ...any) (model.Promise, error) {
	return s.root.Comp(s.ctx, command, args...)
}

// CompDynamic defines a dynamic job of the session.
func (s *Session) CompDynamic(command string, args ...any) (model.Promise, error) {
	return s.root.CompDynamic(s.ctx, command, args...)
}

// MakeOptions control one run of the manager.
type MakeOptions struct {
	// Recurse also makes the jobs defined by dynamic jobs.
	Recurse bool
	// Parallelism overrides the number of slots of the pool backend, 0
	// keeps the configured one.
	Parallelism int
	// Backend overrides the configured manager backend.
	Backend string
	// Echo copies the output of the jobs to the process output.
	Echo bool
}

// DefaultMakeOptions returns the options given by the configuration.
func (s *Session) DefaultMakeOptions() MakeOptions {
	return MakeOptions{Recurse: s.cfg.Manager.Recurse}
}

// Make brings targets up-to-date, every top-level job if targets is empty.
// A run in which jobs failed returns the report along with ErrJobsFailed.
func (s *Session) Make(ctx context.Context, targets []string, opts MakeOptions) (*manager.Report, error) {
	return s.run(ctx, targets, opts, false)
}

// ParMake is Make on the pool backend unless another backend is requested.
func (s *Session) ParMake(ctx context.Context, targets []string, opts MakeOptions) (*manager.Report, error) {
	return s.run(ctx, targets, s.parallel(opts), false)
}

// Remake invalidates targets and makes them again.
func (s *Session) Remake(ctx context.Context, targets []string, opts MakeOptions) (*manager.Report, error) {
	targets, err := s.invalidateTargets(ctx, targets)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, targets, opts, false)
}

// ParRemake is Remake on the pool backend.
func (s *Session) ParRemake(ctx context.Context, targets []string, opts MakeOptions) (*manager.Report, error) {
	targets, err := s.invalidateTargets(ctx, targets)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, targets, s.parallel(opts), false)
}

// More continues the computation of targets, which run again even if
// they are up-to-date.
func (s *Session) More(ctx context.Context, targets []string, opts MakeOptions) (*manager.Report, error) {
	return s.run(ctx, targets, opts, true)
}

// ParMore is More on the pool backend.
func (s *Session) ParMore(ctx context.Context, targets []string, opts MakeOptions) (*manager.Report, error) {
	return s.run(ctx, targets, s.parallel(opts), true)
}

func (s *Session) parallel(opts MakeOptions) MakeOptions {
	if opts.Backend == "" {
		opts.Backend = config.ManagerPool
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = s.cfg.Manager.Slots()
	}
	return opts
}

func (s *Session) invalidateTargets(ctx context.Context, targets []string) ([]string, error) {
	sctx := s.bind(ctx)
	if len(targets) == 0 {
		var err error
		if targets, err = query.TopTargets(sctx, s.db); err != nil {
			return nil, err
		}
	}
	for _, id := range targets {
		if err := execute.Invalidate(sctx, id); err != nil {
			return nil, err
		}
	}
	return targets, nil
}

func (s *Session) run(ctx context.Context, targets []string, opts MakeOptions, more bool) (*manager.Report, error) {
	sctx := s.bind(ctx)
	if len(targets) == 0 {
		var err error
		if targets, err = query.TopTargets(sctx, s.db); err != nil {
			return nil, err
		}
	}
	mcfg := *s.cfg.Manager
	if opts.Backend != "" {
		mcfg.Backend = opts.Backend
	}
	if opts.Parallelism > 0 {
		mcfg.Parallelism = opts.Parallelism
	}
	backend, err := manager.NewBackend(sctx, &mcfg, opts.Echo)
	if err != nil {
		return nil, err
	}
	m := manager.New(backend, &mcfg, opts.Recurse)
	if err := m.AddTargets(sctx, targets, more); err != nil {
		return nil, err
	}
	report, err := m.Process(sctx)
	if report != nil {
		s.printReport(report)
	}
	if err != nil {
		return report, err
	}
	return report, report.Err()
}

func (s *Session) printReport(r *manager.Report) {
	parts := []string{fmt.Sprintf("%d done", len(r.Done))}
	if len(r.Failed) > 0 {
		parts = append(parts, stateColors[model.Failed].Sprintf("%d failed", len(r.Failed)))
	}
	if len(r.Blocked) > 0 {
		parts = append(parts, stateColors[model.Blocked].Sprintf("%d blocked", len(r.Blocked)))
	}
	if len(r.Todo) > 0 {
		parts = append(parts, fmt.Sprintf("%d not made", len(r.Todo)))
	}
	fmt.Fprintf(s.out, "make: %s\n", strings.Join(parts, ", "))
	for _, id := range sortedStrings(r.Reasons) {
		fmt.Fprintf(s.out, "  %s: %s\n", id, r.Reasons[id])
	}
	if len(r.Postponed) > 0 {
		fmt.Fprintf(s.out, "  postponed, make again with recurse=1: %s\n", strings.Join(r.Postponed, " "))
	}
}

// Clean deletes the results of targets, every job if targets is empty.
// The jobs defined by a dynamic target are deleted.
func (s *Session) Clean(ctx context.Context, targets []string) error {
	sctx := s.bind(ctx)
	targets, err := s.orAll(sctx, targets)
	if err != nil {
		return err
	}
	for _, id := range targets {
		job, err := s.db.GetJob(sctx, id)
		if errors.Is(err, errors.ErrJobNotFound) {
			// Deleted along with a dynamic job cleaned before.
			continue
		}
		if err != nil {
			return err
		}
		if job.IsDynamic() && len(job.Defined()) > 0 {
			deleted, err := redefine.Reconcile(sctx, id, nil)
			if err != nil {
				return err
			}
			if len(deleted) > 0 {
				fmt.Fprintf(s.out, "clean: deleted %s\n", strings.Join(deleted, " "))
			}
		}
		if err := execute.Clean(sctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate marks targets as not started without touching their
// definitions.
func (s *Session) Invalidate(ctx context.Context, targets []string) error {
	sctx := s.bind(ctx)
	targets, err := s.orAll(sctx, targets)
	if err != nil {
		return err
	}
	for _, id := range targets {
		if err := execute.Invalidate(sctx, id); err != nil {
			return err
		}
	}
	return nil
}

// List prints one line per job: its id, state and command.
func (s *Session) List(ctx context.Context, targets []string) error {
	targets, err := s.orAll(ctx, targets)
	if err != nil {
		return err
	}
	width := 0
	for _, id := range targets {
		if len(id) > width {
			width = len(id)
		}
	}
	for _, id := range targets {
		job, err := s.db.GetJob(ctx, id)
		if err != nil {
			return err
		}
		cache, err := s.db.GetCache(ctx, id)
		if err != nil {
			return err
		}
		state := stateColors[cache.State].Sprintf("%-14s", cache.State)
		line := fmt.Sprintf("%-*s  %s  %s", width, id, state, job.Command)
		if job.IsDynamic() {
			line += fmt.Sprintf(" (dynamic, %d defined)", len(job.Defined()))
		}
		if cache.State.HasResult() && cache.WallTime > 0 {
			line += "  " + cache.WallTime.Round(time.Millisecond).String()
		}
		fmt.Fprintln(s.out, line)
	}
	return nil
}

// Stats prints and returns the number of targets in every state.
func (s *Session) Stats(ctx context.Context, targets []string) (map[model.CacheState]int, error) {
	targets, err := s.orAll(ctx, targets)
	if err != nil {
		return nil, err
	}
	counts := make(map[model.CacheState]int)
	var cpu, wall time.Duration
	for _, id := range targets {
		cache, err := s.db.GetCache(ctx, id)
		if err != nil {
			return nil, err
		}
		counts[cache.State]++
		cpu += cache.CPUTime
		wall += cache.WallTime
	}
	fmt.Fprintf(s.out, "%s jobs\n", humanize.Comma(int64(len(targets))))
	for _, state := range model.AllCacheStates {
		if counts[state] == 0 {
			continue
		}
		fmt.Fprintf(s.out, "  %s %s\n",
			stateColors[state].Sprintf("%-14s", state), humanize.Comma(int64(counts[state])))
	}
	fmt.Fprintf(s.out, "  wall time %s, cpu time %s\n",
		wall.Round(time.Millisecond), cpu.Round(time.Millisecond))
	return counts, nil
}

// Details prints everything known about targets.
func (s *Session) Details(ctx context.Context, targets []string) error {
	targets, err := s.orAll(ctx, targets)
	if err != nil {
		return err
	}
	for _, id := range targets {
		job, err := s.db.GetJob(ctx, id)
		if err != nil {
			return err
		}
		cache, err := s.db.GetCache(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s\n", id)
		fmt.Fprintf(s.out, "  command     %s\n", job.Command)
		if job.IsDynamic() {
			fmt.Fprintf(s.out, "  dynamic     defined %s\n", strings.Join(job.Defined(), " "))
		}
		fmt.Fprintf(s.out, "  defined by  %s\n", strings.Join(job.DefinedBy, " > "))
		fmt.Fprintf(s.out, "  children    %s\n", strings.Join(job.Children, " "))
		fmt.Fprintf(s.out, "  parents     %s\n", strings.Join(job.Parents, " "))
		fmt.Fprintf(s.out, "  state       %s\n", stateColors[cache.State].Sprint(cache.State))
		if !cache.Timestamp.IsZero() {
			fmt.Fprintf(s.out, "  completed   %s (%s)\n",
				cache.Timestamp.Format(time.RFC3339), humanize.Time(cache.Timestamp))
		}
		if cache.Host != "" {
			fmt.Fprintf(s.out, "  host        %s\n", cache.Host)
		}
		if cache.WallTime > 0 || cache.CPUTime > 0 {
			fmt.Fprintf(s.out, "  wall / cpu  %s / %s\n",
				cache.WallTime.Round(time.Millisecond), cache.CPUTime.Round(time.Millisecond))
		}
		if cache.ProgressTotal > 0 {
			fmt.Fprintf(s.out, "  progress    %d/%d\n", cache.ProgressDone, cache.ProgressTotal)
		}
		if cache.Exception != "" {
			fmt.Fprintf(s.out, "  exception   %s\n", cache.Exception)
		}
		if cache.Backtrace != "" {
			fmt.Fprintf(s.out, "  backtrace\n%s\n", indent(cache.Backtrace, "    "))
		}
		if cache.CapturedStdout != "" {
			fmt.Fprintf(s.out, "  stdout (%s)\n%s\n",
				humanize.Bytes(uint64(len(cache.CapturedStdout))), indent(cache.CapturedStdout, "    "))
		}
		if cache.CapturedStderr != "" {
			fmt.Fprintf(s.out, "  stderr (%s)\n%s\n",
				humanize.Bytes(uint64(len(cache.CapturedStderr))), indent(cache.CapturedStderr, "    "))
		}
	}
	return nil
}

// Why prints why each target is not up-to-date, and returns the reasons
// keyed by job. Up-to-date targets have an empty reason.
func (s *Session) Why(ctx context.Context, targets []string) (map[string]string, error) {
	targets, err := s.orAll(ctx, targets)
	if err != nil {
		return nil, err
	}
	memo := query.NewMemo()
	reasons := make(map[string]string, len(targets))
	for _, id := range targets {
		ok, reason, err := query.UpToDate(ctx, s.db, id, memo)
		if err != nil {
			return nil, err
		}
		if ok {
			reasons[id] = ""
			fmt.Fprintf(s.out, "%s: up to date\n", id)
			continue
		}
		cache, err := s.db.GetCache(ctx, id)
		if err != nil {
			return nil, err
		}
		if cache.Exception != "" {
			reason += ": " + cache.Exception
		}
		reasons[id] = reason
		fmt.Fprintf(s.out, "%s: %s\n", id, reason)
	}
	return reasons, nil
}

// CheckConsistency prints the problems of the job graph. It returns
// ErrInconsistentGraph if there is any.
func (s *Session) CheckConsistency(ctx context.Context) ([]query.Problem, error) {
	problems, err := query.CheckConsistency(ctx, s.db)
	if err != nil {
		return nil, err
	}
	for _, p := range problems {
		fmt.Fprintln(s.out, p.String())
	}
	if len(problems) > 0 {
		return problems, errors.ErrInconsistentGraph.GenWithStackByArgs(len(problems))
	}
	fmt.Fprintln(s.out, "job database is consistent")
	return nil, nil
}

// CleanOtherJobs deletes the jobs not reachable from roots. Without roots,
// the jobs defined by this session are used, or the stored session-level
// jobs when it defined none.
func (s *Session) CleanOtherJobs(ctx context.Context, roots []string) ([]string, error) {
	if len(roots) == 0 {
		roots = s.root.Defined()
	}
	deleted, err := redefine.CleanOtherJobs(s.bind(ctx), roots)
	if err != nil {
		return nil, err
	}
	if len(deleted) > 0 {
		fmt.Fprintf(s.out, "gc: deleted %s\n", strings.Join(deleted, " "))
	}
	return deleted, nil
}

// Select evaluates a job selector.
func (s *Session) Select(ctx context.Context, expr string) ([]string, error) {
	return selector.Select(ctx, s.db, expr)
}

// Worker runs jobID in this process on behalf of a process host. Its
// children must be up-to-date.
func (s *Session) Worker(ctx context.Context, jobID string, more bool) error {
	if err := s.db.ReopenAfterFork(); err != nil {
		return err
	}
	sctx := s.bind(ctx)
	_, err := execute.MakeJob(sctx, jobID, execute.Options{More: more})
	// Delivers the events of the job to the log before the process exits.
	if ev := sctx.GlobalVars().Events; ev != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ev.Flush(flushCtx)
	}
	return err
}

func (s *Session) orAll(ctx context.Context, targets []string) ([]string, error) {
	if len(targets) > 0 {
		return targets, nil
	}
	return s.db.AllJobs(ctx)
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i := range lines {
		lines[i] = prefix + lines[i]
	}
	return strings.Join(lines, "\n")
}

func sortedStrings(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

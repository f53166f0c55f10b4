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

package execute

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	cmcontext "github.com/pingcap/compmake/engine/context"
	"github.com/pingcap/compmake/engine/define"
	"github.com/pingcap/compmake/engine/event"
	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/engine/query"
	"github.com/pingcap/compmake/engine/redefine"
	"github.com/pingcap/compmake/engine/registry"
	"github.com/pingcap/compmake/pkg/clock"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/pingcap/compmake/pkg/logutil"
	perrors "github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Options control MakeJob.
type Options struct {
	// More continues a computation that already completed.
	More bool
	// Recursive makes the children first. Without it every child must
	// already be up-to-date, which the manager guarantees.
	Recursive bool
	// Memo is shared by the calls of one scheduling pass.
	Memo *query.Memo
	// Echo copies the captured output of the job to the process output.
	Echo bool
}

// Result is the outcome of a successful MakeJob.
type Result struct {
	JobID string
	Value model.Value
	// Skipped is set when the stored result was up-to-date.
	Skipped bool
	// NewJobs are the jobs defined by a dynamic job.
	NewJobs []string
	// Deleted are the jobs its previous run defined but this one did not.
	Deleted  []string
	CPUTime  time.Duration
	WallTime time.Duration
}

// MakeJob brings jobID up-to-date and returns its result.
// A failure of the job is recorded in its cache and returned as
// ErrJobFailed. With Recursive, a failing child marks the job blocked and
// ErrJobBlocked is returned. A cancellation between steps leaves the job
// resumable and returns ErrJobInterrupted.
func MakeJob(ctx cmcontext.Context, jobID string, opts Options) (*Result, error) {
	if opts.Memo == nil {
		opts.Memo = query.NewMemo()
	}
	db := ctx.GlobalVars().DB
	logger := logutil.NewLogger4Job(jobID)

	if !opts.More {
		ok, reason, err := query.UpToDate(ctx, db, jobID, opts.Memo)
		if err != nil {
			return nil, err
		}
		if ok {
			v, err := db.GetUserObject(ctx, jobID)
			if err != nil {
				return nil, err
			}
			return &Result{JobID: jobID, Value: v, Skipped: true}, nil
		}
		logger.Debug("job is not up to date", zap.String("reason", reason))
	}

	job, err := db.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !opts.More && opts.Recursive && job.IsDynamic() {
		// Only the jobs it defined need to run.
		self, _, err := query.SelfUpToDate(ctx, db, jobID, opts.Memo)
		if err != nil {
			return nil, err
		}
		if self {
			if err := makeDefined(ctx, jobID, job.Defined(), opts); err != nil {
				return nil, err
			}
			v, err := db.GetUserObject(ctx, jobID)
			if err != nil {
				return nil, err
			}
			return &Result{JobID: jobID, Value: v, Skipped: true}, nil
		}
	}
	if err := makeChildren(ctx, job, opts); err != nil {
		return nil, err
	}

	res, err := run(ctx, job, opts, logger)
	if err != nil {
		return nil, err
	}

	if opts.Recursive {
		if err := makeDefined(ctx, jobID, res.NewJobs, opts); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// makeDefined makes the jobs defined by the dynamic job jobID.
func makeDefined(ctx cmcontext.Context, jobID string, defined []string, opts Options) error {
	for _, id := range defined {
		if _, err := MakeJob(ctx, id, Options{Recursive: true, Memo: opts.Memo, Echo: opts.Echo}); err != nil {
			if errors.IsJobFailure(err) {
				return errors.WrapError(errors.ErrJobBlocked, err, jobID, id)
			}
			return err
		}
	}
	return nil
}

func makeChildren(ctx cmcontext.Context, job *model.Job, opts Options) error {
	db := ctx.GlobalVars().DB
	for _, child := range job.Children {
		if !opts.Recursive {
			ok, reason, err := query.UpToDate(ctx, db, child, opts.Memo)
			if err != nil {
				return err
			}
			if !ok {
				return errors.ErrCompmakeBug.GenWithStackByArgs(
					fmt.Sprintf("job %s started before its child %s (%s)", job.JobID, child, reason))
			}
			continue
		}
		if _, err := MakeJob(ctx, child, Options{Recursive: true, Memo: opts.Memo, Echo: opts.Echo}); err != nil {
			if !errors.IsJobFailure(err) {
				return err
			}
			if err := MarkBlocked(ctx, job.JobID, child); err != nil {
				return err
			}
			return errors.WrapError(errors.ErrJobBlocked, err, job.JobID, child)
		}
	}
	return nil
}

// previousObject returns what a resumed or continued computation starts
// from, and whether it is a resume of an interrupted run.
func previousObject(ctx cmcontext.Context, jobID string, cache *model.Cache, more bool) (*model.Value, bool, error) {
	db := ctx.GlobalVars().DB
	switch cache.State {
	case model.InProgress:
		ok, err := db.TmpObjectExists(ctx, jobID)
		if err != nil || !ok {
			return nil, false, err
		}
		v, err := db.GetTmpObject(ctx, jobID)
		if err != nil {
			return nil, false, err
		}
		return &v, true, nil
	case model.MoreRequested, model.Done:
		if cache.State == model.Done && !more {
			return nil, false, nil
		}
		v, err := db.GetUserObject(ctx, jobID)
		if err != nil {
			return nil, false, err
		}
		return &v, false, nil
	}
	return nil, false, nil
}

func run(ctx cmcontext.Context, job *model.Job, opts Options, logger *zap.Logger) (*Result, error) {
	vars := ctx.GlobalVars()
	db := vars.DB
	jobID := job.JobID

	cache, err := db.GetCache(ctx, jobID)
	if err != nil {
		return nil, err
	}
	more := opts.More || cache.State == model.MoreRequested
	if opts.More && cache.State == model.Done {
		if err := cache.Transition(model.MoreRequested); err != nil {
			return nil, err
		}
	}
	previous, resumed, err := previousObject(ctx, jobID, cache, more)
	if err != nil {
		return nil, err
	}

	if err := cache.Transition(model.InProgress); err != nil {
		return nil, err
	}
	cache.ClearFailure()
	cache.TimestampStarted = vars.Clock.Now()
	cache.Host = vars.Host
	if err := db.SetCache(ctx, jobID, cache); err != nil {
		return nil, err
	}
	cmcontext.Publish(ctx, event.Event{Type: event.JobStarted, JobID: jobID})
	logger.Info("job started", zap.Bool("more", more), zap.Bool("resumed", resumed))

	ex := &execution{
		ctx:      cmcontext.WithJobVars(ctx, &cmcontext.JobVars{JobID: jobID, DefinedBy: job.DefinedBy}),
		job:      job,
		cache:    cache,
		output:   registry.NewOutput(opts.Echo),
		previous: previous,
		resumed:  resumed,
		more:     more,
		logger:   logger,
	}
	return ex.execute()
}

type execution struct {
	ctx      cmcontext.Context
	job      *model.Job
	cache    *model.Cache
	output   *registry.Output
	previous *model.Value
	resumed  bool
	more     bool
	logger   *zap.Logger

	definer *define.Definer

	startMono clock.MonotonicTime
	startCPU  time.Duration
}

func (e *execution) execute() (*Result, error) {
	e.startMono = e.ctx.GlobalVars().Clock.Mono()
	e.startCPU = processCPUTime()

	args, err := e.resolveArgs()
	if err != nil {
		return nil, e.fail(err, fmt.Sprintf("%+v", err))
	}
	cmd, err := e.ctx.GlobalVars().Registry.Lookup(e.job.Command)
	if err != nil {
		return nil, e.fail(err, fmt.Sprintf("%+v", err))
	}

	runCtx := cmcontext.WithStdContext(e.ctx, registry.WithOutput(e.ctx.StdContext(), e.output))
	value, backtrace, err := e.call(runCtx, cmd, args)
	if err != nil {
		if e.ctx.Err() != nil {
			return nil, e.interrupt(err)
		}
		return nil, e.fail(err, backtrace)
	}
	return e.succeed(value)
}

// resolveArgs substitutes every promise by the result of its job.
func (e *execution) resolveArgs() (*registry.Args, error) {
	db := e.ctx.GlobalVars().DB
	resolve := func(jobID string) (model.Value, error) {
		return db.GetUserObject(e.ctx, jobID)
	}
	positional := make([]model.Value, len(e.job.Args))
	for i, a := range e.job.Args {
		v, err := a.Resolve(resolve)
		if err != nil {
			return nil, err
		}
		positional[i] = v
	}
	keyword := make(map[string]model.Value, len(e.job.Kwargs))
	for k, a := range e.job.Kwargs {
		v, err := a.Resolve(resolve)
		if err != nil {
			return nil, err
		}
		keyword[k] = v
	}
	return registry.NewArgs(positional, keyword), nil
}

// call runs the command, converting a panic into an error. The backtrace
// is the stack of the error or of the panic.
func (e *execution) call(ctx cmcontext.Context, cmd *registry.Command, args *registry.Args) (value any, backtrace string, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			backtrace = string(debug.Stack())
			err = perrors.Errorf("panic: %v", r)
		}
	}()

	switch cmd.Kind {
	case registry.KindFunc:
		value, err = cmd.Func(ctx, args)
	case registry.KindDynamic:
		e.definer = define.ForJob(e.job)
		value, err = cmd.Dynamic(&dynamicContext{Context: ctx, definer: e.definer}, args)
	case registry.KindStep:
		value, err = e.step(ctx, cmd, args)
	default:
		err = errors.ErrCompmakeBug.GenWithStackByArgs(fmt.Sprintf("unknown command kind %d", cmd.Kind))
	}
	if err != nil {
		backtrace = fmt.Sprintf("%+v", err)
	}
	return value, backtrace, err
}

// step drives a step command, persisting every partial result so that an
// interrupted run resumes from it.
func (e *execution) step(ctx cmcontext.Context, cmd *registry.Command, args *registry.Args) (any, error) {
	db := ctx.GlobalVars().DB
	state := &registry.StepState{Resumed: e.resumed, More: e.more}
	if e.previous != nil {
		state.Checkpoint = e.previous.Interface()
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, perrors.Trace(err)
		}
		s, err := cmd.Step(ctx, args, state)
		failpoint.Inject("ExecuteStepError", func() {
			err = perrors.New("injected step error")
		})
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, errors.ErrInvalidArgument.GenWithStackByArgs("step command returned no step")
		}
		state.Iteration++
		if s.Complete {
			return s.Value, nil
		}

		partial, err := model.ValueOf(s.Value)
		if err != nil {
			return nil, errors.WrapError(errors.ErrSerialization, err, e.job.JobID)
		}
		if err := db.SetTmpObject(ctx, e.job.JobID, partial); err != nil {
			return nil, err
		}
		e.cache.ProgressDone, e.cache.ProgressTotal = s.Done, s.Total
		if err := db.SetCache(ctx, e.job.JobID, e.cache); err != nil {
			return nil, err
		}
		cmcontext.Publish(ctx, event.Event{
			Type:     event.JobProgress,
			JobID:    e.job.JobID,
			Progress: event.Progress{Done: s.Done, Total: s.Total},
		})
		state.Checkpoint = s.Value
		state.Resumed = false
	}
}

func (e *execution) account() {
	e.cache.WallTime = e.ctx.GlobalVars().Clock.Mono().Sub(e.startMono)
	e.cache.CPUTime = processCPUTime() - e.startCPU
	if e.cache.CPUTime < 0 {
		e.cache.CPUTime = 0
	}
	e.cache.CapturedStdout = e.output.Stdout()
	e.cache.CapturedStderr = e.output.Stderr()
}

func (e *execution) succeed(value any) (*Result, error) {
	vars := e.ctx.GlobalVars()
	db := vars.DB
	jobID := e.job.JobID

	res := &Result{JobID: jobID}
	if e.definer != nil {
		res.NewJobs = e.definer.Defined()
		deleted, err := redefine.Reconcile(e.ctx, jobID, res.NewJobs)
		if err != nil {
			return nil, err
		}
		res.Deleted = deleted
	}

	v, err := model.ValueOf(value)
	if err != nil {
		return nil, e.fail(errors.WrapError(errors.ErrSerialization, err, jobID), "")
	}
	if err := db.SetUserObject(e.ctx, jobID, v); err != nil {
		if errors.Is(err, errors.ErrSerialization) {
			return nil, e.fail(err, fmt.Sprintf("%+v", err))
		}
		return nil, err
	}
	if err := db.DeleteRecords(e.ctx, jobID, model.KindTmpObject); err != nil {
		return nil, err
	}

	e.account()
	if err := e.cache.Transition(model.Done); err != nil {
		return nil, err
	}
	e.cache.Timestamp = vars.Clock.Now()
	if err := db.SetCache(e.ctx, jobID, e.cache); err != nil {
		return nil, err
	}

	res.Value = v
	res.CPUTime = e.cache.CPUTime
	res.WallTime = e.cache.WallTime
	cmcontext.Publish(e.ctx, event.Event{Type: event.JobSucceeded, JobID: jobID})
	e.logger.Info("job succeeded",
		zap.Duration("wall-time", res.WallTime),
		zap.Duration("cpu-time", res.CPUTime),
		zap.Int("defined-jobs", len(res.NewJobs)),
		zap.Int("deleted-jobs", len(res.Deleted)))
	return res, nil
}

// fail records the failure and returns ErrJobFailed. Errors persisting the
// failure are returned instead, since they are not the job's fault.
func (e *execution) fail(cause error, backtrace string) error {
	db := e.ctx.GlobalVars().DB
	jobID := e.job.JobID

	if e.definer != nil {
		if err := redefine.RecordPartial(e.ctx, jobID, e.definer.Defined()); err != nil {
			return err
		}
	}
	e.account()
	if err := e.cache.Transition(model.Failed); err != nil {
		return err
	}
	e.cache.Exception = cause.Error()
	e.cache.Backtrace = backtrace
	// Only done jobs keep results.
	if err := db.DeleteRecords(e.ctx, jobID, model.KindUserObject, model.KindTmpObject); err != nil {
		return err
	}
	if err := db.SetCache(e.ctx, jobID, e.cache); err != nil {
		return err
	}
	cmcontext.Publish(e.ctx, event.Event{Type: event.JobFailed, JobID: jobID, Reason: cause.Error()})
	e.logger.Warn("job failed", logutil.ShortError(cause))
	return errors.WrapError(errors.ErrJobFailed, cause, jobID)
}

// interrupt leaves the job in progress, so that it resumes from its last
// partial result.
func (e *execution) interrupt(cause error) error {
	db := e.ctx.GlobalVars().DB
	jobID := e.job.JobID

	// The std context is canceled, the records must still be written.
	bg := context.Background()
	if e.definer != nil {
		if err := redefine.RecordPartial(cmcontext.WithStdContext(e.ctx, bg), jobID, e.definer.Defined()); err != nil {
			return err
		}
	}
	e.account()
	if err := db.SetCache(bg, jobID, e.cache); err != nil {
		return err
	}
	e.logger.Info("job interrupted", logutil.ShortError(cause))
	return errors.WrapError(errors.ErrJobInterrupted, cause, jobID)
}

// MarkBlocked records that jobID cannot run because dependency failed.
func MarkBlocked(ctx cmcontext.Context, jobID, dependency string) error {
	db := ctx.GlobalVars().DB
	cache, err := db.GetCache(ctx, jobID)
	if err != nil {
		return err
	}
	if err := cache.Transition(model.Blocked); err != nil {
		return err
	}
	cache.Exception = fmt.Sprintf("blocked by failed dependency %s", dependency)
	cache.Backtrace = ""
	if err := db.DeleteRecords(ctx, jobID, model.KindUserObject, model.KindTmpObject); err != nil {
		return err
	}
	if err := db.SetCache(ctx, jobID, cache); err != nil {
		return err
	}
	cmcontext.Publish(ctx, event.Event{Type: event.JobBlocked, JobID: jobID, Reason: dependency})
	return nil
}

// Invalidate marks jobID as not started, so that it runs again. Its
// results are removed, its accounting is kept.
func Invalidate(ctx cmcontext.Context, jobID string) error {
	db := ctx.GlobalVars().DB
	cache, err := db.GetCache(ctx, jobID)
	if err != nil {
		return err
	}
	if err := db.DeleteRecords(ctx, jobID, model.KindUserObject, model.KindTmpObject); err != nil {
		return err
	}
	if err := cache.Transition(model.NotStarted); err != nil {
		return err
	}
	cache.ClearFailure()
	cache.Timestamp = time.Time{}
	cache.ProgressDone, cache.ProgressTotal = 0, 0
	return db.SetCache(ctx, jobID, cache)
}

// Clean removes the cache and results of jobID.
func Clean(ctx cmcontext.Context, jobID string) error {
	return ctx.GlobalVars().DB.DeleteResults(ctx, jobID)
}

var selfProcess *process.Process

func init() {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		selfProcess = p
	}
}

// processCPUTime is the user and system time of this process. Jobs running
// concurrently in one process share it, so the accounting is approximate.
func processCPUTime() time.Duration {
	if selfProcess == nil {
		return 0
	}
	t, err := selfProcess.Times()
	if err != nil {
		return 0
	}
	return time.Duration((t.User + t.System) * float64(time.Second))
}

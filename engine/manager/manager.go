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
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/btree"
	cmcontext "github.com/pingcap/compmake/engine/context"
	"github.com/pingcap/compmake/engine/event"
	"github.com/pingcap/compmake/engine/execute"
	"github.com/pingcap/compmake/engine/jobdb"
	"github.com/pingcap/compmake/engine/query"
	"github.com/pingcap/compmake/pkg/clock"
	"github.com/pingcap/compmake/pkg/config"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/pingcap/compmake/pkg/logutil"
	perrors "github.com/pingcap/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const statusLogInterval = 5 * time.Second

type readyItem struct {
	jobID    string
	priority int
}

// readyLess orders by priority, highest first, then by job id.
func readyLess(a, b readyItem) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.jobID < b.jobID
}

type set = map[string]struct{}

// Report is the outcome of Process.
type Report struct {
	Targets []string
	// Done are the jobs that ran successfully.
	Done    []string
	Failed  []string
	Blocked []string
	// Postponed wait for jobs defined during the run, which only a later
	// run or recurse mode can make.
	Postponed []string
	// Todo are the jobs left when the run was canceled.
	Todo []string
	// Reasons maps failed and blocked jobs to a description.
	Reasons map[string]string
}

// OK reports whether no job failed or was blocked.
func (r *Report) OK() bool {
	return len(r.Failed) == 0 && len(r.Blocked) == 0
}

// Err returns ErrJobsFailed unless the run was OK.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	return errors.ErrJobsFailed.GenWithStackByArgs(len(r.Failed), len(r.Blocked))
}

// Manager drives jobs through a Backend. Its sets partition the jobs of the
// run: todo holds the jobs still to run, ready the todo jobs whose children
// are all up-to-date, and waiting the todo jobs retried after a backoff.
// Manager is not safe for concurrent use.
type Manager struct {
	backend Backend
	cfg     *config.ManagerConfig
	recurse bool
	logger  *zap.Logger
	status  rate.Sometimes

	targets    set
	more       set
	todo       set
	ready      *btree.BTreeG[readyItem]
	inReady    map[string]readyItem
	waiting    map[string]clock.MonotonicTime
	processing map[string]AsyncResult
	done       set
	failed     set
	blocked    set
	postponed  set

	reasons       map[string]string
	priorities    map[string]int
	interruptions map[string]int
	backoffs      map[string]*backoff.ExponentialBackOff
	lastRefusal   map[string]string

	processed bool
}

// New creates a Manager. recurse folds the jobs defined by dynamic jobs
// into the run.
func New(backend Backend, cfg *config.ManagerConfig, recurse bool) *Manager {
	return &Manager{
		backend:       backend,
		cfg:           cfg,
		recurse:       recurse,
		logger:        logutil.NewLogger4Manager(backend.Name()),
		status:        rate.Sometimes{Interval: statusLogInterval},
		targets:       make(set),
		more:          make(set),
		todo:          make(set),
		ready:         btree.NewG(8, readyLess),
		inReady:       make(map[string]readyItem),
		waiting:       make(map[string]clock.MonotonicTime),
		processing:    make(map[string]AsyncResult),
		done:          make(set),
		failed:        make(set),
		blocked:       make(set),
		postponed:     make(set),
		reasons:       make(map[string]string),
		priorities:    make(map[string]int),
		interruptions: make(map[string]int),
		backoffs:      make(map[string]*backoff.ExponentialBackOff),
	}
}

// AddTargets schedules the jobs needed to bring ids up-to-date. With more,
// the targets themselves run again even if they are up-to-date.
func (m *Manager) AddTargets(ctx cmcontext.Context, ids []string, more bool) error {
	if m.processed {
		return errors.ErrManagerClosed.GenWithStackByArgs()
	}
	db := ctx.GlobalVars().DB
	for _, id := range ids {
		ok, err := db.JobExists(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return errors.ErrJobNotFound.GenWithStackByArgs(id)
		}
		m.targets[id] = struct{}{}
	}
	todo, err := query.ListTodoTargets(ctx, db, ids, query.NewMemo())
	if err != nil {
		return err
	}
	if more {
		for _, id := range ids {
			m.more[id] = struct{}{}
			todo = append(todo, id)
		}
	}
	added := m.addTodo(todo)
	if err := m.updatePriorities(ctx); err != nil {
		return err
	}
	return m.refreshReady(ctx, added)
}

func (m *Manager) addTodo(ids []string) []string {
	var added []string
	for _, id := range ids {
		if m.known(id) {
			continue
		}
		m.todo[id] = struct{}{}
		added = append(added, id)
	}
	return added
}

// readmit forgets the completion of the defined jobs that are stale again,
// which happens when a dynamic job redefines a job done earlier in the run.
func (m *Manager) readmit(defined, stale []string) {
	staleSet := make(set, len(stale))
	for _, id := range stale {
		staleSet[id] = struct{}{}
	}
	for _, id := range defined {
		if _, ok := staleSet[id]; !ok {
			continue
		}
		if _, ok := m.done[id]; !ok {
			continue
		}
		delete(m.done, id)
		m.logger.Info("done job was redefined, scheduling it again", zap.String("job-id", id))
	}
}

func (m *Manager) known(id string) bool {
	for _, s := range []set{m.todo, m.done, m.failed, m.blocked, m.postponed} {
		if _, ok := s[id]; ok {
			return true
		}
	}
	_, ok := m.processing[id]
	return ok
}

// ComputePriorities assigns 0 to the jobs none of the others depend on, and
// to every other job one less than the highest priority of its parents
// among jobIDs.
func ComputePriorities(ctx context.Context, db *jobdb.DB, jobIDs []string) (map[string]int, error) {
	in := make(set, len(jobIDs))
	for _, id := range jobIDs {
		in[id] = struct{}{}
	}
	prio := make(map[string]int, len(jobIDs))
	visiting := make(set)
	var visit func(id string) (int, error)
	visit = func(id string) (int, error) {
		if p, ok := prio[id]; ok {
			return p, nil
		}
		if _, ok := visiting[id]; ok {
			return 0, errors.ErrJobCycle.GenWithStackByArgs(id, "priority computation")
		}
		visiting[id] = struct{}{}
		defer delete(visiting, id)

		parents, err := query.DirectParents(ctx, db, id)
		if err != nil {
			return 0, err
		}
		p, found := 0, false
		for _, parent := range parents {
			if _, ok := in[parent]; !ok {
				continue
			}
			pp, err := visit(parent)
			if err != nil {
				return 0, err
			}
			if !found || pp-1 > p {
				p, found = pp-1, true
			}
		}
		prio[id] = p
		return p, nil
	}
	for _, id := range jobIDs {
		if _, err := visit(id); err != nil {
			return nil, err
		}
	}
	return prio, nil
}

func (m *Manager) updatePriorities(ctx cmcontext.Context) error {
	prio, err := ComputePriorities(ctx, ctx.GlobalVars().DB, sortedKeys(m.todo))
	if err != nil {
		return err
	}
	m.priorities = prio
	return nil
}

// isReady reports whether every child of jobID is up-to-date.
func (m *Manager) isReady(ctx cmcontext.Context, jobID string, memo *query.Memo) (bool, error) {
	db := ctx.GlobalVars().DB
	job, err := db.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	for _, child := range job.Children {
		ok, _, err := query.UpToDate(ctx, db, child, memo)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// refreshReady promotes the candidates that became ready. The memo is fresh
// because dynamic jobs may have redefined jobs since the last check.
func (m *Manager) refreshReady(ctx cmcontext.Context, candidates []string) error {
	memo := query.NewMemo()
	for _, id := range candidates {
		if _, ok := m.todo[id]; !ok {
			continue
		}
		if _, ok := m.inReady[id]; ok {
			continue
		}
		if _, ok := m.waiting[id]; ok {
			continue
		}
		ok, err := m.isReady(ctx, id, memo)
		if err != nil {
			return err
		}
		if ok {
			m.pushReady(id)
		}
	}
	return nil
}

func (m *Manager) pushReady(id string) {
	item := readyItem{jobID: id, priority: m.priorities[id]}
	m.inReady[id] = item
	m.ready.ReplaceOrInsert(item)
}

// removeTodo forgets id from todo, ready and waiting.
func (m *Manager) removeTodo(id string) {
	delete(m.todo, id)
	delete(m.waiting, id)
	if item, ok := m.inReady[id]; ok {
		m.ready.Delete(item)
		delete(m.inReady, id)
	}
}

// Process runs the scheduled jobs to completion. Job failures are part of
// the report. The error is set when the run was aborted: canceled context,
// storage error, exhausted resources or broken invariant.
func (m *Manager) Process(ctx cmcontext.Context) (report *Report, err error) {
	if m.processed {
		return nil, errors.ErrManagerClosed.GenWithStackByArgs()
	}
	m.processed = true

	if err := m.backend.ProcessInit(ctx); err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, m.backend.ProcessFinished())
		report = m.report()
		if err == nil && report.OK() {
			cmcontext.Publish(ctx, event.Event{Type: event.ManagerSucceeded, Progress: m.progress()})
		} else {
			reason := ""
			if err != nil {
				reason = err.Error()
			} else {
				reason = report.Err().Error()
			}
			cmcontext.Publish(ctx, event.Event{
				Type: event.ManagerFailed, Progress: m.progress(), Reason: reason,
			})
		}
	}()

	m.logger.Info("manager started", zap.Int("todo", len(m.todo)), zap.Int("ready", m.ready.Len()))
	cmcontext.Publish(ctx, event.Event{Type: event.ManagerInit, Progress: m.progress()})
	ns := ctx.GlobalVars().DB.Namespace()
	defer m.resetGauges(ns)

	for len(m.todo) > 0 || len(m.processing) > 0 {
		canceled := ctx.Err() != nil
		if canceled && len(m.processing) == 0 {
			break
		}
		m.requeue()
		if !canceled && m.ready.Len() == 0 && len(m.processing) == 0 && len(m.waiting) == 0 {
			return nil, errors.ErrManagerResourceExhausted.GenWithStackByArgs(
				"no job is ready among " + strings.Join(sortedKeys(m.todo), ", "))
		}

		admitted := false
		if !canceled {
			if admitted, err = m.admit(ctx); err != nil {
				return nil, err
			}
		}
		var reaped bool
		if reaped, err = m.reap(ctx); err != nil {
			return nil, err
		}
		m.updateGauges(ns)
		m.status.Do(m.logStatus)
		if admitted || reaped {
			continue
		}

		timer := time.NewTimer(m.cfg.PollInterval)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	if ctx.Err() != nil {
		return nil, perrors.Trace(ctx.Err())
	}
	m.logger.Info("manager finished",
		zap.Int("done", len(m.done)), zap.Int("failed", len(m.failed)),
		zap.Int("blocked", len(m.blocked)), zap.Int("postponed", len(m.postponed)))
	return nil, nil
}

// requeue moves the jobs whose retry backoff elapsed back to ready.
func (m *Manager) requeue() {
	now := clock.MonoNow()
	for _, id := range sortedKeys(m.waitingSet()) {
		if now.Sub(m.waiting[id]) >= 0 {
			delete(m.waiting, id)
			m.pushReady(id)
		}
	}
}

func (m *Manager) waitingSet() set {
	s := make(set, len(m.waiting))
	for id := range m.waiting {
		s[id] = struct{}{}
	}
	return s
}

// admit instances ready jobs while the backend accepts them.
func (m *Manager) admit(ctx cmcontext.Context) (bool, error) {
	admitted := false
	for m.ready.Len() > 0 {
		reasons := make(map[string]string)
		if !m.backend.CanAcceptJob(reasons) {
			m.lastRefusal = reasons
			break
		}
		item, _ := m.ready.DeleteMin()
		id := item.jobID
		delete(m.inReady, id)
		delete(m.todo, id)

		_, more := m.more[id]
		res, err := m.backend.InstanceJob(ctx, id, more)
		if err != nil {
			return admitted, err
		}
		m.processing[id] = res
		admitted = true
	}
	return admitted, nil
}

// reap collects the outcome of finished jobs.
func (m *Manager) reap(ctx cmcontext.Context) (bool, error) {
	reaped := false
	for _, id := range sortedKeys(m.processingSet()) {
		ar := m.processing[id]
		if !ar.Ready() {
			continue
		}
		res, err := ar.Get(m.cfg.GetTimeout)
		if errors.Is(err, errors.ErrGetTimeout) {
			continue
		}
		delete(m.processing, id)
		reaped = true

		switch {
		case err == nil:
			err = m.jobSucceeded(ctx, id, res)
		case errors.IsRetryable(err):
			err = m.jobInterrupted(ctx, id, err)
		case errors.IsJobFailure(err):
			err = m.jobFailed(ctx, id, err)
		}
		if err != nil {
			return reaped, err
		}
	}
	return reaped, nil
}

func (m *Manager) processingSet() set {
	s := make(set, len(m.processing))
	for id := range m.processing {
		s[id] = struct{}{}
	}
	return s
}

func (m *Manager) jobSucceeded(ctx cmcontext.Context, id string, res *JobResult) error {
	ns := ctx.GlobalVars().DB.Namespace()
	jobOutcomeCounter.WithLabelValues(ns, outcomeSucceeded).Inc()
	if res != nil {
		jobWallTimeHistogram.WithLabelValues(ns).Observe(res.WallTime.Seconds())
	}
	delete(m.more, id)
	delete(m.interruptions, id)
	delete(m.backoffs, id)
	m.done[id] = struct{}{}

	db := ctx.GlobalVars().DB
	job, err := db.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.IsDynamic() {
		if err := m.dropVanished(ctx); err != nil {
			return err
		}
		if m.recurse {
			newTodo, err := query.ListTodoTargets(ctx, db, job.Defined(), query.NewMemo())
			if err != nil {
				return err
			}
			m.readmit(job.Defined(), newTodo)
			added := m.addTodo(newTodo)
			if len(added) > 0 {
				m.logger.Info("dynamic job defined new jobs",
					zap.String("job-id", id), zap.Strings("jobs", added))
				if err := m.updatePriorities(ctx); err != nil {
					return err
				}
				if err := m.refreshReady(ctx, added); err != nil {
					return err
				}
			}
		} else {
			ok, _, err := query.UpToDate(ctx, db, id, query.NewMemo())
			if err != nil {
				return err
			}
			if !ok {
				if err := m.postpone(ctx, id); err != nil {
					return err
				}
			}
		}
	}

	dependents, err := query.Dependents(ctx, db, id)
	if err != nil {
		return err
	}
	return m.refreshReady(ctx, dependents)
}

// dropVanished forgets the scheduled jobs that a dynamic job deleted.
func (m *Manager) dropVanished(ctx cmcontext.Context) error {
	db := ctx.GlobalVars().DB
	for _, id := range sortedKeys(m.todo) {
		ok, err := db.JobExists(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			m.logger.Info("scheduled job was deleted", zap.String("job-id", id))
			m.removeTodo(id)
		}
	}
	return nil
}

// postpone moves out of todo the jobs waiting for the jobs defined by id.
func (m *Manager) postpone(ctx cmcontext.Context, id string) error {
	dependents, err := m.dependentsClosure(ctx, id)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if _, ok := m.todo[dep]; !ok {
			continue
		}
		m.removeTodo(dep)
		m.postponed[dep] = struct{}{}
	}
	return nil
}

func (m *Manager) dependentsClosure(ctx cmcontext.Context, id string) ([]string, error) {
	db := ctx.GlobalVars().DB
	seen := set{id: {}}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		deps, err := query.Dependents(ctx, db, cur)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
			queue = append(queue, d)
		}
	}
	sort.Strings(out)
	return out, nil
}

// jobFailed records the failure and blocks every scheduled job depending
// on id before the loop goes on.
func (m *Manager) jobFailed(ctx cmcontext.Context, id string, cause error) error {
	ns := ctx.GlobalVars().DB.Namespace()
	jobOutcomeCounter.WithLabelValues(ns, outcomeFailed).Inc()
	m.failed[id] = struct{}{}
	delete(m.more, id)
	m.reasons[id] = cause.Error()
	m.logger.Warn("job failed", zap.String("job-id", id), logutil.ShortError(cause))

	dependents, err := m.dependentsClosure(ctx, id)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if _, ok := m.todo[dep]; !ok {
			continue
		}
		m.removeTodo(dep)
		m.blocked[dep] = struct{}{}
		m.reasons[dep] = "blocked by " + id
		jobOutcomeCounter.WithLabelValues(ns, outcomeBlocked).Inc()
		if err := execute.MarkBlocked(ctx, dep, id); err != nil {
			return err
		}
	}
	return nil
}

// jobInterrupted schedules id again after a backoff, or fails it once it
// was interrupted too often.
func (m *Manager) jobInterrupted(ctx cmcontext.Context, id string, cause error) error {
	ns := ctx.GlobalVars().DB.Namespace()
	jobOutcomeCounter.WithLabelValues(ns, outcomeInterrupted).Inc()
	cmcontext.Publish(ctx, event.Event{Type: event.JobInterrupted, JobID: id, Reason: cause.Error()})

	m.todo[id] = struct{}{}
	if ctx.Err() != nil {
		return nil
	}
	m.interruptions[id]++
	if m.interruptions[id] > m.cfg.MaxInterruptions {
		delete(m.todo, id)
		return m.jobFailed(ctx, id, cause)
	}

	b, ok := m.backoffs[id]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = m.cfg.RetryInitialInterval
		b.MaxInterval = m.cfg.RetryMaxInterval
		b.MaxElapsedTime = 0
		b.Reset()
		m.backoffs[id] = b
	}
	delay := b.NextBackOff()
	m.waiting[id] = clock.MonoNow() + clock.MonotonicTime(delay)
	m.logger.Info("job interrupted, retrying",
		zap.String("job-id", id), zap.Int("attempt", m.interruptions[id]),
		zap.Duration("backoff", delay), logutil.ShortError(cause))
	return nil
}

func (m *Manager) progress() event.Progress {
	finished := len(m.done) + len(m.failed) + len(m.blocked)
	return event.Progress{
		Done:  finished,
		Total: finished + len(m.todo) + len(m.processing) + len(m.postponed),
	}
}

func (m *Manager) logStatus() {
	fields := []zap.Field{
		zap.Int("todo", len(m.todo)),
		zap.Int("ready", m.ready.Len()),
		zap.Int("processing", len(m.processing)),
		zap.Int("done", len(m.done)),
		zap.Int("failed", len(m.failed)),
		zap.Int("blocked", len(m.blocked)),
	}
	if len(m.lastRefusal) > 0 {
		fields = append(fields, zap.Any("waiting-for", m.lastRefusal))
	}
	m.logger.Info("manager status", fields...)
}

func (m *Manager) updateGauges(ns string) {
	jobSetGauge.WithLabelValues(ns, "todo").Set(float64(len(m.todo)))
	jobSetGauge.WithLabelValues(ns, "ready").Set(float64(m.ready.Len()))
	jobSetGauge.WithLabelValues(ns, "processing").Set(float64(len(m.processing)))
	jobSetGauge.WithLabelValues(ns, "done").Set(float64(len(m.done)))
	jobSetGauge.WithLabelValues(ns, "failed").Set(float64(len(m.failed)))
	jobSetGauge.WithLabelValues(ns, "blocked").Set(float64(len(m.blocked)))
}

func (m *Manager) resetGauges(ns string) {
	for _, s := range []string{"todo", "ready", "processing", "done", "failed", "blocked"} {
		jobSetGauge.DeleteLabelValues(ns, s)
	}
}

func (m *Manager) report() *Report {
	reasons := make(map[string]string, len(m.reasons))
	for k, v := range m.reasons {
		reasons[k] = v
	}
	todo := sortedKeys(m.todo)
	for id := range m.processing {
		todo = append(todo, id)
	}
	sort.Strings(todo)
	return &Report{
		Targets:   sortedKeys(m.targets),
		Done:      sortedKeys(m.done),
		Failed:    sortedKeys(m.failed),
		Blocked:   sortedKeys(m.blocked),
		Postponed: sortedKeys(m.postponed),
		Todo:      todo,
		Reasons:   reasons,
	}
}

func sortedKeys(s set) []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

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
	"time"

	cmcontext "github.com/pingcap/compmake/engine/context"
	"github.com/pingcap/compmake/engine/execute"
	"github.com/pingcap/compmake/pkg/config"
	"github.com/pingcap/compmake/pkg/errors"
)

// JobResult is the payload of a job that completed successfully.
type JobResult struct {
	JobID string
	Host  string
	// NewJobs are the jobs a dynamic job defined in this run.
	NewJobs []string
	// Deleted are the jobs its previous run defined but this one did not.
	Deleted  []string
	WallTime time.Duration
}

// AsyncResult is the handle of a job handed to a backend.
// Both methods may be called any number of times.
type AsyncResult interface {
	// Ready never blocks.
	Ready() bool
	// Get waits at most timeout. It returns ErrGetTimeout if the job is still
	// running, ErrJobFailed if the job failed, and ErrJobInterrupted or
	// ErrHostFailed if it should be retried.
	Get(timeout time.Duration) (*JobResult, error)
}

// Backend binds the manager to an execution substrate.
type Backend interface {
	Name() string
	// ProcessInit is called once before the first job is instanced.
	ProcessInit(ctx cmcontext.Context) error
	// CanAcceptJob reports whether one more job may start now. When it may
	// not, reasons is filled with a description per exhausted resource.
	CanAcceptJob(reasons map[string]string) bool
	// InstanceJob starts jobID. more asks to continue a completed job.
	InstanceJob(ctx cmcontext.Context, jobID string, more bool) (AsyncResult, error)
	// ProcessFinished waits for the jobs still running and releases the
	// resources of the backend.
	ProcessFinished() error
}

// NewBackend creates the backend selected by cfg.
func NewBackend(ctx cmcontext.Context, cfg *config.ManagerConfig, echo bool) (Backend, error) {
	switch cfg.Backend {
	case config.ManagerLocal:
		return NewLocalBackend(echo), nil
	case config.ManagerPool:
		return NewPoolBackend(cfg), nil
	case config.ManagerCluster:
		hosts := make([]Host, 0, len(cfg.Hosts))
		for _, h := range cfg.Hosts {
			hosts = append(hosts, NewProcessHost(h.Name, h.Slots, cfg.WorkerCommand))
		}
		return NewClusterBackend(ctx.GlobalVars().DB, hosts...)
	default:
		return nil, errors.ErrManagerBackendUnknown.GenWithStackByArgs(cfg.Backend)
	}
}

// settledResult is the handle of a job whose outcome is already known.
type settledResult struct {
	res *JobResult
	err error
}

func (r *settledResult) Ready() bool { return true }

func (r *settledResult) Get(time.Duration) (*JobResult, error) {
	return r.res, r.err
}

// chanResult is completed by a goroutine running the job.
type chanResult struct {
	jobID string
	done  chan struct{}
	res   *JobResult
	err   error
}

func newChanResult(jobID string) *chanResult {
	return &chanResult{jobID: jobID, done: make(chan struct{})}
}

func (r *chanResult) finish(res *JobResult, err error) {
	r.res, r.err = res, err
	close(r.done)
}

func (r *chanResult) Ready() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *chanResult) Get(timeout time.Duration) (*JobResult, error) {
	if r.Ready() {
		return r.res, r.err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return r.res, r.err
	case <-timer.C:
		return nil, errors.ErrGetTimeout.GenWithStackByArgs(r.jobID, timeout)
	}
}

func resultOf(res *execute.Result, host string) *JobResult {
	return &JobResult{
		JobID:    res.JobID,
		Host:     host,
		NewJobs:  res.NewJobs,
		Deleted:  res.Deleted,
		WallTime: res.WallTime,
	}
}

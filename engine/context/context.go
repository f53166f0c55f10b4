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
	"time"

	"github.com/pingcap/compmake/engine/event"
	"github.com/pingcap/compmake/engine/jobdb"
	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/engine/registry"
	"github.com/pingcap/compmake/pkg/clock"
	"github.com/pingcap/compmake/pkg/config"
	"go.uber.org/zap"
)

// GlobalVars contains the vars shared by every component of a session.
// The lifecycle of vars in the GlobalVars should be aligned with the session.
// All fields should be READ-ONLY and THREAD-SAFE.
type GlobalVars struct {
	DB       *jobdb.DB
	Registry registry.Registry
	Events   *event.Bus
	Clock    clock.Clock
	Config   *config.Config
	// Host names the machine or worker slot executing jobs.
	Host string
}

// JobVars describe the job being executed.
type JobVars struct {
	JobID     string
	DefinedBy []string
}

// Context carries the session vars along with cancellation.
// The std context.Context methods behave as those of StdContext.
type Context interface {
	context.Context

	// GlobalVars return the `GlobalVars` store by the root context created by `NewContext`
	// The root node and all its children node share one pointer of `GlobalVars`.
	GlobalVars() *GlobalVars

	// JobVars return the `JobVars` set by `WithJobVars`, nil outside of a job.
	JobVars() *JobVars

	// StdContext returns the underlying std context.
	StdContext() context.Context
}

type rootContext struct {
	context.Context
	globalVars *GlobalVars
}

// NewContext returns a new root context.
func NewContext(stdCtx context.Context, globalVars *GlobalVars) Context {
	if globalVars.Clock == nil {
		globalVars.Clock = clock.New()
	}
	return &rootContext{Context: stdCtx, globalVars: globalVars}
}

func (ctx *rootContext) GlobalVars() *GlobalVars {
	return ctx.globalVars
}

func (ctx *rootContext) JobVars() *JobVars {
	return nil
}

func (ctx *rootContext) StdContext() context.Context {
	return ctx.Context
}

type jobVarsContext struct {
	Context
	jobVars *JobVars
}

// WithJobVars return a Context with the `JobVars`
func WithJobVars(ctx Context, jobVars *JobVars) Context {
	return &jobVarsContext{Context: ctx, jobVars: jobVars}
}

func (ctx *jobVarsContext) JobVars() *JobVars {
	return ctx.jobVars
}

type stdContext struct {
	Context
	stdCtx context.Context
}

func (ctx *stdContext) Deadline() (deadline time.Time, ok bool) {
	return ctx.stdCtx.Deadline()
}

func (ctx *stdContext) Done() <-chan struct{} {
	return ctx.stdCtx.Done()
}

func (ctx *stdContext) Err() error {
	return ctx.stdCtx.Err()
}

func (ctx *stdContext) Value(key any) any {
	return ctx.stdCtx.Value(key)
}

func (ctx *stdContext) StdContext() context.Context {
	return ctx.stdCtx
}

// WithStdContext replaces the std context of ctx, keeping its vars.
// stdCtx should be derived from ctx.StdContext().
//
//revive:disable:context-as-argument
func WithStdContext(ctx Context, stdCtx context.Context) Context {
	return &stdContext{Context: ctx, stdCtx: stdCtx}
}

// WithCancel return a Context with the cancel function
func WithCancel(ctx Context) (Context, context.CancelFunc) {
	stdCtx, cancel := context.WithCancel(ctx.StdContext())
	return WithStdContext(ctx, stdCtx), cancel
}

// NewContext4Test returns a context over an in-memory job database.
func NewContext4Test(stdCtx context.Context, db *jobdb.DB, reg registry.Registry) Context {
	if reg == nil {
		reg = registry.NewRegistry()
	}
	return NewContext(stdCtx, &GlobalVars{
		DB:       db,
		Registry: reg,
		Events:   event.NewBus(),
		Clock:    clock.NewMock(),
		Config:   config.GetDefaultConfig(),
		Host:     "host-4-test",
	})
}

// ZapFieldJob returns a zap field containing the running job id.
func ZapFieldJob(ctx Context) zap.Field {
	if vars := ctx.JobVars(); vars != nil {
		return zap.String("job-id", vars.JobID)
	}
	return zap.String("job-id", model.Root)
}

// Publish stamps ev with the session clock and publishes it.
func Publish(ctx Context, ev event.Event) {
	vars := ctx.GlobalVars()
	if vars.Events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = vars.Clock.Now()
	}
	if ev.Host == "" {
		ev.Host = vars.Host
	}
	vars.Events.Publish(ev)
}

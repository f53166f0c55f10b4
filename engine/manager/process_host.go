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
	"bytes"
	"os"
	"os/exec"
	"strings"
	"time"

	cmcontext "github.com/pingcap/compmake/engine/context"
	"github.com/pingcap/compmake/engine/event"
	cmdutil "github.com/pingcap/compmake/pkg/cmd/util"
	"github.com/pingcap/compmake/pkg/config"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/pingcap/compmake/pkg/logutil"
	perrors "github.com/pingcap/errors"
	"go.uber.org/zap"
)

// HostEnv is set to the host name in the environment of worker processes.
const HostEnv = "COMPMAKE_HOST"

// maxLoggedOutput bounds the worker output kept in the log of a failure.
const maxLoggedOutput = 4096

// ProcessHost runs every job in a new worker process. The worker reads the
// job from the shared storage and writes its results there.
type ProcessHost struct {
	name  string
	slots int
	argv  []string
}

// NewProcessHost creates a ProcessHost. In argv, config.JobPlaceholder is
// replaced by the job id.
func NewProcessHost(name string, slots int, argv []string) *ProcessHost {
	if slots <= 0 {
		slots = 1
	}
	return &ProcessHost{name: name, slots: slots, argv: argv}
}

// Name implements Host.
func (h *ProcessHost) Name() string { return h.name }

// Slots implements Host.
func (h *ProcessHost) Slots() int { return h.slots }

func (h *ProcessHost) command(jobID string, more bool) []string {
	argv := make([]string, 0, len(h.argv)+1)
	for _, a := range h.argv {
		argv = append(argv, strings.ReplaceAll(a, config.JobPlaceholder, jobID))
	}
	if more {
		argv = append(argv, "--more")
	}
	return argv
}

// Run implements Host.
func (h *ProcessHost) Run(ctx cmcontext.Context, jobID string, more bool) (*JobResult, error) {
	logger := logutil.NewLogger4Host("cluster", h.name).With(zap.String("job-id", jobID))
	argv := h.command(jobID, more)
	if len(argv) == 0 {
		return nil, errors.ErrHostFailed.GenWithStackByArgs(h.name, jobID)
	}

	cmcontext.Publish(ctx, event.Event{Type: event.JobStarted, JobID: jobID, Host: h.name})
	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), HostEnv+"="+h.name)
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	runErr := cmd.Run()
	wall := time.Since(start)

	db := ctx.GlobalVars().DB
	// The worker rewrote records behind our back.
	db.PurgeJobCache()

	if ctx.Err() != nil {
		return nil, errors.WrapError(errors.ErrJobInterrupted, ctx.Err(), jobID)
	}
	code := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			logger.Warn("start worker failed", zap.Strings("argv", argv), zap.Error(runErr))
			return nil, errors.WrapError(errors.ErrHostFailed, runErr, h.name, jobID)
		}
		code = exitErr.ExitCode()
	}

	switch code {
	case cmdutil.ExitOK:
		res := &JobResult{JobID: jobID, Host: h.name, WallTime: wall}
		job, err := db.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.IsDynamic() {
			res.NewJobs = job.Defined()
		}
		cmcontext.Publish(ctx, event.Event{Type: event.JobSucceeded, JobID: jobID, Host: h.name})
		return res, nil
	case cmdutil.ExitJobFailed:
		cache, err := db.GetCache(ctx, jobID)
		if err != nil {
			return nil, err
		}
		cmcontext.Publish(ctx, event.Event{
			Type: event.JobFailed, JobID: jobID, Host: h.name, Reason: cache.Exception,
		})
		return nil, errors.WrapError(errors.ErrJobFailed, perrors.New(cache.Exception), jobID)
	default:
		logger.Warn("worker exited abnormally",
			zap.Int("exit-code", code), zap.String("output", tail(output.String(), maxLoggedOutput)))
		return nil, errors.WrapError(errors.ErrHostFailed, runErr, h.name, jobID)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

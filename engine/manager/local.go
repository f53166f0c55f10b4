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
	cmcontext "github.com/pingcap/compmake/engine/context"
	"github.com/pingcap/compmake/engine/execute"
)

// LocalBackend runs every job synchronously inside InstanceJob.
type LocalBackend struct {
	echo bool
	host string
}

// NewLocalBackend creates a LocalBackend. echo copies the output of the
// jobs to the process output.
func NewLocalBackend(echo bool) *LocalBackend {
	return &LocalBackend{echo: echo}
}

// Name implements Backend.
func (b *LocalBackend) Name() string { return "local" }

// ProcessInit implements Backend.
func (b *LocalBackend) ProcessInit(ctx cmcontext.Context) error {
	b.host = ctx.GlobalVars().Host
	return nil
}

// CanAcceptJob implements Backend. Nothing is ever running when the manager
// asks.
func (b *LocalBackend) CanAcceptJob(map[string]string) bool { return true }

// InstanceJob implements Backend.
func (b *LocalBackend) InstanceJob(ctx cmcontext.Context, jobID string, more bool) (AsyncResult, error) {
	res, err := execute.MakeJob(ctx, jobID, execute.Options{More: more, Echo: b.echo})
	if err != nil {
		return &settledResult{err: err}, nil
	}
	return &settledResult{res: resultOf(res, b.host)}, nil
}

// ProcessFinished implements Backend.
func (b *LocalBackend) ProcessFinished() error { return nil }

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

package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	cmcontext "github.com/pingcap/compmake/engine/context"
	"github.com/pingcap/compmake/engine/define"
	"github.com/pingcap/compmake/engine/demo"
	"github.com/pingcap/compmake/engine/jobdb"
	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/engine/registry"
	"github.com/pingcap/compmake/engine/session"
	"github.com/pingcap/compmake/engine/storage"
	cmdutil "github.com/pingcap/compmake/pkg/cmd/util"
	"github.com/pingcap/compmake/pkg/config"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func defineJobs(s *session.Session) error {
	var xs []model.Promise
	for _, x := range []int{42, 43, 44} {
		p, err := s.Comp("double", x)
		if err != nil {
			return err
		}
		xs = append(xs, p)
	}
	if _, err := s.Comp("statistics", xs, define.JobID("stats")); err != nil {
		return err
	}
	_, err := s.Comp("fail", "on purpose", define.JobID("bad"))
	return err
}

func execute(t *testing.T, reg registry.Registry, args ...string) (string, error) {
	cmd := NewCmdCompmake(reg, defineJobs)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "compmake.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
namespace = "from-file"
[storage]
backend = "sqlite"
path = "jobs.db"
[manager]
backend = "pool"
parallelism = 3
`), 0o600))

	o := newOptions(registry.NewRegistry(), nil)
	o.configPath = path
	o.namespace = "from-flag"
	o.logLevel = "debug"
	cfg, err := o.loadConfig()
	require.NoError(t, err)
	require.Equal(t, "from-flag", cfg.Namespace)
	require.Equal(t, config.StorageSQLite, cfg.Storage.Backend)
	require.Equal(t, "jobs.db", cfg.Storage.Path)
	require.Equal(t, 3, cfg.Manager.Parallelism)
	require.Equal(t, "debug", cfg.LogConf.Level)

	argv := cfg.Manager.WorkerCommand
	require.Equal(t, []string{"worker", "--job", config.JobPlaceholder}, argv[1:4])
	require.Contains(t, argv, "--config")
	require.Contains(t, argv, "from-flag")

	o = newOptions(registry.NewRegistry(), nil)
	o.configPath = filepath.Join(dir, "missing.toml")
	_, err = o.loadConfig()
	require.True(t, errors.Is(err, errors.ErrConfigDecode), err)
}

func TestBatchAndWorker(t *testing.T) {
	store := filepath.Join(t.TempDir(), "store")
	reg := registry.NewRegistry()
	counters := demo.Register(reg)

	metrics := filepath.Join(t.TempDir(), "compmake.prom")
	out, err := execute(t, reg, "--store", store, "--metrics-file", metrics, "-c", "make stats", "-c", "stats")
	require.NoError(t, err)
	require.Contains(t, out, "make: 4 done")
	require.Equal(t, int64(3), counters.Double.Load())
	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	require.Contains(t, string(data), "compmake_manager_job_outcome_total")

	out, err = execute(t, reg, "--store", store, "run", "make bad")
	require.True(t, errors.Is(err, errors.ErrJobsFailed), err)
	require.Equal(t, cmdutil.ExitJobFailed, cmdutil.ExitCode(err))
	require.Contains(t, out, "1 failed")

	// Workers run one job and report failures by exit code. An up-to-date
	// job is not run again.
	_, err = execute(t, reg, "--store", store, "worker", "--job", "double-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), counters.Double.Load())
	_, err = execute(t, reg, "--store", store, "worker", "--job", "bad")
	require.Equal(t, cmdutil.ExitJobFailed, cmdutil.ExitCode(err))
	_, err = execute(t, reg, "--store", store, "worker", "--job", "ghost")
	require.Equal(t, cmdutil.ExitUserError, cmdutil.ExitCode(err))

	_, err = execute(t, reg, "--store", store, "-c", "frobnicate")
	require.Equal(t, cmdutil.ExitUserError, cmdutil.ExitCode(err))
}

type lines struct {
	lines []string
}

func (l *lines) Readline() (string, error) {
	if len(l.lines) == 0 {
		return "", io.EOF
	}
	line := l.lines[0]
	l.lines = l.lines[1:]
	return line, nil
}

func TestConsole(t *testing.T) {
	db, err := jobdb.New(storage.NewMemory(), "test", 0)
	require.NoError(t, err)
	reg := registry.NewRegistry()
	counters := demo.Register(reg)
	out := &bytes.Buffer{}
	s := session.NewWithContext(cmcontext.NewContext4Test(context.Background(), db, reg), out)
	defer func() { require.NoError(t, s.Close()) }()
	require.NoError(t, defineJobs(s))

	cmd := &cobra.Command{}
	errOut := &bytes.Buffer{}
	cmd.SetErr(errOut)

	err = console(context.Background(), s, &lines{lines: []string{"", "make double-*", "bogus", "ls stats"}}, cmd)
	require.NoError(t, err)
	require.Equal(t, int64(3), counters.Double.Load())
	require.Contains(t, errOut.String(), "bogus")
	require.Contains(t, out.String(), "stats")

	err = console(context.Background(), s, &lines{lines: []string{"bogus", "exit", "make"}}, cmd)
	require.True(t, errors.Is(err, errors.ErrUnknownCommand))
	require.Equal(t, int64(0), counters.Statistics.Load())
}

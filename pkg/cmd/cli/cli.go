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
	"context"
	"os"

	"github.com/pingcap/compmake/engine/manager"
	"github.com/pingcap/compmake/engine/registry"
	"github.com/pingcap/compmake/engine/session"
	cmdutil "github.com/pingcap/compmake/pkg/cmd/util"
	"github.com/pingcap/compmake/pkg/config"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// DefineFunc defines the jobs of a program. It runs on every session
// opened by the command line, except in worker processes.
type DefineFunc func(s *session.Session) error

// options defines flags shared by every command.
type options struct {
	configPath  string
	store       string
	namespace   string
	logLevel    string
	metricsFile string
	commands    []string

	reg    registry.Registry
	define DefineFunc
}

// newOptions creates new options for the `compmake` command.
func newOptions(reg registry.Registry, define DefineFunc) *options {
	return &options{reg: reg, define: define}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to configuration to it.
func (o *options) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.configPath, "config", "", "Path of the configuration file")
	cmd.PersistentFlags().StringVar(&o.store, "store", "", "Path of the job storage, overrides storage.path")
	cmd.PersistentFlags().StringVar(&o.namespace, "namespace", "", "Namespace of the jobs, overrides namespace")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "log level (etc: debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&o.metricsFile, "metrics-file", "", "Write the manager metrics in the Prometheus text format to this file on exit")
	cmd.Flags().StringArrayVarP(&o.commands, "command", "c", nil, "Run a batch command line and exit, may be repeated")
}

// loadConfig reads the configuration file and applies the flags over it.
func (o *options) loadConfig() (*config.Config, error) {
	cfg := config.GetDefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = config.ConfigFromFile(o.configPath); err != nil {
			return nil, err
		}
	}
	if o.store != "" {
		cfg.Storage.Path = o.store
	}
	if o.namespace != "" {
		cfg.Namespace = o.namespace
	}
	if o.logLevel != "" {
		cfg.LogConf.Level = o.logLevel
	}
	if len(cfg.Manager.WorkerCommand) == 0 {
		argv, err := o.workerCommand()
		if err != nil {
			return nil, err
		}
		cfg.Manager.WorkerCommand = argv
	}
	if err := cfg.AdjustAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// workerCommand runs this executable as a worker over the same storage.
func (o *options) workerCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.WrapError(errors.ErrConfigInvalid, err, "cannot locate the worker executable")
	}
	argv := []string{exe, "worker", "--job", config.JobPlaceholder}
	if o.configPath != "" {
		argv = append(argv, "--config", o.configPath)
	}
	if o.store != "" {
		argv = append(argv, "--store", o.store)
	}
	if o.namespace != "" {
		argv = append(argv, "--namespace", o.namespace)
	}
	if o.logLevel != "" {
		argv = append(argv, "--log-level", o.logLevel)
	}
	return argv, nil
}

// openSession initializes the logger and opens a session. Jobs are defined
// when withJobs is set. The returned cancel closes the session.
func (o *options) openSession(cmd *cobra.Command, withJobs bool) (context.Context, *session.Session, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := cmdutil.InitCmd(cmd, &cfg.LogConf)
	s, err := session.Open(ctx, cfg, o.reg, cmd.OutOrStdout())
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	closeFn := func() {
		if err := s.Close(); err != nil {
			cmd.PrintErrf("close session: %v\n", err)
		}
		o.writeMetrics(cmd)
		cancel()
	}
	if withJobs && o.define != nil {
		if err := o.define(s); err != nil {
			closeFn()
			return nil, nil, nil, err
		}
	}
	return ctx, s, closeFn, nil
}

// writeMetrics dumps the manager metrics for a textfile collector.
func (o *options) writeMetrics(cmd *cobra.Command) {
	if o.metricsFile == "" {
		return
	}
	reg := prometheus.NewRegistry()
	manager.InitMetrics(reg)
	if err := prometheus.WriteToTextfile(o.metricsFile, reg); err != nil {
		cmd.PrintErrf("write metrics: %v\n", err)
	}
}

// NewCmdCompmake creates the `compmake` command. Without subcommand it runs
// the lines given by -c, or the console when there are none.
func NewCmdCompmake(reg registry.Registry, define DefineFunc) *cobra.Command {
	o := newOptions(reg, define)

	cmds := &cobra.Command{
		Use:           "compmake",
		Short:         "Incremental job manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(o.commands) > 0 {
				return o.runBatch(cmd, o.commands)
			}
			return o.runConsole(cmd)
		},
	}

	// Binding the `compmake` command flags.
	o.addFlags(cmds)

	// Add subcommands.
	cmds.AddCommand(newCmdRun(o))
	cmds.AddCommand(newCmdConsole(o))
	cmds.AddCommand(newCmdWorker(o))

	return cmds
}

// newCmdRun creates the `run` command.
func newCmdRun(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run [command line]...",
		Short: "Run batch command lines, default \"make\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"make"}
			}
			return o.runBatch(cmd, args)
		},
	}
}

func (o *options) runBatch(cmd *cobra.Command, lines []string) error {
	ctx, s, closeFn, err := o.openSession(cmd, true)
	if err != nil {
		return err
	}
	defer closeFn()
	for _, line := range lines {
		if err := s.Interpret(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

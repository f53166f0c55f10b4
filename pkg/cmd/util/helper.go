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

package util

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/compmake/pkg/errors"
	"github.com/pingcap/compmake/pkg/logutil"
	perrors "github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Process exit codes.
const (
	ExitOK = 0
	// ExitInternalError reports a bug or an environment failure.
	ExitInternalError = 1
	// ExitUserError reports bad input: command line, config, job definitions.
	ExitUserError = 2
	// ExitJobFailed reports that jobs failed. Process hosts rely on it to
	// tell a failed job from a failed host.
	ExitJobFailed = 113
)

// ExitCode maps the error of a command to the exit code of the process.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.IsJobFailure(err):
		return ExitJobFailed
	case errors.IsUserError(err):
		return ExitUserError
	default:
		return ExitInternalError
	}
}

// InitCmd initializes the logger and returns a context canceled on the
// first termination signal.
func InitCmd(cmd *cobra.Command, logCfg *logutil.Config) (context.Context, context.CancelFunc) {
	if err := logutil.InitLogger(logCfg); err != nil {
		cmd.PrintErrf("init logger error %v\n", perrors.ErrorStack(err))
		os.Exit(ExitInternalError)
	}
	log.Debug("init log", zap.String("file", logCfg.File), zap.String("level", logCfg.Level))

	ctx, cancel := context.WithCancel(context.Background())
	InitSignalHandling(cancel)
	return ctx, cancel
}

// InitSignalHandling cancels on SIGINT or SIGTERM. A second signal exits
// immediately.
func InitSignalHandling(cancel context.CancelFunc) {
	// Room for both signals, so the second is never dropped.
	sc := make(chan os.Signal, 2)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sc
		log.Info("got signal, interrupting jobs", zap.Stringer("signal", sig))
		cancel()
		sig = <-sc
		log.Warn("got signal, force exit", zap.Stringer("signal", sig))
		os.Exit(ExitInternalError)
	}()
}

// JSONPrint will output the data in JSON format.
func JSONPrint(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Printf("%s\n", data)
	return nil
}

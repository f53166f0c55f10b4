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

package main

import (
	"os"

	"github.com/pingcap/compmake/engine/define"
	"github.com/pingcap/compmake/engine/demo"
	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/engine/registry"
	"github.com/pingcap/compmake/engine/session"
	"github.com/pingcap/compmake/pkg/cmd/cli"
	cmdutil "github.com/pingcap/compmake/pkg/cmd/util"
	"github.com/pingcap/errors"
)

// defineJobs defines the demo computations: the sum of three doubled
// numbers, and a chain of dynamic jobs ending in a terminal job.
func defineJobs(s *session.Session) error {
	xs := make([]model.Promise, 0, 3)
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
	_, err := s.CompDynamic("recurse", 5, define.JobID("r5"))
	return err
}

func main() {
	reg := registry.NewRegistry()
	demo.Register(reg)

	cmd := cli.NewCmdCompmake(reg, defineJobs)
	if err := cmd.Execute(); err != nil {
		code := cmdutil.ExitCode(err)
		msg := err.Error()
		if code == cmdutil.ExitInternalError {
			msg = errors.ErrorStack(err)
		}
		cmd.PrintErrln("Error:", msg)
		os.Exit(code)
	}
}

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
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/spf13/cobra"
)

type workerOptions struct {
	jobID string
	more  bool
}

func (w *workerOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&w.jobID, "job", "", "Id of the job to run")
	cmd.Flags().BoolVar(&w.more, "more", false, "Continue the computation of a completed job")
	_ = cmd.MarkFlagRequired("job")
}

// newCmdWorker creates the `worker` command, which process hosts run to
// execute one job. The exit code tells a failed job from a failed worker.
func newCmdWorker(o *options) *cobra.Command {
	w := &workerOptions{}
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one job whose dependencies are up to date",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if w.jobID == "" {
				return errors.ErrInvalidArgument.GenWithStackByArgs("--job is required")
			}
			ctx, s, closeFn, err := o.openSession(cmd, false)
			if err != nil {
				return err
			}
			defer closeFn()
			return s.Worker(ctx, w.jobID, w.more)
		},
	}
	w.addFlags(cmd)
	return cmd
}

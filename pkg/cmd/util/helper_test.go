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
	"bytes"
	"testing"

	"github.com/pingcap/compmake/pkg/errors"
	perrors "github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		code int
	}{
		{nil, ExitOK},
		{errors.ErrJobsFailed.GenWithStackByArgs(1, 2), ExitJobFailed},
		{errors.WrapError(errors.ErrJobFailed, perrors.New("boom"), "a"), ExitJobFailed},
		{errors.ErrSelectorSyntax.GenWithStackByArgs("except", "missing operand"), ExitUserError},
		{perrors.Trace(errors.ErrJobNotFound.GenWithStackByArgs("x")), ExitUserError},
		{errors.ErrCompmakeBug.GenWithStackByArgs("oops"), ExitInternalError},
		{perrors.New("disk full"), ExitInternalError},
	}
	for _, c := range cases {
		require.Equal(t, c.code, ExitCode(c.err), "%v", c.err)
	}
}

func TestJSONPrint(t *testing.T) {
	t.Parallel()

	cmd := &cobra.Command{}
	var b bytes.Buffer
	cmd.SetOut(&b)
	require.NoError(t, JSONPrint(cmd, map[string]int{"done": 3}))
	require.Equal(t, "{\n  \"done\": 3\n}\n", b.String())
}

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
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/pingcap/compmake/engine/selector"
	"github.com/pingcap/compmake/engine/session"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/spf13/cobra"
)

// newCmdConsole creates the `console` command.
func newCmdConsole(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Run batch commands interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.runConsole(cmd)
		},
	}
}

func completer() *readline.PrefixCompleter {
	var words []readline.PrefixCompleterInterface
	for _, a := range selector.Aliases() {
		words = append(words, readline.PcItem(a))
	}
	var items []readline.PrefixCompleterInterface
	for _, name := range session.Commands() {
		items = append(items, readline.PcItem(name, words...))
	}
	items = append(items, readline.PcItem("exit"))
	return readline.NewPrefixCompleter(items...)
}

func (o *options) runConsole(cmd *cobra.Command) error {
	ctx, s, closeFn, err := o.openSession(cmd, true)
	if err != nil {
		return err
	}
	defer closeFn()

	l, err := readline.NewEx(&readline.Config{
		Prompt:            color.New(color.FgGreen).Sprintf("compmake %s> ", s.DB().Namespace()),
		HistoryFile:       filepath.Join(os.TempDir(), "compmake.history"),
		AutoComplete:      completer(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return errors.WrapError(errors.ErrUnknown, err)
	}
	defer l.Close()
	return console(ctx, s, l, cmd)
}

type lineReader interface {
	Readline() (string, error)
}

// console interprets lines until EOF, "exit" or cancellation. The error of
// the last command is returned so that the exit code reflects it.
func console(ctx context.Context, s *session.Session, r lineReader, cmd *cobra.Command) error {
	var last error
	for {
		line, err := r.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return last
			}
			continue
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return last
		}
		last = s.Interpret(ctx, line)
		if last != nil {
			cmd.PrintErrln(color.RedString("error: %v", last))
		}
		if ctx.Err() != nil {
			return last
		}
	}
}

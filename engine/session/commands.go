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

package session

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/pingcap/compmake/engine/selector"
	"github.com/pingcap/compmake/pkg/errors"
	perrors "github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type runFunc func(s *Session, ctx context.Context, targets []string, opts MakeOptions) error

type command struct {
	usage string
	run   runFunc
	// makes is set when the command accepts the options of the make family.
	makes bool
}

func makeCommand(usage string, fn func(*Session, context.Context, []string, MakeOptions) error) command {
	return command{usage: usage, makes: true, run: fn}
}

func plainCommand(usage string, fn func(*Session, context.Context, []string) error) command {
	return command{usage: usage, run: func(s *Session, ctx context.Context, targets []string, _ MakeOptions) error {
		return fn(s, ctx, targets)
	}}
}

func reportOnly(
	fn func(*Session, context.Context, []string, MakeOptions) (any, error),
) func(*Session, context.Context, []string, MakeOptions) error {
	return func(s *Session, ctx context.Context, targets []string, opts MakeOptions) error {
		_, err := fn(s, ctx, targets, opts)
		return err
	}
}

var commands = map[string]command{}

func init() {
	commands["make"] = makeCommand("make [options] [selector]  bring jobs up to date, default all top-level jobs",
		reportOnly(func(s *Session, ctx context.Context, t []string, o MakeOptions) (any, error) { return s.Make(ctx, t, o) }))
	commands["parmake"] = makeCommand("parmake [options] [selector]  make with parallel workers",
		reportOnly(func(s *Session, ctx context.Context, t []string, o MakeOptions) (any, error) { return s.ParMake(ctx, t, o) }))
	commands["remake"] = makeCommand("remake [options] [selector]  invalidate and make again",
		reportOnly(func(s *Session, ctx context.Context, t []string, o MakeOptions) (any, error) { return s.Remake(ctx, t, o) }))
	commands["parremake"] = makeCommand("parremake [options] [selector]  remake with parallel workers",
		reportOnly(func(s *Session, ctx context.Context, t []string, o MakeOptions) (any, error) { return s.ParRemake(ctx, t, o) }))
	commands["more"] = makeCommand("more [options] [selector]  continue the computation of completed jobs",
		reportOnly(func(s *Session, ctx context.Context, t []string, o MakeOptions) (any, error) { return s.More(ctx, t, o) }))
	commands["parmore"] = makeCommand("parmore [options] [selector]  more with parallel workers",
		reportOnly(func(s *Session, ctx context.Context, t []string, o MakeOptions) (any, error) { return s.ParMore(ctx, t, o) }))

	commands["clean"] = plainCommand("clean [selector]  delete results, default all jobs", (*Session).Clean)
	commands["invalidate"] = plainCommand("invalidate [selector]  mark jobs as not started", (*Session).Invalidate)
	commands["ls"] = plainCommand("ls [selector]  list jobs and their state", (*Session).List)
	commands["list"] = commands["ls"]
	commands["details"] = plainCommand("details [selector]  show everything about jobs", (*Session).Details)
	commands["stats"] = plainCommand("stats [selector]  count jobs by state",
		func(s *Session, ctx context.Context, t []string) error {
			_, err := s.Stats(ctx, t)
			return err
		})
	commands["why"] = plainCommand("why [selector]  explain why jobs are not up to date",
		func(s *Session, ctx context.Context, t []string) error {
			_, err := s.Why(ctx, t)
			return err
		})
	commands["check-consistency"] = plainCommand("check-consistency  validate the job graph",
		func(s *Session, ctx context.Context, _ []string) error {
			_, err := s.CheckConsistency(ctx)
			return err
		})
	commands["gc"] = plainCommand("gc [selector]  delete jobs not reachable from the selected ones",
		func(s *Session, ctx context.Context, t []string) error {
			_, err := s.CleanOtherJobs(ctx, t)
			return err
		})
	commands["help"] = plainCommand("help  list commands",
		func(s *Session, _ context.Context, _ []string) error {
			s.help()
			return nil
		})
}

// Commands returns the sorted names of the batch commands.
func Commands() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Session) help() {
	for _, name := range Commands() {
		fmt.Fprintf(s.out, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(s.out, "options: recurse=<bool> n=<slots> echo=<bool> backend=local|pool|cluster")
	fmt.Fprintf(s.out, "aliases: %s\n", strings.Join(selector.Aliases(), " "))
	fmt.Fprintln(s.out, "operators: not, except/but, in/and/intersect")
}

// Interpret runs a command line. Several commands are separated by ";",
// and the first failing command stops the line.
func (s *Session) Interpret(ctx context.Context, line string) error {
	rest := line
	for {
		parser := shellwords.NewParser()
		args, err := parser.Parse(rest)
		if err != nil {
			return errors.WrapError(errors.ErrInvalidCommandLine, err, line, "cannot split words")
		}
		if len(args) > 0 {
			if err := s.execute(ctx, line, args); err != nil {
				return err
			}
		}
		if parser.Position < 0 {
			return nil
		}
		rest = rest[parser.Position+1:]
	}
}

func (s *Session) execute(ctx context.Context, line string, args []string) error {
	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		return errors.ErrUnknownCommand.GenWithStackByArgs(name)
	}
	opts := s.DefaultMakeOptions()
	words := args[1:]
	for len(words) > 0 && strings.Contains(words[0], "=") {
		if !cmd.makes {
			return errors.ErrInvalidCommandLine.GenWithStackByArgs(line, name+" takes no options")
		}
		if err := parseOption(&opts, words[0]); err != nil {
			return errors.WrapError(errors.ErrInvalidCommandLine, err, line, "bad option "+words[0])
		}
		words = words[1:]
	}

	targets, err := selector.New(ctx, s.db).Eval(words)
	if err != nil {
		return err
	}
	if len(words) > 0 && len(targets) == 0 {
		fmt.Fprintf(s.out, "%s: no job selected by %q\n", name, strings.Join(words, " "))
		return nil
	}
	log.Debug("running command", zap.String("command", name), zap.Int("targets", len(targets)))
	return cmd.run(s, ctx, targets, opts)
}

func parseOption(opts *MakeOptions, word string) error {
	key, value, _ := strings.Cut(word, "=")
	var err error
	switch key {
	case "recurse":
		opts.Recurse, err = strconv.ParseBool(value)
	case "echo":
		opts.Echo, err = strconv.ParseBool(value)
	case "n":
		opts.Parallelism, err = strconv.Atoi(value)
		if err == nil && opts.Parallelism < 1 {
			err = perrors.Errorf("n must be positive, got %d", opts.Parallelism)
		}
	case "backend":
		opts.Backend = value
	default:
		return perrors.Errorf("unknown option %q", key)
	}
	if err != nil {
		return perrors.Annotatef(err, "option %s", key)
	}
	return nil
}

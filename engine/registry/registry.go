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

package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Kind is the calling convention of a command.
type Kind int

// All Kind
const (
	KindFunc Kind = iota
	KindDynamic
	KindStep
)

// String implements fmt.Stringer
func (k Kind) String() string {
	switch k {
	case KindFunc:
		return "plain"
	case KindDynamic:
		return "dynamic"
	case KindStep:
		return "step"
	}
	return "unknown"
}

// Func is a plain command: it maps resolved arguments to a result.
type Func func(ctx context.Context, args *Args) (any, error)

// DynamicFunc is a command that may define further jobs through ctx while
// it runs. It may return a promise of one of them.
type DynamicFunc func(ctx Context, args *Args) (any, error)

// StepFunc is a resumable command. Each call performs one step and returns
// either Progress or Complete. The partial result of every Progress is
// persisted and handed back through state when the job is resumed.
type StepFunc func(ctx context.Context, args *Args, state *StepState) (*Step, error)

// Context is handed to dynamic commands.
type Context interface {
	context.Context
	// JobID returns the id of the running dynamic job.
	JobID() string
	// Comp defines a job running a plain or step command.
	Comp(command string, args ...any) (model.Promise, error)
	// CompDynamic defines a job running a dynamic command.
	CompDynamic(command string, args ...any) (model.Promise, error)
}

// Command is a registered, named unit of behaviour.
type Command struct {
	Name string
	Kind Kind

	Func    Func
	Dynamic DynamicFunc
	Step    StepFunc
}

// Registry maps command names to commands. Job definitions refer to commands
// by name, so the same registry must be built in every process that runs
// jobs.
type Registry interface {
	MustRegister(name string, fn Func)
	Register(name string, fn Func) error
	MustRegisterDynamic(name string, fn DynamicFunc)
	RegisterDynamic(name string, fn DynamicFunc) error
	MustRegisterStep(name string, fn StepFunc)
	RegisterStep(name string, fn StepFunc) error
	Lookup(name string) (*Command, error)
	Names() []string
}

type registryImpl struct {
	mu       sync.RWMutex
	commands map[string]*Command
}

// NewRegistry creates a new registryImpl instance
func NewRegistry() Registry {
	return &registryImpl{
		commands: make(map[string]*Command),
	}
}

func mustRegister(name string, err error, kind Kind) {
	if err != nil {
		log.L().Panic("register command failed", zap.String("command", name), zap.Error(err))
	}
	log.L().Debug("register command", zap.String("command", name), zap.Stringer("kind", kind))
}

// MustRegister implements Registry.MustRegister
func (r *registryImpl) MustRegister(name string, fn Func) {
	mustRegister(name, r.Register(name, fn), KindFunc)
}

// Register implements Registry.Register
func (r *registryImpl) Register(name string, fn Func) error {
	return r.register(&Command{Name: name, Kind: KindFunc, Func: fn})
}

// MustRegisterDynamic implements Registry.MustRegisterDynamic
func (r *registryImpl) MustRegisterDynamic(name string, fn DynamicFunc) {
	mustRegister(name, r.RegisterDynamic(name, fn), KindDynamic)
}

// RegisterDynamic implements Registry.RegisterDynamic
func (r *registryImpl) RegisterDynamic(name string, fn DynamicFunc) error {
	return r.register(&Command{Name: name, Kind: KindDynamic, Dynamic: fn})
}

// MustRegisterStep implements Registry.MustRegisterStep
func (r *registryImpl) MustRegisterStep(name string, fn StepFunc) {
	mustRegister(name, r.RegisterStep(name, fn), KindStep)
}

// RegisterStep implements Registry.RegisterStep
func (r *registryImpl) RegisterStep(name string, fn StepFunc) error {
	return r.register(&Command{Name: name, Kind: KindStep, Step: fn})
}

func (r *registryImpl) register(cmd *Command) error {
	if err := model.ValidateJobID(cmd.Name); err != nil {
		return errors.WrapError(errors.ErrInvalidArgument, err, "command name "+cmd.Name)
	}
	if cmd.Func == nil && cmd.Dynamic == nil && cmd.Step == nil {
		return errors.ErrInvalidArgument.GenWithStackByArgs("nil function for command " + cmd.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[cmd.Name]; exists {
		return errors.ErrCommandAlreadyRegistered.GenWithStackByArgs(cmd.Name)
	}
	r.commands[cmd.Name] = cmd
	return nil
}

// Lookup implements Registry.Lookup
func (r *registryImpl) Lookup(name string) (*Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmd, ok := r.commands[name]
	if !ok {
		return nil, errors.ErrCommandNotFound.GenWithStackByArgs(name)
	}
	return cmd, nil
}

// Names implements Registry.Names
func (r *registryImpl) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

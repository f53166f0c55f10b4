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

package execute

import (
	cmcontext "github.com/pingcap/compmake/engine/context"
	"github.com/pingcap/compmake/engine/define"
	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/engine/registry"
)

// dynamicContext is handed to dynamic commands.
type dynamicContext struct {
	cmcontext.Context
	definer *define.Definer
}

var _ registry.Context = (*dynamicContext)(nil)

func (d *dynamicContext) JobID() string {
	return d.definer.ID()
}

func (d *dynamicContext) Comp(command string, args ...any) (model.Promise, error) {
	return d.definer.Comp(d.Context, command, args...)
}

func (d *dynamicContext) CompDynamic(command string, args ...any) (model.Promise, error) {
	return d.definer.CompDynamic(d.Context, command, args...)
}

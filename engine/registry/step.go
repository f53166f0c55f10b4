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

// StepState is the resumable state of a step command.
type StepState struct {
	// Checkpoint is the partial result of the last step, the previous final
	// result when more output was requested, or nil on a fresh start.
	Checkpoint any
	// Resumed is true when Checkpoint comes from an interrupted run.
	Resumed bool
	// More is true when continuing a computation that already completed.
	More bool
	// Iteration counts the steps performed by this execution.
	Iteration int
}

// Step is the outcome of one call of a StepFunc.
type Step struct {
	Value    any
	Done     int
	Total    int
	Complete bool
}

// Progress reports a partial result after done out of total units of work.
func Progress(partial any, done, total int) *Step {
	return &Step{Value: partial, Done: done, Total: total}
}

// Complete reports the final result.
func Complete(result any) *Step {
	return &Step{Value: result, Complete: true}
}

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

package model

import (
	"time"

	"github.com/pingcap/compmake/pkg/errors"
)

// CacheState is the execution state of a job.
type CacheState int8

// All CacheState
const (
	NotStarted CacheState = iota
	InProgress
	MoreRequested
	Failed
	Done
	Blocked
)

// AllCacheStates lists every state in declaration order.
var AllCacheStates = []CacheState{NotStarted, InProgress, MoreRequested, Failed, Done, Blocked}

// CacheStateNameMapping maps from cache state to human-readable string
var CacheStateNameMapping = map[CacheState]string{
	NotStarted:    "not_started",
	InProgress:    "in_progress",
	MoreRequested: "more_requested",
	Failed:        "failed",
	Done:          "done",
	Blocked:       "blocked",
}

// String implements fmt.Stringer
func (s CacheState) String() string {
	val, ok := CacheStateNameMapping[s]
	if !ok {
		return "unknown"
	}
	return val
}

// ParseCacheState is the inverse of String.
func ParseCacheState(s string) (CacheState, bool) {
	for state, name := range CacheStateNameMapping {
		if name == s {
			return state, true
		}
	}
	return NotStarted, false
}

// HasResult reports whether a job in this state has a user object.
func (s CacheState) HasResult() bool {
	return s == Done || s == MoreRequested
}

// Cache is the execution record of a job.
type Cache struct {
	State CacheState `msgpack:"state"`
	// Timestamp is when the current result was produced. Zero if the job
	// never completed.
	Timestamp        time.Time     `msgpack:"timestamp"`
	TimestampStarted time.Time     `msgpack:"timestamp_started"`
	CPUTime          time.Duration `msgpack:"cputime_used"`
	WallTime         time.Duration `msgpack:"walltime_used"`

	Exception      string `msgpack:"exception"`
	Backtrace      string `msgpack:"backtrace"`
	CapturedStdout string `msgpack:"captured_stdout"`
	CapturedStderr string `msgpack:"captured_stderr"`

	// Host is where the job last ran.
	Host string `msgpack:"host"`
	// ProgressDone and ProgressTotal are reported by step commands.
	ProgressDone  int `msgpack:"progress_done"`
	ProgressTotal int `msgpack:"progress_total"`
}

// NewCache returns the record of a job that never ran.
func NewCache() *Cache {
	return &Cache{State: NotStarted}
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to CacheState) bool {
	switch to {
	case Done, Failed:
		return from == InProgress
	case MoreRequested:
		return from == Done
	case InProgress, Blocked, NotStarted:
		return true
	}
	return false
}

// Transition moves the cache to state to, failing on an illegal move.
func (c *Cache) Transition(to CacheState) error {
	if !CanTransition(c.State, to) {
		return errors.ErrInvalidStateTransition.GenWithStackByArgs(c.State, to)
	}
	c.State = to
	return nil
}

// ClearFailure drops the failure details of a previous run.
func (c *Cache) ClearFailure() {
	c.Exception = ""
	c.Backtrace = ""
}

// Clone returns a copy.
func (c *Cache) Clone() *Cache {
	cc := *c
	return &cc
}

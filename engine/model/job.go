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
	"bytes"
	"sort"
)

// Root is the pseudo job that defines every job created directly by the
// session. It is the first element of every DefinedBy chain.
const Root = "root"

// Job is the immutable definition of one unit of work together with its
// position in the dependency graph.
type Job struct {
	JobID   string           `msgpack:"job_id"`
	Command string           `msgpack:"command"`
	Args    []Value          `msgpack:"args"`
	Kwargs  map[string]Value `msgpack:"kwargs"`
	// NeedsContext is set for dynamic jobs, which receive a definition
	// context and may define further jobs while running.
	NeedsContext bool `msgpack:"needs_context"`

	// Children are the jobs whose results appear in Args or Kwargs.
	// Parents is the inverse relation. Both are sorted.
	Children []string `msgpack:"children"`
	Parents  []string `msgpack:"parents"`

	// DefinedBy is the chain of definers, starting at Root.
	DefinedBy []string `msgpack:"defined_by"`
	// DynamicChildren maps this job's id to the jobs it defined during its
	// last execution. Only dynamic jobs have an entry.
	DynamicChildren map[string][]string `msgpack:"dynamic_children"`
}

// NewJob returns a job definition whose children are derived from the
// promises in args and kwargs.
func NewJob(jobID, command string, args []Value, kwargs map[string]Value, definedBy []string) *Job {
	j := &Job{
		JobID:     jobID,
		Command:   command,
		Args:      args,
		Kwargs:    kwargs,
		DefinedBy: append([]string(nil), definedBy...),
	}
	for _, a := range args {
		for _, p := range a.Promises() {
			j.AddChild(p)
		}
	}
	for _, a := range kwargs {
		for _, p := range a.Promises() {
			j.AddChild(p)
		}
	}
	return j
}

// Definer returns the job that defined j, Root for session-level jobs.
func (j *Job) Definer() string {
	if len(j.DefinedBy) == 0 {
		return Root
	}
	return j.DefinedBy[len(j.DefinedBy)-1]
}

// IsDynamic returns true if running the job may define further jobs.
func (j *Job) IsDynamic() bool {
	return j.NeedsContext
}

// Defined returns the jobs defined by j during its last execution.
func (j *Job) Defined() []string {
	if j.DynamicChildren == nil {
		return nil
	}
	return j.DynamicChildren[j.JobID]
}

// SetDefined records the jobs defined by j during its last execution.
func (j *Job) SetDefined(ids []string) {
	if j.DynamicChildren == nil {
		j.DynamicChildren = make(map[string][]string)
	}
	j.DynamicChildren[j.JobID] = SortedSet(ids)
}

// AddChild adds id to the children set.
func (j *Job) AddChild(id string) {
	j.Children = InsertSorted(j.Children, id)
}

// RemoveChild removes id from the children set.
func (j *Job) RemoveChild(id string) {
	j.Children = RemoveSorted(j.Children, id)
}

// AddParent adds id to the parents set.
func (j *Job) AddParent(id string) {
	j.Parents = InsertSorted(j.Parents, id)
}

// RemoveParent removes id from the parents set.
func (j *Job) RemoveParent(id string) {
	j.Parents = RemoveSorted(j.Parents, id)
}

// SameDefinition reports whether o would compute the same thing as j, i.e.
// whether the cached result of j stays valid if j is replaced by o.
func (j *Job) SameDefinition(o *Job) bool {
	if j.Command != o.Command || j.NeedsContext != o.NeedsContext {
		return false
	}
	a, err := Marshal(definitionOf(j))
	if err != nil {
		return false
	}
	b, err := Marshal(definitionOf(o))
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

type definition struct {
	Args   []Value          `msgpack:"args"`
	Kwargs map[string]Value `msgpack:"kwargs"`
}

func definitionOf(j *Job) definition {
	d := definition{Args: j.Args, Kwargs: j.Kwargs}
	if len(d.Args) == 0 {
		d.Args = nil
	}
	if len(d.Kwargs) == 0 {
		d.Kwargs = nil
	}
	return d
}

// Clone returns a deep copy of the graph fields. Argument values are shared
// since they are never mutated in place.
func (j *Job) Clone() *Job {
	c := *j
	c.Children = append([]string(nil), j.Children...)
	c.Parents = append([]string(nil), j.Parents...)
	c.DefinedBy = append([]string(nil), j.DefinedBy...)
	if j.DynamicChildren != nil {
		c.DynamicChildren = make(map[string][]string, len(j.DynamicChildren))
		for k, v := range j.DynamicChildren {
			c.DynamicChildren[k] = append([]string(nil), v...)
		}
	}
	return &c
}

// SortedSet returns a sorted copy of ids without duplicates.
func SortedSet(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := append([]string(nil), ids...)
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

// InsertSorted inserts x into the sorted set s.
func InsertSorted(s []string, x string) []string {
	i := sort.SearchStrings(s, x)
	if i < len(s) && s[i] == x {
		return s
	}
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = x
	return s
}

// RemoveSorted removes x from the sorted set s.
func RemoveSorted(s []string, x string) []string {
	i := sort.SearchStrings(s, x)
	if i == len(s) || s[i] != x {
		return s
	}
	return append(s[:i], s[i+1:]...)
}

// ContainsSorted reports whether the sorted set s contains x.
func ContainsSorted(s []string, x string) bool {
	i := sort.SearchStrings(s, x)
	return i < len(s) && s[i] == x
}

// Difference returns the elements of a that are not in b. Both are sorted
// sets and so is the result.
func Difference(a, b []string) []string {
	var out []string
	for _, x := range a {
		if !ContainsSorted(b, x) {
			out = append(out, x)
		}
	}
	return out
}

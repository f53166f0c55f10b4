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
	"fmt"
	"reflect"
	"sort"

	"github.com/pingcap/compmake/pkg/errors"
)

// Promise is a reference to the result of another job.
type Promise struct {
	JobID string `msgpack:"job_id"`
}

// String implements fmt.Stringer
func (p Promise) String() string {
	return fmt.Sprintf("Promise(%s)", p.JobID)
}

// ValueKind tags the variant held by a Value.
type ValueKind uint8

// All ValueKind
const (
	KindLiteral ValueKind = iota
	KindPromise
	KindList
	KindMap
)

// maxResolveDepth bounds promise chains, e.g. a dynamic job returning a
// promise of a job that returns a promise.
const maxResolveDepth = 64

// Value is a job argument or result: a literal, a reference to another
// job's result, or a list or string-keyed map of values.
type Value struct {
	Kind    ValueKind        `msgpack:"k"`
	Literal interface{}      `msgpack:"l"`
	JobID   string           `msgpack:"p,omitempty"`
	List    []Value          `msgpack:"s,omitempty"`
	Map     map[string]Value `msgpack:"m,omitempty"`
}

// LiteralValue wraps a concrete value.
func LiteralValue(v interface{}) Value {
	return Value{Kind: KindLiteral, Literal: v}
}

// PromiseValue wraps a reference to the result of jobID.
func PromiseValue(jobID string) Value {
	return Value{Kind: KindPromise, JobID: jobID}
}

// ValueOf converts a Go value into a Value. Promises are recognized at the
// top level and inside slices, arrays and string-keyed maps.
func ValueOf(v interface{}) (Value, error) {
	switch x := v.(type) {
	case nil:
		return LiteralValue(nil), nil
	case Value:
		return x, nil
	case *Value:
		return *x, nil
	case Promise:
		return PromiseValue(x.JobID), nil
	case *Promise:
		return PromiseValue(x.JobID), nil
	case []byte:
		return LiteralValue(x), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if !containsPromise(rv) {
			return LiteralValue(v), nil
		}
		list := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem, err := ValueOf(rv.Index(i).Interface())
			if err != nil {
				return Value{}, err
			}
			list[i] = elem
		}
		return Value{Kind: KindList, List: list}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String || !containsPromise(rv) {
			return LiteralValue(v), nil
		}
		m := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			elem, err := ValueOf(iter.Value().Interface())
			if err != nil {
				return Value{}, err
			}
			m[iter.Key().String()] = elem
		}
		return Value{Kind: KindMap, Map: m}, nil
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return Value{}, errors.ErrInvalidArgument.GenWithStackByArgs(
			fmt.Sprintf("value of type %s cannot be stored", rv.Type()))
	}
	return LiteralValue(v), nil
}

var promiseType = reflect.TypeOf(Promise{})

// containsPromise reports whether a container may hold promises, judging by
// element types first and by contents for interface elements.
func containsPromise(rv reflect.Value) bool {
	elem := rv.Type().Elem()
	switch elem.Kind() {
	case reflect.Interface, reflect.Slice, reflect.Array, reflect.Map:
	case reflect.Struct, reflect.Ptr:
		return elem == promiseType || elem == reflect.PtrTo(promiseType) ||
			elem == reflect.TypeOf(Value{}) || elem == reflect.TypeOf(&Value{})
	default:
		return false
	}
	if rv.Kind() == reflect.Map {
		iter := rv.MapRange()
		for iter.Next() {
			if valueHasPromise(iter.Value()) {
				return true
			}
		}
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if valueHasPromise(rv.Index(i)) {
			return true
		}
	}
	return false
}

func valueHasPromise(rv reflect.Value) bool {
	for rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return containsPromise(rv)
	case reflect.Struct, reflect.Ptr:
		t := rv.Type()
		return t == promiseType || t == reflect.PtrTo(promiseType) ||
			t == reflect.TypeOf(Value{}) || t == reflect.TypeOf(&Value{})
	}
	return false
}

// Promises returns the sorted job ids referenced anywhere inside v.
func (v Value) Promises() []string {
	var out []string
	v.walk(func(jobID string) { out = append(out, jobID) })
	return SortedSet(out)
}

func (v Value) walk(fn func(jobID string)) {
	switch v.Kind {
	case KindPromise:
		fn(v.JobID)
	case KindList:
		for _, e := range v.List {
			e.walk(fn)
		}
	case KindMap:
		for _, e := range v.Map {
			e.walk(fn)
		}
	}
}

// Resolve returns v with every promise replaced by the value resolve returns
// for it. Resolved values are resolved again, so chains of promises collapse.
func (v Value) Resolve(resolve func(jobID string) (Value, error)) (Value, error) {
	return v.resolve(resolve, 0)
}

func (v Value) resolve(resolve func(jobID string) (Value, error), depth int) (Value, error) {
	if depth > maxResolveDepth {
		return Value{}, errors.ErrCompmakeBug.GenWithStackByArgs("promise chain is too deep")
	}
	switch v.Kind {
	case KindPromise:
		r, err := resolve(v.JobID)
		if err != nil {
			return Value{}, err
		}
		return r.resolve(resolve, depth+1)
	case KindList:
		list := make([]Value, len(v.List))
		for i, e := range v.List {
			r, err := e.resolve(resolve, depth)
			if err != nil {
				return Value{}, err
			}
			list[i] = r
		}
		return Value{Kind: KindList, List: list}, nil
	case KindMap:
		m := make(map[string]Value, len(v.Map))
		for k, e := range v.Map {
			r, err := e.resolve(resolve, depth)
			if err != nil {
				return Value{}, err
			}
			m[k] = r
		}
		return Value{Kind: KindMap, Map: m}, nil
	}
	return v, nil
}

// Interface converts v back to plain Go values. Unresolved promises are
// returned as Promise.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindPromise:
		return Promise{JobID: v.JobID}
	case KindList:
		out := make([]interface{}, len(v.List))
		for i, e := range v.List {
			out[i] = e.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.Map))
		for k, e := range v.Map {
			out[k] = e.Interface()
		}
		return out
	}
	return v.Literal
}

// String implements fmt.Stringer
func (v Value) String() string {
	switch v.Kind {
	case KindPromise:
		return Promise{JobID: v.JobID}.String()
	case KindList:
		s := "["
		for i, e := range v.List {
			if i > 0 {
				s += ", "
			}
			s += e.String()
		}
		return s + "]"
	case KindMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		s := "{"
		for i, k := range keys {
			if i > 0 {
				s += ", "
			}
			s += k + ": " + v.Map[k].String()
		}
		return s + "}"
	}
	return fmt.Sprintf("%v", v.Literal)
}

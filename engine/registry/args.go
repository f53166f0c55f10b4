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
	"fmt"
	"math"
	"sort"

	"github.com/pingcap/compmake/engine/model"
	"github.com/pingcap/compmake/pkg/errors"
)

// Args are the resolved arguments of a job: every promise has been replaced
// by the result of the job it refers to.
type Args struct {
	positional []model.Value
	keyword    map[string]model.Value
}

// NewArgs wraps resolved values.
func NewArgs(positional []model.Value, keyword map[string]model.Value) *Args {
	return &Args{positional: positional, keyword: keyword}
}

// Len returns the number of positional arguments.
func (a *Args) Len() int {
	return len(a.positional)
}

// Get returns positional argument i as a plain Go value.
func (a *Args) Get(i int) (any, error) {
	if i < 0 || i >= len(a.positional) {
		return nil, errors.ErrInvalidArgument.GenWithStackByArgs(
			fmt.Sprintf("argument %d out of range, the job has %d", i, len(a.positional)))
	}
	return a.positional[i].Interface(), nil
}

// All returns the positional arguments as plain Go values.
func (a *Args) All() []any {
	out := make([]any, len(a.positional))
	for i, v := range a.positional {
		out[i] = v.Interface()
	}
	return out
}

// Int returns positional argument i as an integer.
func (a *Args) Int(i int) (int64, error) {
	v, err := a.Get(i)
	if err != nil {
		return 0, err
	}
	return ToInt64(v)
}

// Float returns positional argument i as a float.
func (a *Args) Float(i int) (float64, error) {
	v, err := a.Get(i)
	if err != nil {
		return 0, err
	}
	return ToFloat64(v)
}

// String returns positional argument i as a string.
func (a *Args) String(i int) (string, error) {
	v, err := a.Get(i)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.ErrInvalidArgument.GenWithStackByArgs(fmt.Sprintf("argument %d is %T, not a string", i, v))
	}
	return s, nil
}

// Bool returns positional argument i as a bool.
func (a *Args) Bool(i int) (bool, error) {
	v, err := a.Get(i)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.ErrInvalidArgument.GenWithStackByArgs(fmt.Sprintf("argument %d is %T, not a bool", i, v))
	}
	return b, nil
}

// Decode converts positional argument i into the value pointed to by ptr,
// e.g. a slice or a struct that was stored as a generic map.
func (a *Args) Decode(i int, ptr any) error {
	v, err := a.Get(i)
	if err != nil {
		return err
	}
	return errors.WrapError(errors.ErrInvalidArgument, model.Convert(v, ptr), fmt.Sprintf("decode argument %d", i))
}

// Kw returns a keyword argument as a plain Go value.
func (a *Args) Kw(name string) (any, bool) {
	v, ok := a.keyword[name]
	if !ok {
		return nil, false
	}
	return v.Interface(), true
}

// KwNames returns the sorted keyword names.
func (a *Args) KwNames() []string {
	names := make([]string, 0, len(a.keyword))
	for k := range a.keyword {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// KwInt returns a keyword argument as an integer.
func (a *Args) KwInt(name string) (int64, error) {
	v, ok := a.Kw(name)
	if !ok {
		return 0, errors.ErrInvalidArgument.GenWithStackByArgs("missing keyword argument " + name)
	}
	return ToInt64(v)
}

// KwString returns a keyword argument as a string.
func (a *Args) KwString(name string) (string, error) {
	v, ok := a.Kw(name)
	if !ok {
		return "", errors.ErrInvalidArgument.GenWithStackByArgs("missing keyword argument " + name)
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.ErrInvalidArgument.GenWithStackByArgs(fmt.Sprintf("keyword argument %s is %T, not a string", name, v))
	}
	return s, nil
}

// DecodeKw is Decode for a keyword argument.
func (a *Args) DecodeKw(name string, ptr any) error {
	v, ok := a.Kw(name)
	if !ok {
		return errors.ErrInvalidArgument.GenWithStackByArgs("missing keyword argument " + name)
	}
	return errors.WrapError(errors.ErrInvalidArgument, model.Convert(v, ptr), "decode keyword argument "+name)
}

// ToInt64 converts any Go number without loss to int64.
func ToInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			break
		}
		return int64(x), nil
	case float32:
		if float32(int64(x)) == x {
			return int64(x), nil
		}
	case float64:
		if float64(int64(x)) == x {
			return int64(x), nil
		}
	}
	return 0, errors.ErrInvalidArgument.GenWithStackByArgs(fmt.Sprintf("%v (%T) is not an integer", v, v))
}

// ToFloat64 converts any Go number to float64.
func ToFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	}
	i, err := ToInt64(v)
	if err != nil {
		return 0, errors.ErrInvalidArgument.GenWithStackByArgs(fmt.Sprintf("%v (%T) is not a number", v, v))
	}
	return float64(i), nil
}

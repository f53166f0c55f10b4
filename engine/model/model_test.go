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
	"testing"
	"time"

	"github.com/pingcap/compmake/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCacheTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to CacheState
		ok       bool
	}{
		{NotStarted, InProgress, true},
		{InProgress, Done, true},
		{InProgress, Failed, true},
		{Failed, InProgress, true},
		{Done, MoreRequested, true},
		{MoreRequested, InProgress, true},
		{InProgress, Blocked, true},
		{NotStarted, Blocked, true},
		{Done, NotStarted, true},
		{NotStarted, Done, false},
		{Failed, Done, false},
		{Blocked, Done, false},
		{NotStarted, Failed, false},
		{Done, Failed, false},
		{InProgress, MoreRequested, false},
		{MoreRequested, MoreRequested, false},
	}
	for _, tc := range cases {
		c := &Cache{State: tc.from}
		err := c.Transition(tc.to)
		if tc.ok {
			require.NoError(t, err, "%s -> %s", tc.from, tc.to)
			require.Equal(t, tc.to, c.State)
		} else {
			require.True(t, errors.Is(err, errors.ErrInvalidStateTransition), "%s -> %s", tc.from, tc.to)
			require.Equal(t, tc.from, c.State)
		}
	}
}

func TestCacheStateNames(t *testing.T) {
	t.Parallel()

	for _, s := range AllCacheStates {
		parsed, ok := ParseCacheState(s.String())
		require.True(t, ok)
		require.Equal(t, s, parsed)
	}
	_, ok := ParseCacheState("bogus")
	require.False(t, ok)
	require.Equal(t, "unknown", CacheState(42).String())
	require.True(t, Done.HasResult())
	require.True(t, MoreRequested.HasResult())
	require.False(t, Failed.HasResult())
}

func TestValueOfAndPromises(t *testing.T) {
	t.Parallel()

	a, b := Promise{JobID: "a"}, Promise{JobID: "b"}
	cases := []struct {
		in       interface{}
		kind     ValueKind
		promises []string
	}{
		{42, KindLiteral, nil},
		{"x", KindLiteral, nil},
		{nil, KindLiteral, nil},
		{[]int{1, 2}, KindLiteral, nil},
		{map[string]int{"x": 1}, KindLiteral, nil},
		{a, KindPromise, []string{"a"}},
		{&b, KindPromise, []string{"b"}},
		{[]Promise{b, a}, KindList, []string{"a", "b"}},
		{[]interface{}{1, a, "s"}, KindList, []string{"a"}},
		{map[string]interface{}{"k": []interface{}{b}, "j": 3}, KindMap, []string{"b"}},
		{[]interface{}{a, a}, KindList, []string{"a"}},
	}
	for _, tc := range cases {
		v, err := ValueOf(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.kind, v.Kind, "%v", tc.in)
		require.Equal(t, tc.promises, v.Promises(), "%v", tc.in)
	}

	_, err := ValueOf(func() {})
	require.True(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestValueResolve(t *testing.T) {
	t.Parallel()

	results := map[string]Value{
		"a": LiteralValue(int64(1)),
		"b": PromiseValue("a"),
	}
	lookup := func(id string) (Value, error) {
		v, ok := results[id]
		if !ok {
			return Value{}, errors.ErrJobNotFound.GenWithStackByArgs(id)
		}
		return v, nil
	}

	v, err := ValueOf(map[string]interface{}{
		"direct":  Promise{JobID: "a"},
		"chained": []interface{}{Promise{JobID: "b"}, 2},
	})
	require.NoError(t, err)
	r, err := v.Resolve(lookup)
	require.NoError(t, err)
	require.Empty(t, r.Promises())
	require.Equal(t, map[string]interface{}{
		"direct":  int64(1),
		"chained": []interface{}{int64(1), 2},
	}, r.Interface())

	_, err = PromiseValue("missing").Resolve(lookup)
	require.True(t, errors.Is(err, errors.ErrJobNotFound))

	results["loop"] = PromiseValue("loop")
	_, err = PromiseValue("loop").Resolve(lookup)
	require.True(t, errors.Is(err, errors.ErrCompmakeBug))
}

func TestJobEdgesAndDefinition(t *testing.T) {
	t.Parallel()

	args := []Value{PromiseValue("c2"), LiteralValue(int64(3))}
	kwargs := map[string]Value{"x": PromiseValue("c1")}
	j := NewJob("p", "cmd", args, kwargs, []string{Root})
	require.Equal(t, []string{"c1", "c2"}, j.Children)
	require.Equal(t, Root, j.Definer())
	j.AddParent("z")
	j.AddParent("y")
	j.AddParent("z")
	require.Equal(t, []string{"y", "z"}, j.Parents)
	j.RemoveParent("y")
	j.RemoveParent("absent")
	require.Equal(t, []string{"z"}, j.Parents)

	same := NewJob("p", "cmd", []Value{PromiseValue("c2"), LiteralValue(int64(3))},
		map[string]Value{"x": PromiseValue("c1")}, []string{Root, "d"})
	require.True(t, j.SameDefinition(same))
	other := NewJob("p", "cmd", []Value{PromiseValue("c2"), LiteralValue(int64(4))}, kwargs, nil)
	require.False(t, j.SameDefinition(other))
	require.False(t, j.SameDefinition(NewJob("p", "cmd2", args, kwargs, nil)))

	j.SetDefined([]string{"b", "a", "b"})
	require.Equal(t, []string{"a", "b"}, j.Defined())
	c := j.Clone()
	c.DynamicChildren["p"][0] = "changed"
	c.AddChild("c3")
	require.Equal(t, []string{"a", "b"}, j.Defined())
	require.Equal(t, []string{"c1", "c2"}, j.Children)
}

func TestSetHelpers(t *testing.T) {
	t.Parallel()

	require.Nil(t, SortedSet(nil))
	require.Equal(t, []string{"a", "b", "c"}, SortedSet([]string{"c", "a", "b", "a"}))
	require.True(t, ContainsSorted([]string{"a", "c"}, "c"))
	require.False(t, ContainsSorted([]string{"a", "c"}, "b"))
	require.Equal(t, []string{"a"}, Difference([]string{"a", "b"}, []string{"b", "c"}))
}

func TestKeys(t *testing.T) {
	t.Parallel()

	k := Key("ns", KindCache, "job:1")
	require.Equal(t, "ns:cache:job:1", k)
	id, ok := JobIDFromKey("ns", KindCache, k)
	require.True(t, ok)
	require.Equal(t, "job:1", id)
	_, ok = JobIDFromKey("ns", KindJob, k)
	require.False(t, ok)
	require.Equal(t, "ns:job:*", KeyPattern("ns", KindJob))

	for _, id := range []string{"f-1", "a.b_c", "x=1", "u@h", "n:s"} {
		require.NoError(t, ValidateJobID(id), id)
	}
	for _, id := range []string{"", "has space", "star*", "q?", "root", "all", "except", "a/b"} {
		require.True(t, errors.Is(ValidateJobID(id), errors.ErrInvalidJobID), id)
	}
}

func TestCodec(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	c := &Cache{
		State:     Done,
		Timestamp: now,
		WallTime:  time.Second,
		Exception: "none",
	}
	data, err := Marshal(c)
	require.NoError(t, err)
	var decoded Cache
	require.NoError(t, Unmarshal(data, &decoded))
	require.Equal(t, Done, decoded.State)
	require.True(t, now.Equal(decoded.Timestamp))
	require.Equal(t, time.Second, decoded.WallTime)

	v, err := ValueOf(map[string]interface{}{"n": 3, "p": []interface{}{Promise{JobID: "a"}}})
	require.NoError(t, err)
	data, err = Marshal(v)
	require.NoError(t, err)
	var dv Value
	require.NoError(t, Unmarshal(data, &dv))
	require.Equal(t, KindMap, dv.Kind)
	require.Equal(t, []string{"a"}, dv.Promises())
	require.Equal(t, int64(3), dv.Map["n"].Literal)

	type point struct {
		X int `msgpack:"x"`
		Y int `msgpack:"y"`
	}
	var p point
	require.NoError(t, Convert(map[string]interface{}{"x": 1, "y": 2}, &p))
	require.Equal(t, point{1, 2}, p)
}

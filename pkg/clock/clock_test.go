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

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMockClock(t *testing.T) {
	t.Parallel()

	m := NewMock()
	require.False(t, m.Now().IsZero())
	start := m.Mono()
	before := m.Now()
	after := m.Advance(time.Minute)
	require.Equal(t, time.Minute, after.Sub(before))
	require.Equal(t, time.Minute, m.Mono().Sub(start))
}

func TestRealClockMono(t *testing.T) {
	t.Parallel()

	c := New()
	a := c.Mono()
	time.Sleep(time.Millisecond)
	require.Greater(t, c.Mono().Sub(a), time.Duration(0))
	require.GreaterOrEqual(t, MonoNow().Sub(a), time.Duration(0))
}

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
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/gavv/monotime"
)

// MonotonicTime is a reading of a monotonic clock, used for durations.
type MonotonicTime time.Duration

// Sub returns the duration m-other.
func (m MonotonicTime) Sub(other MonotonicTime) time.Duration {
	return time.Duration(m - other)
}

// MonoNow reads the real monotonic clock.
func MonoNow() MonotonicTime {
	return MonotonicTime(monotime.Now())
}

// Clock is the time source of the engine. Cache timestamps are taken from
// Now, wall time measurements from Mono.
type Clock interface {
	Now() time.Time
	Mono() MonotonicTime
}

type realClock struct {
	wall bclock.Clock
}

func (c realClock) Now() time.Time { return c.wall.Now() }

func (c realClock) Mono() MonotonicTime { return MonoNow() }

// New returns the real clock.
func New() Clock {
	return realClock{wall: bclock.New()}
}

// Mock is a manually advanced clock for tests. Its monotonic reading is
// the wall time elapsed since the unix epoch.
type Mock struct {
	m *bclock.Mock
}

// NewMock returns a mock clock set one second after the unix epoch, so that
// every timestamp it produces differs from the zero time.
func NewMock() *Mock {
	m := &Mock{m: bclock.NewMock()}
	m.m.Add(time.Second)
	return m
}

// Now implements Clock.
func (c *Mock) Now() time.Time { return c.m.Now() }

// Mono implements Clock.
func (c *Mock) Mono() MonotonicTime {
	return MonotonicTime(c.m.Now().Sub(time.Unix(0, 0)))
}

// Advance moves the mock clock forward by d and returns the new time.
func (c *Mock) Advance(d time.Duration) time.Time {
	c.m.Add(d)
	return c.m.Now()
}

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

package containers

import (
	"sync"

	"github.com/edwingeng/deque"
)

// Queue is an unbounded FIFO queue that signals on C whenever an element is
// pushed.
type Queue[T any] struct {
	// mu protects deque, because it is not thread-safe.
	mu    sync.RWMutex
	deque deque.Deque

	// C has a buffer of one, so a pending signal is never lost and pushes
	// never block.
	C chan struct{}
}

// NewQueue creates a new Queue instance
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		deque: deque.NewDeque(),
		C:     make(chan struct{}, 1),
	}
}

// Push appends elem at the back.
func (q *Queue[T]) Push(elem T) {
	q.mu.Lock()
	q.deque.PushBack(elem)
	q.mu.Unlock()

	select {
	case q.C <- struct{}{}:
	default:
	}
}

// Pop removes the front element.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deque.Empty() {
		var noVal T
		return noVal, false
	}

	return q.deque.PopFront().(T), true
}

// Size returns the number of queued elements.
func (q *Queue[T]) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.deque.Len()
}

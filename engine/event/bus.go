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

package event

import (
	"context"
	"sync"

	"github.com/pingcap/compmake/pkg/containers"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

type receiverID = int64

// Bus broadcasts a stream of events to a number of receivers. Publish never
// blocks: events are queued and delivered by a background goroutine.
type Bus struct {
	receivers sync.Map // receiverID -> *Receiver
	nextID    atomic.Int64

	// queue is unbounded.
	queue *containers.Queue[Event]

	closed        atomic.Bool
	closeCh       chan struct{}
	synchronizeCh chan struct{}

	wg sync.WaitGroup
}

// Receiver is the receiving endpoint of one subscriber.
type Receiver struct {
	// C is a channel to read the events from.
	C chan Event

	id receiverID

	closeOnce sync.Once

	// closed MUST be closed before closing `C`.
	closed chan struct{}

	bus *Bus
}

// Close closes the receiver
func (r *Receiver) Close() {
	r.closeOnce.Do(
		func() {
			close(r.closed)
			// Waits for the synchronization barrier, which means that run()
			// has finished the last iteration and will not write to `C`.
			<-r.bus.synchronizeCh
			close(r.C)
			r.bus.receivers.Delete(r.id)
		})
}

// NewBus creates a Bus and starts its delivery goroutine.
func NewBus() *Bus {
	ret := &Bus{
		queue:         containers.NewQueue[Event](),
		closeCh:       make(chan struct{}),
		synchronizeCh: make(chan struct{}),
	}

	ret.wg.Add(1)
	go func() {
		defer ret.wg.Done()
		ret.run()
	}()
	return ret
}

// Subscribe creates a new Receiver.
func (b *Bus) Subscribe() *Receiver {
	receiver := &Receiver{
		id:     b.nextID.Add(1),
		C:      make(chan Event, 64),
		closed: make(chan struct{}),
		bus:    b,
	}
	b.receivers.Store(receiver.id, receiver)
	return receiver
}

// SubscribeFunc calls fn for every event until the returned cancel function
// is called. fn runs on a dedicated goroutine.
func (b *Bus) SubscribeFunc(fn func(Event)) (cancel func()) {
	r := b.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range r.C {
			fn(ev)
		}
	}()
	return func() {
		r.Close()
		<-done
	}
}

// Publish queues an event. Events published after Close are dropped.
func (b *Bus) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	b.queue.Push(ev)
}

// Close stops delivery and closes every receiver.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		// Ensures idempotency of closing once.
		return
	}

	close(b.closeCh)
	b.wg.Wait()

	b.receivers.Range(func(_, value any) bool {
		receiver := value.(*Receiver)
		receiver.Close()
		return true
	})
}

// Flush waits until all queued events were handed to the receivers.
// Note that for Flush to work as expected, a quiescent period is required,
// i.e. you should not publish more events until Flush returns.
func (b *Bus) Flush(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-b.closeCh:
			return nil
		case <-b.synchronizeCh:
			// Checks the queue size after each iteration of run().
		}

		if b.queue.Size() == 0 {
			return nil
		}
	}
}

func (b *Bus) run() {
	defer func() {
		close(b.synchronizeCh)
	}()

	for {
		select {
		case <-b.closeCh:
			return
		case b.synchronizeCh <- struct{}{}:
			// no-op here. Just a synchronization barrier.
		case <-b.queue.C:
		Inner:
			for {
				ev, ok := b.queue.Pop()
				if !ok {
					break Inner
				}

				// Congestion in one receiver delays all others.
				b.receivers.Range(func(_, value any) bool {
					receiver := value.(*Receiver)

					select {
					case <-b.closeCh:
						return false
					case <-receiver.closed:
						// Receiver has been closed.
					case receiver.C <- ev:
						// send the event to the receiver.
					}
					return true
				})

				select {
				case <-b.closeCh:
					return
				default:
				}
			}
		}
	}
}

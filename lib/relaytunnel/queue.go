/*
Copyright 2026 Mydia Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package relaytunnel

import (
	"sync"

	"github.com/dwongdev/mydia-relay/api/types"
)

// frameQueue is an unbounded FIFO of outbound frames for one
// connection's writer goroutine. Go channels are bounded, so this is a
// condition-variable-guarded slice instead: a forward_request or cancel
// enqueued while the writer is busy must never block the caller (the
// relayapi goroutine handling a client's forward call) or get dropped.
type frameQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []types.Frame
	closed bool
}

func newFrameQueue() *frameQueue {
	q := &frameQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues f. A no-op once the queue is closed.
func (q *frameQueue) Push(f types.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, f)
	q.cond.Signal()
}

// Pop blocks until a frame is available or the queue is closed, in which
// case ok is false.
func (q *frameQueue) Pop() (f types.Frame, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return types.Frame{}, false
	}
	f, q.items = q.items[0], q.items[1:]
	return f, true
}

// Close wakes any blocked Pop with ok=false. Idempotent.
func (q *frameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

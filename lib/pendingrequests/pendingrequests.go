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

// Package pendingrequests implements the request_id -> waiter map: a
// client's forwarded request registers a waiter before the request is
// written to the instance's channel, and the instance's eventual
// response (or a disconnect, or a timeout) resolves it exactly once.
package pendingrequests

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Result is what Wait returns: either a response payload, or a terminal
// failure reason (timeout, or tunnel_disconnected via the error passed
// to FailAll).
type Result struct {
	Response []byte
	Err      error
}

// entry is one ephemeral waiter row.
type entry struct {
	instanceID   string
	registeredAt time.Time
	ch           chan Result
	resolved     bool

	// streamBuf and nextChunkSeq accumulate a streamed response ahead of
	// stream_end: chunks and the final stream_end deliver to the same
	// waiter a plain response would.
	streamBuf    []byte
	nextChunkSeq uint64
}

// Table is the concurrent request_id -> waiter map. Safe for concurrent
// use; construct with New.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	clock   clockwork.Clock
}

// New constructs an empty Table.
func New(clock clockwork.Clock) *Table {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Table{entries: make(map[string]*entry), clock: clock}
}

// Register reserves a waiter slot for requestID on instanceID. Callers
// must call Register (and only then write the corresponding
// forward_request frame to the instance) before calling Wait, so a
// response that races ahead of the caller parking on Wait is never
// lost.
func (t *Table) Register(instanceID, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[requestID] = &entry{
		instanceID:   instanceID,
		registeredAt: t.clock.Now(),
		ch:           make(chan Result, 1),
	}
}

// Wait blocks until Resolve/FailAll delivers a result for requestID, ctx
// is cancelled, or timeout elapses since this call — whichever is first.
// The entry is always removed before Wait returns. requestID must have
// been Register'd first; if it wasn't (or was already resolved and
// deleted), Wait returns immediately with ErrNotRegistered instead of
// blocking forever.
func (t *Table) Wait(ctx context.Context, requestID string, timeout time.Duration) Result {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	t.mu.Unlock()
	if !ok {
		return Result{Err: errNotRegistered}
	}
	defer t.Delete(requestID)

	timer := t.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-e.ch:
		return res
	case <-timer.Chan():
		return Result{Err: errTimeout}
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// Resolve delivers response to the waiter registered for requestID. Only
// the first call for a given request_id has any effect; duplicate
// responses (the instance retransmitting, or a stale stream_end racing a
// response) are dropped silently. Returns false if no waiter was
// registered (already resolved, already deleted, or never existed).
func (t *Table) Resolve(requestID string, response []byte) bool {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	if !ok || e.resolved {
		t.mu.Unlock()
		return false
	}
	e.resolved = true
	t.mu.Unlock()

	e.ch <- Result{Response: response}
	return true
}

// AppendChunk accumulates one streamed chunk's payload for requestID,
// ahead of the stream_end that will eventually call ResolveStream. Chunks
// must arrive with seq strictly increasing from zero, matching the
// in-order frame delivery guaranteed within one instance connection;
// an out-of-order or duplicate seq on a still-live waiter returns false
// so the caller can treat it as the protocol error it is. A chunk for a
// request_id with no live waiter (already resolved, timed out, or never
// registered) is a stale or stray frame and is dropped silently, same as
// a duplicate Resolve.
func (t *Table) AppendChunk(requestID string, seq uint64, data []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[requestID]
	if !ok || e.resolved {
		return true
	}
	if seq != e.nextChunkSeq {
		return false
	}
	e.streamBuf = append(e.streamBuf, data...)
	e.nextChunkSeq++
	return true
}

// ResolveStream finalizes a streamed response on a stream_end frame,
// delivering whatever AppendChunk accumulated to the waiter registered
// for requestID. Same single-delivery semantics as Resolve: only the
// first call has any effect, and a request_id with no live waiter is
// dropped silently.
func (t *Table) ResolveStream(requestID string) bool {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	if !ok || e.resolved {
		t.mu.Unlock()
		return false
	}
	e.resolved = true
	buf := e.streamBuf
	t.mu.Unlock()

	e.ch <- Result{Response: buf}
	return true
}

// ResolveError delivers err to the waiter registered for requestID, for
// an instance-reported application-level failure carried in a response
// frame's error field (distinct from a relay-level FailAll reason like
// tunnel_disconnected). Same single-delivery semantics as Resolve.
func (t *Table) ResolveError(requestID string, err error) bool {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	if !ok || e.resolved {
		t.mu.Unlock()
		return false
	}
	e.resolved = true
	t.mu.Unlock()

	e.ch <- Result{Err: err}
	return true
}

// FailAll resolves every still-pending waiter registered for instanceID
// with reason, synchronously, then returns the count affected. It must
// be invoked, and must complete, before the registry unregister for the
// same disconnect.
func (t *Table) FailAll(instanceID string, reason error) int {
	t.mu.Lock()
	var matched []*entry
	for _, e := range t.entries {
		if e.instanceID == instanceID && !e.resolved {
			e.resolved = true
			matched = append(matched, e)
		}
	}
	t.mu.Unlock()

	for _, e := range matched {
		e.ch <- Result{Err: reason}
	}
	return len(matched)
}

// Delete removes requestID's entry without resolving it, used by Wait's
// own cleanup and by callers that abandoned a wait early (e.g. the HTTP
// client disconnected before the ceiling).
func (t *Table) Delete(requestID string) {
	t.mu.Lock()
	delete(t.entries, requestID)
	t.mu.Unlock()
}

// Count returns the number of currently pending requests, for metrics.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

var (
	errTimeout       = &sentinelError{"timeout"}
	errNotRegistered = &sentinelError{"not_registered"}
)

type sentinelError struct{ msg string }

func (e *sentinelError) Error() string { return e.msg }

// ErrTimeout is returned in Result.Err when the ceiling elapses with no
// response.
var ErrTimeout error = errTimeout

// ErrNotRegistered is returned in Result.Err when Wait is called for a
// request_id that was never Register'd, or whose entry already resolved
// and was cleaned up by a previous Wait call.
var ErrNotRegistered error = errNotRegistered

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

// Package connregistry implements the in-memory instance_id ->
// connection handler mapping: a concurrent map keyed by instance_id
// whose value carries a cancellation handle, with re-registration
// displacing (never merging with) whatever was there before.
package connregistry

import (
	"sync"
	"time"
)

// Handler is anything a connection registration can hand back to a
// caller that needs to act on the live connection (cancel it, enqueue an
// outbound frame). RelayProtocol implements this for real connections;
// tests substitute a fake.
type Handler interface {
	// Close tears down the underlying connection. Idempotent.
	Close() error
}

// Entry is one registry row. Entries are ephemeral; nothing here
// survives a process restart.
type Entry struct {
	InstanceID   string
	Handler      Handler
	Metadata     map[string]string
	RegisteredAt time.Time
}

// Registry is the concurrent instance_id -> Entry map. Zero value is not
// usable; construct with New.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry), now: time.Now}
}

// Register installs handler as the live connection for instanceID. If a
// previous entry existed it is displaced (not merged) and returned so the
// caller can fail its pending requests and close its socket.
func (r *Registry) Register(instanceID string, handler Handler, metadata map[string]string) (previous *Entry) {
	entry := Entry{InstanceID: instanceID, Handler: handler, Metadata: metadata, RegisteredAt: r.now()}

	r.mu.Lock()
	if old, ok := r.entries[instanceID]; ok {
		previous = &old
	}
	r.entries[instanceID] = entry
	r.mu.Unlock()

	return previous
}

// Lookup returns the live entry for instanceID, if any. A miss is a
// normal, frequently occurring result — never an error.
func (r *Registry) Lookup(instanceID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[instanceID]
	return entry, ok
}

// Online reports whether instanceID currently has a live registration.
func (r *Registry) Online(instanceID string) bool {
	_, ok := r.Lookup(instanceID)
	return ok
}

// Unregister removes instanceID's entry only if it still matches handler
// (so a connection that already lost the race to a newer registration
// can't accidentally evict the new one on its own teardown). Returns true
// if an entry was removed.
func (r *Registry) Unregister(instanceID string, handler Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[instanceID]
	if !ok || entry.Handler != handler {
		return false
	}
	delete(r.entries, instanceID)
	return true
}

// Count returns the number of live registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns a snapshot of all live entries.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

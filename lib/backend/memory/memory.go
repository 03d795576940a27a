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

// Package memory is an in-process backend.Backend, used by tests and by
// single-node deployments that don't want an external database: a
// mutex-guarded map plus an injected clockwork.Clock so expiry is
// deterministically testable.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/dwongdev/mydia-relay/lib/backend"
)

// Config configures a Backend.
type Config struct {
	Clock clockwork.Clock
}

// Backend is an in-memory backend.Backend implementation.
type Backend struct {
	mu    sync.RWMutex
	items map[string]backend.Item
	clock clockwork.Clock
}

// New constructs a Backend.
func New(cfg Config) *Backend {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Backend{items: make(map[string]backend.Item), clock: clock}
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) expired(item backend.Item) bool {
	return !item.Expires.IsZero() && !b.clock.Now().Before(item.Expires)
}

func (b *Backend) Create(_ context.Context, item backend.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := string(item.Key)
	if existing, ok := b.items[key]; ok && !b.expired(existing) {
		return backend.AlreadyExists("key %q already exists", key)
	}
	b.items[key] = item
	return nil
}

func (b *Backend) Put(_ context.Context, item backend.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[string(item.Key)] = item
	return nil
}

func (b *Backend) Get(_ context.Context, key []byte) (*backend.Item, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	item, ok := b.items[string(key)]
	if !ok || b.expired(item) {
		return nil, backend.NotFound("key %q not found", key)
	}
	out := item
	return &out, nil
}

func (b *Backend) CompareAndSwap(_ context.Context, expected, replaceWith backend.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := string(expected.Key)
	existing, ok := b.items[key]
	if !ok || b.expired(existing) || !bytes.Equal(existing.Value, expected.Value) {
		return backend.CompareFailed("value at %q does not match expected", key)
	}
	b.items[key] = replaceWith
	return nil
}

func (b *Backend) Delete(_ context.Context, key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, string(key))
	return nil
}

func (b *Backend) GetRange(_ context.Context, startKey, endKey []byte, limit int) ([]backend.Item, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []backend.Item
	for k, item := range b.items {
		if b.expired(item) {
			continue
		}
		key := []byte(k)
		if bytes.Compare(key, startKey) >= 0 && (len(endKey) == 0 || bytes.Compare(key, endKey) < 0) {
			matched = append(matched, item)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return bytes.Compare(matched[i].Key, matched[j].Key) < 0 })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (b *Backend) Close() error { return nil }

// Len reports the number of live (non-expired) items, for tests.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, item := range b.items {
		if !b.expired(item) {
			n++
		}
	}
	return n
}

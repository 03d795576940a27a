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

// Package backend defines the minimal persistent key/value contract that
// claimstore and instancestore are built on (Put/Get/CompareAndSwap over
// byte keys, with per-item expiry) so higher-level stores don't couple
// to a specific engine. lib/backend/memory, lib/backend/pgbk, and
// lib/backend/sqlitebk each implement Backend.
package backend

import (
	"context"
	"time"

	"github.com/gravitational/trace"
)

// Item is one key/value record. Expires is the zero Time for records
// that never expire on their own (claim/instance rows manage their own
// TTL semantics at the store layer; Expires here is a backend-level
// belt-and-suspenders GC hint, not the source of truth for
// "redeemable"/"online").
type Item struct {
	Key     []byte
	Value   []byte
	Expires time.Time
}

// Backend is the persistence contract. All methods are safe for
// concurrent use. NotFound/AlreadyExists/CompareFailed are reported via
// gravitational/trace predicates (trace.IsNotFound, etc.) so callers
// never need an engine-specific error check.
type Backend interface {
	// Create inserts item, failing with trace.AlreadyExists if the key
	// is taken.
	Create(ctx context.Context, item Item) error
	// Put unconditionally writes item, overwriting any existing value.
	Put(ctx context.Context, item Item) error
	// Get fetches the item at key, failing with trace.NotFound if absent
	// or expired.
	Get(ctx context.Context, key []byte) (*Item, error)
	// CompareAndSwap atomically replaces expected with replaceWith,
	// failing with trace.CompareFailed if the stored value doesn't
	// byte-equal expected.Value (or the key is absent). This is the
	// primitive ClaimStore.consume and InstanceStore.register's
	// idempotent-register path are built on.
	CompareAndSwap(ctx context.Context, expected, replaceWith Item) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key []byte) error
	// GetRange returns up to limit items with Key in [startKey, endKey),
	// ordered by key, for prefix scans (e.g. the cleanup sweep).
	GetRange(ctx context.Context, startKey, endKey []byte, limit int) ([]Item, error)
	// Close releases any underlying connections.
	Close() error
}

// RangeEnd computes the exclusive end key for a prefix scan over
// everything starting with prefix, by incrementing its last byte (with
// carry). A prefix of all 0xFF bytes has no successor and maps to nil,
// which every GetRange implementation treats as "no upper bound".
func RangeEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// NotFound is a convenience constructor matching trace.IsNotFound.
func NotFound(format string, args ...any) error { return trace.NotFound(format, args...) }

// AlreadyExists is a convenience constructor matching trace.IsAlreadyExists.
func AlreadyExists(format string, args ...any) error { return trace.AlreadyExists(format, args...) }

// CompareFailed is a convenience constructor matching trace.IsCompareFailed.
func CompareFailed(format string, args ...any) error { return trace.CompareFailed(format, args...) }

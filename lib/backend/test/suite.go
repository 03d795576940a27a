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

// Package test provides a compliance suite every backend.Backend
// implementation runs against, so the memory, sqlite, and postgres
// engines all honor the same Create/Get/CompareAndSwap/GetRange
// semantics that claimstore and instancestore depend on. Expiry
// behaviour is deliberately not part of the suite: the engines disagree
// on how time is injected (memory takes a clockwork.Clock, postgres uses
// the database's now(), sqlite compares against Go's time.Now()), so each
// engine tests it on its own terms.
package test

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/dwongdev/mydia-relay/lib/backend"
)

// Constructor builds a fresh, empty backend for one subtest.
type Constructor func(t *testing.T) backend.Backend

// RunComplianceSuite exercises the backend.Backend contract against the
// implementation produced by newBackend.
func RunComplianceSuite(t *testing.T, newBackend Constructor) {
	t.Run("CreateRejectsDuplicate", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		require.NoError(t, b.Create(ctx, backend.Item{Key: []byte("k"), Value: []byte("v1")}))
		err := b.Create(ctx, backend.Item{Key: []byte("k"), Value: []byte("v2")})
		require.True(t, trace.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)

		item, err := b.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v1"), item.Value)
	})

	t.Run("GetMissingIsNotFound", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Get(context.Background(), []byte("ghost"))
		require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		require.NoError(t, b.Put(ctx, backend.Item{Key: []byte("k"), Value: []byte("v1")}))
		require.NoError(t, b.Put(ctx, backend.Item{Key: []byte("k"), Value: []byte("v2")}))

		item, err := b.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), item.Value)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		require.NoError(t, b.Create(ctx, backend.Item{Key: []byte("k"), Value: []byte("v1")}))

		err := b.CompareAndSwap(ctx,
			backend.Item{Key: []byte("k"), Value: []byte("wrong")},
			backend.Item{Key: []byte("k"), Value: []byte("v2")})
		require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)

		require.NoError(t, b.CompareAndSwap(ctx,
			backend.Item{Key: []byte("k"), Value: []byte("v1")},
			backend.Item{Key: []byte("k"), Value: []byte("v2")}))

		// The old expected value is now stale, proving this is the
		// single-writer primitive consume/register serialize on.
		err = b.CompareAndSwap(ctx,
			backend.Item{Key: []byte("k"), Value: []byte("v1")},
			backend.Item{Key: []byte("k"), Value: []byte("v3")})
		require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
	})

	t.Run("CompareAndSwapMissingKeyFails", func(t *testing.T) {
		b := newBackend(t)
		err := b.CompareAndSwap(context.Background(),
			backend.Item{Key: []byte("ghost"), Value: []byte("v")},
			backend.Item{Key: []byte("ghost"), Value: []byte("v2")})
		require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		require.NoError(t, b.Create(ctx, backend.Item{Key: []byte("k"), Value: []byte("v")}))
		require.NoError(t, b.Delete(ctx, []byte("k")))
		require.NoError(t, b.Delete(ctx, []byte("k")))

		_, err := b.Get(ctx, []byte("k"))
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("GetRangePrefixScan", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)

		for _, k := range []string{"a/1", "a/2", "a/3", "b/1"} {
			require.NoError(t, b.Put(ctx, backend.Item{Key: []byte(k), Value: []byte("v")}))
		}

		items, err := b.GetRange(ctx, []byte("a/"), backend.RangeEnd([]byte("a/")), 0)
		require.NoError(t, err)
		require.Len(t, items, 3)
		// Ordered by key, per the Backend contract.
		require.Equal(t, []byte("a/1"), items[0].Key)
		require.Equal(t, []byte("a/3"), items[2].Key)

		limited, err := b.GetRange(ctx, []byte("a/"), backend.RangeEnd([]byte("a/")), 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
	})
}

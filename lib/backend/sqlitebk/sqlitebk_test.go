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

package sqlitebk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dwongdev/mydia-relay/lib/backend"
	backendtest "github.com/dwongdev/mydia-relay/lib/backend/test"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestCompliance(t *testing.T) {
	backendtest.RunComplianceSuite(t, func(t *testing.T) backend.Backend {
		return newTestBackend(t)
	})
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.Put(ctx, backend.Item{
		Key:     []byte("k"),
		Value:   []byte("v"),
		Expires: time.Now().Add(-time.Minute), // already expired
	}))

	_, err := b.Get(ctx, []byte("k"))
	require.Error(t, err)
}

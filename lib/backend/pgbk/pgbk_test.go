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

package pgbk

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dwongdev/mydia-relay/lib/backend"
	backendtest "github.com/dwongdev/mydia-relay/lib/backend/test"
)

// TestCompliance exercises pgbk against a real PostgreSQL instance,
// skipping unless the operator has pointed the test at one via an
// environment variable.
func TestCompliance(t *testing.T) {
	connString := os.Getenv("MYDIA_RELAY_TEST_POSTGRES_URI")
	if connString == "" {
		t.Skip("set MYDIA_RELAY_TEST_POSTGRES_URI to run pgbk integration tests")
	}

	backendtest.RunComplianceSuite(t, func(t *testing.T) backend.Backend {
		ctx := context.Background()
		b, err := New(ctx, Config{ConnString: connString})
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })

		// Each subtest expects a pristine keyspace; the suite reuses
		// fixed keys across engines.
		_, err = b.pool.Exec(ctx, `DELETE FROM relay_kv`)
		require.NoError(t, err)
		return b
	})
}

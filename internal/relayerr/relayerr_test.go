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

package relayerr

import (
	"fmt"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	for _, tt := range []struct {
		name string
		err  error
		want Code
	}{
		{"validation", Validation("bad field %q", "x"), CodeValidation},
		{"not_found", NotFound("claim %s", "c1"), CodeNotFound},
		{"already_consumed", AlreadyConsumed("claim %s", "c1"), CodeAlreadyConsumed},
		{"expired", Expired("claim %s", "c1"), CodeExpired},
		{"unauthorized", Unauthorized("bad token"), CodeUnauthorized},
		{"conflict", Conflict("key mismatch"), CodeConflict},
		{"version_incompatible", VersionIncompatible("no common version"), CodeVersionIncompatible},
		{"tunnel_disconnected", TunnelDisconnected("instance %s", "i1"), CodeTunnelDisconnected},
		{"instance_offline", InstanceOffline("instance %s", "i1"), CodeInstanceOffline},
		{"timeout", Timeout("request %s", "r1"), CodeTimeout},
		{"foreign error", fmt.Errorf("boom"), CodeValidation},
		{"nil", nil, Code("")},
	} {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestErrorSurvivesWrap(t *testing.T) {
	err := trace.Wrap(NotFound("missing"))
	require.True(t, Is(err, CodeNotFound))
	require.Equal(t, "missing", err.Error())
}

func TestExpiredNeverCollapsesToNotFound(t *testing.T) {
	err := Expired("claim expired")
	require.False(t, Is(err, CodeNotFound))
	require.True(t, Is(err, CodeExpired))
}

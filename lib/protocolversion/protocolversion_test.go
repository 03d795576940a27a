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

package protocolversion

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNegotiate(t *testing.T) {
	for _, tt := range []struct {
		name    string
		remote  []string
		want    string
		wantErr bool
	}{
		{"exact match", []string{"1.0"}, "1.0", false},
		{"same major different minor", []string{"1.7"}, "1.0", false},
		{"incompatible major", []string{"2.0"}, "", true},
		{"mixed, one compatible", []string{"2.0", "1.3"}, "1.0", false},
		{"garbage entries ignored", []string{"not-a-version", "1.0"}, "1.0", false},
		{"empty", nil, "", true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Negotiate(tt.remote)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNoCompatibleVersion)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

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

package namespace

import (
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestDeriver(t *testing.T) (*Deriver, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	return New([]byte(strings.Repeat("p", 32)), clock), clock
}

func TestDeriveIsDeterministicWithinEpoch(t *testing.T) {
	d, _ := newTestDeriver(t)
	a := d.Derive("ABCDEF")
	b := d.Derive("ABCDEF")
	require.Equal(t, a, b)
	require.True(t, strings.HasPrefix(a, "mydia-claim:"))
}

func TestDeriveDiffersByCode(t *testing.T) {
	d, _ := newTestDeriver(t)
	require.NotEqual(t, d.Derive("ABCDEF"), d.Derive("ZYXWVU"))
}

func TestValidAcrossEpochBoundary(t *testing.T) {
	d, clock := newTestDeriver(t)
	ns := d.Derive("ABCDEF")
	require.True(t, d.Valid("ABCDEF", ns))

	// advance exactly one epoch: still valid (grace window).
	clock.Advance(time.Hour)
	require.True(t, d.Valid("ABCDEF", ns))

	// advance a second epoch: now outside the grace window.
	clock.Advance(time.Hour)
	require.False(t, d.Valid("ABCDEF", ns))
}

func TestValidRejectsWrongCode(t *testing.T) {
	d, _ := newTestDeriver(t)
	ns := d.Derive("ABCDEF")
	require.False(t, d.Valid("ZYXWVU", ns))
}

func TestDifferentPepperDifferentNamespace(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d1 := New([]byte(strings.Repeat("a", 32)), clock)
	d2 := New([]byte(strings.Repeat("b", 32)), clock)
	require.NotEqual(t, d1.Derive("ABCDEF"), d2.Derive("ABCDEF"))
}

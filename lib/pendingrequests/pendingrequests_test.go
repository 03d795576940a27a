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

package pendingrequests

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestResolveDeliversResponse(t *testing.T) {
	table := New(clockwork.NewFakeClock())
	table.Register("i-1", "r-1")

	go func() {
		require.True(t, table.Resolve("r-1", []byte("ok")))
	}()

	res := table.Wait(context.Background(), "r-1", time.Second)
	require.NoError(t, res.Err)
	require.Equal(t, []byte("ok"), res.Response)
}

func TestResolveErrorDeliversFailure(t *testing.T) {
	table := New(clockwork.NewFakeClock())
	table.Register("i-1", "r-1")

	appErr := errors.New("instance reported a processing error")
	go func() {
		require.True(t, table.ResolveError("r-1", appErr))
	}()

	res := table.Wait(context.Background(), "r-1", time.Second)
	require.ErrorIs(t, res.Err, appErr)
	require.Nil(t, res.Response)
}

func TestDuplicateResolveIsDroppedSilently(t *testing.T) {
	table := New(clockwork.NewFakeClock())
	table.Register("i-1", "r-1")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.True(t, table.Resolve("r-1", []byte("first")))
		require.False(t, table.Resolve("r-1", []byte("second")))
	}()

	res := table.Wait(context.Background(), "r-1", time.Second)
	wg.Wait()
	require.Equal(t, []byte("first"), res.Response)
}

func TestTimeoutMeasuredFromWaitEntry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := New(clock)
	table.Register("i-1", "r-1")

	done := make(chan Result, 1)
	go func() {
		done <- table.Wait(context.Background(), "r-1", 30*time.Second)
	}()

	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)

	res := <-done
	require.ErrorIs(t, res.Err, ErrTimeout)
	require.Equal(t, 0, table.Count())
}

func TestFailAllOnlyAffectsMatchingInstance(t *testing.T) {
	table := New(clockwork.NewFakeClock())
	table.Register("i-1", "r-1")
	table.Register("i-1", "r-2")
	table.Register("i-2", "r-3")

	reason := errors.New("tunnel_disconnected")
	n := table.FailAll("i-1", reason)
	require.Equal(t, 2, n)

	res1 := table.Wait(context.Background(), "r-1", time.Second)
	require.ErrorIs(t, res1.Err, reason)
	res2 := table.Wait(context.Background(), "r-2", time.Second)
	require.ErrorIs(t, res2.Err, reason)

	// r-3 on the untouched instance still resolves normally.
	go table.Resolve("r-3", []byte("fine"))
	res3 := table.Wait(context.Background(), "r-3", time.Second)
	require.Equal(t, []byte("fine"), res3.Response)
}

func TestWaitWithoutRegisterDoesNotBlock(t *testing.T) {
	table := New(clockwork.NewFakeClock())
	res := table.Wait(context.Background(), "ghost", time.Second)
	require.ErrorIs(t, res.Err, ErrNotRegistered)
}

func TestAppendChunkThenResolveStreamDeliversConcatenatedData(t *testing.T) {
	table := New(clockwork.NewFakeClock())
	table.Register("i-1", "r-1")

	require.True(t, table.AppendChunk("r-1", 0, []byte("hello ")))
	require.True(t, table.AppendChunk("r-1", 1, []byte("world")))

	go func() {
		require.True(t, table.ResolveStream("r-1"))
	}()

	res := table.Wait(context.Background(), "r-1", time.Second)
	require.NoError(t, res.Err)
	require.Equal(t, []byte("hello world"), res.Response)
}

func TestAppendChunkOutOfOrderSeqIsRejected(t *testing.T) {
	table := New(clockwork.NewFakeClock())
	table.Register("i-1", "r-1")

	require.True(t, table.AppendChunk("r-1", 0, []byte("first")))
	require.False(t, table.AppendChunk("r-1", 2, []byte("skipped-one")))
}

func TestAppendChunkWithNoLiveWaiterIsDroppedSilently(t *testing.T) {
	table := New(clockwork.NewFakeClock())

	require.True(t, table.AppendChunk("ghost", 0, []byte("stray")))
}

func TestResolveStreamWithNoLiveWaiterReturnsFalse(t *testing.T) {
	table := New(clockwork.NewFakeClock())

	require.False(t, table.ResolveStream("ghost"))
}

func TestContextCancellation(t *testing.T) {
	table := New(clockwork.NewFakeClock())
	table.Register("i-1", "r-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- table.Wait(ctx, "r-1", time.Minute) }()

	cancel()
	res := <-done
	require.ErrorIs(t, res.Err, context.Canceled)
}

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

package relaytunnel

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dwongdev/mydia-relay/api/types"
	"github.com/dwongdev/mydia-relay/lib/backend/memory"
	"github.com/dwongdev/mydia-relay/lib/connregistry"
	"github.com/dwongdev/mydia-relay/lib/instancestore"
	"github.com/dwongdev/mydia-relay/lib/pendingrequests"
)

func testDeps(t *testing.T) (Deps, *clockwork.FakeClock) {
	t.Helper()
	// Anchored at the real wall clock, not NewFakeClock's fixed epoch:
	// ReadFrame turns Clock.Now() into a net.Conn read deadline, and
	// net.Pipe evaluates deadlines against real time.
	clock := clockwork.NewFakeClockAt(time.Now())
	be := memory.New(memory.Config{Clock: clock})
	return Deps{
		Registry:  connregistry.New(),
		Pending:   pendingrequests.New(clock),
		Instances: instancestore.New(be, clock, []byte("signing-secret")),
		Clock:     clock,
	}, clock
}

func testPublicKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, types.PublicKeySize)
}

// connPair returns a net.Pipe() pair: server is wrapped by the
// Connection under test, client is driven directly by the test via a
// WireConn of its own.
func connPair(t *testing.T) (serverConn net.Conn, client *WireConn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	c, err := NewWireConn(b)
	require.NoError(t, err)
	return a, c
}

func TestHelloWelcomeHandshake(t *testing.T) {
	deps, _ := testDeps(t)
	serverConn, client := connPair(t)

	_, token, err := deps.Instances.Register(context.Background(), "inst-1", testPublicKey(1), nil)
	require.NoError(t, err)

	conn, err := NewConnection(serverConn, deps)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()

	require.NoError(t, client.WriteFrame(types.Frame{
		Kind: types.FrameHello,
		Hello: &types.HelloPayload{
			InstanceID:        "inst-1",
			Token:             token,
			SupportedVersions: []string{"1.0"},
		},
	}))

	welcome, err := client.ReadFrame(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, types.FrameWelcome, welcome.Kind)
	require.Equal(t, "1.0", welcome.Welcome.NegotiatedVersion)

	// welcome is written before the registry entry is installed, so the
	// registration can land just after the client has read welcome.
	require.Eventually(t, func() bool { return deps.Registry.Online("inst-1") },
		2*time.Second, 5*time.Millisecond)

	_ = conn.Close()
	<-done
}

func TestHelloBadTokenClosesWithAuthFailed(t *testing.T) {
	deps, _ := testDeps(t)
	serverConn, client := connPair(t)

	_, _, err := deps.Instances.Register(context.Background(), "inst-1", testPublicKey(1), nil)
	require.NoError(t, err)

	conn, err := NewConnection(serverConn, deps)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()

	require.NoError(t, client.WriteFrame(types.Frame{
		Kind: types.FrameHello,
		Hello: &types.HelloPayload{
			InstanceID:        "inst-1",
			Token:             "not-the-real-token",
			SupportedVersions: []string{"1.0"},
		},
	}))

	errFrame, err := client.ReadFrame(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, types.FrameError, errFrame.Kind)
	require.Equal(t, "unauthorized", errFrame.Error.Code)
	require.False(t, deps.Registry.Online("inst-1"))

	<-done
}

func TestHelloVersionIncompatible(t *testing.T) {
	deps, _ := testDeps(t)
	serverConn, client := connPair(t)

	_, token, err := deps.Instances.Register(context.Background(), "inst-1", testPublicKey(1), nil)
	require.NoError(t, err)

	conn, err := NewConnection(serverConn, deps)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()

	require.NoError(t, client.WriteFrame(types.Frame{
		Kind: types.FrameHello,
		Hello: &types.HelloPayload{
			InstanceID:        "inst-1",
			Token:             token,
			SupportedVersions: []string{"2.0"},
		},
	}))

	errFrame, err := client.ReadFrame(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, types.FrameError, errFrame.Kind)
	require.Equal(t, "version_incompatible", errFrame.Error.Code)
	require.Equal(t, []string{"1.0"}, errFrame.Error.SupportedVersions)

	<-done
}

func TestForwardRequestAndResponse(t *testing.T) {
	deps, _ := testDeps(t)
	serverConn, client := connPair(t)

	_, token, err := deps.Instances.Register(context.Background(), "inst-1", testPublicKey(1), nil)
	require.NoError(t, err)

	conn, err := NewConnection(serverConn, deps)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()

	require.NoError(t, client.WriteFrame(types.Frame{
		Kind: types.FrameHello,
		Hello: &types.HelloPayload{InstanceID: "inst-1", Token: token, SupportedVersions: []string{"1.0"}},
	}))
	_, err = client.ReadFrame(time.Now().Add(5 * time.Second))
	require.NoError(t, err)

	deps.Pending.Register("inst-1", "req-1")
	conn.Enqueue(types.Frame{
		Kind:           types.FrameForwardRequest,
		ForwardRequest: &types.ForwardRequestPayload{RequestID: "req-1", Payload: []byte("GET /health")},
	})

	fwd, err := client.ReadFrame(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, types.FrameForwardRequest, fwd.Kind)
	require.Equal(t, "req-1", fwd.ForwardRequest.RequestID)

	require.NoError(t, client.WriteFrame(types.Frame{
		Kind:     types.FrameResponse,
		Response: &types.ResponsePayload{RequestID: "req-1", Payload: []byte("200 ok")},
	}))

	result := deps.Pending.Wait(context.Background(), "req-1", time.Second)
	require.NoError(t, result.Err)
	require.Equal(t, []byte("200 ok"), result.Response)

	_ = conn.Close()
	<-done
}

func TestStreamedResponseIsAccumulatedAndDelivered(t *testing.T) {
	deps, _ := testDeps(t)
	serverConn, client := connPair(t)

	_, token, err := deps.Instances.Register(context.Background(), "inst-1", testPublicKey(1), nil)
	require.NoError(t, err)

	conn, err := NewConnection(serverConn, deps)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()

	require.NoError(t, client.WriteFrame(types.Frame{
		Kind: types.FrameHello,
		Hello: &types.HelloPayload{InstanceID: "inst-1", Token: token, SupportedVersions: []string{"1.0"}},
	}))
	_, err = client.ReadFrame(time.Now().Add(5 * time.Second))
	require.NoError(t, err)

	deps.Pending.Register("inst-1", "req-stream")
	conn.Enqueue(types.Frame{
		Kind:           types.FrameForwardRequest,
		ForwardRequest: &types.ForwardRequestPayload{RequestID: "req-stream", Payload: []byte("GET /video")},
	})

	fwd, err := client.ReadFrame(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, types.FrameForwardRequest, fwd.Kind)
	require.Equal(t, "req-stream", fwd.ForwardRequest.RequestID)

	require.NoError(t, client.WriteFrame(types.Frame{
		Kind:        types.FrameStreamChunk,
		StreamChunk: &types.StreamChunkPayload{RequestID: "req-stream", Seq: 0, Data: []byte("chunk-one ")},
	}))
	require.NoError(t, client.WriteFrame(types.Frame{
		Kind:        types.FrameStreamChunk,
		StreamChunk: &types.StreamChunkPayload{RequestID: "req-stream", Seq: 1, Data: []byte("chunk-two")},
	}))
	require.NoError(t, client.WriteFrame(types.Frame{
		Kind:      types.FrameStreamEnd,
		StreamEnd: &types.StreamEndPayload{RequestID: "req-stream"},
	}))

	result := deps.Pending.Wait(context.Background(), "req-stream", time.Second)
	require.NoError(t, result.Err)
	require.Equal(t, []byte("chunk-one chunk-two"), result.Response)

	_ = conn.Close()
	<-done
}

func TestStreamChunkOutOfOrderSeqClosesConnection(t *testing.T) {
	deps, _ := testDeps(t)
	serverConn, client := connPair(t)

	_, token, err := deps.Instances.Register(context.Background(), "inst-1", testPublicKey(1), nil)
	require.NoError(t, err)

	conn, err := NewConnection(serverConn, deps)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()

	require.NoError(t, client.WriteFrame(types.Frame{
		Kind: types.FrameHello,
		Hello: &types.HelloPayload{InstanceID: "inst-1", Token: token, SupportedVersions: []string{"1.0"}},
	}))
	_, err = client.ReadFrame(time.Now().Add(5 * time.Second))
	require.NoError(t, err)

	deps.Pending.Register("inst-1", "req-stream")

	require.NoError(t, client.WriteFrame(types.Frame{
		Kind:        types.FrameStreamChunk,
		StreamChunk: &types.StreamChunkPayload{RequestID: "req-stream", Seq: 1, Data: []byte("skipped-zero")},
	}))

	err = <-done
	require.Error(t, err)
}

func TestDisconnectFailsAllPendingAndMarksOffline(t *testing.T) {
	deps, _ := testDeps(t)
	serverConn, client := connPair(t)

	_, token, err := deps.Instances.Register(context.Background(), "inst-1", testPublicKey(1), nil)
	require.NoError(t, err)

	conn, err := NewConnection(serverConn, deps)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()

	require.NoError(t, client.WriteFrame(types.Frame{
		Kind: types.FrameHello,
		Hello: &types.HelloPayload{InstanceID: "inst-1", Token: token, SupportedVersions: []string{"1.0"}},
	}))
	_, err = client.ReadFrame(time.Now().Add(5 * time.Second))
	require.NoError(t, err)

	deps.Pending.Register("inst-1", "req-pending")
	waitDone := make(chan pendingrequests.Result, 1)
	go func() { waitDone <- deps.Pending.Wait(context.Background(), "req-pending", 5*time.Second) }()

	require.NoError(t, client.Close())
	<-done

	res := <-waitDone
	require.Error(t, res.Err)

	inst, err := deps.Instances.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	require.False(t, inst.Online)
}

func TestReconnectDisplacesPreviousConnection(t *testing.T) {
	deps, _ := testDeps(t)
	_, token, err := deps.Instances.Register(context.Background(), "inst-1", testPublicKey(1), nil)
	require.NoError(t, err)

	hello := func(client *WireConn) {
		require.NoError(t, client.WriteFrame(types.Frame{
			Kind: types.FrameHello,
			Hello: &types.HelloPayload{InstanceID: "inst-1", Token: token, SupportedVersions: []string{"1.0"}},
		}))
		_, err := client.ReadFrame(time.Now().Add(5 * time.Second))
		require.NoError(t, err)
	}

	serverConn1, client1 := connPair(t)
	conn1, err := NewConnection(serverConn1, deps)
	require.NoError(t, err)
	done1 := make(chan error, 1)
	go func() { done1 <- conn1.Run(context.Background()) }()
	hello(client1)

	deps.Pending.Register("inst-1", "req-before-displace")

	serverConn2, client2 := connPair(t)
	conn2, err := NewConnection(serverConn2, deps)
	require.NoError(t, err)
	done2 := make(chan error, 1)
	go func() { done2 <- conn2.Run(context.Background()) }()
	hello(client2)

	<-done1 // the displaced connection's Run must return once evicted

	res := deps.Pending.Wait(context.Background(), "req-before-displace", time.Second)
	require.Error(t, res.Err)
	require.True(t, deps.Registry.Online("inst-1"))

	_ = conn2.Close()
	<-done2
}

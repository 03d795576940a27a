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

// Package relaytest drives RelayApi and RelayProtocol together, the way
// a real instance and a real pairing client would: the HTTP surface runs
// on an in-process httptest.Server, the control channel on a net.Pipe().
// The tests here are the acceptance scenarios for the relay as a whole;
// per-component behaviour lives with each component's own package.
package relaytest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dwongdev/mydia-relay/api/types"
	"github.com/dwongdev/mydia-relay/lib/backend/memory"
	"github.com/dwongdev/mydia-relay/lib/claimstore"
	"github.com/dwongdev/mydia-relay/lib/connregistry"
	"github.com/dwongdev/mydia-relay/lib/instancestore"
	"github.com/dwongdev/mydia-relay/lib/namespace"
	"github.com/dwongdev/mydia-relay/lib/pendingrequests"
	"github.com/dwongdev/mydia-relay/lib/relayapi"
	"github.com/dwongdev/mydia-relay/lib/relaytunnel"
)

type harness struct {
	clock     *clockwork.FakeClock
	registry  *connregistry.Registry
	pending   *pendingrequests.Table
	instances *instancestore.Store
	claims    *claimstore.Store
	tunnel    relaytunnel.Deps
	api       *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	// Anchored at the wall clock: tunnel read deadlines go through
	// net.Pipe, which evaluates them against real time.
	clock := clockwork.NewFakeClockAt(time.Now())
	be := memory.New(memory.Config{Clock: clock})

	h := &harness{
		clock:     clock,
		registry:  connregistry.New(),
		pending:   pendingrequests.New(clock),
		instances: instancestore.New(be, clock, []byte("relaytest-signing-key")),
		claims:    claimstore.New(be, clock),
	}
	h.tunnel = relaytunnel.Deps{
		Registry:  h.registry,
		Pending:   h.pending,
		Instances: h.instances,
		Clock:     clock,
	}
	h.api = httptest.NewServer(relayapi.NewServer(relayapi.Deps{
		Claims:    h.claims,
		Instances: h.instances,
		Registry:  h.registry,
		Pending:   h.pending,
		Namespace: namespace.New(bytes.Repeat([]byte{0x7a}, 32), clock),
		Clock:     clock,
	}))
	t.Cleanup(h.api.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.api.URL+path, payload)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func (h *harness) register(t *testing.T, instanceID string) string {
	t.Helper()
	status, raw := h.do(t, http.MethodPost, "/instances", "", map[string]any{
		"instance_id":    instanceID,
		"public_key_b64": base64.StdEncoding.EncodeToString(make([]byte, types.PublicKeySize)),
		"direct_urls":    []string{"https://host:4443"},
	})
	require.Equal(t, http.StatusOK, status, "register failed: %s", raw)
	var resp struct {
		InstanceID string `json:"instance_id"`
		Token      string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Equal(t, instanceID, resp.InstanceID)
	return resp.Token
}

// instanceConn is the instance's half of a live control channel.
type instanceConn struct {
	wire *relaytunnel.WireConn
	conn *relaytunnel.Connection
	done chan error
}

func (h *harness) dialTunnel(t *testing.T) *instanceConn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = server.Close(); _ = client.Close() })

	conn, err := relaytunnel.NewConnection(server, h.tunnel)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()

	wire, err := relaytunnel.NewWireConn(client)
	require.NoError(t, err)
	return &instanceConn{wire: wire, conn: conn, done: done}
}

// hello completes the awaiting_hello exchange and waits for the
// registration to land (welcome is written before the registry entry is
// installed, so a caller racing straight to forward could still see
// instance_offline without this).
func (h *harness) hello(t *testing.T, ic *instanceConn, instanceID, token string) {
	t.Helper()
	require.NoError(t, ic.wire.WriteFrame(types.Frame{
		Kind: types.FrameHello,
		Hello: &types.HelloPayload{
			InstanceID:        instanceID,
			Token:             token,
			SupportedVersions: []string{"1.0"},
		},
	}))
	welcome, err := ic.wire.ReadFrame(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, types.FrameWelcome, welcome.Kind)
	require.Eventually(t, func() bool { return h.registry.Online(instanceID) },
		2*time.Second, 5*time.Millisecond)
}

type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

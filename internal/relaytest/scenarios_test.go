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

package relaytest

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dwongdev/mydia-relay/api/types"
)

func TestRegisterAndHeartbeat(t *testing.T) {
	h := newHarness(t)
	token := h.register(t, "i-1")

	status, raw := h.do(t, http.MethodPut, "/instances/i-1/heartbeat", token, map[string]any{
		"direct_urls": []string{"https://host:4443"},
	})
	require.Equal(t, http.StatusOK, status)
	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Equal(t, "ok", resp.Status)
}

func TestClaimPairingFlow(t *testing.T) {
	h := newHarness(t)
	token := h.register(t, "i-1")

	ic := h.dialTunnel(t)
	h.hello(t, ic, "i-1", token)

	status, raw := h.do(t, http.MethodPost, "/instances/i-1/claim", token, map[string]any{
		"user_id":     "u1",
		"ttl_seconds": 300,
	})
	require.Equal(t, http.StatusOK, status, "create claim failed: %s", raw)
	var created struct {
		ClaimID   string    `json:"claim_id"`
		Code      string    `json:"code"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(raw, &created))
	require.NotEmpty(t, created.Code)

	status, raw = h.do(t, http.MethodPost, "/claim/"+created.Code, "", nil)
	require.Equal(t, http.StatusOK, status, "redeem failed: %s", raw)
	var redeemed types.RedeemResult
	require.NoError(t, json.Unmarshal(raw, &redeemed))
	require.Equal(t, "i-1", redeemed.InstanceID)
	require.Equal(t, "u1", redeemed.UserID)
	require.Equal(t, []string{"https://host:4443"}, redeemed.DirectURLs)
	require.True(t, redeemed.Online, "instance has a live tunnel and a fresh heartbeat")

	// redeem is a read: a second client can still redeem the same code.
	status, _ = h.do(t, http.MethodPost, "/claim/"+created.Code, "", nil)
	require.Equal(t, http.StatusOK, status)

	status, raw = h.do(t, http.MethodPost, "/instances/i-1/claim/consume", token, map[string]any{
		"claim_id":  created.ClaimID,
		"device_id": "d1",
	})
	require.Equal(t, http.StatusOK, status, "consume failed: %s", raw)

	status, raw = h.do(t, http.MethodPost, "/instances/i-1/claim/consume", token, map[string]any{
		"claim_id":  created.ClaimID,
		"device_id": "d1",
	})
	require.Equal(t, http.StatusConflict, status)
	var body errorBody
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Equal(t, "already_consumed", body.ErrorCode)

	_ = ic.conn.Close()
	<-ic.done
}

func TestVersionNegotiationFailure(t *testing.T) {
	h := newHarness(t)
	token := h.register(t, "i-1")

	ic := h.dialTunnel(t)
	require.NoError(t, ic.wire.WriteFrame(types.Frame{
		Kind: types.FrameHello,
		Hello: &types.HelloPayload{
			InstanceID:        "i-1",
			Token:             token,
			SupportedVersions: []string{"2.0"},
		},
	}))

	errFrame, err := ic.wire.ReadFrame(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, types.FrameError, errFrame.Kind)
	require.Equal(t, "version_incompatible", errFrame.Error.Code)
	require.Equal(t, []string{"1.0"}, errFrame.Error.SupportedVersions)

	require.Error(t, <-ic.done)
	require.False(t, h.registry.Online("i-1"))
}

func TestForwardRoundTrip(t *testing.T) {
	h := newHarness(t)
	token := h.register(t, "i-1")

	ic := h.dialTunnel(t)
	h.hello(t, ic, "i-1", token)

	// The instance side: answer the next forward_request.
	go func() {
		for {
			frame, err := ic.wire.ReadFrame(time.Now().Add(5 * time.Second))
			if err != nil {
				return
			}
			if frame.Kind != types.FrameForwardRequest {
				continue
			}
			_ = ic.wire.WriteFrame(types.Frame{
				Kind: types.FrameResponse,
				Response: &types.ResponsePayload{
					RequestID: frame.ForwardRequest.RequestID,
					Payload:   []byte(`{"status":200,"body":"ok"}`),
				},
			})
			return
		}
	}()

	status, raw := h.do(t, http.MethodPost, "/instances/i-1/forward", "", map[string]any{
		"request_id": "r-1",
		"payload":    map[string]any{"method": "GET", "path": "/health"},
	})
	require.Equal(t, http.StatusOK, status, "forward failed: %s", raw)
	var resp struct {
		RequestID string          `json:"request_id"`
		Payload   json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Equal(t, "r-1", resp.RequestID)
	require.JSONEq(t, `{"status":200,"body":"ok"}`, string(resp.Payload))

	_ = ic.conn.Close()
	<-ic.done
}

func TestDisconnectMidFlightIsTunnelDisconnectedNotTimeout(t *testing.T) {
	h := newHarness(t)
	token := h.register(t, "i-1")

	ic := h.dialTunnel(t)
	h.hello(t, ic, "i-1", token)

	type forwardResult struct {
		status  int
		raw     []byte
		elapsed time.Duration
	}
	results := make(chan forwardResult, 1)
	go func() {
		start := time.Now()
		status, raw := h.do(t, http.MethodPost, "/instances/i-1/forward", "", map[string]any{
			"request_id": "r-1",
			"payload":    map[string]any{"method": "GET", "path": "/health"},
		})
		results <- forwardResult{status: status, raw: raw, elapsed: time.Since(start)}
	}()

	// Drop the connection after the request reaches the instance but
	// before any response is sent.
	frame, err := ic.wire.ReadFrame(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, types.FrameForwardRequest, frame.Kind)
	require.NoError(t, ic.wire.Close())
	<-ic.done

	res := <-results
	require.Equal(t, http.StatusBadGateway, res.status)
	var body errorBody
	require.NoError(t, json.Unmarshal(res.raw, &body))
	require.Equal(t, "tunnel_disconnected", body.ErrorCode)
	// Promptly, via fail_all on disconnect — not by waiting out the
	// forwarding ceiling.
	require.Less(t, res.elapsed, 5*time.Second)
}

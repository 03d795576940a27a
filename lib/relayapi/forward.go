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

package relayapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/dwongdev/mydia-relay/api/types"
	"github.com/dwongdev/mydia-relay/internal/relayerr"
	"github.com/dwongdev/mydia-relay/internal/relaymetrics"
	"github.com/dwongdev/mydia-relay/lib/pendingrequests"
)

// forwarder is what a live ConnectionRegistry entry's Handler must
// additionally support to accept a forwarded request: relaytunnel.Connection
// satisfies this alongside connregistry.Handler.
type forwarder interface {
	Enqueue(types.Frame)
}

type forwardRequest struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

type forwardResponse struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// handleForward implements POST /instances/:id/forward: it registers a
// waiter, hands the framed request to the instance's live connection, and
// blocks up to the configured ceiling for a response.
// The endpoint carries no relay-level credential: the caller is a paired
// client whose tokens ride inside the Noise-encrypted payload, which only
// the instance can open.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	instanceID := ps.ByName("id")

	var req forwardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	entry, ok := s.deps.Registry.Lookup(instanceID)
	if !ok {
		recordForwardOutcome("instance_offline")
		writeError(w, relayerr.InstanceOffline("instance %s has no live connection", instanceID))
		return
	}
	fw, ok := entry.Handler.(forwarder)
	if !ok {
		recordForwardOutcome("instance_offline")
		writeError(w, relayerr.InstanceOffline("instance %s has no live connection", instanceID))
		return
	}

	s.deps.Pending.Register(instanceID, req.RequestID)
	fw.Enqueue(types.Frame{Kind: types.FrameForwardRequest, ForwardRequest: &types.ForwardRequestPayload{
		RequestID: req.RequestID,
		Payload:   req.Payload,
	}})

	start := s.deps.clock().Now()
	result := s.deps.Pending.Wait(r.Context(), req.RequestID, s.deps.forwardCeiling())
	relaymetrics.ForwardLatencySeconds.Observe(s.deps.clock().Now().Sub(start).Seconds())

	if result.Err != nil {
		// The waiter gave up (ceiling elapsed or the client went away)
		// while the instance may still be working: tell it to stop.
		if errors.Is(result.Err, pendingrequests.ErrTimeout) || errors.Is(result.Err, context.Canceled) || errors.Is(result.Err, context.DeadlineExceeded) {
			fw.Enqueue(types.Frame{Kind: types.FrameCancel, Cancel: &types.CancelPayload{RequestID: req.RequestID}})
		}
		writeError(w, classifyForwardError(result.Err))
		return
	}
	recordForwardOutcome("ok")
	writeJSON(w, http.StatusOK, forwardResponse{RequestID: req.RequestID, Payload: result.Response})
}

// classifyForwardError maps a pendingrequests.Result.Err to the forward
// endpoint's error vocabulary: a relay-level timeout is reported as
// relayerr.Timeout (504); every other error (FailAll's
// tunnel_disconnected, ResolveError's application error, or the request
// context's error) is passed through unchanged.
func classifyForwardError(err error) error {
	if errors.Is(err, pendingrequests.ErrTimeout) {
		recordForwardOutcome("timeout")
		return relayerr.Timeout("no response from instance within the forwarding ceiling")
	}
	recordForwardOutcome(string(relayerr.CodeOf(err)))
	return err
}

func recordForwardOutcome(outcome string) {
	relaymetrics.ForwardRequestsTotal.WithLabelValues(outcome).Inc()
}

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
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/dwongdev/mydia-relay/api/types"
	"github.com/dwongdev/mydia-relay/internal/relayerr"
)

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return relayerr.Validation("malformed request body: %v", err)
	}
	return nil
}

// authenticateInstance extracts the bearer token from r and verifies it
// against instanceID, the shape every instance-authenticated endpoint
// shares.
func (s *Server) authenticateInstance(r *http.Request, instanceID string) error {
	token := bearerToken(r)
	if token == "" {
		return relayerr.Unauthorized("missing bearer token")
	}
	return s.deps.Instances.VerifyToken(r.Context(), instanceID, token)
}

type registerRequest struct {
	InstanceID   string   `json:"instance_id"`
	PublicKeyB64 string   `json:"public_key_b64"`
	DirectURLs   []string `json:"direct_urls"`
}

type registerResponse struct {
	InstanceID string `json:"instance_id"`
	Token      string `json:"token"`
}

// handleRegister implements POST /instances.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.InstanceID == "" {
		writeError(w, relayerr.Validation("instance_id is required"))
		return
	}
	publicKey, err := base64.StdEncoding.DecodeString(req.PublicKeyB64)
	if err != nil {
		writeError(w, relayerr.Validation("public_key_b64 is not valid base64"))
		return
	}

	_, token, err := s.deps.Instances.Register(r.Context(), req.InstanceID, publicKey, req.DirectURLs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{InstanceID: req.InstanceID, Token: token})
}

type heartbeatRequest struct {
	DirectURLs []string `json:"direct_urls,omitempty"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// handleHeartbeat implements PUT /instances/:id/heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	instanceID := ps.ByName("id")
	if err := s.authenticateInstance(r, instanceID); err != nil {
		writeError(w, err)
		return
	}

	var req heartbeatRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	if _, err := s.deps.Instances.Heartbeat(r.Context(), instanceID, req.DirectURLs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

type createClaimRequest struct {
	UserID     string  `json:"user_id"`
	TTLSeconds int     `json:"ttl_seconds,omitempty"`
	DeviceID   *string `json:"device_id,omitempty"`
}

type createClaimResponse struct {
	// ClaimID is what the instance hands back to consume once pairing
	// completes; the code alone is the client-facing half.
	ClaimID             string    `json:"claim_id"`
	Code                string    `json:"code"`
	ExpiresAt           time.Time `json:"expires_at"`
	RendezvousNamespace string    `json:"rendezvous_namespace,omitempty"`
}

// handleCreateClaim implements POST /instances/:id/claim.
func (s *Server) handleCreateClaim(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	instanceID := ps.ByName("id")
	if err := s.authenticateInstance(r, instanceID); err != nil {
		writeError(w, err)
		return
	}

	var req createClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var ttl time.Duration
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	claim, err := s.deps.Claims.Create(r.Context(), instanceID, req.UserID, ttl, req.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := createClaimResponse{ClaimID: claim.ID, Code: claim.Code, ExpiresAt: claim.ExpiresAt}
	if s.deps.Namespace != nil {
		resp.RendezvousNamespace = s.deps.Namespace.Derive(claim.Code)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRedeemClaim implements POST /claim/:code. Unauthenticated and
// rate-limited per source IP.
func (s *Server) handleRedeemClaim(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !s.deps.ClaimRedeemLimiter.allow(sourceIP(r)) {
		log.Warn("claim redemption rate limited", "source_ip", sourceIP(r))
		writeError(w, relayerr.Validation("too many claim redemption attempts"))
		return
	}

	// Codes are generated uppercase; input is case-insensitive per the
	// claim-code alphabet contract.
	code := strings.ToUpper(ps.ByName("code"))
	claim, err := s.deps.Claims.Redeem(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	instance, err := s.deps.Instances.Get(r.Context(), claim.InstanceID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, types.RedeemResult{
		Directory: s.directory(instance),
		UserID:    claim.UserID,
		ExpiresAt: claim.ExpiresAt,
	})
}

type consumeClaimRequest struct {
	ClaimID  string  `json:"claim_id"`
	DeviceID *string `json:"device_id,omitempty"`
}

// handleConsumeClaim implements POST /instances/:id/claim/consume.
func (s *Server) handleConsumeClaim(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	instanceID := ps.ByName("id")
	if err := s.authenticateInstance(r, instanceID); err != nil {
		writeError(w, err)
		return
	}

	var req consumeClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ClaimID == "" {
		writeError(w, relayerr.Validation("claim_id is required"))
		return
	}

	if _, err := s.deps.Claims.Consume(r.Context(), req.ClaimID, instanceID, req.DeviceID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "consumed"})
}

// handleConnect implements GET /instances/:id/connect: the directory
// record for a known id, used for post-pairing reconnection without
// going through the claim flow again.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	instanceID := ps.ByName("id")
	instance, err := s.deps.Instances.Get(r.Context(), instanceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.directory(instance))
}

// directory projects an instance to its public record. Online is the
// conjunction of the persisted flag and a live registry entry: a fresh
// heartbeat alone isn't "online" unless a live tunnel registration backs
// it up.
func (s *Server) directory(instance *types.Instance) types.Directory {
	dir := instance.Directory()
	dir.Online = dir.Online && s.deps.Registry.Online(instance.InstanceID)
	return dir
}

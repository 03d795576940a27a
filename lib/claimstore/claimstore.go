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

// Package claimstore persists the short-lived, single-use pairing codes
// that bind a new device to an instance. Built
// on backend.Backend the same way instancestore is, with a by-id primary
// record and a by-code secondary index so redeem(code) and consume(id)
// can each use the key they're naturally given.
package claimstore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dwongdev/mydia-relay/api/types"
	"github.com/dwongdev/mydia-relay/internal/relayerr"
	"github.com/dwongdev/mydia-relay/lib/backend"
)

const (
	codeLength      = 8
	maxCodeAttempts = 5
	maxConsumeRaces = 5
	maxRedeemRaces  = 5
)

// Store is the persistent ClaimStore.
type Store struct {
	backend backend.Backend
	clock   clockwork.Clock
}

// New constructs a Store.
func New(be backend.Backend, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{backend: be, clock: clock}
}

func byIDKey(claimID string) []byte { return []byte("claims/by-id/" + claimID) }
func byCodeKey(code string) []byte  { return []byte("claims/by-code/" + code) }

func generateCode() (string, error) {
	alphabet := types.ClaimCodeAlphabet
	out := make([]byte, codeLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}

// Create mints a new claim for instanceID/userID, valid for ttl (clamped
// to types.MaxClaimTTL; types.DefaultClaimTTL is used when ttl <= 0).
// Code collisions among still-unexpired claims are retried.
func (s *Store) Create(ctx context.Context, instanceID, userID string, ttl time.Duration, deviceID *string) (*types.Claim, error) {
	if instanceID == "" || userID == "" {
		return nil, relayerr.Validation("instance_id and user_id are required")
	}
	if ttl <= 0 {
		ttl = types.DefaultClaimTTL
	}
	if ttl > types.MaxClaimTTL {
		ttl = types.MaxClaimTTL
	}

	now := s.clock.Now()
	claim := types.Claim{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		UserID:     userID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		DeviceID:   deviceID,
	}

	var code string
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		candidate, err := generateCode()
		if err != nil {
			return nil, err
		}
		cerr := s.backend.Create(ctx, backend.Item{
			Key:   byCodeKey(candidate),
			Value: []byte(claim.ID),
			// No Expires here: the backend's own expiry filter would hide
			// an expired-but-unconsumed claim from Get/GetRange before
			// Redeem/Consume get a chance to distinguish "expired" from
			// "not_found" themselves. Only Store.Sweep ever removes the
			// row.
		})
		if cerr == nil {
			code = candidate
			break
		}
		// A Create failure here means the code's key is already held (by a
		// live, expired-but-unswept, or consumed claim) or the backend
		// failed; either way, try another random code.
	}
	if code == "" {
		return nil, relayerr.Conflict("could not allocate a unique claim code")
	}
	claim.Code = code

	raw, err := json.Marshal(claim)
	if err != nil {
		_ = s.backend.Delete(ctx, byCodeKey(code))
		return nil, err
	}
	if err := s.backend.Create(ctx, backend.Item{Key: byIDKey(claim.ID), Value: raw}); err != nil {
		_ = s.backend.Delete(ctx, byCodeKey(code))
		return nil, err
	}
	return &claim, nil
}

func (s *Store) getByID(ctx context.Context, claimID string) (*types.Claim, error) {
	item, err := s.backend.Get(ctx, byIDKey(claimID))
	if err != nil {
		return nil, relayerr.NotFound("claim %s not found", claimID)
	}
	var claim types.Claim
	if err := json.Unmarshal(item.Value, &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

// Redeem resolves code to its claim, read-only except for incrementing
// the informational redeemed_count. Returns relayerr.NotFound for an
// unknown code, relayerr.Expired for a code whose TTL elapsed before the
// sweep removed it (never collapsed into NotFound), and
// relayerr.AlreadyConsumed if the claim was already finalized.
func (s *Store) Redeem(ctx context.Context, code string) (*types.Claim, error) {
	item, err := s.backend.Get(ctx, byCodeKey(code))
	if err != nil {
		return nil, relayerr.NotFound("claim code not found")
	}
	claimID := string(item.Value)

	for attempt := 0; attempt < maxRedeemRaces; attempt++ {
		existing, err := s.getByID(ctx, claimID)
		if err != nil {
			return nil, err
		}
		if existing.ConsumedAt != nil {
			return nil, relayerr.AlreadyConsumed("claim code already consumed")
		}
		if !existing.Redeemable(s.clock.Now()) {
			return nil, relayerr.Expired("claim code has expired")
		}

		updated := *existing
		updated.RedeemedCount++

		oldRaw, _ := json.Marshal(existing)
		newRaw, _ := json.Marshal(updated)
		if cerr := s.backend.CompareAndSwap(ctx, backend.Item{Key: byIDKey(claimID), Value: oldRaw}, backend.Item{Key: byIDKey(claimID), Value: newRaw}); cerr != nil {
			continue
		}
		return &updated, nil
	}
	return nil, relayerr.Conflict("too much contention redeeming claim code")
}

// Consume is the atomic terminal write: it sets consumed_at and
// device_id provided authInstanceID matches the claim's bound instance,
// the claim hasn't already been consumed, and it hasn't expired. This is
// the only operation that ever transitions a claim to its terminal
// state.
func (s *Store) Consume(ctx context.Context, claimID, authInstanceID string, deviceID *string) (*types.Claim, error) {
	for attempt := 0; attempt < maxConsumeRaces; attempt++ {
		existing, err := s.getByID(ctx, claimID)
		if err != nil {
			return nil, err
		}
		if existing.InstanceID != authInstanceID {
			return nil, relayerr.Unauthorized("claim is not bound to this instance")
		}
		if existing.ConsumedAt != nil {
			return nil, relayerr.AlreadyConsumed("claim already consumed")
		}
		now := s.clock.Now()
		if !existing.Redeemable(now) {
			return nil, relayerr.Expired("claim has expired")
		}

		updated := *existing
		updated.ConsumedAt = &now
		if deviceID != nil {
			updated.DeviceID = deviceID
		}

		oldRaw, _ := json.Marshal(existing)
		newRaw, _ := json.Marshal(updated)
		if cerr := s.backend.CompareAndSwap(ctx, backend.Item{Key: byIDKey(claimID), Value: oldRaw}, backend.Item{Key: byIDKey(claimID), Value: newRaw}); cerr != nil {
			continue
		}
		return &updated, nil
	}
	return nil, relayerr.Conflict("too much contention consuming claim")
}

// Sweep deletes claim records (and their code index entries) that
// expired more than grace ago. Since claim rows carry no backend-level
// Expires, this is the only thing that ever removes an expired claim —
// Redeem/Consume keep reporting relayerr.Expired for it until Sweep runs.
// Run periodically by lib/cleanup.
func (s *Store) Sweep(ctx context.Context, grace time.Duration) (int, error) {
	prefix := []byte("claims/by-id/")
	items, err := s.backend.GetRange(ctx, prefix, backend.RangeEnd(prefix), 0)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	count := 0
	for _, item := range items {
		var claim types.Claim
		if err := json.Unmarshal(item.Value, &claim); err != nil {
			continue
		}
		if now.Sub(claim.ExpiresAt) <= grace {
			continue
		}
		_ = s.backend.Delete(ctx, byCodeKey(claim.Code))
		_ = s.backend.Delete(ctx, byIDKey(claim.ID))
		count++
	}
	return count, nil
}

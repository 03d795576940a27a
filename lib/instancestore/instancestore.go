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

// Package instancestore keeps the persistent record of self-hosted
// instances that register, heartbeat, and eventually go offline. Built
// on backend.Backend rather than talking to a specific engine directly.
package instancestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dwongdev/mydia-relay/api/types"
	"github.com/dwongdev/mydia-relay/internal/relayerr"
	"github.com/dwongdev/mydia-relay/internal/relaylog"
	"github.com/dwongdev/mydia-relay/lib/backend"
)

const maxRegisterAttempts = 5

var log = relaylog.For("instancestore")

// Store is the persistent InstanceStore.
type Store struct {
	backend    backend.Backend
	clock      clockwork.Clock
	signingKey []byte
}

// New constructs a Store. signingKey is the token-signing secret; it
// must be stable across process restarts or every issued instance token
// is invalidated at once.
func New(be backend.Backend, clock clockwork.Clock, signingKey []byte) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{backend: be, clock: clock, signingKey: append([]byte(nil), signingKey...)}
}

func instanceKey(instanceID string) []byte {
	return []byte("instances/" + instanceID)
}

// fingerprint renders a short, log-safe identifier for a public key.
func fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:8])
}

type tokenClaims struct {
	InstanceID string `json:"instance_id"`
	jwt.RegisteredClaims
}

func (s *Store) issueToken(instanceID string) (raw string, hash []byte, err error) {
	now := s.clock.Now()
	claims := tokenClaims{
		InstanceID: instanceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err = token.SignedString(s.signingKey)
	if err != nil {
		return "", nil, err
	}
	return raw, s.tokenHash(raw), nil
}

// tokenHash digests a raw bearer token for at-rest storage, salted with
// the signing key so the stored hashes are useless without it.
func (s *Store) tokenHash(raw string) []byte {
	h := sha256.New()
	h.Write(s.signingKey)
	h.Write([]byte(raw))
	return h.Sum(nil)
}

// VerifyToken checks that raw is a validly signed, still-bound instance
// token for instanceID: the JWT signature must verify, and its hash must
// match the one on file (so a token superseded by a later Register, which
// stores the new token's hash, is rejected without rotating the whole
// signing secret).
func (s *Store) VerifyToken(ctx context.Context, instanceID, raw string) error {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.signingKey, nil
	})
	if err != nil || !parsed.Valid || claims.InstanceID != instanceID {
		return relayerr.Unauthorized("invalid instance token")
	}

	inst, err := s.get(ctx, instanceID)
	if err != nil {
		return relayerr.Unauthorized("invalid instance token")
	}
	if !bytes.Equal(s.tokenHash(raw), inst.InstanceTokenHash) {
		return relayerr.Unauthorized("invalid instance token")
	}
	return nil
}

func (s *Store) get(ctx context.Context, instanceID string) (*types.Instance, error) {
	item, err := s.backend.Get(ctx, instanceKey(instanceID))
	if err != nil {
		return nil, relayerr.NotFound("instance %s not found", instanceID)
	}
	var inst types.Instance
	if err := json.Unmarshal(item.Value, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Get fetches the instance record for instanceID.
func (s *Store) Get(ctx context.Context, instanceID string) (*types.Instance, error) {
	return s.get(ctx, instanceID)
}

// Register creates the instance record on first sight, or, when
// instanceID is already known, is idempotent provided publicKey matches
// what's on file: it returns the same record and a freshly issued token
// either way. A public key mismatch is reported as relayerr.Conflict
// (key rotation or instance_id reuse) and never silently accepted.
func (s *Store) Register(ctx context.Context, instanceID string, publicKey []byte, directURLs []string) (*types.Instance, string, error) {
	if len(publicKey) != types.PublicKeySize {
		return nil, "", relayerr.Validation("public_key must be exactly %d bytes", types.PublicKeySize)
	}

	for attempt := 0; attempt < maxRegisterAttempts; attempt++ {
		existing, err := s.get(ctx, instanceID)
		now := s.clock.Now()

		if err == nil {
			if !bytes.Equal(existing.PublicKey, publicKey) {
				// Fingerprints only: the raw keys never reach the log.
				log.Warn("instance registration key mismatch",
					"instance_id", instanceID,
					"stored_key", fingerprint(existing.PublicKey),
					"presented_key", fingerprint(publicKey))
				return nil, "", relayerr.Conflict("instance %s is already registered with a different public key", instanceID)
			}

			token, hash, terr := s.issueToken(instanceID)
			if terr != nil {
				return nil, "", terr
			}

			updated := *existing
			updated.InstanceTokenHash = hash
			updated.UpdatedAt = now
			if len(directURLs) > 0 {
				updated.DirectURLs = directURLs
			}

			oldRaw, _ := json.Marshal(existing)
			newRaw, _ := json.Marshal(updated)
			if cerr := s.backend.CompareAndSwap(ctx, backend.Item{Key: instanceKey(instanceID), Value: oldRaw}, backend.Item{Key: instanceKey(instanceID), Value: newRaw}); cerr != nil {
				continue // lost the race with a concurrent writer; retry
			}
			return &updated, token, nil
		}

		token, hash, terr := s.issueToken(instanceID)
		if terr != nil {
			return nil, "", terr
		}
		inst := types.Instance{
			InstanceID:        instanceID,
			PublicKey:         append([]byte(nil), publicKey...),
			DirectURLs:        directURLs,
			LastSeenAt:        now,
			CreatedAt:         now,
			UpdatedAt:         now,
			InstanceTokenHash: hash,
		}
		raw, _ := json.Marshal(inst)
		if cerr := s.backend.Create(ctx, backend.Item{Key: instanceKey(instanceID), Value: raw}); cerr != nil {
			continue // someone else created it concurrently; retry and fall into the idempotent path
		}
		return &inst, token, nil
	}
	return nil, "", relayerr.Conflict("too much contention registering instance %s", instanceID)
}

// Heartbeat updates last_seen_at (and, if provided, direct_urls) for an
// authenticated instance, marking it online. Callers must call
// VerifyToken first.
func (s *Store) Heartbeat(ctx context.Context, instanceID string, directURLs []string) (*types.Instance, error) {
	for attempt := 0; attempt < maxRegisterAttempts; attempt++ {
		existing, err := s.get(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		updated := *existing
		updated.LastSeenAt = s.clock.Now()
		updated.UpdatedAt = updated.LastSeenAt
		updated.Online = true
		if directURLs != nil {
			updated.DirectURLs = directURLs
		}

		oldRaw, _ := json.Marshal(existing)
		newRaw, _ := json.Marshal(updated)
		if cerr := s.backend.CompareAndSwap(ctx, backend.Item{Key: instanceKey(instanceID), Value: oldRaw}, backend.Item{Key: instanceKey(instanceID), Value: newRaw}); cerr != nil {
			continue
		}
		return &updated, nil
	}
	return nil, relayerr.Conflict("too much contention heartbeating instance %s", instanceID)
}

// MarkOffline clears the persisted online flag, called by RelayProtocol
// when an instance's connection is torn down and by the cleanup sweep.
func (s *Store) MarkOffline(ctx context.Context, instanceID string) error {
	for attempt := 0; attempt < maxRegisterAttempts; attempt++ {
		existing, err := s.get(ctx, instanceID)
		if err != nil {
			if relayerr.Is(err, relayerr.CodeNotFound) {
				return nil
			}
			return err
		}
		if !existing.Online {
			return nil
		}
		updated := *existing
		updated.Online = false
		updated.UpdatedAt = s.clock.Now()

		oldRaw, _ := json.Marshal(existing)
		newRaw, _ := json.Marshal(updated)
		if cerr := s.backend.CompareAndSwap(ctx, backend.Item{Key: instanceKey(instanceID), Value: oldRaw}, backend.Item{Key: instanceKey(instanceID), Value: newRaw}); cerr != nil {
			continue
		}
		return nil
	}
	return relayerr.Conflict("too much contention marking instance %s offline", instanceID)
}

// DefaultStaleAfter is the default staleness threshold: an instance
// whose last_seen_at is older than this is no longer considered online.
const DefaultStaleAfter = 120 * time.Second

// SweepStale marks offline every instance whose persisted online flag is
// still set but whose last_seen_at is older than staleAfter, and returns
// the count affected. Run periodically by lib/cleanup.
func (s *Store) SweepStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	prefix := []byte("instances/")
	items, err := s.backend.GetRange(ctx, prefix, backend.RangeEnd(prefix), 0)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	count := 0
	for _, item := range items {
		var inst types.Instance
		if err := json.Unmarshal(item.Value, &inst); err != nil {
			continue
		}
		if !inst.Online || now.Sub(inst.LastSeenAt) <= staleAfter {
			continue
		}
		if err := s.MarkOffline(ctx, inst.InstanceID); err == nil {
			count++
		}
	}
	return count, nil
}

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

package types

import "time"

// ClaimCodeAlphabet is the unambiguous subset of letters and digits used
// to generate human-typeable claim codes (no 0/O or 1/I confusion).
const ClaimCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultClaimTTL and MaxClaimTTL bound the lifetime of a claim code.
const (
	DefaultClaimTTL = 300 * time.Second
	MaxClaimTTL     = 24 * time.Hour
)

// Claim is a short-lived, single-use code binding a user's new device to
// one instance. Redemption is a read and may happen any number of times
// before expiry; consumption is the terminal write and happens at most
// once.
type Claim struct {
	ID            string
	Code          string
	InstanceID    string
	UserID        string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	ConsumedAt    *time.Time
	DeviceID      *string
	RedeemedCount int
}

// Redeemable reports whether the claim may still be redeemed (read-only)
// at the given instant: unconsumed and not yet expired.
func (c *Claim) Redeemable(now time.Time) bool {
	return c.ConsumedAt == nil && now.Before(c.ExpiresAt)
}

// RedeemResult is what POST /claim/:code returns: the instance's public
// directory record plus the user_id the issuing instance bound the code
// to, so the client can correlate the pairing without the relay ever
// inventing end-user identity.
type RedeemResult struct {
	Directory
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

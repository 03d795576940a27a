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

// Package types holds the wire- and storage-level data model shared by
// every relay package: Instance, Claim, tunnel frames, and the small
// value types layered on top of them. Kept dependency-light (no backend,
// no transport) so it can be imported by both the relay and, eventually,
// an instance-side SDK without pulling in server internals.
package types

import "time"

// PublicKeySize is the length in bytes of an X25519 public key, the
// instance's long-term Noise identity.
const PublicKeySize = 32

// Instance is a self-hosted server registered with the relay.
// (InstanceID, PublicKey) is immutable after registration, Online
// implies a live ConnectionRegistry entry, and LastSeenAt is
// monotonically non-decreasing.
// Instance is the full persisted record, including fields (PublicKey,
// InstanceTokenHash) that must never reach a pairing client directly.
// Storage code marshals Instance as-is; RelayApi handlers must go
// through Directory or RedeemResult instead of marshaling Instance.
type Instance struct {
	InstanceID        string    `json:"instance_id"`
	PublicKey         []byte    `json:"public_key"`
	DirectURLs        []string  `json:"direct_urls"`
	LastSeenAt        time.Time `json:"last_seen_at"`
	Online            bool      `json:"online"`
	InstanceTokenHash []byte    `json:"instance_token_hash"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Directory is the subset of an Instance a pairing client is allowed to
// see: enough to dial and to run Noise_IK, nothing about relay-internal
// bookkeeping (token hashes, created/updated timestamps).
type Directory struct {
	InstanceID string   `json:"instance_id"`
	PublicKey  []byte   `json:"public_key"`
	DirectURLs []string `json:"direct_urls"`
	Online     bool     `json:"online"`
}

// Directory projects an Instance down to its public directory record.
func (i *Instance) Directory() Directory {
	return Directory{
		InstanceID: i.InstanceID,
		PublicKey:  append([]byte(nil), i.PublicKey...),
		DirectURLs: append([]string(nil), i.DirectURLs...),
		Online:     i.Online,
	}
}

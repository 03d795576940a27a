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

package noisesession

import (
	"crypto/rand"
	"io"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/dwongdev/mydia-relay/internal/relayerr"
)

// Session is one endpoint's view of a Noise_IK channel: handshake state
// until the second message completes it, then a pair of independent
// transport Directions (tx/rx).
type Session struct {
	mu sync.Mutex

	SessionID  string
	InstanceID string
	role       Role
	state      State

	hs    *symmetricState
	local KeyPair // this side's long-term static keypair
	ephem KeyPair

	remoteS [keySize]byte
	remoteE [keySize]byte

	tx *Direction
	rx *Direction

	handshakeHash [keySize]byte // channel binding, valid once state == StateTransport
	rand          io.Reader
}

// Config seeds a new Session.
type Config struct {
	// Role is Initiator (client) or Responder (instance).
	Role Role
	// Local is this side's long-term static keypair.
	Local KeyPair
	// RemoteStatic is the peer's long-term static public key. Required
	// for Initiator (the client already knows it from pairing); ignored
	// for Responder, which learns the initiator's static key during the
	// handshake's first message.
	RemoteStatic *[keySize]byte
	// InstanceID and ProtocolVersion feed the binding prologue
	// (session_id || instance_id || protocol_version_byte).
	InstanceID      string
	ProtocolVersion byte
	// Rand is the entropy source for ephemeral key generation; nil uses
	// crypto/rand.
	Rand io.Reader
}

// New constructs a Session in StateHandshake. sessionID is generated if
// empty.
func New(sessionID string, cfg Config) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s := &Session{
		SessionID:  sessionID,
		InstanceID: cfg.InstanceID,
		role:       cfg.Role,
		state:      StateHandshake,
		local:      cfg.Local,
		rand:       cfg.Rand,
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}

	ephem, err := GenerateKeyPair(s.rand)
	if err != nil {
		return nil, err
	}
	s.ephem = ephem

	prologue := append([]byte(sessionID), []byte(cfg.InstanceID)...)
	prologue = append(prologue, cfg.ProtocolVersion)
	s.hs = newSymmetricState(prologue)

	// Noise_IK pre-message: "<- s" — the responder's static key is known
	// to both sides before the first handshake message, either because
	// the initiator was told it out-of-band, or because the responder
	// simply mixes its own.
	if cfg.Role == Initiator {
		if cfg.RemoteStatic == nil {
			return nil, relayerr.Validation("initiator requires the responder's static public key")
		}
		s.remoteS = *cfg.RemoteStatic
		s.hs.mixHash(s.remoteS[:])
	} else {
		s.hs.mixHash(s.local.Public[:])
	}

	return s, nil
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HandshakeHash returns the completed handshake's transcript hash, used
// for channel binding. Valid only once State() == StateTransport.
func (s *Session) HandshakeHash() [keySize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeHash
}

// RemoteStaticKey returns the peer's long-term static public key, known
// to an Initiator from construction and learned by a Responder in
// ReadMessage1. Valid once past the first handshake
// message on either role.
func (s *Session) RemoteStaticKey() [keySize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteS
}

// WriteMessage1 (initiator only) produces the first IK handshake
// message: e, es, s, ss. payload may be empty.
func (s *Session) WriteMessage1(payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != Initiator || s.state != StateHandshake {
		return nil, relayerr.Validation("WriteMessage1 requires an initiator in handshake state")
	}

	out := append([]byte(nil), s.ephem.Public[:]...)
	s.hs.mixHash(s.ephem.Public[:])

	es, err := dh(s.ephem.Private, s.remoteS)
	if err != nil {
		return nil, err
	}
	if err := s.hs.mixKey(es[:]); err != nil {
		return nil, err
	}

	encS, err := s.hs.encryptAndHash(s.local.Public[:])
	if err != nil {
		return nil, err
	}
	out = append(out, encS...)

	ss, err := dh(s.local.Private, s.remoteS)
	if err != nil {
		return nil, err
	}
	if err := s.hs.mixKey(ss[:]); err != nil {
		return nil, err
	}

	encPayload, err := s.hs.encryptAndHash(payload)
	if err != nil {
		return nil, err
	}
	out = append(out, encPayload...)
	return out, nil
}

// ReadMessage1 (responder only) consumes the initiator's first message,
// learning its ephemeral and static public keys, and returns the
// decrypted payload.
func (s *Session) ReadMessage1(msg []byte) (payload []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != Responder || s.state != StateHandshake {
		return nil, relayerr.Validation("ReadMessage1 requires a responder in handshake state")
	}
	if len(msg) < keySize {
		return nil, relayerr.Validation("handshake message 1 too short")
	}

	copy(s.remoteE[:], msg[:keySize])
	rest := msg[keySize:]
	s.hs.mixHash(s.remoteE[:])

	es, err := dh(s.local.Private, s.remoteE)
	if err != nil {
		return nil, err
	}
	if err := s.hs.mixKey(es[:]); err != nil {
		return nil, err
	}

	// "s" is encrypted with a key (MixKey already ran): ciphertext is
	// keySize plus the AEAD's authentication tag.
	encSLen := keySize + chacha20poly1305.Overhead
	if len(rest) < encSLen {
		s.state = StateClosed
		return nil, relayerr.Unauthorized("handshake message 1 malformed")
	}
	decS, err := s.hs.decryptAndHash(rest[:encSLen])
	if err != nil {
		s.state = StateClosed
		return nil, err
	}
	copy(s.remoteS[:], decS)
	rest = rest[encSLen:]

	ss, err := dh(s.local.Private, s.remoteS)
	if err != nil {
		return nil, err
	}
	if err := s.hs.mixKey(ss[:]); err != nil {
		return nil, err
	}

	payload, err = s.hs.decryptAndHash(rest)
	if err != nil {
		s.state = StateClosed
		return nil, err
	}
	return payload, nil
}

// WriteMessage2 (responder only) produces the second, final IK message:
// e, ee, se. On return the session is in StateTransport.
func (s *Session) WriteMessage2(payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != Responder || s.state != StateHandshake {
		return nil, relayerr.Validation("WriteMessage2 requires a responder in handshake state")
	}

	out := append([]byte(nil), s.ephem.Public[:]...)
	s.hs.mixHash(s.ephem.Public[:])

	ee, err := dh(s.ephem.Private, s.remoteE)
	if err != nil {
		return nil, err
	}
	if err := s.hs.mixKey(ee[:]); err != nil {
		return nil, err
	}

	se, err := dh(s.ephem.Private, s.remoteS)
	if err != nil {
		return nil, err
	}
	if err := s.hs.mixKey(se[:]); err != nil {
		return nil, err
	}

	encPayload, err := s.hs.encryptAndHash(payload)
	if err != nil {
		return nil, err
	}
	out = append(out, encPayload...)

	if err := s.finishHandshake(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadMessage2 (initiator only) consumes the responder's final message.
// On return the session is in StateTransport.
func (s *Session) ReadMessage2(msg []byte) (payload []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != Initiator || s.state != StateHandshake {
		return nil, relayerr.Validation("ReadMessage2 requires an initiator in handshake state")
	}
	if len(msg) < keySize {
		return nil, relayerr.Validation("handshake message 2 too short")
	}

	copy(s.remoteE[:], msg[:keySize])
	rest := msg[keySize:]
	s.hs.mixHash(s.remoteE[:])

	ee, err := dh(s.ephem.Private, s.remoteE)
	if err != nil {
		return nil, err
	}
	if err := s.hs.mixKey(ee[:]); err != nil {
		return nil, err
	}

	se, err := dh(s.local.Private, s.remoteE)
	if err != nil {
		return nil, err
	}
	if err := s.hs.mixKey(se[:]); err != nil {
		return nil, err
	}

	payload, err = s.hs.decryptAndHash(rest)
	if err != nil {
		s.state = StateClosed
		return nil, err
	}

	if err := s.finishHandshake(); err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Session) finishHandshake() error {
	out1, out2, err := s.hs.split()
	if err != nil {
		return err
	}
	// Split()'s two outputs are, by Noise convention, "initiator sends
	// with out1 / receives with out2"; the responder's directions are
	// the mirror image.
	var txKey, rxKey [keySize]byte
	if s.role == Initiator {
		txKey, rxKey = out1, out2
	} else {
		txKey, rxKey = out2, out1
	}

	tx, err := newDirection(txKey)
	if err != nil {
		return err
	}
	rx, err := newDirection(rxKey)
	if err != nil {
		return err
	}
	s.tx = tx
	s.rx = rx
	s.handshakeHash = s.hs.h
	s.state = StateTransport
	s.hs = nil
	return nil
}

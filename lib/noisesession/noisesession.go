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

// Package noisesession implements the endpoint side (instance, not the
// relay) of the Noise_IK_25519_ChaChaPoly_SHA256 session layer: a client
// that already knows the instance's long-term static public key
// (delivered out-of-band by the relay's claim-redeem step) completes a
// two-message IK handshake with the instance, then exchanges
// replay-protected, rekey-capable transport frames over whatever byte
// stream carries them (in production, the relay tunnel's forwarded
// bytes). The relay itself never constructs a Session: it only ever sees
// the ciphertext this package produces.
//
// Built directly on golang.org/x/crypto's curve25519, chacha20poly1305,
// and hkdf primitives rather than a general-purpose Noise library; the
// message patterns and key schedule below follow the Noise Protocol
// Framework's IK pattern literally.
package noisesession

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/dwongdev/mydia-relay/internal/relayerr"
)

// Role distinguishes which side of the IK pattern a Session plays.
type Role int

const (
	Initiator Role = iota // the client; knows the responder's static public key in advance
	Responder             // the instance; authenticates the initiator's static key during the handshake
)

// State is the Session lifecycle: handshake, transport, closed.
type State int

const (
	StateHandshake State = iota
	StateTransport
	StateClosed
)

// Channel tags which logical stream a transport frame belongs to.
type Channel byte

const (
	ChannelAPI   Channel = 0x01
	ChannelMedia Channel = 0x02
)

const (
	protocolName  = "Noise_IK_25519_ChaChaPoly_SHA256"
	keySize       = 32
	rekeyAt       = uint64(1) << 32 // counter >= 2^32 triggers rekey
	frameVersion  = byte(1)
	frameHeaderSz = 1 + 1 + 1 + 8 // version, channel_id, flags, counter
)

// flags bits in the transport frame header.
const (
	flagRekeyed byte = 1 << 0 // this frame is the first sent after a rekey on this direction
)

// KeyPair is an X25519 static or ephemeral keypair.
type KeyPair struct {
	Private [keySize]byte
	Public  [keySize]byte
}

// GenerateKeyPair creates a fresh X25519 keypair using rand as the
// entropy source (crypto/rand.Reader in production).
func GenerateKeyPair(rand io.Reader) (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand, kp.Private[:]); err != nil {
		return KeyPair{}, err
	}
	// Clamp per RFC 7748 so every generated scalar is a valid X25519
	// private key regardless of the entropy source's exact distribution.
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

func dh(priv, pub [keySize]byte) ([keySize]byte, error) {
	var out [keySize]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}

// cipherState is one direction's AEAD key plus its strictly monotonic
// send/receive counter.
type cipherState struct {
	key     [keySize]byte
	hasKey  bool
	counter uint64 // next counter to use (send) or last accepted + 1 (receive)
}

// symmetricState carries the Noise handshake's running chaining key and
// transcript hash, per the Noise Protocol Framework's key-schedule rules
// (HKDF-SHA256 MixKey/MixHash/Split).
type symmetricState struct {
	ck [keySize]byte // chaining key
	h  [keySize]byte // running transcript hash
	cs cipherState
}

func newSymmetricState(prologue []byte) *symmetricState {
	s := &symmetricState{}
	if len(protocolName) <= keySize {
		copy(s.h[:], protocolName)
	} else {
		s.h = sha256.Sum256([]byte(protocolName))
	}
	s.ck = s.h
	s.mixHash(prologue)
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	h := sha256.New()
	h.Write(s.h[:])
	h.Write(data)
	copy(s.h[:], h.Sum(nil))
}

func hkdfExpand(chainingKey, ikm []byte, numOutputs int) ([][keySize]byte, error) {
	reader := hkdf.New(sha256.New, ikm, chainingKey[:], nil)
	outs := make([][keySize]byte, numOutputs)
	for i := range outs {
		if _, err := io.ReadFull(reader, outs[i][:]); err != nil {
			return nil, err
		}
	}
	return outs, nil
}

func (s *symmetricState) mixKey(ikm []byte) error {
	outs, err := hkdfExpand(s.ck[:], ikm, 2)
	if err != nil {
		return err
	}
	s.ck = outs[0]
	s.cs = cipherState{key: outs[1], hasKey: true}
	return nil
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !s.cs.hasKey {
		s.mixHash(plaintext)
		return append([]byte(nil), plaintext...), nil
	}
	aead, err := chacha20poly1305.New(s.cs.key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], s.cs.counter)
	s.cs.counter++
	ciphertext := aead.Seal(nil, nonce, plaintext, s.h[:])
	s.mixHash(ciphertext)
	return ciphertext, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !s.cs.hasKey {
		s.mixHash(ciphertext)
		return append([]byte(nil), ciphertext...), nil
	}
	aead, err := chacha20poly1305.New(s.cs.key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], s.cs.counter)
	s.cs.counter++
	plaintext, err := aead.Open(nil, nonce, ciphertext, s.h[:])
	if err != nil {
		return nil, relayerr.Unauthorized("noise handshake decryption failed")
	}
	s.mixHash(ciphertext)
	return plaintext, nil
}

func (s *symmetricState) split() (sendKey, recvKey [keySize]byte, err error) {
	outs, err := hkdfExpand(s.ck[:], nil, 2)
	if err != nil {
		return sendKey, recvKey, err
	}
	return outs[0], outs[1], nil
}

// Direction holds one direction's live transport AEAD key and counter.
// Encrypt/Decrypt are not safe for concurrent use on the same Direction;
// Session serializes access with its own mutex.
type Direction struct {
	key     [keySize]byte
	counter uint64 // send: next counter to use. recv: last accepted counter + 1 (0 before first frame).
	aead    cipher.AEAD
}

func newDirection(key [keySize]byte) (*Direction, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &Direction{key: key, aead: aead}, nil
}

func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

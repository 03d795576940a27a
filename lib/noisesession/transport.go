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
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/dwongdev/mydia-relay/internal/relayerr"
)

// Encrypt seals plaintext for channel, using the session's current send
// direction, and returns the framed ciphertext ready to write to the
// wire: version(1) || channel_id(1) || flags(1) || counter(8 BE) ||
// ciphertext. The header is additionally authenticated as AEAD
// associated data. Triggers an automatic rekey (and signals it via the
// flags byte) when the outgoing counter would reach 2^32.
func (s *Session) Encrypt(channel Channel, plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTransport {
		return nil, relayerr.Validation("Encrypt requires an established transport session")
	}

	var flags byte
	if s.tx.counter >= rekeyAt {
		if err := s.rekeyDirection(s.tx); err != nil {
			return nil, err
		}
		flags |= flagRekeyed
	}

	header := make([]byte, frameHeaderSz)
	header[0] = frameVersion
	header[1] = byte(channel)
	header[2] = flags
	binary.BigEndian.PutUint64(header[3:], s.tx.counter)

	nonce := nonceFor(s.tx.counter)
	s.tx.counter++

	ciphertext := s.tx.aead.Seal(nil, nonce, plaintext, header)
	return append(header, ciphertext...), nil
}

// Decrypt parses and opens a framed ciphertext produced by the peer's
// Encrypt. It enforces strict replay protection: the frame's counter
// must be strictly greater than the last accepted counter for this
// direction. A replayed or out-of-order-low counter returns relayerr
// with code CodeUnauthorized and closes the session. A frame carrying the
// rekey flag skips the counter check and is opened under the next key
// generation; a replay of such a frame fails to open and is discarded
// without closing the session, like any other decryption failure.
func (s *Session) Decrypt(frame []byte) (channel Channel, plaintext []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTransport {
		return 0, nil, relayerr.Validation("Decrypt requires an established transport session")
	}
	if len(frame) < frameHeaderSz {
		return 0, nil, relayerr.Validation("transport frame shorter than its header")
	}

	header := frame[:frameHeaderSz]
	if header[0] != frameVersion {
		return 0, nil, relayerr.Validation("unsupported transport frame version %d", header[0])
	}
	ch := Channel(header[1])
	flags := header[2]
	counter := binary.BigEndian.Uint64(header[3:frameHeaderSz])

	// The rekey flag means the sender rotated its send key and reset its
	// counter before producing this very frame, so the ciphertext is
	// already under the next key generation. Ratchet into a candidate
	// key, but commit nothing until Open succeeds: a replayed or forged
	// flagged frame must not be able to desync the receive direction.
	aead := s.rx.aead
	rekeyed := flags&flagRekeyed != 0
	var nextKey [keySize]byte
	if rekeyed {
		nextKey, err = defaultRekey(s.rx.key)
		if err != nil {
			return 0, nil, err
		}
		aead, err = chacha20poly1305.New(nextKey[:])
		if err != nil {
			return 0, nil, err
		}
	} else if counter < s.rx.counter {
		s.state = StateClosed
		return 0, nil, relayerr.Unauthorized("replay_detected")
	}

	nonce := nonceFor(counter)
	plaintext, err = aead.Open(nil, nonce, frame[frameHeaderSz:], header)
	if err != nil {
		// Decryption failure in transport discards the frame but does not
		// close the session — unlike a replay or a handshake failure.
		return 0, nil, relayerr.Unauthorized("transport frame decryption failed")
	}

	// Accept only after a successful open: a forged counter with a bad
	// tag must not advance rx.counter (or the key generation) and open a
	// replay window.
	if rekeyed {
		s.rx.key = nextKey
		s.rx.aead = aead
	}
	s.rx.counter = counter + 1

	return ch, plaintext, nil
}

// rekeyDirection replaces dir's AEAD key with the ratchet derivation and
// resets its counter to 0. Caller holds s.mu.
func (s *Session) rekeyDirection(dir *Direction) error {
	nextKey, err := defaultRekey(dir.key)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(nextKey[:])
	if err != nil {
		return err
	}
	dir.key = nextKey
	dir.aead = aead
	dir.counter = 0
	return nil
}

func defaultRekey(currentKey [keySize]byte) ([keySize]byte, error) {
	outs, err := hkdfExpand(currentKey[:], []byte("mydia-relay noise rekey"), 1)
	if err != nil {
		return [keySize]byte{}, err
	}
	return outs[0], nil
}

// TxCounter and RxCounter expose the current per-direction counters, for
// metrics and tests (e.g. asserting the boundary behaviour at 2^32-1).
func (s *Session) TxCounter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx.counter
}

func (s *Session) RxCounter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rx.counter
}

// Close transitions the session to StateClosed. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

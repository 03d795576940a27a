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

// Package relaytunnel implements the server side of an instance's
// long-lived control channel. One
// Connection is created per inbound TLS connection; it runs the
// awaiting_hello -> active -> closing/closed state machine, registers
// itself in connregistry once authenticated, and bridges
// forward_request/response traffic to pendingrequests.
package relaytunnel

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/dwongdev/mydia-relay/api/types"
	"github.com/dwongdev/mydia-relay/internal/relayerr"
)

// maxFrameSize bounds a single CBOR-encoded frame: an oversized length
// prefix is treated the same as a malformed frame (fatal to the
// connection) rather than an unbounded read.
const maxFrameSize = 4 << 20

const lengthPrefixSize = 4

// Conn is the transport a WireConn frames on top of. net.Conn satisfies
// it; tests use an in-memory net.Pipe().
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

var _ Conn = (net.Conn)(nil)

// WireConn frames tagged records on a persistent bidirectional channel
// as length-delimited CBOR: a 4-byte big-endian length prefix followed
// by a CBOR-encoded types.Frame. Not safe for concurrent ReadFrame
// calls, nor concurrent WriteFrame calls (Connection serializes each
// side onto its own goroutine).
type WireConn struct {
	conn Conn
	enc  cbor.EncMode
	dec  cbor.DecMode
}

// NewWireConn wraps conn. Encoding uses the library's canonical CBOR
// options; decoding keeps the library defaults except for a raised
// array-element limit (1<<20).
func NewWireConn(conn Conn) (*WireConn, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{MaxArrayElements: 1 << 20}.DecMode()
	if err != nil {
		return nil, err
	}
	return &WireConn{conn: conn, enc: enc, dec: dec}, nil
}

// WriteFrame encodes and writes one frame. Any error here is fatal to
// the connection.
func (w *WireConn) WriteFrame(f types.Frame) error {
	payload, err := w.enc.Marshal(f)
	if err != nil {
		return err
	}
	if len(payload) > maxFrameSize {
		return relayerr.Validation("outbound frame exceeds maximum size")
	}
	prefix := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
	if _, err := w.conn.Write(prefix); err != nil {
		return err
	}
	_, err = w.conn.Write(payload)
	return err
}

// ReadFrame blocks for and decodes the next frame. deadline, if
// non-zero, is applied to the underlying connection before reading so
// the idle timeout is enforced without a separate timer goroutine per
// connection.
func (w *WireConn) ReadFrame(deadline time.Time) (types.Frame, error) {
	if err := w.conn.SetReadDeadline(deadline); err != nil {
		return types.Frame{}, err
	}
	prefix := make([]byte, lengthPrefixSize)
	if _, err := io.ReadFull(w.conn, prefix); err != nil {
		return types.Frame{}, err
	}
	size := binary.BigEndian.Uint32(prefix)
	if size > maxFrameSize {
		return types.Frame{}, relayerr.Validation("inbound frame exceeds maximum size")
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(w.conn, payload); err != nil {
		return types.Frame{}, err
	}
	var frame types.Frame
	if err := w.dec.Unmarshal(payload, &frame); err != nil {
		return types.Frame{}, relayerr.Validation("malformed frame: %v", err)
	}
	return frame, nil
}

// Close tears down the underlying connection.
func (w *WireConn) Close() error { return w.conn.Close() }

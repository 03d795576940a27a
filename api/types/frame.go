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

// FrameKind tags the variant carried by a Frame. Unknown kinds are a
// protocol error — there is no catch-all case.
type FrameKind string

const (
	FrameHello          FrameKind = "hello"
	FrameWelcome        FrameKind = "welcome"
	FrameHeartbeat      FrameKind = "heartbeat"
	FrameAck            FrameKind = "ack"
	FrameForwardRequest FrameKind = "forward_request"
	FrameResponse       FrameKind = "response"
	FrameStreamChunk    FrameKind = "stream_chunk"
	FrameStreamEnd      FrameKind = "stream_end"
	FrameCancel         FrameKind = "cancel"
	FrameError          FrameKind = "error"
)

// Frame is the tagged record exchanged over the instance control channel.
// Exactly one of the payload fields is populated, selected by Kind. CBOR
// field tags keep the wire size small relative to JSON since every frame
// on a long-lived connection pays this cost.
type Frame struct {
	Kind FrameKind `cbor:"1,keyasint"`

	Hello          *HelloPayload          `cbor:"2,keyasint,omitempty"`
	Welcome        *WelcomePayload        `cbor:"3,keyasint,omitempty"`
	Heartbeat      *HeartbeatPayload      `cbor:"4,keyasint,omitempty"`
	Ack            *AckPayload            `cbor:"5,keyasint,omitempty"`
	ForwardRequest *ForwardRequestPayload `cbor:"6,keyasint,omitempty"`
	Response       *ResponsePayload       `cbor:"7,keyasint,omitempty"`
	StreamChunk    *StreamChunkPayload    `cbor:"8,keyasint,omitempty"`
	StreamEnd      *StreamEndPayload      `cbor:"9,keyasint,omitempty"`
	Cancel         *CancelPayload         `cbor:"10,keyasint,omitempty"`
	Error          *ErrorPayload          `cbor:"11,keyasint,omitempty"`
}

type HelloPayload struct {
	InstanceID        string   `cbor:"1,keyasint"`
	Token             string   `cbor:"2,keyasint"`
	SupportedVersions []string `cbor:"3,keyasint"`
}

type WelcomePayload struct {
	NegotiatedVersion string `cbor:"1,keyasint"`
	ServerTime        int64  `cbor:"2,keyasint"` // unix seconds
}

type HeartbeatPayload struct {
	DirectURLs []string `cbor:"1,keyasint,omitempty"`
}

type AckPayload struct{}

type ForwardRequestPayload struct {
	RequestID string `cbor:"1,keyasint"`
	Payload   []byte `cbor:"2,keyasint"`
}

type ResponsePayload struct {
	RequestID string `cbor:"1,keyasint"`
	Payload   []byte `cbor:"2,keyasint,omitempty"`
	Error     string `cbor:"3,keyasint,omitempty"`
}

type StreamChunkPayload struct {
	RequestID string `cbor:"1,keyasint"`
	Seq       uint64 `cbor:"2,keyasint"`
	Data      []byte `cbor:"3,keyasint"`
}

type StreamEndPayload struct {
	RequestID string `cbor:"1,keyasint"`
}

type CancelPayload struct {
	RequestID string `cbor:"1,keyasint"`
}

type ErrorPayload struct {
	Code              string   `cbor:"1,keyasint"`
	Message           string   `cbor:"2,keyasint"`
	SupportedVersions []string `cbor:"3,keyasint,omitempty"`
}

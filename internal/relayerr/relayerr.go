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

// Package relayerr defines the error taxonomy shared by every surface of
// the relay: the RelayApi JSON responses and the RelayProtocol tunnel's
// error frames both derive from the same small set of constructors so a
// given failure is never reported two different ways depending on which
// transport the caller used.
package relayerr

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// Code is the stable, user-visible identifier carried in both the HTTP
// JSON error body and the tunnel error frame. Never renamed once shipped.
type Code string

const (
	CodeValidation          Code = "validation"
	CodeNotFound            Code = "not_found"
	CodeAlreadyConsumed     Code = "already_consumed"
	CodeExpired             Code = "expired"
	CodeUnauthorized        Code = "unauthorized"
	CodeConflict            Code = "conflict"
	CodeVersionIncompatible Code = "version_incompatible"
	CodeTunnelDisconnected  Code = "tunnel_disconnected"
	CodeInstanceOffline     Code = "instance_offline"
	CodeTimeout             Code = "timeout"
)

// Error is a domain error carrying one of the Code values above. It is
// always produced already wrapped by trace.Wrap, so trace.DebugReport
// still works for operators while callers match on Code rather than on
// message text.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

func new(code Code, format string, args ...any) error {
	return trace.Wrap(&Error{Code: code, Message: fmt.Sprintf(format, args...)})
}

// Validation reports that the caller supplied a malformed request.
func Validation(format string, args ...any) error { return new(CodeValidation, format, args...) }

// NotFound reports that no record exists for the given key.
func NotFound(format string, args ...any) error { return new(CodeNotFound, format, args...) }

// AlreadyConsumed reports that a claim's terminal write already happened.
func AlreadyConsumed(format string, args ...any) error {
	return new(CodeAlreadyConsumed, format, args...)
}

// Expired reports that a claim's TTL elapsed before it was consumed.
// Never collapsed into NotFound.
func Expired(format string, args ...any) error { return new(CodeExpired, format, args...) }

// Unauthorized reports an authentication or authorization failure. The
// message never discloses which specific check failed.
func Unauthorized(format string, args ...any) error { return new(CodeUnauthorized, format, args...) }

// Conflict reports instance_id reuse with a mismatched public key.
func Conflict(format string, args ...any) error { return new(CodeConflict, format, args...) }

// VersionIncompatible reports a failed protocol-version negotiation.
func VersionIncompatible(format string, args ...any) error {
	return new(CodeVersionIncompatible, format, args...)
}

// TunnelDisconnected reports that an in-flight forward lost its instance
// connection mid-flight. Retriable by the caller.
func TunnelDisconnected(format string, args ...any) error {
	return new(CodeTunnelDisconnected, format, args...)
}

// InstanceOffline reports that no live tunnel registration exists for the
// target instance. Retriable by the caller.
func InstanceOffline(format string, args ...any) error {
	return new(CodeInstanceOffline, format, args...)
}

// Timeout reports that a forwarded request's ceiling elapsed with no
// response. Retriable by the caller.
func Timeout(format string, args ...any) error { return new(CodeTimeout, format, args...) }

// CodeOf maps any error back to its stable Code. Errors that did not
// originate from this package's constructors map to CodeValidation, the
// safest default for an HTTP 4xx-equivalent response.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeValidation
}

// Is reports whether err carries the given Code, for use in tests and in
// callers that only care about one specific outcome.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

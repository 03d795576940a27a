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

// Package protocolversion implements the multi-version handshake so old
// instance builds can be told to upgrade rather than silently fail.
package protocolversion

import (
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// Supported is the hard-coded list of protocol versions this relay
// build understands, newest first. A major version is the integer
// before the first '.'.
var Supported = []string{"1.0"}

// Negotiate returns the highest version in Supported whose major version
// also appears in remote, or ErrNoCompatibleVersion if none match.
func Negotiate(remote []string) (string, error) {
	remoteMajors := make(map[int]bool, len(remote))
	for _, v := range remote {
		major, ok := majorOf(v)
		if !ok {
			continue
		}
		remoteMajors[major] = true
	}
	for _, v := range Supported {
		major, ok := majorOf(v)
		if !ok {
			continue
		}
		if remoteMajors[major] {
			return v, nil
		}
	}
	return "", trace.Wrap(ErrNoCompatibleVersion)
}

// ErrNoCompatibleVersion is returned by Negotiate when remote shares no
// major version with Supported.
var ErrNoCompatibleVersion = &noCompatibleVersionError{}

type noCompatibleVersionError struct{}

func (*noCompatibleVersionError) Error() string { return "no_compatible_version" }

func majorOf(version string) (int, bool) {
	idx := strings.IndexByte(version, '.')
	if idx < 0 {
		idx = len(version)
	}
	major, err := strconv.Atoi(version[:idx])
	if err != nil {
		return 0, false
	}
	return major, true
}

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

// Package namespace derives short, time-rotating rendezvous names from a
// claim code. The derivation never touches the persistent store: it's a
// pure function of the code, the epoch, and a process-wide secret
// ("pepper") loaded once at startup.
package namespace

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

const (
	prefix        = "mydia-claim:"
	epochDuration = time.Hour
	pepperCacheSz = 4
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Deriver derives and validates rendezvous namespaces from claim codes.
// A Deriver is safe for concurrent use; the master pepper is read-only
// after construction.
type Deriver struct {
	masterPepper []byte
	clock        clockwork.Clock

	mu     sync.Mutex
	pepper *lru.Cache[int64, []byte] // epoch -> effective pepper, memoized
}

// New constructs a Deriver. masterPepper must be at least 32 random
// bytes; rotating it invalidates every outstanding namespace, by design.
func New(masterPepper []byte, clock clockwork.Clock) *Deriver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cache, _ := lru.New[int64, []byte](pepperCacheSz)
	return &Deriver{masterPepper: append([]byte(nil), masterPepper...), clock: clock, pepper: cache}
}

func (d *Deriver) effectivePepper(epoch int64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pepper.Get(epoch); ok {
		return p
	}
	mac := hmac.New(sha256.New, d.masterPepper)
	mac.Write([]byte(strconv.FormatInt(epoch, 10)))
	p := mac.Sum(nil)
	d.pepper.Add(epoch, p)
	return p
}

func (d *Deriver) currentEpoch() int64 {
	return d.clock.Now().Unix() / int64(epochDuration.Seconds())
}

func tokenFor(effectivePepper []byte, code string) string {
	mac := hmac.New(sha256.New, effectivePepper)
	mac.Write([]byte(code))
	return strings.ToLower(encoding.EncodeToString(mac.Sum(nil)))
}

// Derive returns the current namespace string for code.
func (d *Deriver) Derive(code string) string {
	return prefix + tokenFor(d.effectivePepper(d.currentEpoch()), code)
}

// Valid reports whether namespace is a valid rendezvous name for code,
// accepting both the current epoch and the immediately preceding one (a
// one-epoch grace window so participants straddling an epoch boundary
// still find each other).
func (d *Deriver) Valid(code, ns string) bool {
	current := d.currentEpoch()
	for _, epoch := range []int64{current, current - 1} {
		candidate := prefix + tokenFor(d.effectivePepper(epoch), code)
		if hmac.Equal([]byte(candidate), []byte(ns)) {
			return true
		}
	}
	return false
}

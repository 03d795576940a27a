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

package relayapi

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// POST /claim/:code, being reachable without any credential, gets its
// own per-source-IP limiter layered on top of whatever general API
// limiting a deployment applies upstream (a reverse proxy, typically —
// this limiter is the relay's own floor, not a substitute for one).
const (
	defaultRedeemRate  rate.Limit = 5
	defaultRedeemBurst            = 10
)

// ipRateLimiter hands out one token-bucket limiter per source IP,
// evicting nothing: the deployment scale (a relay fronting a modest
// fleet of self-hosted instances) doesn't justify a bounded LRU here, but
// the constructor is free to wrap this in one later if that changes.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newIPRateLimiter(r rate.Limit, burst int) *ipRateLimiter {
	return &ipRateLimiter{limiters: make(map[string]*rate.Limiter), r: r, burst: burst}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// sourceIP extracts the request's source IP, stripping any port.
func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

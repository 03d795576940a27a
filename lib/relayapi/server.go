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

// Package relayapi implements the stateless, client-facing HTTP surface
// for registration, heartbeat, claim-code pairing, and tunneled request
// forwarding, plus the admin/observability surface (/healthz, /readyz,
// /metrics, /admin/events). Built on julienschmidt/httprouter and
// net/http: plain handler funcs registered on a router, JSON bodies, no
// framework-level middleware chain.
package relayapi

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/dwongdev/mydia-relay/internal/relaylog"
	"github.com/dwongdev/mydia-relay/lib/adminfeed"
	"github.com/dwongdev/mydia-relay/lib/claimstore"
	"github.com/dwongdev/mydia-relay/lib/connregistry"
	"github.com/dwongdev/mydia-relay/lib/instancestore"
	"github.com/dwongdev/mydia-relay/lib/namespace"
	"github.com/dwongdev/mydia-relay/lib/pendingrequests"

	"github.com/jonboulle/clockwork"
)

var log = relaylog.For("relayapi")

// DefaultForwardCeiling is the default wait for a forwarded request's
// response.
const DefaultForwardCeiling = 30 * time.Second

// Deps are the collaborators Server needs.
type Deps struct {
	Claims    *claimstore.Store
	Instances *instancestore.Store
	Registry  *connregistry.Registry
	Pending   *pendingrequests.Table
	Namespace *namespace.Deriver
	Events    *adminfeed.Hub
	Clock     clockwork.Clock

	// Probe is consulted by readyz; it should report whether the
	// persistent store is currently reachable.
	Probe func() error

	// AdminToken gates /admin/events. An empty value disables the
	// endpoint entirely (returns 404) rather than accepting any bearer.
	AdminToken string

	// ForwardCeiling overrides DefaultForwardCeiling.
	ForwardCeiling time.Duration

	// ClaimRedeemLimiter overrides the default rate limit
	// (5 req/s, burst 10, per source IP) on POST /claim/:code.
	ClaimRedeemLimiter *ipRateLimiter
}

func (d *Deps) forwardCeiling() time.Duration {
	if d.ForwardCeiling > 0 {
		return d.ForwardCeiling
	}
	return DefaultForwardCeiling
}

func (d *Deps) clock() clockwork.Clock {
	if d.Clock == nil {
		return clockwork.NewRealClock()
	}
	return d.Clock
}

// Server is the RelayApi HTTP handler.
type Server struct {
	deps   Deps
	router *httprouter.Router
}

// NewServer builds a Server wired per deps. A nil ClaimRedeemLimiter is
// replaced with the default limiter.
func NewServer(deps Deps) *Server {
	if deps.ClaimRedeemLimiter == nil {
		deps.ClaimRedeemLimiter = newIPRateLimiter(defaultRedeemRate, defaultRedeemBurst)
	}
	s := &Server{deps: deps, router: httprouter.New()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.POST("/instances", s.handleRegister)
	s.router.PUT("/instances/:id/heartbeat", s.handleHeartbeat)
	s.router.POST("/instances/:id/claim", s.handleCreateClaim)
	s.router.POST("/claim/:code", s.handleRedeemClaim)
	s.router.POST("/instances/:id/claim/consume", s.handleConsumeClaim)
	s.router.GET("/instances/:id/connect", s.handleConnect)
	s.router.POST("/instances/:id/forward", s.handleForward)

	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/readyz", s.handleReadyz)
	s.router.GET("/metrics", s.handleMetrics)
	s.router.GET("/admin/events", s.handleAdminEvents)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

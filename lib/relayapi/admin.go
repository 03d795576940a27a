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
	"crypto/subtle"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dwongdev/mydia-relay/internal/relaymetrics"
)

// handleHealthz implements GET /healthz: liveness only. Reaching this
// handler at all proves the listener and router are up, so it always
// answers 200.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// handleReadyz implements GET /readyz: 200 only once the persistent
// store is reachable.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.Probe != nil {
		if err := s.deps.Probe(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{ErrorCode: "not_ready", Message: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// handleMetrics implements GET /metrics in Prometheus exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	promhttp.HandlerFor(relaymetrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// handleAdminEvents implements GET /admin/events: a websocket broadcast
// of registry/presence transitions, authenticated by a separate admin
// bearer token that carries no authority over the instance or claim
// endpoints. An unconfigured AdminToken disables the endpoint (404)
// rather than accepting any bearer.
func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.AdminToken == "" {
		http.NotFound(w, r)
		return
	}
	token := bearerToken(r)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
		writeJSON(w, http.StatusUnauthorized, errorBody{ErrorCode: "unauthorized", Message: "invalid admin token"})
		return
	}
	if s.deps.Events == nil {
		http.NotFound(w, r)
		return
	}
	s.deps.Events.ServeWS(w, r)
}

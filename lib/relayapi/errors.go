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
	"encoding/json"
	"net/http"

	"github.com/dwongdev/mydia-relay/internal/relayerr"
)

// errorStatus maps a relayerr.Code to its HTTP status. Codes with no
// explicit mapping fall back to 400, matching relayerr.CodeOf's own
// safest-default behaviour.
func errorStatus(code relayerr.Code) int {
	switch code {
	case relayerr.CodeValidation:
		return http.StatusBadRequest
	case relayerr.CodeNotFound:
		return http.StatusNotFound
	case relayerr.CodeAlreadyConsumed:
		return http.StatusConflict
	case relayerr.CodeExpired:
		return http.StatusGone
	case relayerr.CodeUnauthorized:
		return http.StatusUnauthorized
	case relayerr.CodeConflict:
		return http.StatusConflict
	case relayerr.CodeVersionIncompatible:
		return http.StatusBadRequest
	case relayerr.CodeTunnelDisconnected:
		return http.StatusBadGateway
	case relayerr.CodeInstanceOffline:
		return http.StatusServiceUnavailable
	case relayerr.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

// errorBody is the API error shape: {error_code, message, details?}.
type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := relayerr.CodeOf(err)
	writeJSON(w, errorStatus(code), errorBody{ErrorCode: string(code), Message: err.Error()})
}

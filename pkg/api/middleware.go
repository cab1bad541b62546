/*
 * Copyright 2025 Termdock Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/termdock/termdock/pkg/models"
	"github.com/termdock/termdock/pkg/origin"
	"github.com/termdock/termdock/pkg/policy"
)

// gateway is the per-request access chain: blocked-origin check, bearer
// token, tier check, endpoint quota. Bypass endpoints skip the whole chain;
// WebSocket upgrades authenticate inside the stream manager, so they skip
// the token and quota steps but still face the origin checks.
func (s *APIServer) gateway(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.access.Bypassed(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		addr := origin.ClientAddr(r)
		tier := origin.FromRequest(r)
		isUpgrade := strings.HasPrefix(r.URL.Path, "/ws")

		if blocked, retryAfter := s.authLim.Blocked(addr); blocked {
			s.logger.Warn().
				Str("origin", addr).
				Str("path", r.URL.Path).
				Msg("Request from blocked origin rejected")
			writeRateLimited(w, retryAfter)

			return
		}

		if !isUpgrade {
			token := bearerToken(r)
			if token == "" {
				// Tokenless requests count against the origin too, so
				// endpoint probing without credentials still ends in a
				// block.
				s.authLim.RecordFailure(addr)
				writeError(w, http.StatusUnauthorized, models.ErrAuthenticationRequired.Error())

				return
			}

			if !s.tokens.Validate(token) {
				s.authLim.RecordFailure(addr)
				writeError(w, http.StatusUnauthorized, models.ErrInvalidToken.Error())

				return
			}

			s.authLim.RecordSuccess(addr)
		}

		required := s.access.RequiredLevel(r.Method, r.URL.Path)
		if !policy.IsAccessAllowed(tier, required) {
			accessErr := &models.AccessDeniedError{Required: required.String(), Actual: tier.String()}
			s.logger.Debug().
				Str("origin", addr).
				Str("path", r.URL.Path).
				Str("required", required.String()).
				Str("tier", tier.String()).
				Msg("Access denied by tier policy")
			writeError(w, http.StatusForbidden, accessErr.Error())

			return
		}

		if !isUpgrade {
			decision := s.endLim.Allow(addr, r.Method, r.URL.Path)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(decision.ResetIn.Seconds())))

			if !decision.Allowed {
				writeRateLimited(w, decision.ResetIn)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the credential from the Authorization header. The
// value itself is never logged.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	return ""
}

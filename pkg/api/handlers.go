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
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/termdock/termdock/pkg/models"
	"github.com/termdock/termdock/pkg/origin"
	"github.com/termdock/termdock/pkg/stream"
)

const (
	appSessionCookie = "termdock_app"
	appTokenTTL      = 24 * time.Hour
)

func (s *APIServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.HealthStatus{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

// handleConnect serves unauthenticated discovery info. It never includes the
// bearer token; the fingerprint lets a paired client recognize the host.
func (s *APIServer) handleConnect(w http.ResponseWriter, _ *http.Request) {
	fingerprint, err := s.hostID.Fingerprint()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to resolve host fingerprint")
		writeError(w, http.StatusInternalServerError, "identity unavailable")

		return
	}

	writeJSON(w, http.StatusOK, models.ConnectInfo{
		Port:        s.cfg.Port,
		Addresses:   s.hostAddresses(),
		Fingerprint: fingerprint,
	})
}

// handleVerifyHandshake burns a pairing nonce. The route bypasses the
// gateway, so the blocked-origin check runs here; failed verifications feed
// the same limiter as failed token auth.
func (s *APIServer) handleVerifyHandshake(w http.ResponseWriter, r *http.Request) {
	addr := origin.ClientAddr(r)

	if blocked, retryAfter := s.authLim.Blocked(addr); blocked {
		writeRateLimited(w, retryAfter)
		return
	}

	var req models.VerifyHandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.nonces.VerifyNonce(req.Nonce); err != nil {
		s.authLim.RecordFailure(addr)
		writeJSON(w, http.StatusForbidden, models.VerifyHandshakeResponse{
			Valid: false,
			Error: err.Error(),
		})

		return
	}

	fingerprint, err := s.hostID.Fingerprint()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to resolve host fingerprint")
		writeError(w, http.StatusInternalServerError, "identity unavailable")

		return
	}

	writeJSON(w, http.StatusOK, models.VerifyHandshakeResponse{
		Valid:       true,
		Fingerprint: fingerprint,
	})
}

// handlePairing returns the full v2 payload the host renders as a QR code:
// primary token, fingerprint and a fresh single-use nonce.
func (s *APIServer) handlePairing(w http.ResponseWriter, _ *http.Request) {
	token, err := s.tokens.EnsurePrimaryToken()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to ensure primary token")
		writeError(w, http.StatusInternalServerError, "token authority unavailable")

		return
	}

	fingerprint, err := s.hostID.Fingerprint()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to resolve host fingerprint")
		writeError(w, http.StatusInternalServerError, "identity unavailable")

		return
	}

	nonce, nonceExpires, err := s.nonces.CreateNonce()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create handshake nonce")
		writeError(w, http.StatusInternalServerError, "nonce store unavailable")

		return
	}

	hosts := s.hostAddresses()

	host := ""
	if len(hosts) > 0 {
		host = hosts[0]
	}

	writeJSON(w, http.StatusOK, models.PairingPayload{
		Type:         models.PairingPayloadType,
		Version:      models.PairingPayloadVersion,
		Host:         host,
		Hosts:        hosts,
		Port:         s.cfg.Port,
		Token:        token,
		Fingerprint:  fingerprint,
		Nonce:        nonce,
		NonceExpires: nonceExpires,
	})
}

type spawnResponse struct {
	ID string `json:"id"`
}

func (s *APIServer) handleSpawnSession(w http.ResponseWriter, r *http.Request) {
	var opts stream.SpawnOptions
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	id, err := s.runtime.Spawn(r.Context(), opts)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to spawn session")
		writeError(w, http.StatusInternalServerError, "failed to spawn session")

		return
	}

	// Install the listener now so output before the first subscriber is
	// buffered rather than lost.
	s.manager.Track(id)

	writeJSON(w, http.StatusCreated, spawnResponse{ID: id})
}

type sessionListResponse struct {
	Sessions []string `json:"sessions"`
}

func (s *APIServer) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.runtime.Sessions()
	if sessions == nil {
		sessions = []string{}
	}

	writeJSON(w, http.StatusOK, sessionListResponse{Sessions: sessions})
}

func (s *APIServer) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.runtime.Kill(id); err != nil {
		writeError(w, http.StatusNotFound, models.ErrStreamNotFound.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (s *APIServer) handleResizeSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.runtime.Resize(id, req.Cols, req.Rows); err != nil {
		writeError(w, http.StatusNotFound, models.ErrStreamNotFound.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateSettings accepts host settings changes. Admin tier only; the
// settings themselves are applied by the embedding application.
func (s *APIServer) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.logger.Info().Int("keys", len(settings)).Msg("Settings update accepted")
	w.WriteHeader(http.StatusNoContent)
}

const appPage = `<!DOCTYPE html>
<html>
<head><title>termdock</title></head>
<body><h1>termdock</h1><p>Session active.</p></body>
</html>
`

// handleAppBootstrap serves the static UI. A one-shot ?session= token is
// exchanged for a cookie so the token never sticks in browser history.
func (s *APIServer) handleAppBootstrap(w http.ResponseWriter, r *http.Request) {
	addr := origin.ClientAddr(r)

	if blocked, retryAfter := s.authLim.Blocked(addr); blocked {
		writeRateLimited(w, retryAfter)
		return
	}

	if oneShot := r.URL.Query().Get("session"); oneShot != "" {
		// Only ad-hoc expiring tokens may be exchanged here. The exchange
		// burns the presented token, and burning the primary would unpair
		// every companion.
		if s.tokens.IsPrimary(oneShot) || !s.tokens.Validate(oneShot) {
			s.authLim.RecordFailure(addr)
			writeError(w, http.StatusUnauthorized, models.ErrInvalidToken.Error())

			return
		}

		s.tokens.Revoke(oneShot)

		cookieToken, _, err := s.tokens.IssueToken(appTokenTTL)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to issue app session token")
			writeError(w, http.StatusInternalServerError, "token authority unavailable")

			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     appSessionCookie,
			Value:    cookieToken,
			Path:     "/app",
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
			MaxAge:   int(appTokenTTL.Seconds()),
		})

		http.Redirect(w, r, r.URL.Path, http.StatusFound)

		return
	}

	cookie, err := r.Cookie(appSessionCookie)
	if err != nil || !s.tokens.Validate(cookie.Value) {
		writeError(w, http.StatusUnauthorized, models.ErrAuthenticationRequired.Error())
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(appPage))
}

func (s *APIServer) handleControlWS(w http.ResponseWriter, r *http.Request) {
	s.manager.HandleControl(w, r)
}

func (s *APIServer) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeError(w, http.StatusNotFound, models.ErrUpgradeUnknownPath.Error())
		return
	}

	s.manager.HandleSession(w, r, id)
}

// hostAddresses lists the host's non-loopback IPv4 addresses plus any
// configured extras, for the pairing and discovery payloads.
func (s *APIServer) hostAddresses() []string {
	var hosts []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to enumerate interface addresses")
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}

		if v4 := ipNet.IP.To4(); v4 != nil {
			hosts = append(hosts, v4.String())
		}
	}

	hosts = append(hosts, s.cfg.ExtraHosts...)

	return hosts
}

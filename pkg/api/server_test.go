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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/termdock/termdock/pkg/identity"
	"github.com/termdock/termdock/pkg/logger"
	"github.com/termdock/termdock/pkg/models"
	"github.com/termdock/termdock/pkg/policy"
	"github.com/termdock/termdock/pkg/ratelimit"
	"github.com/termdock/termdock/pkg/stream"
)

const (
	loopbackAddr = "127.0.0.1:50000"
	privateAddr  = "192.168.1.20:50000"
	publicAddr   = "203.0.113.9:50000"
)

type testServer struct {
	srv     *APIServer
	tokens  *identity.TokenAuthority
	nonces  *identity.NonceStore
	runtime *stream.MockRuntime
	token   string
}

func newTestServer(t *testing.T, tweak func(cfg *models.ServerConfig)) *testServer {
	t.Helper()

	dir := t.TempDir()
	log := logger.NewTestLogger()

	cfg := &models.ServerConfig{DataDir: dir}
	cfg.Normalize()

	if tweak != nil {
		tweak(cfg)
	}

	hostID := identity.NewHostIdentity(dir, log)
	tokens := identity.NewTokenAuthority(dir, log)
	nonces := identity.NewNonceStore(5*time.Minute, log)

	primary, err := tokens.EnsurePrimaryToken()
	require.NoError(t, err)

	pol, err := policy.New(cfg.Policy)
	require.NoError(t, err)

	authLim := ratelimit.NewAuthLimiter(
		cfg.RateLimit.MaxAuthFailures,
		time.Duration(cfg.RateLimit.AuthWindow),
		time.Duration(cfg.RateLimit.BlockDuration),
		log)
	endLim := ratelimit.NewEndpointLimiter(
		cfg.RateLimit.EndpointBudget,
		time.Duration(cfg.RateLimit.EndpointWindow),
		log)

	ctrl := gomock.NewController(t)
	rt := stream.NewMockRuntime(ctrl)

	manager := stream.NewManager(rt, tokens, cfg.Stream, log)

	srv := NewAPIServer(cfg, log,
		WithHostIdentity(hostID),
		WithTokenAuthority(tokens),
		WithNonceStore(nonces),
		WithPolicy(pol),
		WithLimiters(authLim, endLim),
		WithStreamManager(manager),
		WithRuntime(rt),
		WithVersion("test"),
	)

	return &testServer{srv: srv, tokens: tokens, nonces: nonces, runtime: rt, token: primary}
}

func (ts *testServer) do(method, target, remoteAddr, token, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, target, reader)
	req.RemoteAddr = remoteAddr

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)

	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dst))
}

func TestHealthIsUnauthenticated(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/health", publicAddr, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status models.HealthStatus
	decodeBody(t, rec, &status)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "test", status.Version)
}

func TestConnectNeverLeaksToken(t *testing.T) {
	ts := newTestServer(t, func(cfg *models.ServerConfig) {
		cfg.ExtraHosts = []string{"myhost.local"}
	})

	rec := ts.do(http.MethodGet, "/connect", publicAddr, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var info models.ConnectInfo
	body := rec.Body.String()
	decodeBody(t, rec, &info)

	assert.NotEmpty(t, info.Fingerprint)
	assert.Contains(t, info.Addresses, "myhost.local")
	assert.NotContains(t, body, ts.token)
}

func TestGatewayRequiresBearerToken(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.runtime.EXPECT().Sessions().Return([]string{}).AnyTimes()

	rec := ts.do(http.MethodGet, "/api/sessions", loopbackAddr, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/api/sessions", loopbackAddr, "wrong-token", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/api/sessions", loopbackAddr, ts.token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRepeatedAuthFailuresBlockOrigin(t *testing.T) {
	ts := newTestServer(t, nil)

	for i := 0; i < models.DefaultMaxAuthFailures; i++ {
		rec := ts.do(http.MethodGet, "/api/sessions", privateAddr, "bad", "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	// Blocked before any credential check, even with the right token.
	rec := ts.do(http.MethodGet, "/api/sessions", privateAddr, ts.token, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var resp rateLimitedResponse
	decodeBody(t, rec, &resp)
	assert.Positive(t, resp.RetryAfterSeconds)

	// Other origins are unaffected.
	ts.runtime.EXPECT().Sessions().Return([]string{}).AnyTimes()
	rec = ts.do(http.MethodGet, "/api/sessions", loopbackAddr, ts.token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenlessRequestsCountTowardBlock(t *testing.T) {
	ts := newTestServer(t, nil)

	for i := 0; i < models.DefaultMaxAuthFailures; i++ {
		rec := ts.do(http.MethodGet, "/api/sessions", privateAddr, "", "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	// Credential-free probing blocks the origin like bad tokens do.
	rec := ts.do(http.MethodGet, "/api/sessions", privateAddr, ts.token, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAccessTierMatrix(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.runtime.EXPECT().Sessions().Return([]string{}).AnyTimes()
	ts.runtime.EXPECT().Spawn(gomock.Any(), gomock.Any()).Return("sid-1", nil).AnyTimes()
	ts.runtime.EXPECT().Attach(gomock.Any(), gomock.Any()).Return(func() {}, nil).AnyTimes()

	tests := []struct {
		name   string
		method string
		target string
		addr   string
		want   int
	}{
		{"read from public", http.MethodGet, "/api/sessions", publicAddr, http.StatusOK},
		{"read from private", http.MethodGet, "/api/sessions", privateAddr, http.StatusOK},
		{"read from loopback", http.MethodGet, "/api/sessions", loopbackAddr, http.StatusOK},
		{"write from public", http.MethodPost, "/api/sessions", publicAddr, http.StatusForbidden},
		{"write from private", http.MethodPost, "/api/sessions", privateAddr, http.StatusCreated},
		{"write from loopback", http.MethodPost, "/api/sessions", loopbackAddr, http.StatusCreated},
		{"admin from public", http.MethodGet, "/api/pairing", publicAddr, http.StatusForbidden},
		{"admin from private", http.MethodGet, "/api/pairing", privateAddr, http.StatusForbidden},
		{"admin from loopback", http.MethodGet, "/api/pairing", loopbackAddr, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.method, tt.target, tt.addr, ts.token, "")
			assert.Equal(t, tt.want, rec.Code, "%s %s from %s", tt.method, tt.target, tt.addr)
		})
	}
}

func TestAccessDeniedNamesBothTiers(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/pairing", privateAddr, ts.token, "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	var resp errorResponse
	decodeBody(t, rec, &resp)
	assert.Contains(t, resp.Error, "admin")
	assert.Contains(t, resp.Error, "private")
}

func TestForwardedHeaderTrustedOnlyFromLoopback(t *testing.T) {
	ts := newTestServer(t, nil)

	// A local reverse proxy forwarding a public client: tier drops.
	req := httptest.NewRequest(http.MethodGet, "/api/pairing", nil)
	req.RemoteAddr = loopbackAddr
	req.Header.Set("Authorization", "Bearer "+ts.token)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")

	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A public peer claiming loopback via the header is not believed.
	ts.runtime.EXPECT().Sessions().Return([]string{}).AnyTimes()

	req = httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(""))
	req.RemoteAddr = publicAddr
	req.Header.Set("Authorization", "Bearer "+ts.token)
	req.Header.Set("X-Forwarded-For", "127.0.0.1")

	rec = httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEndpointQuotaHeadersAndExhaustion(t *testing.T) {
	ts := newTestServer(t, func(cfg *models.ServerConfig) {
		cfg.RateLimit.EndpointBudget = 2
	})
	ts.runtime.EXPECT().Sessions().Return([]string{}).AnyTimes()

	rec := ts.do(http.MethodGet, "/api/sessions", loopbackAddr, ts.token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	rec = ts.do(http.MethodGet, "/api/sessions", loopbackAddr, ts.token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = ts.do(http.MethodGet, "/api/sessions", loopbackAddr, ts.token, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var resp rateLimitedResponse
	decodeBody(t, rec, &resp)
	assert.Positive(t, resp.RetryAfterSeconds)
}

func TestPairingThenHandshake(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/pairing", loopbackAddr, ts.token, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload models.PairingPayload
	decodeBody(t, rec, &payload)

	assert.Equal(t, models.PairingPayloadType, payload.Type)
	assert.Equal(t, models.PairingPayloadVersion, payload.Version)
	assert.Equal(t, ts.token, payload.Token)
	assert.NotEmpty(t, payload.Fingerprint)
	assert.NotEmpty(t, payload.Nonce)
	assert.True(t, payload.NonceExpires.After(time.Now()))

	// The companion proves freshness with the nonce, unauthenticated.
	body := `{"nonce": "` + payload.Nonce + `"}`
	rec = ts.do(http.MethodPost, "/verify-handshake", publicAddr, "", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var verify models.VerifyHandshakeResponse
	decodeBody(t, rec, &verify)
	assert.True(t, verify.Valid)
	assert.Equal(t, payload.Fingerprint, verify.Fingerprint)

	// The nonce is single-use.
	rec = ts.do(http.MethodPost, "/verify-handshake", publicAddr, "", body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	decodeBody(t, rec, &verify)
	assert.False(t, verify.Valid)
	assert.Equal(t, models.ErrNonceAlreadyUsed.Error(), verify.Error)
}

func TestVerifyHandshakeUnknownNonce(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/verify-handshake", publicAddr, "", `{"nonce": "deadbeef"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var verify models.VerifyHandshakeResponse
	decodeBody(t, rec, &verify)
	assert.False(t, verify.Valid)
	assert.Equal(t, models.ErrNonceInvalidOrExpired.Error(), verify.Error)
}

func TestSessionLifecycleRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.runtime.EXPECT().Spawn(gomock.Any(), gomock.Any()).Return("sid-1", nil)
	ts.runtime.EXPECT().Attach("sid-1", gomock.Any()).Return(func() {}, nil)
	ts.runtime.EXPECT().Sessions().Return([]string{"sid-1"})
	ts.runtime.EXPECT().Resize("sid-1", uint16(100), uint16(30)).Return(nil)
	ts.runtime.EXPECT().Kill("sid-1").Return(nil)
	ts.runtime.EXPECT().Kill("missing").Return(models.ErrStreamNotFound)

	rec := ts.do(http.MethodPost, "/api/sessions", loopbackAddr, ts.token, `{"cols": 100, "rows": 30}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var spawned spawnResponse
	decodeBody(t, rec, &spawned)
	assert.Equal(t, "sid-1", spawned.ID)

	rec = ts.do(http.MethodGet, "/api/sessions", loopbackAddr, ts.token, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list sessionListResponse
	decodeBody(t, rec, &list)
	assert.Equal(t, []string{"sid-1"}, list.Sessions)

	rec = ts.do(http.MethodPost, "/api/sessions/sid-1/resize", loopbackAddr, ts.token, `{"cols": 100, "rows": 30}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(http.MethodDelete, "/api/sessions/sid-1", loopbackAddr, ts.token, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(http.MethodDelete, "/api/sessions/missing", loopbackAddr, ts.token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsRequiresAdminTier(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/settings", privateAddr, ts.token, `{"theme": "dark"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodPost, "/api/settings", loopbackAddr, ts.token, `{"theme": "dark"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAppBootstrapOneShotToken(t *testing.T) {
	ts := newTestServer(t, nil)

	oneShot, _, err := ts.tokens.IssueToken(time.Minute)
	require.NoError(t, err)

	rec := ts.do(http.MethodGet, "/app/?session="+oneShot, privateAddr, "", "")
	require.Equal(t, http.StatusFound, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, appSessionCookie, cookies[0].Name)

	// The one-shot token is burned on first use.
	assert.False(t, ts.tokens.Validate(oneShot))

	// The cookie now carries access.
	req := httptest.NewRequest(http.MethodGet, "/app/", nil)
	req.RemoteAddr = privateAddr
	req.AddCookie(cookies[0])

	res := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "termdock")
}

func TestAppBootstrapRefusesPrimaryToken(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.runtime.EXPECT().Sessions().Return([]string{}).AnyTimes()

	rec := ts.do(http.MethodGet, "/app/?session="+ts.token, privateAddr, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Result().Cookies())

	// The primary survives the attempt; paired companions keep working.
	assert.True(t, ts.tokens.Validate(ts.token))

	rec = ts.do(http.MethodGet, "/api/sessions", loopbackAddr, ts.token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAppBootstrapRejectsWithoutCredential(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/app/", privateAddr, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/app/?session=bogus", privateAddr, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

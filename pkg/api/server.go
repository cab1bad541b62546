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

// Package api provides the HTTP API server for termdock.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/termdock/termdock/pkg/identity"
	"github.com/termdock/termdock/pkg/logger"
	"github.com/termdock/termdock/pkg/models"
	"github.com/termdock/termdock/pkg/policy"
	"github.com/termdock/termdock/pkg/ratelimit"
	"github.com/termdock/termdock/pkg/stream"
)

// APIServer exposes the host's HTTP surface: discovery, handshake, pairing,
// session management and the WebSocket upgrades.
type APIServer struct {
	router *mux.Router
	cfg    *models.ServerConfig
	logger zerolog.Logger

	hostID  *identity.HostIdentity
	tokens  *identity.TokenAuthority
	nonces  *identity.NonceStore
	access  *policy.Policy
	authLim *ratelimit.AuthLimiter
	endLim  *ratelimit.EndpointLimiter
	manager *stream.Manager
	runtime stream.Runtime

	version    string
	startTime  time.Time
	httpServer *http.Server
}

// NewAPIServer creates a new API server instance with the given configuration.
func NewAPIServer(cfg *models.ServerConfig, log logger.Logger, options ...func(server *APIServer)) *APIServer {
	s := &APIServer{
		router:    mux.NewRouter(),
		cfg:       cfg,
		logger:    log.WithComponent("api"),
		version:   "dev",
		startTime: time.Now(),
	}

	for _, o := range options {
		o(s)
	}

	s.setupRoutes()

	return s
}

// WithHostIdentity adds the fingerprint identity to the API server.
func WithHostIdentity(h *identity.HostIdentity) func(*APIServer) {
	return func(server *APIServer) {
		server.hostID = h
	}
}

// WithTokenAuthority adds the bearer token authority to the API server.
func WithTokenAuthority(a *identity.TokenAuthority) func(*APIServer) {
	return func(server *APIServer) {
		server.tokens = a
	}
}

// WithNonceStore adds the handshake nonce store to the API server.
func WithNonceStore(n *identity.NonceStore) func(*APIServer) {
	return func(server *APIServer) {
		server.nonces = n
	}
}

// WithPolicy adds the access-tier policy to the API server.
func WithPolicy(p *policy.Policy) func(*APIServer) {
	return func(server *APIServer) {
		server.access = p
	}
}

// WithLimiters adds the failed-auth and endpoint rate limiters.
func WithLimiters(auth *ratelimit.AuthLimiter, endpoint *ratelimit.EndpointLimiter) func(*APIServer) {
	return func(server *APIServer) {
		server.authLim = auth
		server.endLim = endpoint
	}
}

// WithStreamManager adds the WebSocket session manager.
func WithStreamManager(m *stream.Manager) func(*APIServer) {
	return func(server *APIServer) {
		server.manager = m
	}
}

// WithRuntime adds the session runtime used by the session routes.
func WithRuntime(rt stream.Runtime) func(*APIServer) {
	return func(server *APIServer) {
		server.runtime = rt
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) func(*APIServer) {
	return func(server *APIServer) {
		server.version = v
	}
}

// setupRoutes configures the HTTP routes for the API server.
func (s *APIServer) setupRoutes() {
	s.router.Use(s.gateway)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/connect", s.handleConnect).Methods(http.MethodGet)
	s.router.HandleFunc("/verify-handshake", s.handleVerifyHandshake).Methods(http.MethodPost)

	s.router.PathPrefix("/app").HandlerFunc(s.handleAppBootstrap).Methods(http.MethodGet)

	s.router.HandleFunc("/api/pairing", s.handlePairing).Methods(http.MethodGet)
	s.router.HandleFunc("/api/sessions", s.handleSpawnSession).Methods(http.MethodPost)
	s.router.HandleFunc("/api/sessions", s.handleListSessions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/sessions/{id}", s.handleKillSession).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/sessions/{id}/resize", s.handleResizeSession).Methods(http.MethodPost)
	s.router.HandleFunc("/api/settings", s.handleUpdateSettings).Methods(http.MethodPost)

	s.router.HandleFunc("/ws", s.handleControlWS).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/sessions/{id}", s.handleSessionWS).Methods(http.MethodGet)
}

// Router returns the configured handler, for tests and embedding.
func (s *APIServer) Router() http.Handler {
	return s.router
}

// Start begins serving on the configured address until the context ends.
func (s *APIServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddr, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
		// No blanket read/write timeouts: WebSocket connections are
		// long-lived. Header reads still get a bound.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info().Str("addr", addr).Msg("API server listening")

		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop shuts the HTTP server down gracefully.
func (s *APIServer) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

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

// Package client maintains a companion-side persistent connection to a host,
// reconnecting with backoff when the link drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/termdock/termdock/pkg/logger"
	"github.com/termdock/termdock/pkg/stream"
)

// State is the reconnector's lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrRetriesExhausted is returned when the attempt budget runs out.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

// ErrAuthRejected is returned when the host refuses the bearer token;
// reconnecting with the same credential would not help.
var ErrAuthRejected = errors.New("host rejected the bearer token")

const (
	subprotocolName      = "termdock.v1"
	bearerProtocolPrefix = "termdock.bearer."

	defaultPingInterval = 20 * time.Second
	defaultPongTimeout  = 10 * time.Second
	defaultMaxAttempts  = 10
)

// defaultBackoff is the delay before each successive reconnect attempt; the
// last entry repeats.
var defaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// Config tunes a Reconnector. Zero values take the defaults.
type Config struct {
	URL          string
	Token        string
	PingInterval time.Duration
	PongTimeout  time.Duration
	MaxAttempts  int
	Backoff      []time.Duration
}

func (c *Config) normalize() {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}

	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}

	if len(c.Backoff) == 0 {
		c.Backoff = defaultBackoff
	}
}

// Reconnector dials a host stream endpoint and keeps the connection alive,
// redialing with backoff after transient failures. A clean Close never
// triggers a reconnect.
type Reconnector struct {
	cfg    Config
	logger zerolog.Logger
	dialer *websocket.Dialer

	onMessage func(stream.Message)
	onState   func(State)

	mu            sync.Mutex
	state         State
	ws            *websocket.Conn
	lastConnected time.Time
	closed        bool
}

// Option customizes a Reconnector.
type Option func(*Reconnector)

// WithMessageHandler delivers every received frame to fn.
func WithMessageHandler(fn func(stream.Message)) Option {
	return func(r *Reconnector) { r.onMessage = fn }
}

// WithStateHandler reports every state transition to fn.
func WithStateHandler(fn func(State)) Option {
	return func(r *Reconnector) { r.onState = fn }
}

// New creates a Reconnector; Run starts it.
func New(cfg Config, log logger.Logger, opts ...Option) *Reconnector {
	cfg.normalize()

	r := &Reconnector{
		cfg:    cfg,
		logger: log.WithComponent("client"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{subprotocolName, bearerProtocolPrefix + cfg.Token},
		},
		state: StateDisconnected,
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

// State returns the current lifecycle state.
func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// LastConnected returns when the link was last established; zero if never.
func (r *Reconnector) LastConnected() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastConnected
}

func (r *Reconnector) setState(s State) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	r.mu.Unlock()

	if changed && r.onState != nil {
		r.onState(s)
	}
}

// Send writes a frame on the current connection.
func (r *Reconnector) Send(msg stream.Message) error {
	r.mu.Lock()
	ws := r.ws
	r.mu.Unlock()

	if ws == nil {
		return errors.New("not connected")
	}

	return ws.WriteJSON(msg)
}

// Close disconnects cleanly and suppresses any further reconnects.
func (r *Reconnector) Close() {
	r.mu.Lock()
	r.closed = true
	ws := r.ws
	r.ws = nil
	r.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
}

func (r *Reconnector) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closed
}

// Run dials and serves the connection until a clean Close, context
// cancellation, an auth rejection, or the attempt budget runs out.
func (r *Reconnector) Run(ctx context.Context) error {
	attempts := 0

	for {
		if r.isClosed() || ctx.Err() != nil {
			r.setState(StateDisconnected)
			return nil
		}

		r.setState(StateConnecting)

		ws, err := r.dial(ctx)
		if err != nil {
			attempts++

			if errors.Is(err, ErrAuthRejected) {
				r.setState(StateError)
				return err
			}

			if attempts >= r.cfg.MaxAttempts {
				r.setState(StateError)
				return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, err)
			}

			r.logger.Warn().
				Err(err).
				Int("attempt", attempts).
				Msg("Connection attempt failed")

			if !r.sleep(ctx, r.backoffFor(attempts)) {
				r.setState(StateDisconnected)
				return nil
			}

			continue
		}

		r.mu.Lock()
		r.ws = ws
		r.lastConnected = time.Now()
		r.mu.Unlock()

		r.setState(StateConnected)
		r.logger.Info().Str("url", r.cfg.URL).Msg("Connected to host")

		authed, err := r.serve(ctx, ws)

		r.mu.Lock()
		if r.ws == ws {
			r.ws = nil
		}
		r.mu.Unlock()

		_ = ws.Close()

		if r.isClosed() || ctx.Err() != nil {
			r.setState(StateDisconnected)
			return nil
		}

		if errors.Is(err, ErrAuthRejected) {
			r.setState(StateError)
			return err
		}

		// A lost connection consumes an attempt like a failed dial does;
		// only a link the host acknowledged restores the budget.
		if authed {
			attempts = 0
		}

		attempts++

		if attempts >= r.cfg.MaxAttempts {
			r.setState(StateError)
			return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, err)
		}

		r.logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Msg("Connection lost; reconnecting")

		if !r.sleep(ctx, r.backoffFor(attempts)) {
			r.setState(StateDisconnected)
			return nil
		}
	}
}

func (r *Reconnector) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, resp, err := r.dialer.DialContext(ctx, r.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}

	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", r.cfg.URL, err)
	}

	return ws, nil
}

// serve pumps frames until the connection breaks. The host answers control
// pings with pongs; a missing pong past the deadline fails the read. The
// first return reports whether the host acknowledged authentication.
func (r *Reconnector) serve(ctx context.Context, ws *websocket.Conn) (bool, error) {
	readWindow := r.cfg.PingInterval + r.cfg.PongTimeout

	_ = ws.SetReadDeadline(time.Now().Add(readWindow))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWindow))
	})

	done := make(chan struct{})
	defer close(done)

	go r.keepalive(ctx, ws, done)

	authed := false

	for {
		var msg stream.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return authed, fmt.Errorf("read: %w", err)
		}

		_ = ws.SetReadDeadline(time.Now().Add(readWindow))

		if msg.Type == stream.TypeAuthError {
			return false, ErrAuthRejected
		}

		if msg.Type == stream.TypeAuthOK {
			authed = true
		}

		if r.onMessage != nil {
			r.onMessage(msg)
		}
	}
}

func (r *Reconnector) keepalive(ctx context.Context, ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(r.cfg.PongTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (r *Reconnector) backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(r.cfg.Backoff) {
		idx = len(r.cfg.Backoff) - 1
	}

	return r.cfg.Backoff[idx]
}

func (r *Reconnector) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

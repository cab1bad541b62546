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

package stream

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/termdock/termdock/pkg/logger"
	"github.com/termdock/termdock/pkg/models"
)

const (
	// subprotocolName is echoed back on a successful negotiation.
	subprotocolName = "termdock.v1"
	// bearerProtocolPrefix carries the token in a Sec-WebSocket-Protocol
	// entry so it stays out of access logs; the query string is the
	// fallback for clients that cannot set subprotocols.
	bearerProtocolPrefix = "termdock.bearer."
)

// Authenticator validates a bearer token on upgrade.
type Authenticator interface {
	Validate(token string) bool
}

// Manager owns all persistent companion connections and the per-stream
// subscriber bookkeeping.
type Manager struct {
	runtime Runtime
	auth    Authenticator
	cfg     models.StreamConfig
	logger  zerolog.Logger

	upgrader websocket.Upgrader

	// mu guards conns, subs, buffers and detachers. Fan-out also sends
	// under mu so buffered chunks, live data and exit events reach each
	// subscriber in order; sends are bounded by the write timeout.
	mu        sync.Mutex
	conns     map[string]*Conn
	subs      map[string][]*Conn
	buffers   map[string]*outputBuffer
	detachers map[string]func()

	onAuthFailure func(remoteAddr string)
	onAuthSuccess func(remoteAddr string)
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithAuthCallbacks wires upgrade authentication outcomes into the global
// failed-auth limiter.
func WithAuthCallbacks(onFailure, onSuccess func(remoteAddr string)) ManagerOption {
	return func(m *Manager) {
		m.onAuthFailure = onFailure
		m.onAuthSuccess = onSuccess
	}
}

// NewManager creates the stream session manager.
func NewManager(runtime Runtime, auth Authenticator, cfg models.StreamConfig, log logger.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		runtime:   runtime,
		auth:      auth,
		cfg:       cfg,
		logger:    log.WithComponent("stream"),
		conns:     make(map[string]*Conn),
		subs:      make(map[string][]*Conn),
		buffers:   make(map[string]*outputBuffer),
		detachers: make(map[string]func()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Companion apps are not browsers; the bearer token is the
			// access control, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	for _, o := range opts {
		o(m)
	}

	return m
}

// Track installs the runtime listener for a freshly spawned session so
// output produced before any subscriber attaches lands in the buffer.
func (m *Manager) Track(streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensureListenerLocked(streamID)
}

// HandleControl upgrades the general control channel.
func (m *Manager) HandleControl(w http.ResponseWriter, r *http.Request) {
	m.handleUpgrade(w, r, "")
}

// HandleSession upgrades a per-session streaming channel and subscribes it
// to streamID once authenticated.
func (m *Manager) HandleSession(w http.ResponseWriter, r *http.Request, streamID string) {
	m.handleUpgrade(w, r, streamID)
}

func (m *Manager) handleUpgrade(w http.ResponseWriter, r *http.Request, autoSubscribe string) {
	token, viaQuery := bearerFromUpgrade(r)

	responseHeader := http.Header{}
	if offersSubprotocol(r, subprotocolName) {
		responseHeader.Set("Sec-WebSocket-Protocol", subprotocolName)
	}

	ws, err := m.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		m.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	if viaQuery {
		m.logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("Bearer token carried in query string; subprotocol field preferred")
	}

	c := &Conn{
		id:         uuid.NewString(),
		remoteAddr: r.RemoteAddr,
		ws:         ws,
		state:      StateConnecting,
		lastSeen:   time.Now(),
	}

	go m.serveConn(c, ws, token, autoSubscribe)
}

// serveConn authenticates the connection and runs its read loop.
func (m *Manager) serveConn(c *Conn, ws *websocket.Conn, token, autoSubscribe string) {
	defer m.teardownConn(c, ws)

	c.setState(StateAuthenticating)

	if !m.authenticate(c, ws, token) {
		c.setState(StateClosed)
		return
	}

	c.setState(StateOpen)
	c.touch()

	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()

	m.logger.Info().
		Str("conn_id", c.id).
		Str("remote_addr", c.remoteAddr).
		Msg("Stream connection open")

	_ = c.send(Message{Type: TypeAuthOK, Timestamp: time.Now()}, m.writeTimeout())

	if autoSubscribe != "" {
		if err := m.subscribe(c, autoSubscribe); err != nil {
			_ = c.send(errorMessage(autoSubscribe, models.ErrStreamNotFound.Error()), m.writeTimeout())
		}
	}

	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	m.readLoop(c, ws)
}

// authenticate resolves the connection's credential: carried on the upgrade
// when available, otherwise the first frame must be an auth message within
// the timeout.
func (m *Manager) authenticate(c *Conn, ws *websocket.Conn, token string) bool {
	if token == "" {
		_ = ws.SetReadDeadline(time.Now().Add(m.authTimeout()))

		var msg Message
		if err := ws.ReadJSON(&msg); err != nil || msg.Type != TypeAuth {
			m.rejectAuth(c, ws, models.ErrUpgradeAuthTimeout.Error())
			return false
		}

		token = msg.Token
	}

	if !m.auth.Validate(token) {
		m.rejectAuth(c, ws, models.ErrInvalidToken.Error())
		return false
	}

	if m.onAuthSuccess != nil {
		m.onAuthSuccess(c.remoteAddr)
	}

	_ = ws.SetReadDeadline(time.Time{})

	return true
}

func (m *Manager) rejectAuth(c *Conn, ws *websocket.Conn, reason string) {
	if m.onAuthFailure != nil {
		m.onAuthFailure(c.remoteAddr)
	}

	m.logger.Warn().
		Str("remote_addr", c.remoteAddr).
		Str("reason", reason).
		Msg("Stream connection failed authentication")

	_ = c.send(Message{Type: TypeAuthError, Error: reason, Timestamp: time.Now()}, m.writeTimeout())

	c.writeMu.Lock()
	_ = ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
}

func (m *Manager) readLoop(c *Conn, ws *websocket.Conn) {
	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Stream connection read error")
			}

			return
		}

		c.touch()
		m.dispatch(c, &msg)
	}
}

func (m *Manager) dispatch(c *Conn, msg *Message) {
	switch msg.Type {
	case TypePing:
		_ = c.send(Message{Type: TypePong, Timestamp: time.Now()}, m.writeTimeout())

	case TypeSubscribe:
		if err := m.subscribe(c, msg.StreamID); err != nil {
			_ = c.send(errorMessage(msg.StreamID, err.Error()), m.writeTimeout())
			return
		}

		_ = c.send(Message{Type: TypeSubscribed, StreamID: msg.StreamID, Timestamp: time.Now()}, m.writeTimeout())

	case TypeUnsubscribe:
		m.unsubscribe(c, msg.StreamID)

	case TypeWrite:
		if err := m.runtime.Write(msg.StreamID, []byte(msg.Data)); err != nil {
			_ = c.send(errorMessage(msg.StreamID, models.ErrStreamNotFound.Error()), m.writeTimeout())
		}

	case TypeResize:
		if err := m.runtime.Resize(msg.StreamID, msg.Cols, msg.Rows); err != nil {
			_ = c.send(errorMessage(msg.StreamID, models.ErrStreamNotFound.Error()), m.writeTimeout())
		}

	default:
		// Malformed frames are reported back; they never close the
		// connection.
		_ = c.send(errorMessage("", "unknown message type: "+msg.Type), m.writeTimeout())
	}
}

// subscribe adds the connection to the stream's subscriber list, flushing
// any buffered output to it first.
func (m *Manager) subscribe(c *Conn, streamID string) error {
	if streamID == "" {
		return models.ErrStreamNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.subs[streamID] {
		if existing == c {
			return nil
		}
	}

	if err := m.ensureListenerLocked(streamID); err != nil {
		return err
	}

	// Flush held output to the first attaching subscriber, in original
	// order, before any live data; the buffer is then discarded.
	if buf, ok := m.buffers[streamID]; ok {
		for _, chunk := range buf.drain() {
			_ = c.send(dataMessage(streamID, chunk), m.writeTimeout())
		}

		delete(m.buffers, streamID)
	}

	m.subs[streamID] = append(m.subs[streamID], c)

	return nil
}

func (m *Manager) unsubscribe(c *Conn, streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeSubscriberLocked(c, streamID)
}

func (m *Manager) removeSubscriberLocked(c *Conn, streamID string) {
	subscribers := m.subs[streamID]

	for i, existing := range subscribers {
		if existing == c {
			m.subs[streamID] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}

	if len(m.subs[streamID]) == 0 {
		delete(m.subs, streamID)
		m.teardownStreamLocked(streamID)
	}
}

// ensureListenerLocked installs the single runtime listener for a stream.
func (m *Manager) ensureListenerLocked(streamID string) error {
	if _, ok := m.detachers[streamID]; ok {
		return nil
	}

	detach, err := m.runtime.Attach(streamID, Handler{
		OnData: func(chunk []byte) { m.onData(streamID, chunk) },
		OnExit: func(code int) { m.onExit(streamID, code) },
	})
	if err != nil {
		return models.ErrStreamNotFound
	}

	m.detachers[streamID] = detach

	return nil
}

func (m *Manager) teardownStreamLocked(streamID string) {
	if detach, ok := m.detachers[streamID]; ok {
		detach()
		delete(m.detachers, streamID)
	}
}

// onData fans a chunk out to the stream's subscribers in subscription
// order, or buffers it when there are none.
func (m *Manager) onData(streamID string, chunk []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subscribers := m.subs[streamID]
	if len(subscribers) == 0 {
		buf, ok := m.buffers[streamID]
		if !ok {
			buf = newOutputBuffer(m.bufferCap())
			m.buffers[streamID] = buf
		}

		buf.append(chunk)

		return
	}

	msg := dataMessage(streamID, chunk)
	for _, c := range subscribers {
		_ = c.send(msg, m.writeTimeout())
	}
}

// onExit broadcasts the exit to current subscribers and tears down the
// stream's listener and buffer. Late subscribers receive nothing further.
func (m *Manager) onExit(streamID string, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := exitMessage(streamID, code)
	for _, c := range m.subs[streamID] {
		_ = c.send(msg, m.writeTimeout())
	}

	delete(m.subs, streamID)
	delete(m.buffers, streamID)
	m.teardownStreamLocked(streamID)
}

func (m *Manager) teardownConn(c *Conn, ws *websocket.Conn) {
	c.setState(StateClosed)

	m.mu.Lock()
	delete(m.conns, c.id)

	for streamID := range m.subs {
		m.removeSubscriberLocked(c, streamID)
	}
	m.mu.Unlock()

	_ = ws.Close()

	m.logger.Debug().Str("conn_id", c.id).Msg("Stream connection closed")
}

// Run drives keep-alive probing: every ping interval each open connection
// gets a control ping, and any connection silent past the liveness timeout
// is forcibly closed.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *Manager) probe() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if c.sinceLastSeen() > m.livenessTimeout() {
			m.logger.Info().
				Str("conn_id", c.id).
				Str("remote_addr", c.remoteAddr).
				Msg("Evicting unresponsive stream connection")

			c.writeMu.Lock()
			_ = c.ws.Close()
			c.writeMu.Unlock()

			continue
		}

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.writeTimeout()))
		c.writeMu.Unlock()
	}
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.conns {
		_ = c.ws.Close()
	}
}

// ConnCount reports the number of open connections.
func (m *Manager) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.conns)
}

func (m *Manager) writeTimeout() time.Duration    { return time.Duration(m.cfg.WriteTimeout) }
func (m *Manager) authTimeout() time.Duration     { return time.Duration(m.cfg.AuthTimeout) }
func (m *Manager) pingInterval() time.Duration    { return time.Duration(m.cfg.PingInterval) }
func (m *Manager) livenessTimeout() time.Duration { return time.Duration(m.cfg.LivenessTimeout) }

func (m *Manager) bufferCap() int {
	if m.cfg.BufferCap > 0 {
		return m.cfg.BufferCap
	}

	return models.DefaultBufferCap
}

// bearerFromUpgrade extracts the token from the upgrade request. The
// subprotocol field is preferred; Authorization header next; query string
// last. The second return reports the query-string fallback.
func bearerFromUpgrade(r *http.Request) (string, bool) {
	for _, field := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, entry := range strings.Split(field, ",") {
			entry = strings.TrimSpace(entry)
			if strings.HasPrefix(entry, bearerProtocolPrefix) {
				return strings.TrimPrefix(entry, bearerProtocolPrefix), false
			}
		}
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), false
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}

	return "", false
}

func offersSubprotocol(r *http.Request, name string) bool {
	for _, field := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, entry := range strings.Split(field, ",") {
			if strings.TrimSpace(entry) == name {
				return true
			}
		}
	}

	return false
}

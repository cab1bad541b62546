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
	"sync"
	"time"
)

// ConnState is the lifecycle of one persistent connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// wireConn is the subset of *websocket.Conn the manager needs, abstracted so
// fan-out logic is testable without sockets.
type wireConn interface {
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live companion connection.
type Conn struct {
	id         string
	remoteAddr string
	ws         wireConn

	writeMu sync.Mutex // serializes frames; gorilla allows one writer

	mu       sync.Mutex
	state    ConnState
	lastSeen time.Time
}

func (c *Conn) send(msg Message, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	}

	return c.ws.WriteJSON(msg)
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Conn) sinceLastSeen() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return time.Since(c.lastSeen)
}

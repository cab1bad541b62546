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

import "time"

// Message types carried on a persistent connection.
const (
	TypeAuth        = "auth"
	TypeAuthOK      = "auth_ok"
	TypeAuthError   = "auth_error"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSubscribed  = "subscribed"
	TypeWrite       = "write"
	TypeResize      = "resize"
	TypeData        = "data"
	TypeExit        = "exit"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// Message is the JSON envelope for every frame on a persistent connection.
type Message struct {
	Type      string    `json:"type"`
	StreamID  string    `json:"stream_id,omitempty"`
	Token     string    `json:"token,omitempty"`
	Data      string    `json:"data,omitempty"`
	Cols      uint16    `json:"cols,omitempty"`
	Rows      uint16    `json:"rows,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func dataMessage(streamID string, chunk []byte) Message {
	return Message{Type: TypeData, StreamID: streamID, Data: string(chunk), Timestamp: time.Now()}
}

func exitMessage(streamID string, code int) Message {
	return Message{Type: TypeExit, StreamID: streamID, ExitCode: &code, Timestamp: time.Now()}
}

func errorMessage(streamID, errMsg string) Message {
	return Message{Type: TypeError, StreamID: streamID, Error: errMsg, Timestamp: time.Now()}
}

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

// Package stream manages persistent companion connections: authenticated
// upgrades, per-stream subscriber sets, buffering of early output, fan-out
// of session data and exit events, and liveness eviction.
package stream

//go:generate mockgen -destination=mock_runtime.go -package=stream github.com/termdock/termdock/pkg/stream Runtime

import "context"

// SpawnOptions describes a new interactive session.
type SpawnOptions struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Cols    uint16   `json:"cols,omitempty"`
	Rows    uint16   `json:"rows,omitempty"`
}

// Handler receives a session's output events. Each underlying event is
// delivered exactly once, in the order produced.
type Handler struct {
	OnData func(chunk []byte)
	OnExit func(code int)
}

// Runtime is the external session runtime that owns the actual interactive
// processes. It is consumed only through this boundary.
type Runtime interface {
	Spawn(ctx context.Context, opts SpawnOptions) (string, error)
	Write(streamID string, data []byte) error
	Resize(streamID string, cols, rows uint16) error
	Kill(streamID string) error
	Sessions() []string
	// Attach installs the single listener for a stream and returns its
	// teardown. Attaching an unknown stream fails.
	Attach(streamID string, h Handler) (func(), error)
}

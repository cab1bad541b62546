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

package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/termdock/termdock/pkg/logger"
)

type endpointEntry struct {
	count         int
	windowStartAt time.Time
}

// Decision is the outcome of an endpoint-limit check, surfaced to the client
// via response headers.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// EndpointLimiter enforces a fixed request budget per (origin, method,
// normalized path) within a fixed window. It runs after authentication so it
// cannot amplify the auth guard.
type EndpointLimiter struct {
	mu      sync.Mutex
	entries map[string]*endpointEntry
	budget  int
	window  time.Duration
	clock   Clock
	logger  zerolog.Logger
}

// NewEndpointLimiter creates the per-endpoint throttle.
func NewEndpointLimiter(budget int, window time.Duration, log logger.Logger) *EndpointLimiter {
	return &EndpointLimiter{
		entries: make(map[string]*endpointEntry),
		budget:  budget,
		window:  window,
		clock:   realClock{},
		logger:  log.WithComponent("ratelimit"),
	}
}

// SetClock injects a clock, used by tests.
func (l *EndpointLimiter) SetClock(c Clock) { l.clock = c }

// Allow consumes one request from the origin's budget for the endpoint
// bucket and reports the remaining quota.
func (l *EndpointLimiter) Allow(originAddr, method, path string) Decision {
	key := originAddr + " " + method + " " + NormalizePath(path)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	entry, ok := l.entries[key]
	if !ok || now.Sub(entry.windowStartAt) >= l.window {
		entry = &endpointEntry{windowStartAt: now}
		l.entries[key] = entry
	}

	resetIn := l.window - now.Sub(entry.windowStartAt)

	if entry.count >= l.budget {
		l.logger.Debug().
			Str("origin", originAddr).
			Str("method", method).
			Str("path", NormalizePath(path)).
			Dur("reset_in", resetIn).
			Msg("Endpoint budget exhausted")

		return Decision{Allowed: false, Remaining: 0, ResetIn: resetIn}
	}

	entry.count++

	return Decision{Allowed: true, Remaining: l.budget - entry.count, ResetIn: resetIn}
}

// Sweep removes windows that have fully elapsed.
func (l *EndpointLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	for key, entry := range l.entries {
		if now.Sub(entry.windowStartAt) >= l.window {
			delete(l.entries, key)
		}
	}
}

// StartSweeper runs Sweep on the interval until ctx is canceled.
func (l *EndpointLimiter) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// NormalizePath buckets a request path by collapsing identifier-shaped
// segments, so /api/sessions/<uuid>/resize and its siblings share a budget.
func NormalizePath(path string) string {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return "/"
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if isIdentifierSegment(seg) {
			segments[i] = "*"
		}
	}

	return strings.Join(segments, "/")
}

func isIdentifierSegment(seg string) bool {
	if _, err := uuid.Parse(seg); err == nil {
		return true
	}

	if len(seg) >= 16 && isHex(seg) {
		return true
	}

	return false
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}

	return true
}

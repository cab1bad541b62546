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

// Package ratelimit implements the two independent abuse guards: a global
// failed-authentication limiter keyed by origin and a per-endpoint
// request-frequency limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/termdock/termdock/pkg/logger"
)

// Clock abstracts time for deterministic window tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type authEntry struct {
	attempts      int
	lastAttemptAt time.Time
	blockedUntil  time.Time
}

// AuthLimiter tracks failed authentications per origin and blocks an origin
// once it exceeds the budget inside the rolling window. Entries expire
// lazily; Sweep reclaims memory.
type AuthLimiter struct {
	mu          sync.Mutex
	entries     map[string]*authEntry
	maxFailures int
	window      time.Duration
	blockFor    time.Duration
	clock       Clock
	logger      zerolog.Logger
}

// AuthLimiterOption customizes an AuthLimiter.
type AuthLimiterOption func(*AuthLimiter)

// WithClock injects a clock, used by tests.
func WithClock(c Clock) AuthLimiterOption {
	return func(l *AuthLimiter) {
		l.clock = c
	}
}

// NewAuthLimiter creates the global failed-auth guard.
func NewAuthLimiter(maxFailures int, window, blockFor time.Duration, log logger.Logger, opts ...AuthLimiterOption) *AuthLimiter {
	l := &AuthLimiter{
		entries:     make(map[string]*authEntry),
		maxFailures: maxFailures,
		window:      window,
		blockFor:    blockFor,
		clock:       realClock{},
		logger:      log.WithComponent("ratelimit"),
	}

	for _, o := range opts {
		o(l)
	}

	return l
}

// Blocked reports whether the origin is currently blocked and for how much
// longer. It must run before any credential check.
func (l *AuthLimiter) Blocked(originAddr string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[originAddr]
	if !ok {
		return false, 0
	}

	now := l.clock.Now()

	if entry.blockedUntil.After(now) {
		return true, entry.blockedUntil.Sub(now)
	}

	// Lazy expiry: window elapsed with no active block means the entry is
	// treated as absent.
	if now.Sub(entry.lastAttemptAt) > l.window {
		delete(l.entries, originAddr)
	}

	return false, 0
}

// RecordFailure counts one failed authentication against the origin. It
// returns true (with the retry-after hint) when this failure triggers or
// extends a block.
func (l *AuthLimiter) RecordFailure(originAddr string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	entry, ok := l.entries[originAddr]
	if !ok || (now.Sub(entry.lastAttemptAt) > l.window && !entry.blockedUntil.After(now)) {
		entry = &authEntry{}
		l.entries[originAddr] = entry
	}

	entry.attempts++
	entry.lastAttemptAt = now

	if entry.attempts >= l.maxFailures {
		entry.blockedUntil = now.Add(l.blockFor)

		l.logger.Warn().
			Str("origin", originAddr).
			Int("attempts", entry.attempts).
			Time("blocked_until", entry.blockedUntil).
			Msg("Origin blocked after repeated authentication failures")

		return true, l.blockFor
	}

	return false, 0
}

// RecordSuccess deletes the origin's failure record entirely.
func (l *AuthLimiter) RecordSuccess(originAddr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, originAddr)
}

// Sweep drops entries whose window elapsed with no active block.
func (l *AuthLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	for addr, entry := range l.entries {
		if !entry.blockedUntil.After(now) && now.Sub(entry.lastAttemptAt) > l.window {
			delete(l.entries, addr)
		}
	}
}

// StartSweeper runs Sweep on the interval until ctx is canceled.
func (l *AuthLimiter) StartSweeper(ctx context.Context, interval time.Duration) {
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

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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdock/termdock/pkg/logger"
)

// fakeClock is a settable clock for window tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestAuthLimiter(clock Clock) *AuthLimiter {
	return NewAuthLimiter(5, 15*time.Minute, 15*time.Minute, logger.NewTestLogger(), WithClock(clock))
}

func TestAuthLimiterBlocksAfterMaxFailures(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	l := newTestAuthLimiter(clock)

	const origin = "192.168.1.20"

	for i := 0; i < 4; i++ {
		blocked, _ := l.RecordFailure(origin)
		assert.False(t, blocked, "failure %d should not block", i+1)

		isBlocked, _ := l.Blocked(origin)
		assert.False(t, isBlocked)
	}

	blocked, retryAfter := l.RecordFailure(origin)
	require.True(t, blocked, "5th failure should trigger a block")
	assert.Positive(t, retryAfter)

	isBlocked, retryAfter := l.Blocked(origin)
	require.True(t, isBlocked)
	assert.Positive(t, retryAfter)

	// Still blocked nine minutes in.
	clock.Advance(9 * time.Minute)

	isBlocked, _ = l.Blocked(origin)
	assert.True(t, isBlocked)

	// Unblocked after the block duration.
	clock.Advance(7 * time.Minute)

	isBlocked, _ = l.Blocked(origin)
	assert.False(t, isBlocked)
}

func TestAuthLimiterSuccessResetsCounter(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	l := newTestAuthLimiter(clock)

	const origin = "10.0.0.7"

	for i := 0; i < 4; i++ {
		l.RecordFailure(origin)
	}

	l.RecordSuccess(origin)

	// Full reset: four more failures still do not block.
	for i := 0; i < 4; i++ {
		blocked, _ := l.RecordFailure(origin)
		assert.False(t, blocked)
	}
}

func TestAuthLimiterWindowExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	l := newTestAuthLimiter(clock)

	const origin = "203.0.113.9"

	for i := 0; i < 4; i++ {
		l.RecordFailure(origin)
	}

	// The window elapses with no block; the stale entry must not count.
	clock.Advance(16 * time.Minute)

	blocked, _ := l.RecordFailure(origin)
	assert.False(t, blocked, "stale attempts outside the window should not carry over")

	isBlocked, _ := l.Blocked(origin)
	assert.False(t, isBlocked)
}

func TestAuthLimiterOriginsIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	l := newTestAuthLimiter(clock)

	for i := 0; i < 5; i++ {
		l.RecordFailure("192.168.1.20")
	}

	isBlocked, _ := l.Blocked("192.168.1.20")
	assert.True(t, isBlocked)

	isBlocked, _ = l.Blocked("192.168.1.21")
	assert.False(t, isBlocked, "a block on one origin must not affect another")
}

func TestAuthLimiterSweep(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	l := newTestAuthLimiter(clock)

	l.RecordFailure("10.0.0.1")
	l.RecordFailure("10.0.0.2")

	clock.Advance(16 * time.Minute)
	l.Sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.entries)
}

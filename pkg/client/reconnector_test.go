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

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/termdock/termdock/pkg/logger"
	"github.com/termdock/termdock/pkg/models"
	"github.com/termdock/termdock/pkg/stream"
)

type staticAuth bool

func (a staticAuth) Validate(string) bool { return bool(a) }

func newHostServer(t *testing.T, accept bool) *httptest.Server {
	t.Helper()

	ctrl := gomock.NewController(t)
	rt := stream.NewMockRuntime(ctrl)

	m := stream.NewManager(rt, staticAuth(accept), models.StreamConfig{
		AuthTimeout:  logger.Duration(time.Second),
		WriteTimeout: logger.Duration(time.Second),
		BufferCap:    8,
	}, logger.NewTestLogger())

	srv := httptest.NewServer(http.HandlerFunc(m.HandleControl))
	t.Cleanup(srv.Close)

	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitState(t *testing.T, stateCh chan State, want State) {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-stateCh:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func TestConnectsAndDisconnectsCleanly(t *testing.T) {
	srv := newHostServer(t, true)

	stateCh := make(chan State, 16)
	msgCh := make(chan stream.Message, 16)

	r := New(Config{
		URL:   wsURL(srv),
		Token: "tok",
	}, logger.NewTestLogger(),
		WithStateHandler(func(s State) { stateCh <- s }),
		WithMessageHandler(func(m stream.Message) { msgCh <- m }),
	)

	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(context.Background()) }()

	waitState(t, stateCh, StateConnected)
	assert.False(t, r.LastConnected().IsZero())

	select {
	case msg := <-msgCh:
		assert.Equal(t, stream.TypeAuthOK, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the auth acknowledgement")
	}

	r.Close()

	select {
	case err := <-runDone:
		require.NoError(t, err, "a clean close is not an error")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	assert.Equal(t, StateDisconnected, r.State())
}

func TestRetriesExhausted(t *testing.T) {
	r := New(Config{
		URL:         "ws://127.0.0.1:1/ws",
		Token:       "tok",
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Millisecond},
	}, logger.NewTestLogger())

	err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateError, r.State())
}

// newFlakyServer upgrades every dial, optionally acknowledges auth, then
// drops the connection immediately.
func newFlakyServer(t *testing.T, ackAuth bool, dials *atomic.Int32) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		if ackAuth {
			_ = ws.WriteJSON(stream.Message{Type: stream.TypeAuthOK, Timestamp: time.Now()})
		}

		_ = ws.Close()
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestAbnormalCloseConsumesAttemptBudget(t *testing.T) {
	var dials atomic.Int32

	srv := newFlakyServer(t, false, &dials)

	r := New(Config{
		URL:         wsURL(srv),
		Token:       "tok",
		MaxAttempts: 3,
		Backoff:     []time.Duration{10 * time.Millisecond},
	}, logger.NewTestLogger())

	err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateError, r.State())
	assert.Equal(t, int32(3), dials.Load(),
		"each dropped connection costs exactly one attempt; no tight redial loop")
}

func TestAcknowledgedConnectionRestoresAttemptBudget(t *testing.T) {
	var dials atomic.Int32

	srv := newFlakyServer(t, true, &dials)

	r := New(Config{
		URL:         wsURL(srv),
		Token:       "tok",
		MaxAttempts: 4,
		Backoff:     []time.Duration{5 * time.Millisecond},
	}, logger.NewTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	require.NoError(t, err, "cancellation during reconnect is a clean stop")
	assert.Equal(t, StateDisconnected, r.State())
	assert.Greater(t, dials.Load(), int32(4),
		"an acknowledged connection must not count against the budget")
}

func TestAuthRejectionStopsReconnecting(t *testing.T) {
	srv := newHostServer(t, false)

	r := New(Config{
		URL:         wsURL(srv),
		Token:       "bad",
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Millisecond},
	}, logger.NewTestLogger())

	err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, StateError, r.State())
}

func TestContextCancellationStops(t *testing.T) {
	r := New(Config{
		URL:         "ws://127.0.0.1:1/ws",
		Token:       "tok",
		MaxAttempts: 100,
		Backoff:     []time.Duration{time.Hour},
	}, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Equal(t, StateDisconnected, r.State())
}

func TestBackoffSchedule(t *testing.T) {
	r := New(Config{URL: "ws://example/ws", Token: "tok"}, logger.NewTestLogger())

	assert.Equal(t, 1*time.Second, r.backoffFor(1))
	assert.Equal(t, 2*time.Second, r.backoffFor(2))
	assert.Equal(t, 16*time.Second, r.backoffFor(5))
	assert.Equal(t, 60*time.Second, r.backoffFor(7))
	assert.Equal(t, 60*time.Second, r.backoffFor(25), "the last delay repeats")
}

func TestSendRequiresConnection(t *testing.T) {
	r := New(Config{URL: "ws://example/ws", Token: "tok"}, logger.NewTestLogger())

	err := r.Send(stream.Message{Type: stream.TypePing})
	require.Error(t, err)
}

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

package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/termdock/termdock/pkg/logger"
	"github.com/termdock/termdock/pkg/models"
)

const nonceBytes = 16 // 128 bits

type handshakeNonce struct {
	createdAt time.Time
	expiresAt time.Time
	used      bool
}

// NonceStore holds short-lived, single-use handshake nonces. A nonce binds
// one displayed pairing artifact to one verification request.
type NonceStore struct {
	mu     sync.Mutex
	nonces map[string]*handshakeNonce
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewNonceStore creates a store whose nonces live for ttl.
func NewNonceStore(ttl time.Duration, log logger.Logger) *NonceStore {
	return &NonceStore{
		nonces: make(map[string]*handshakeNonce),
		ttl:    ttl,
		now:    time.Now,
		logger: log.WithComponent("handshake"),
	}
}

// CreateNonce mints a fresh nonce for embedding in a pairing artifact.
func (s *NonceStore) CreateNonce() (value string, expiresAt time.Time, err error) {
	raw := make([]byte, nonceBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate nonce entropy: %w", err)
	}

	value = hex.EncodeToString(raw)
	now := s.now()
	expiresAt = now.Add(s.ttl)

	s.mu.Lock()
	s.nonces[value] = &handshakeNonce{createdAt: now, expiresAt: expiresAt}
	s.mu.Unlock()

	return value, expiresAt, nil
}

// VerifyNonce consumes a nonce exactly once. Absent and expired nonces fail
// with ErrNonceInvalidOrExpired; a replay fails with ErrNonceAlreadyUsed.
func (s *NonceStore) VerifyNonce(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, ok := s.nonces[value]
	if !ok {
		return models.ErrNonceInvalidOrExpired
	}

	if s.now().After(nonce.expiresAt) {
		delete(s.nonces, value)
		return models.ErrNonceInvalidOrExpired
	}

	if nonce.used {
		return models.ErrNonceAlreadyUsed
	}

	nonce.used = true

	return nil
}

// Sweep deletes expired or used nonces to bound memory.
func (s *NonceStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	for value, nonce := range s.nonces {
		if nonce.used || now.After(nonce.expiresAt) {
			delete(s.nonces, value)
		}
	}
}

// StartSweeper runs Sweep on the interval until ctx is canceled.
func (s *NonceStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

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
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/termdock/termdock/pkg/logger"
)

const (
	tokenFile    = "token.enc"
	tokenKeyFile = "token.key"
	tokenBytes   = 32 // 256 bits of entropy
)

var errTokenFileTooShort = errors.New("token file too short to hold a sealed payload")

type tokenRecord struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

type authToken struct {
	createdAt time.Time
	expiresAt time.Time // zero = never expires
}

// TokenAuthority issues, validates, revokes and expires bearer tokens. The
// primary token is the single long-lived credential embedded in the pairing
// QR; rotating it invalidates the previous one. The primary token is
// persisted encrypted at rest, with a one-time migration from the legacy
// plaintext format.
type TokenAuthority struct {
	mu      sync.Mutex
	tokens  map[string]*authToken
	primary string
	path    string
	keyPath string
	logger  zerolog.Logger
}

// NewTokenAuthority creates the authority rooted at dataDir, restoring a
// persisted primary token if one exists.
func NewTokenAuthority(dataDir string, log logger.Logger) *TokenAuthority {
	a := &TokenAuthority{
		tokens:  make(map[string]*authToken),
		path:    filepath.Join(dataDir, tokenFile),
		keyPath: filepath.Join(dataDir, tokenKeyFile),
		logger:  log.WithComponent("tokens"),
	}

	a.restore()

	return a
}

// EnsurePrimaryToken returns the primary token, generating one on first use.
func (a *TokenAuthority) EnsurePrimaryToken() (string, error) {
	a.mu.Lock()

	if a.primary != "" {
		token := a.primary
		a.mu.Unlock()

		return token, nil
	}

	a.mu.Unlock()

	return a.GeneratePrimaryToken()
}

// GeneratePrimaryToken mints a new never-expiring primary token, invalidating
// the previous one.
func (a *TokenAuthority) GeneratePrimaryToken() (string, error) {
	value, err := randomToken()
	if err != nil {
		return "", err
	}

	a.mu.Lock()

	if a.primary != "" {
		delete(a.tokens, a.primary)
	}

	a.primary = value
	a.tokens[value] = &authToken{createdAt: time.Now()}

	a.mu.Unlock()

	a.persist(value)

	return value, nil
}

// IssueToken mints an ad-hoc token that expires after ttl.
func (a *TokenAuthority) IssueToken(ttl time.Duration) (string, time.Time, error) {
	value, err := randomToken()
	if err != nil {
		return "", time.Time{}, err
	}

	now := time.Now()
	expiresAt := now.Add(ttl)

	a.mu.Lock()
	a.tokens[value] = &authToken{createdAt: now, expiresAt: expiresAt}
	a.mu.Unlock()

	return value, expiresAt, nil
}

// Validate reports whether value is a live token. Expired tokens are removed
// lazily. Comparison is constant-time per stored token to avoid timing
// side-channels on the bearer check.
func (a *TokenAuthority) Validate(value string) bool {
	if value == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()

	for stored, tok := range a.tokens {
		if !tok.expiresAt.IsZero() && tok.expiresAt.Before(now) {
			delete(a.tokens, stored)
			continue
		}

		if subtle.ConstantTimeCompare([]byte(stored), []byte(value)) == 1 {
			return true
		}
	}

	return false
}

// IsPrimary reports whether value is the current primary token.
func (a *TokenAuthority) IsPrimary(value string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.primary == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(a.primary), []byte(value)) == 1
}

// Revoke deletes a token immediately.
func (a *TokenAuthority) Revoke(value string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.tokens, value)

	if a.primary == value {
		a.primary = ""
	}
}

// Sweep drops expired tokens.
func (a *TokenAuthority) Sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()

	for value, tok := range a.tokens {
		if !tok.expiresAt.IsZero() && tok.expiresAt.Before(now) {
			delete(a.tokens, value)
		}
	}
}

// StartSweeper runs Sweep on the interval until ctx is canceled.
func (a *TokenAuthority) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Sweep()
			}
		}
	}()
}

func randomToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token entropy: %w", err)
	}

	return hex.EncodeToString(raw), nil
}

// restore loads the persisted primary token. The sealed format is tried
// first; a legacy plaintext file is accepted once and re-persisted sealed.
func (a *TokenAuthority) restore() {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return
	}

	record, err := a.open(data)
	if err == nil {
		a.adopt(record)
		return
	}

	// Legacy plaintext migration path.
	var legacy tokenRecord
	if jsonErr := json.Unmarshal(data, &legacy); jsonErr == nil && legacy.Token != "" {
		a.logger.Info().Msg("Migrating legacy plaintext token file to encrypted format")
		a.adopt(&legacy)
		a.persist(legacy.Token)

		return
	}

	a.logger.Warn().Err(err).Str("path", a.path).Msg("Token file unreadable, a new primary token will be generated")
}

func (a *TokenAuthority) adopt(record *tokenRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.primary = record.Token
	a.tokens[record.Token] = &authToken{createdAt: record.CreatedAt}
}

// persist seals the primary token to disk. Best effort: a failure is logged
// and the in-memory token remains authoritative.
func (a *TokenAuthority) persist(token string) {
	record := tokenRecord{Token: token, CreatedAt: time.Now().UTC()}

	sealed, err := a.seal(&record)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to seal token for persistence")
		return
	}

	if err := os.MkdirAll(filepath.Dir(a.path), 0o700); err != nil {
		a.logger.Error().Err(err).Msg("Failed to create data directory for token file")
		return
	}

	if err := os.WriteFile(a.path, sealed, 0o600); err != nil {
		a.logger.Error().Err(err).Str("path", a.path).Msg("Failed to persist token file")
	}
}

func (a *TokenAuthority) seal(record *tokenRecord) ([]byte, error) {
	key, err := a.loadOrCreateKey()
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	plaintext, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token record: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate seal nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (a *TokenAuthority) open(sealed []byte) (*tokenRecord, error) {
	key, err := os.ReadFile(a.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read token key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, errTokenFileTooShort
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal token file: %w", err)
	}

	var record tokenRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token record: %w", err)
	}

	return &record, nil
}

func (a *TokenAuthority) loadOrCreateKey() ([]byte, error) {
	if key, err := os.ReadFile(a.keyPath); err == nil && len(key) == chacha20poly1305.KeySize {
		return key, nil
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate token key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(a.keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := os.WriteFile(a.keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist token key: %w", err)
	}

	return key, nil
}

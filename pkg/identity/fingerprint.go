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

// Package identity owns the host's trust-on-first-use primitives: the
// persistent fingerprint, the bearer-token authority and the single-use
// handshake nonces.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/termdock/termdock/pkg/logger"
)

const (
	fingerprintFile   = "fingerprint.json"
	fingerprintLength = 32 // hex chars, 128 bits
	fingerprintGroup  = 4
)

type fingerprintRecord struct {
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// HostIdentity generates and persists the host's long-lived opaque
// fingerprint. The fingerprint is not secret; it is the TOFU identity a
// companion pins on first pairing.
type HostIdentity struct {
	mu     sync.Mutex
	path   string
	cached string
	logger zerolog.Logger
}

// NewHostIdentity creates the identity service rooted at dataDir.
func NewHostIdentity(dataDir string, log logger.Logger) *HostIdentity {
	return &HostIdentity{
		path:   filepath.Join(dataDir, fingerprintFile),
		logger: log.WithComponent("identity"),
	}
}

// Fingerprint returns the host fingerprint, creating and persisting it on
// first need. A persistence failure is logged and the in-memory value is
// still used.
func (h *HostIdentity) Fingerprint() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cached != "" {
		return h.cached, nil
	}

	if value, ok := h.load(); ok {
		h.cached = value
		return value, nil
	}

	return h.generateLocked()
}

// FormattedFingerprint renders the fingerprint in fixed-width groups for
// human verification, like an SSH host-key fingerprint.
func (h *HostIdentity) FormattedFingerprint() (string, error) {
	value, err := h.Fingerprint()
	if err != nil {
		return "", err
	}

	groups := make([]string, 0, len(value)/fingerprintGroup)
	for i := 0; i < len(value); i += fingerprintGroup {
		end := i + fingerprintGroup
		if end > len(value) {
			end = len(value)
		}

		groups = append(groups, value[i:end])
	}

	return strings.ToUpper(strings.Join(groups, "-")), nil
}

// Reset discards the current fingerprint and generates a new one. Prior
// client trust is invalidated; companions will see a fingerprint mismatch.
func (h *HostIdentity) Reset() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cached = ""

	return h.generateLocked()
}

func (h *HostIdentity) load() (string, bool) {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return "", false
	}

	var record fingerprintRecord
	if err := json.Unmarshal(data, &record); err != nil {
		h.logger.Warn().Err(err).Str("path", h.path).Msg("Identity file corrupt, regenerating fingerprint")
		return "", false
	}

	if !plausibleFingerprint(record.Fingerprint) {
		h.logger.Warn().Str("path", h.path).Msg("Identity file holds an implausible fingerprint, regenerating")
		return "", false
	}

	return record.Fingerprint, true
}

func (h *HostIdentity) generateLocked() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate fingerprint entropy: %w", err)
	}

	sum := sha256.Sum256(raw)
	value := hex.EncodeToString(sum[:])[:fingerprintLength]

	record := fingerprintRecord{Fingerprint: value, CreatedAt: time.Now().UTC()}

	if err := writeFileAtomic(h.path, record, 0o644); err != nil {
		// Best effort: the in-memory fingerprint is still served.
		h.logger.Error().Err(err).Str("path", h.path).Msg("Failed to persist fingerprint")
	}

	h.cached = value

	return value, nil
}

func plausibleFingerprint(value string) bool {
	if len(value) != fingerprintLength {
		return false
	}

	_, err := hex.DecodeString(value)

	return err == nil
}

func writeFileAtomic(path string, v interface{}, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}

	return nil
}

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

package models

import "time"

// PairingPayload is the version-2 QR payload a companion scans to pair.
// Hosts enumerates every plausible reachable address so the client can try
// each in turn.
type PairingPayload struct {
	Type         string    `json:"type"`
	Version      int       `json:"version"`
	Host         string    `json:"host"`
	Hosts        []string  `json:"hosts"`
	Port         int       `json:"port"`
	Token        string    `json:"token"`
	Fingerprint  string    `json:"fingerprint"`
	Nonce        string    `json:"nonce"`
	NonceExpires time.Time `json:"nonceExpires"`
}

const (
	PairingPayloadType    = "termdock-pairing"
	PairingPayloadVersion = 2
)

// ConnectInfo is the unauthenticated discovery payload served by GET /connect.
// It never carries the bearer token.
type ConnectInfo struct {
	Port        int      `json:"port"`
	Addresses   []string `json:"addresses"`
	Fingerprint string   `json:"fingerprint"`
}

// HealthStatus is the GET /health payload.
type HealthStatus struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// VerifyHandshakeRequest is the POST /verify-handshake body.
type VerifyHandshakeRequest struct {
	Nonce string `json:"nonce"`
}

// VerifyHandshakeResponse reports the outcome of a handshake verification.
type VerifyHandshakeResponse struct {
	Valid       bool   `json:"valid"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Error       string `json:"error,omitempty"`
}

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

// Package origin classifies client network addresses into trust tiers.
// Classification is pure and total: any input that does not parse as an
// address classifies as Public.
package origin

import (
	"net"
	"net/http"
	"strings"
)

// Tier is the trust classification of a request's source address.
type Tier int

const (
	// Public is any address outside the loopback and private ranges,
	// including anything unparseable. Least trusted.
	Public Tier = iota
	// PrivateNetwork covers RFC 1918 ranges plus link-local.
	PrivateNetwork
	// Loopback is the local machine itself. Most trusted.
	Loopback
)

func (t Tier) String() string {
	switch t {
	case Loopback:
		return "loopback"
	case PrivateNetwork:
		return "private"
	default:
		return "public"
	}
}

var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	blocks := make([]*net.IPNet, 0, len(cidrs))

	for _, c := range cidrs {
		_, block, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}

		blocks = append(blocks, block)
	}

	return blocks
}

// Classify maps a textual network address to a trust tier. The address may
// carry a port ("192.168.1.5:4711") or be a bare IP. Hostnames are never
// resolved; they classify as Public.
func Classify(addr string) Tier {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	host = strings.Trim(host, "[]")

	ip := net.ParseIP(host)
	if ip == nil {
		return Public
	}

	// IsLoopback covers 127.0.0.0/8, ::1 and the IPv4-mapped loopback.
	if ip.IsLoopback() {
		return Loopback
	}

	if v4 := ip.To4(); v4 != nil {
		for _, block := range privateBlocks {
			if block.Contains(v4) {
				return PrivateNetwork
			}
		}
	}

	return Public
}

// FromRequest classifies the request's effective client address. The
// X-Forwarded-For header is trusted only when the direct peer itself is
// loopback (a local reverse proxy); otherwise the peer address wins.
func FromRequest(r *http.Request) Tier {
	peer := Classify(r.RemoteAddr)

	if peer == Loopback {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			return Classify(first)
		}
	}

	return peer
}

// ClientAddr returns the effective client address for rate-limit keying,
// applying the same forwarded-header rule as FromRequest.
func ClientAddr(r *http.Request) string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}

	if Classify(r.RemoteAddr) == Loopback {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			return strings.TrimSpace(strings.Split(fwd, ",")[0])
		}
	}

	return host
}

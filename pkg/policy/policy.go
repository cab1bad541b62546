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

// Package policy maps (path, method) to a required trust level and decides
// whether an origin tier satisfies it. The table is an ordered list of
// rules, first match wins; unmatched paths default to the read level, the
// least privilege.
package policy

import (
	"fmt"
	"strings"

	"github.com/termdock/termdock/pkg/models"
	"github.com/termdock/termdock/pkg/origin"
)

// Level is the required trust level for an endpoint.
type Level int

const (
	// Read endpoints list or fetch state. Reachable from any tier with a
	// valid token.
	Read Level = iota
	// Write endpoints mutate state. Loopback and private network only.
	Write
	// Admin endpoints change host configuration. Loopback only.
	Admin
)

func (l Level) String() string {
	switch l {
	case Admin:
		return "admin"
	case Write:
		return "write"
	default:
		return "read"
	}
}

// ParseLevel converts a config string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "read":
		return Read, nil
	case "write":
		return Write, nil
	case "admin":
		return Admin, nil
	default:
		return Read, fmt.Errorf("unknown access level %q", s) //nolint:err113 // config parse detail
	}
}

type rule struct {
	pathPrefix string
	methods    map[string]bool // empty = any method
	level      Level
}

func (r *rule) matches(method, path string) bool {
	if !strings.HasPrefix(path, r.pathPrefix) {
		return false
	}

	if len(r.methods) == 0 {
		return true
	}

	return r.methods[method]
}

type bypassEntry struct {
	method string // "" = any method
	path   string
	prefix bool
}

// Policy is the evaluated access table.
type Policy struct {
	rules  []rule
	bypass []bypassEntry
}

// mutatingMethods is the method set for write/admin rules.
func mutatingMethods() map[string]bool {
	return map[string]bool{"POST": true, "PUT": true, "PATCH": true, "DELETE": true}
}

// defaultRules is the built-in tier table. Kept data-driven so tests can
// enumerate every route against its expected level, and so config can
// replace it wholesale.
func defaultRules() []rule {
	return []rule{
		{pathPrefix: "/api/settings", methods: mutatingMethods(), level: Admin},
		{pathPrefix: "/api/pairing", level: Admin},
		{pathPrefix: "/api/sessions", methods: mutatingMethods(), level: Write},
		{pathPrefix: "/api/workspaces", methods: mutatingMethods(), level: Write},
		{pathPrefix: "/api/tasks", methods: mutatingMethods(), level: Write},
		{pathPrefix: "/api/speech", methods: mutatingMethods(), level: Write},
		{pathPrefix: "/api/files", methods: mutatingMethods(), level: Write},
		{pathPrefix: "/ws", level: Write},
	}
}

func defaultBypass() []bypassEntry {
	return []bypassEntry{
		{method: "GET", path: "/health"},
		{method: "GET", path: "/connect"},
		{method: "POST", path: "/verify-handshake"},
		{path: "/app", prefix: true},
	}
}

// New builds a Policy from config. An empty rule list keeps the built-in
// table; the bypass set is fixed because those endpoints must work before
// any token exists.
func New(cfg models.PolicyConfig) (*Policy, error) {
	p := &Policy{bypass: defaultBypass()}

	if len(cfg.Rules) == 0 {
		p.rules = defaultRules()
		return p, nil
	}

	for _, rc := range cfg.Rules {
		level, err := ParseLevel(rc.Tier)
		if err != nil {
			return nil, fmt.Errorf("invalid policy rule for %q: %w", rc.PathPrefix, err)
		}

		methods := make(map[string]bool, len(rc.Methods))
		for _, m := range rc.Methods {
			methods[strings.ToUpper(m)] = true
		}

		p.rules = append(p.rules, rule{pathPrefix: rc.PathPrefix, methods: methods, level: level})
	}

	return p, nil
}

// RequiredLevel resolves the level for an endpoint. Total: unmatched paths
// are Read.
func (p *Policy) RequiredLevel(method, path string) Level {
	for i := range p.rules {
		if p.rules[i].matches(method, path) {
			return p.rules[i].level
		}
	}

	return Read
}

// Bypassed reports whether the endpoint skips the gateway entirely. These
// are the routes a client needs before it holds any token.
func (p *Policy) Bypassed(method, path string) bool {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		path = "/"
	}

	for _, b := range p.bypass {
		if b.method != "" && b.method != method {
			continue
		}

		if b.prefix {
			if strings.HasPrefix(path, b.path) {
				return true
			}

			continue
		}

		if path == b.path {
			return true
		}
	}

	return false
}

// IsAccessAllowed decides the monotone tier lattice: loopback satisfies
// everything, private network satisfies write and read, public only read.
func IsAccessAllowed(tier origin.Tier, required Level) bool {
	switch required {
	case Admin:
		return tier == origin.Loopback
	case Write:
		return tier == origin.Loopback || tier == origin.PrivateNetwork
	default:
		return true
	}
}

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

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdock/termdock/pkg/models"
	"github.com/termdock/termdock/pkg/origin"
)

func TestRequiredLevelDefaultTable(t *testing.T) {
	p, err := New(models.PolicyConfig{})
	require.NoError(t, err)

	tests := []struct {
		method   string
		path     string
		expected Level
	}{
		{"POST", "/api/settings", Admin},
		{"PUT", "/api/settings/display", Admin},
		{"GET", "/api/settings", Read},
		{"GET", "/api/pairing", Admin},
		{"POST", "/api/sessions", Write},
		{"DELETE", "/api/sessions/abc", Write},
		{"GET", "/api/sessions", Read},
		{"POST", "/api/workspaces", Write},
		{"PATCH", "/api/tasks/7", Write},
		{"POST", "/api/speech/say", Write},
		{"POST", "/api/files/upload", Write},
		{"GET", "/api/files", Read},
		{"GET", "/ws", Write},
		{"GET", "/ws/sessions/abc", Write},
		{"GET", "/api/unknown", Read},
		{"POST", "/totally/unmatched", Read},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, p.RequiredLevel(tt.method, tt.path),
			"%s %s", tt.method, tt.path)
	}
}

func TestBypassSet(t *testing.T) {
	p, err := New(models.PolicyConfig{})
	require.NoError(t, err)

	assert.True(t, p.Bypassed("GET", "/health"))
	assert.True(t, p.Bypassed("GET", "/connect"))
	assert.True(t, p.Bypassed("POST", "/verify-handshake"))
	assert.True(t, p.Bypassed("GET", "/app/index.html"))

	assert.False(t, p.Bypassed("POST", "/health"), "bypass is method-specific")
	assert.False(t, p.Bypassed("GET", "/verify-handshake"))
	assert.False(t, p.Bypassed("GET", "/api/sessions"))
}

func TestIsAccessAllowedLattice(t *testing.T) {
	tests := []struct {
		tier     origin.Tier
		required Level
		allowed  bool
	}{
		{origin.Loopback, Admin, true},
		{origin.Loopback, Write, true},
		{origin.Loopback, Read, true},
		{origin.PrivateNetwork, Admin, false},
		{origin.PrivateNetwork, Write, true},
		{origin.PrivateNetwork, Read, true},
		{origin.Public, Admin, false},
		{origin.Public, Write, false},
		{origin.Public, Read, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, IsAccessAllowed(tt.tier, tt.required),
			"tier=%s required=%s", tt.tier, tt.required)
	}
}

func TestConfiguredRulesReplaceDefaults(t *testing.T) {
	cfg := models.PolicyConfig{
		Rules: []models.PolicyRuleConfig{
			{PathPrefix: "/api/custom", Methods: []string{"post"}, Tier: "admin"},
		},
	}

	p, err := New(cfg)
	require.NoError(t, err)

	assert.Equal(t, Admin, p.RequiredLevel("POST", "/api/custom"))
	assert.Equal(t, Read, p.RequiredLevel("GET", "/api/custom"))

	// Defaults are gone once config supplies a table.
	assert.Equal(t, Read, p.RequiredLevel("POST", "/api/sessions"))
}

func TestConfiguredRuleBadTier(t *testing.T) {
	cfg := models.PolicyConfig{
		Rules: []models.PolicyRuleConfig{
			{PathPrefix: "/x", Tier: "superuser"},
		},
	}

	_, err := New(cfg)
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for s, expected := range map[string]Level{"read": Read, "write": Write, "admin": Admin, "ADMIN": Admin} {
		level, err := ParseLevel(s)
		require.NoError(t, err)
		assert.Equal(t, expected, level)
	}

	_, err := ParseLevel("root")
	assert.Error(t, err)
}

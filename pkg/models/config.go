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

// Package models defines the shared configuration and wire types for termdock.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/termdock/termdock/pkg/logger"
)

var errDataDirRequired = errors.New("data_dir is required")

// ServerConfig is the top-level daemon configuration, loaded from JSON.
type ServerConfig struct {
	ListenAddr string          `json:"listen_addr"`
	Port       int             `json:"port"`
	DataDir    string          `json:"data_dir"`
	ExtraHosts []string        `json:"extra_hosts,omitempty"`
	Shell      string          `json:"shell,omitempty"`
	RateLimit  RateLimitConfig `json:"rate_limit"`
	Stream     StreamConfig    `json:"stream"`
	Policy     PolicyConfig    `json:"policy"`
	Logging    *logger.Config  `json:"logging,omitempty"`
}

// RateLimitConfig tunes both abuse guards. Zero values take the defaults.
type RateLimitConfig struct {
	MaxAuthFailures int             `json:"max_auth_failures"`
	AuthWindow      logger.Duration `json:"auth_window"`
	BlockDuration   logger.Duration `json:"block_duration"`
	EndpointBudget  int             `json:"endpoint_budget"`
	EndpointWindow  logger.Duration `json:"endpoint_window"`
	SweepInterval   logger.Duration `json:"sweep_interval"`
}

// StreamConfig tunes the persistent-connection layer.
type StreamConfig struct {
	AuthTimeout     logger.Duration `json:"auth_timeout"`
	PingInterval    logger.Duration `json:"ping_interval"`
	LivenessTimeout logger.Duration `json:"liveness_timeout"`
	WriteTimeout    logger.Duration `json:"write_timeout"`
	BufferCap       int             `json:"buffer_cap"`
}

// PolicyRuleConfig is one entry of the access-tier table. Methods empty
// means "any method".
type PolicyRuleConfig struct {
	PathPrefix string   `json:"path_prefix"`
	Methods    []string `json:"methods,omitempty"`
	Tier       string   `json:"tier"`
}

// PolicyConfig optionally replaces the built-in access-tier table.
type PolicyConfig struct {
	Rules []PolicyRuleConfig `json:"rules,omitempty"`
}

const (
	DefaultMaxAuthFailures = 5
	DefaultAuthWindow      = 15 * time.Minute
	DefaultBlockDuration   = 15 * time.Minute
	DefaultEndpointBudget  = 60
	DefaultEndpointWindow  = time.Minute
	DefaultSweepInterval   = 5 * time.Minute

	DefaultAuthTimeout     = 10 * time.Second
	DefaultPingInterval    = 30 * time.Second
	DefaultLivenessTimeout = 90 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultBufferCap       = 256
)

// Normalize fills unset fields with defaults.
func (c *ServerConfig) Normalize() {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0"
	}

	if c.Port == 0 {
		c.Port = 8090
	}

	if c.RateLimit.MaxAuthFailures == 0 {
		c.RateLimit.MaxAuthFailures = DefaultMaxAuthFailures
	}

	if c.RateLimit.AuthWindow == 0 {
		c.RateLimit.AuthWindow = logger.Duration(DefaultAuthWindow)
	}

	if c.RateLimit.BlockDuration == 0 {
		c.RateLimit.BlockDuration = logger.Duration(DefaultBlockDuration)
	}

	if c.RateLimit.EndpointBudget == 0 {
		c.RateLimit.EndpointBudget = DefaultEndpointBudget
	}

	if c.RateLimit.EndpointWindow == 0 {
		c.RateLimit.EndpointWindow = logger.Duration(DefaultEndpointWindow)
	}

	if c.RateLimit.SweepInterval == 0 {
		c.RateLimit.SweepInterval = logger.Duration(DefaultSweepInterval)
	}

	if c.Stream.AuthTimeout == 0 {
		c.Stream.AuthTimeout = logger.Duration(DefaultAuthTimeout)
	}

	if c.Stream.PingInterval == 0 {
		c.Stream.PingInterval = logger.Duration(DefaultPingInterval)
	}

	if c.Stream.LivenessTimeout == 0 {
		c.Stream.LivenessTimeout = logger.Duration(DefaultLivenessTimeout)
	}

	if c.Stream.WriteTimeout == 0 {
		c.Stream.WriteTimeout = logger.Duration(DefaultWriteTimeout)
	}

	if c.Stream.BufferCap == 0 {
		c.Stream.BufferCap = DefaultBufferCap
	}
}

// Validate rejects values Normalize cannot repair.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}

	if c.DataDir == "" {
		return errDataDirRequired
	}

	return nil
}

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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/termdock/termdock/pkg/api"
	"github.com/termdock/termdock/pkg/config"
	"github.com/termdock/termdock/pkg/identity"
	"github.com/termdock/termdock/pkg/logger"
	"github.com/termdock/termdock/pkg/models"
	"github.com/termdock/termdock/pkg/policy"
	"github.com/termdock/termdock/pkg/ratelimit"
	"github.com/termdock/termdock/pkg/shellrt"
	"github.com/termdock/termdock/pkg/stream"
	"github.com/termdock/termdock/pkg/version"
)

const (
	nonceTTL        = 5 * time.Minute
	nonceSweepEvery = time.Minute
	tokenSweepEvery = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/termdock/termdockd.json", "Path to termdockd config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootLog, err := logger.New(ctx, logger.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	var cfg models.ServerConfig
	if err := config.NewConfig(bootLog).LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	lg := bootLog

	if cfg.Logging != nil {
		lg, err = logger.New(ctx, cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
	}

	hostID := identity.NewHostIdentity(cfg.DataDir, lg)
	tokens := identity.NewTokenAuthority(cfg.DataDir, lg)
	nonces := identity.NewNonceStore(nonceTTL, lg)

	if _, err := tokens.EnsurePrimaryToken(); err != nil {
		return fmt.Errorf("failed to establish primary token: %w", err)
	}

	formatted, err := hostID.FormattedFingerprint()
	if err != nil {
		return fmt.Errorf("failed to establish host identity: %w", err)
	}

	lg.Info().Str("fingerprint", formatted).Msg("Host identity ready")

	accessPolicy, err := policy.New(cfg.Policy)
	if err != nil {
		return fmt.Errorf("invalid access policy: %w", err)
	}

	authLim := ratelimit.NewAuthLimiter(
		cfg.RateLimit.MaxAuthFailures,
		time.Duration(cfg.RateLimit.AuthWindow),
		time.Duration(cfg.RateLimit.BlockDuration),
		lg)
	endLim := ratelimit.NewEndpointLimiter(
		cfg.RateLimit.EndpointBudget,
		time.Duration(cfg.RateLimit.EndpointWindow),
		lg)

	sweepEvery := time.Duration(cfg.RateLimit.SweepInterval)
	authLim.StartSweeper(ctx, sweepEvery)
	endLim.StartSweeper(ctx, sweepEvery)
	nonces.StartSweeper(ctx, nonceSweepEvery)
	tokens.StartSweeper(ctx, tokenSweepEvery)

	runtime := shellrt.New(cfg.Shell, lg)

	manager := stream.NewManager(runtime, tokens, cfg.Stream, lg,
		stream.WithAuthCallbacks(
			func(remoteAddr string) { authLim.RecordFailure(hostOnly(remoteAddr)) },
			func(remoteAddr string) { authLim.RecordSuccess(hostOnly(remoteAddr)) },
		))

	go manager.Run(ctx)

	srv := api.NewAPIServer(&cfg, lg,
		api.WithHostIdentity(hostID),
		api.WithTokenAuthority(tokens),
		api.WithNonceStore(nonces),
		api.WithPolicy(accessPolicy),
		api.WithLimiters(authLim, endLim),
		api.WithStreamManager(manager),
		api.WithRuntime(runtime),
		api.WithVersion(version.GetVersion()),
	)

	return srv.Start(ctx)
}

// hostOnly strips the port so WebSocket auth failures share limiter entries
// with HTTP ones.
func hostOnly(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}

	return remoteAddr
}

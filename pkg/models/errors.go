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

import (
	"errors"
	"fmt"
	"time"
)

// Terminal request/connection errors. Each maps to a specific status and
// machine-readable reason; none are retried by the server.
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrInvalidToken           = errors.New("invalid or expired token")
	ErrNonceInvalidOrExpired  = errors.New("nonce invalid or expired")
	ErrNonceAlreadyUsed       = errors.New("nonce already used")
	ErrUpgradeAuthTimeout     = errors.New("upgrade authentication timed out")
	ErrUpgradeUnknownPath     = errors.New("unknown upgrade path")
	ErrStreamNotFound         = errors.New("stream not found")
)

// RateLimitedError is returned when an origin is blocked or over budget.
// Routine outcome, not logged as an error.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

// AccessDeniedError names both the required and the actual trust tier.
type AccessDeniedError struct {
	Required string
	Actual   string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: requires %s trust tier, request origin is %s", e.Required, e.Actual)
}
